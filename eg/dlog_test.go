package eg

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/egtally"
)

func TestDLog_Solve(t *testing.T) {
	dl := NewDLog(1000)
	for _, m := range []int64{0, 1, 31, 32, 33, 999, 1000} {
		M := egtally.Suite.Point().Mul(egtally.Suite.Scalar().SetInt64(m), nil)
		got, err := dl.Solve(M)
		require.NoError(t, err)
		require.Equal(t, m, got)
	}

	M := egtally.Suite.Point().Mul(egtally.Suite.Scalar().SetInt64(1001), nil)
	_, err := dl.Solve(M)
	require.Equal(t, ErrNotFound, err)
}

func TestDLog_Concurrent(t *testing.T) {
	dl := NewDLog(500)
	var wg sync.WaitGroup
	for m := int64(0); m < 20; m++ {
		wg.Add(1)
		go func(m int64) {
			defer wg.Done()
			M := egtally.Suite.Point().Mul(egtally.Suite.Scalar().SetInt64(m*25), nil)
			got, err := dl.Solve(M)
			assert.NoError(t, err)
			assert.Equal(t, m*25, got)
		}(m)
	}
	wg.Wait()
}
