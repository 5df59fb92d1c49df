package main

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/egtally"
	"go.dedis.ch/egtally/eg"
	"go.dedis.ch/egtally/guardian"
	"go.dedis.ch/egtally/record"
	"go.dedis.ch/onet/v3/log"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

func TestParseCounts(t *testing.T) {
	counts, err := parseCounts("a=3, b=0,c=12")
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"a": 3, "b": 0, "c": 12}, counts)

	for _, s := range []string{"", "a", "a=-1", "=3", "a=1,a=2", "a=x"} {
		_, err := parseCounts(s)
		require.Error(t, err, s)
	}
}

func TestParseIndices(t *testing.T) {
	indices, err := parseIndices("1, 3,5")
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 3, 5}, indices)

	for _, s := range []string{"", "0", "1,x", "-2"} {
		_, err := parseIndices(s)
		require.Error(t, err, s)
	}
}

func TestRestrict(t *testing.T) {
	all := map[uint32]guardian.Remote{
		1: guardian.NewLocal("a"),
		2: guardian.NewLocal("b"),
		3: guardian.NewLocal("c"),
	}
	present := restrict(all, []uint32{1, 3, 4})
	require.Len(t, present, 2)
	require.Equal(t, "c", present[3].Address())
}

func TestBuildTally(t *testing.T) {
	p := eg.NewSecretPolynomial(1)
	c, err := eg.Commit(p, 1, []byte("election"))
	require.NoError(t, err)
	e := &record.ElectionInitialized{
		ID:                []byte("election"),
		Quorum:            1,
		NumberOfGuardians: 1,
		Guardians:         []*record.Guardian{{Index: 1, ID: "a", Commitment: c}},
		JointKey:          c.PublicKey(),
	}
	tally, err := buildTally(e, "t", map[string]int64{"b": 2, "a": 7})
	require.NoError(t, err)
	require.Equal(t, "a", tally.Components[0].ID)
	m, err := eg.NewDLog(10).Solve(tally.Components[0].Ciphertext.Decrypt(p.Secret()))
	require.NoError(t, err)
	require.Equal(t, int64(7), m)

	e.JointKey = egtally.Suite.Point().Base()
	_, err = buildTally(e, "t", map[string]int64{"a": 1})
	require.Error(t, err)
}
