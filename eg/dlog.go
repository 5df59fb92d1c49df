package eg

import (
	"math"
	"sync"

	"go.dedis.ch/egtally"
	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"
)

// ErrNotFound is returned when a plaintext is larger than the bound of
// the discrete log table.
var ErrNotFound = xerrors.New("discrete log out of range")

// DLog solves mG -> m for 0 <= m <= Max with baby-step giant-step. The
// table of baby steps is built on first use and then shared read-only.
type DLog struct {
	Max int64

	once  sync.Once
	step  int64
	table map[string]int64
	giant kyber.Point
}

// NewDLog returns a solver for plaintexts up to max.
func NewDLog(max int64) *DLog {
	return &DLog{Max: max}
}

func (d *DLog) init() {
	d.step = int64(math.Ceil(math.Sqrt(float64(d.Max + 1))))
	if d.step < 1 {
		d.step = 1
	}
	d.table = make(map[string]int64, d.step)
	P := egtally.Suite.Point().Null()
	G := egtally.Suite.Point().Base()
	for j := int64(0); j < d.step; j++ {
		d.table[P.String()] = j
		P = egtally.Suite.Point().Add(P, G)
	}
	// P is now step·G
	d.giant = egtally.Suite.Point().Neg(P)
}

// Solve returns m such that M = mG.
func (d *DLog) Solve(M kyber.Point) (int64, error) {
	if d.Max < 0 {
		return 0, ErrNotFound
	}
	d.once.Do(d.init)
	gamma := M.Clone()
	for i := int64(0); i*d.step <= d.Max; i++ {
		if j, ok := d.table[gamma.String()]; ok {
			if m := i*d.step + j; m <= d.Max {
				return m, nil
			}
			return 0, ErrNotFound
		}
		gamma = egtally.Suite.Point().Add(gamma, d.giant)
	}
	return 0, ErrNotFound
}
