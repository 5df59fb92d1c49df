package eg

import (
	"go.dedis.ch/egtally"
	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"
)

// Lagrange returns the coefficient of x at zero over the index set:
// the product over j != x of j / (j - x).
func Lagrange(x uint32, set []uint32) (kyber.Scalar, error) {
	if err := checkSet(set); err != nil {
		return nil, err
	}
	found := false
	num := egtally.Suite.Scalar().One()
	den := egtally.Suite.Scalar().One()
	xs := egtally.Suite.Scalar().SetInt64(int64(x))
	for _, j := range set {
		if j == x {
			found = true
			continue
		}
		js := egtally.Suite.Scalar().SetInt64(int64(j))
		num.Mul(num, js)
		den.Mul(den, egtally.Suite.Scalar().Sub(js, xs))
	}
	if !found {
		return nil, xerrors.Errorf("index %d is not part of the set", x)
	}
	return num.Div(num, den), nil
}

// LagrangeSet returns the coefficients of every index of the set.
func LagrangeSet(set []uint32) (map[uint32]kyber.Scalar, error) {
	w := make(map[uint32]kyber.Scalar, len(set))
	for _, x := range set {
		c, err := Lagrange(x, set)
		if err != nil {
			return nil, err
		}
		w[x] = c
	}
	return w, nil
}

func checkSet(set []uint32) error {
	if len(set) == 0 {
		return xerrors.New("empty index set")
	}
	seen := make(map[uint32]bool, len(set))
	for _, j := range set {
		if j == 0 {
			return xerrors.New("guardian indices start at 1")
		}
		if seen[j] {
			return xerrors.Errorf("index %d appears twice", j)
		}
		seen[j] = true
	}
	return nil
}
