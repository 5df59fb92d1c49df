package eg

import (
	"encoding/binary"
	"sort"

	"go.dedis.ch/egtally"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/util/random"
	"golang.org/x/xerrors"
)

// SecretPolynomial is the degree k-1 polynomial P_i of a guardian. Its
// constant term is the guardian's private key share and P_i(j) is the
// backup handed to guardian j. Guardian indices start at 1, so P_i is never
// evaluated at zero.
type SecretPolynomial struct {
	poly *share.PriPoly
}

// NewSecretPolynomial picks a random polynomial for a threshold of k.
func NewSecretPolynomial(k int) *SecretPolynomial {
	return &SecretPolynomial{
		poly: share.NewPriPoly(egtally.Suite, k, nil, random.New()),
	}
}

// PolynomialFromCoefficients rebuilds a polynomial from stored
// coefficients, lowest degree first.
func PolynomialFromCoefficients(coeffs []kyber.Scalar) *SecretPolynomial {
	return &SecretPolynomial{
		poly: share.CoefficientsToPriPoly(egtally.Suite, coeffs),
	}
}

// Threshold returns k.
func (p *SecretPolynomial) Threshold() int {
	return p.poly.Threshold()
}

// Secret returns the constant term.
func (p *SecretPolynomial) Secret() kyber.Scalar {
	return p.poly.Secret()
}

// Coefficients returns the coefficients, lowest degree first.
func (p *SecretPolynomial) Coefficients() []kyber.Scalar {
	return p.poly.Coefficients()
}

// Eval returns P(x) for the guardian index x.
func (p *SecretPolynomial) Eval(x uint32) kyber.Scalar {
	return p.poly.Eval(int(x) - 1).V
}

// Commitment is the public side of a SecretPolynomial: one point per
// coefficient, each with a Schnorr proof that the guardian knows the
// discrete log.
type Commitment struct {
	Guardian     uint32
	Coefficients []kyber.Point
	Proofs       [][]byte
}

// Commit commits to the polynomial. The context binds the proofs to a
// ceremony so they cannot be replayed in another one.
func Commit(p *SecretPolynomial, guardian uint32, context []byte) (*Commitment, error) {
	coeffs := p.Coefficients()
	c := &Commitment{
		Guardian:     guardian,
		Coefficients: make([]kyber.Point, len(coeffs)),
		Proofs:       make([][]byte, len(coeffs)),
	}
	for l, a := range coeffs {
		c.Coefficients[l] = egtally.Suite.Point().Mul(a, nil)
		msg, err := coefficientMessage(context, guardian, l, c.Coefficients[l])
		if err != nil {
			return nil, err
		}
		c.Proofs[l], err = schnorr.Sign(egtally.Suite, a, msg)
		if err != nil {
			return nil, xerrors.Errorf("signing coefficient %d: %v", l, err)
		}
	}
	return c, nil
}

// Verify checks that the commitment has k coefficients and that every
// proof of knowledge holds for the context.
func (c *Commitment) Verify(context []byte, k int) error {
	if len(c.Coefficients) != k || len(c.Proofs) != k {
		return egtally.NewGuardianError(egtally.ErrInvalidCommitment, c.Guardian, "",
			xerrors.Errorf("%d coefficients and %d proofs for a threshold of %d",
				len(c.Coefficients), len(c.Proofs), k))
	}
	for l, K := range c.Coefficients {
		if K == nil {
			return egtally.NewGuardianError(egtally.ErrInvalidCommitment, c.Guardian, "",
				xerrors.Errorf("coefficient %d is missing", l))
		}
		msg, err := coefficientMessage(context, c.Guardian, l, K)
		if err != nil {
			return egtally.NewGuardianError(egtally.ErrInvalidCommitment, c.Guardian, "", err)
		}
		if err := schnorr.Verify(egtally.Suite, K, msg, c.Proofs[l]); err != nil {
			return egtally.NewGuardianError(egtally.ErrInvalidCommitment, c.Guardian, "",
				xerrors.Errorf("coefficient %d: %v", l, err))
		}
	}
	return nil
}

// PublicKey returns the guardian's public key share g^{P(0)}.
func (c *Commitment) PublicKey() kyber.Point {
	return c.Coefficients[0]
}

// PubPoly returns the commitment as a kyber public polynomial.
func (c *Commitment) PubPoly() *share.PubPoly {
	return share.NewPubPoly(egtally.Suite, nil, c.Coefficients)
}

// Eval returns g^{P(x)} for the guardian index x.
func (c *Commitment) Eval(x uint32) kyber.Point {
	return c.PubPoly().Eval(int(x) - 1).V
}

// Equal returns true if both commitments are from the same guardian and
// hold the same coefficients. Proofs are not compared because Schnorr
// signatures are randomised.
func (c *Commitment) Equal(o *Commitment) bool {
	if c.Guardian != o.Guardian || len(c.Coefficients) != len(o.Coefficients) {
		return false
	}
	for l := range c.Coefficients {
		if !c.Coefficients[l].Equal(o.Coefficients[l]) {
			return false
		}
	}
	return true
}

// RecoveryKey returns g^{P_i(j)}, the public key against which guardian j
// proves the shares it computes on behalf of guardian i.
func RecoveryKey(missing *Commitment, j uint32) kyber.Point {
	return missing.Eval(j)
}

// JointKey adds up the public key shares in guardian index order.
func JointKey(commitments []*Commitment) kyber.Point {
	sorted := make([]*Commitment, len(commitments))
	copy(sorted, commitments)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Guardian < sorted[j].Guardian
	})
	K := egtally.Suite.Point().Null()
	for _, c := range sorted {
		K.Add(K, c.PublicKey())
	}
	return K
}

func coefficientMessage(context []byte, guardian uint32, l int, K kyber.Point) ([]byte, error) {
	h := egtally.Suite.Hash()
	h.Write(context)
	var idx [8]byte
	binary.BigEndian.PutUint32(idx[:4], guardian)
	binary.BigEndian.PutUint32(idx[4:], uint32(l))
	h.Write(idx[:])
	if _, err := K.MarshalTo(h); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
