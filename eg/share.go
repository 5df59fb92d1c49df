package eg

import (
	"go.dedis.ch/egtally"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/proof/dleq"
	"golang.org/x/xerrors"
)

// ShareKind tells a direct share from a compensated one.
type ShareKind int32

const (
	// Direct shares are computed by a guardian with its own key share.
	Direct ShareKind = iota
	// Compensated shares are computed by a guardian on behalf of a missing
	// one, from the backup the missing guardian gave it.
	Compensated
)

func (k ShareKind) String() string {
	if k == Compensated {
		return "compensated"
	}
	return "direct"
}

// Share is the partial decryption of one tally component. Guardian is
// the index of the guardian that computed it; Missing is the guardian on
// whose behalf a compensated share stands and is zero for a direct share.
// RecoveryKey is the public key the proof is relative to, as announced by
// the guardian.
type Share struct {
	Kind        ShareKind
	Guardian    uint32
	Missing     uint32
	Component   string
	Partial     kyber.Point
	Proof       *dleq.Proof
	RecoveryKey kyber.Point
}

// Slot returns the guardian whose contribution the share carries.
func (s *Share) Slot() uint32 {
	if s.Kind == Compensated {
		return s.Missing
	}
	return s.Guardian
}

// PartialDecrypt returns secret·Alpha and a Chaum-Pedersen proof that it
// uses the same secret as the public key secret·G.
func PartialDecrypt(ct *Ciphertext, secret kyber.Scalar) (kyber.Point, *dleq.Proof, error) {
	if !ct.Valid() {
		return nil, nil, xerrors.New("invalid ciphertext")
	}
	proof, _, partial, err := dleq.NewDLEQProof(egtally.Suite, egtally.Suite.Point().Base(), ct.Alpha, secret)
	if err != nil {
		return nil, nil, err
	}
	return partial, proof, nil
}

// VerifyProof returns true if the proof shows that partial = x·Alpha for
// the x such that public = x·G.
func VerifyProof(proof *dleq.Proof, public kyber.Point, ct *Ciphertext, partial kyber.Point) bool {
	if proof == nil || proof.C == nil || proof.R == nil || proof.VG == nil || proof.VH == nil {
		return false
	}
	if public == nil || partial == nil || !ct.Valid() {
		return false
	}
	return proof.Verify(egtally.Suite, egtally.Suite.Point().Base(), ct.Alpha, public, partial) == nil
}

// Verify checks the share against the public key expected for its slot,
// which the caller computes from the published commitments and never
// takes from the share itself.
func (s *Share) Verify(ct *Ciphertext, expected kyber.Point) error {
	fail := func(msg string) error {
		return egtally.NewGuardianError(egtally.ErrInvalidShare, s.Guardian, "",
			xerrors.New(msg)).WithComponent(s.Component)
	}
	if s.RecoveryKey != nil && !s.RecoveryKey.Equal(expected) {
		return fail("announced key differs from the commitment")
	}
	if !VerifyProof(s.Proof, expected, ct, s.Partial) {
		return fail("proof does not verify")
	}
	return nil
}
