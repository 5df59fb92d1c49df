// Package record holds the artifacts an election publishes: the outcome of
// the key ceremony, the encrypted tallies and their decryption together
// with every share and proof. They are encoded with go.dedis.ch/protobuf so
// that a third party can re-verify them without running any protocol.
package record

import (
	"sort"

	"go.dedis.ch/egtally"
	"go.dedis.ch/egtally/eg"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3/network"
)

func init() {
	network.RegisterMessages(&ElectionInitialized{}, &EncryptedTally{},
		&DecryptionResult{})
}

// PROTOSTART
// package record;
// type :kyber.Point:bytes
// type :kyber.Scalar:bytes
//
// option java_package = "ch.epfl.dedis.lib.proto";
// option java_outer_classname = "RecordProto";

// Guardian is the public record of one guardian after the ceremony.
type Guardian struct {
	// Index is the x-coordinate of the guardian, starting at 1.
	Index uint32
	// ID is the identifier the guardian announced.
	ID         string
	Commitment *eg.Commitment
}

// ElectionInitialized is published when a key ceremony completes.
type ElectionInitialized struct {
	// ID is the identifier of the ceremony session, it binds the
	// commitment proofs.
	ID                []byte
	Quorum            int
	NumberOfGuardians int
	// Guardians is the final guardian set in index order. Guardians
	// challenged during the ceremony are not part of it.
	Guardians []*Guardian
	JointKey  kyber.Point
	Metadata  map[string]string
	// CreatedOn is a unix timestamp in seconds.
	CreatedOn int64
}

// Guardian returns the guardian with the given index or nil.
func (e *ElectionInitialized) Guardian(index uint32) *Guardian {
	for _, g := range e.Guardians {
		if g.Index == index {
			return g
		}
	}
	return nil
}

// GuardianByID returns the guardian with the given identifier or nil.
func (e *ElectionInitialized) GuardianByID(id string) *Guardian {
	for _, g := range e.Guardians {
		if g.ID == id {
			return g
		}
	}
	return nil
}

// Indices returns the sorted guardian indices.
func (e *ElectionInitialized) Indices() []uint32 {
	idx := make([]uint32, len(e.Guardians))
	for i, g := range e.Guardians {
		idx[i] = g.Index
	}
	sort.Slice(idx, func(i, j int) bool { return idx[i] < idx[j] })
	return idx
}

// Commitments returns the commitments of the guardians.
func (e *ElectionInitialized) Commitments() []*eg.Commitment {
	cs := make([]*eg.Commitment, len(e.Guardians))
	for i, g := range e.Guardians {
		cs[i] = g.Commitment
	}
	return cs
}

// Encrypt encrypts m under the joint key.
func (e *ElectionInitialized) Encrypt(m int64) *eg.Ciphertext {
	return eg.Encrypt(e.JointKey, m)
}

// TallyComponent is one homomorphically summed selection total.
type TallyComponent struct {
	ID         string
	Ciphertext *eg.Ciphertext
}

// EncryptedTally is the input of a decryption.
type EncryptedTally struct {
	ID         string
	Election   []byte
	Components []*TallyComponent
}

// Component returns the component with the given identifier or nil.
func (t *EncryptedTally) Component(id string) *TallyComponent {
	for _, c := range t.Components {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// DecryptedComponent is the plaintext of a tally component with everything
// needed to check it.
type DecryptedComponent struct {
	ID         string
	Ciphertext *eg.Ciphertext
	// Tally is the plaintext total and Value its encoding Tally·G.
	Tally int64
	Value kyber.Point
	// Contributors is the sorted index set the Lagrange coefficients of
	// this component are computed over. It is empty when no guardian was
	// missing.
	Contributors []uint32
	Coefficients []kyber.Scalar
	// Shares holds every verified share used for this component.
	Shares []*eg.Share
}

// DecryptingGuardian is a present guardian of a decryption.
type DecryptingGuardian struct {
	Index uint32
	ID    string
	// Coefficient is the Lagrange coefficient over the present guardians.
	Coefficient kyber.Scalar
}

// DecryptionResult is the outcome of a decryption session.
type DecryptionResult struct {
	ID         []byte
	Election   []byte
	Tally      string
	Components []*DecryptedComponent
	Guardians  []*DecryptingGuardian
	Metadata   map[string]string
	CreatedOn  int64
}

// Component returns the decrypted component with the given identifier or
// nil.
func (r *DecryptionResult) Component(id string) *DecryptedComponent {
	for _, c := range r.Components {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// Totals maps the component identifiers to their plaintext.
func (r *DecryptionResult) Totals() map[string]int64 {
	m := make(map[string]int64, len(r.Components))
	for _, c := range r.Components {
		m[c.ID] = c.Tally
	}
	return m
}

func point(s int64) kyber.Point {
	return egtally.Suite.Point().Mul(egtally.Suite.Scalar().SetInt64(s), nil)
}
