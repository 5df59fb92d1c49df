package record

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/egtally"
	"go.dedis.ch/egtally/eg"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

type fixture struct {
	polys    map[uint32]*eg.SecretPolynomial
	election *ElectionInitialized
	tally    *EncryptedTally
}

// newFixture builds the outcome of an honest ceremony over the indices
// and a tally with one component per value.
func newFixture(t *testing.T, k int, indices []uint32, values ...int64) *fixture {
	f := &fixture{
		polys: make(map[uint32]*eg.SecretPolynomial),
		election: &ElectionInitialized{
			ID:                []byte("election"),
			Quorum:            k,
			NumberOfGuardians: len(indices),
			CreatedOn:         1,
		},
	}
	for _, i := range indices {
		p := eg.NewSecretPolynomial(k)
		c, err := eg.Commit(p, i, f.election.ID)
		require.NoError(t, err)
		f.polys[i] = p
		f.election.Guardians = append(f.election.Guardians, &Guardian{
			Index:      i,
			ID:         string(rune('a' + i)),
			Commitment: c,
		})
	}
	f.election.JointKey = eg.JointKey(f.election.Commitments())
	f.tally = &EncryptedTally{ID: "tally", Election: f.election.ID}
	for i, v := range values {
		f.tally.Components = append(f.tally.Components, &TallyComponent{
			ID:         string(rune('A' + i)),
			Ciphertext: f.election.Encrypt(v),
		})
	}
	return f
}

// decrypt decrypts the tally with the present guardians, the others being
// compensated by all present guardians.
func (f *fixture) decrypt(t *testing.T, present ...uint32) *DecryptionResult {
	e := f.election
	r := &DecryptionResult{ID: []byte("decryption"), Election: e.ID, Tally: f.tally.ID}
	w, err := eg.LagrangeSet(present)
	require.NoError(t, err)
	for _, g := range present {
		r.Guardians = append(r.Guardians, &DecryptingGuardian{Index: g, Coefficient: w[g]})
	}
	isPresent := make(map[uint32]bool)
	for _, g := range present {
		isPresent[g] = true
	}
	for _, tc := range f.tally.Components {
		dc := &DecryptedComponent{ID: tc.ID, Ciphertext: tc.Ciphertext}
		M := egtally.Suite.Point().Null()
		missing := false
		for _, g := range e.Indices() {
			if isPresent[g] {
				partial, proof, err := eg.PartialDecrypt(tc.Ciphertext, f.polys[g].Secret())
				require.NoError(t, err)
				dc.Shares = append(dc.Shares, &eg.Share{Kind: eg.Direct, Guardian: g, Component: tc.ID,
					Partial: partial, Proof: proof, RecoveryKey: e.Guardian(g).Commitment.PublicKey()})
				M.Add(M, partial)
				continue
			}
			missing = true
			for _, j := range present {
				partial, proof, err := eg.PartialDecrypt(tc.Ciphertext, f.polys[g].Eval(j))
				require.NoError(t, err)
				dc.Shares = append(dc.Shares, &eg.Share{Kind: eg.Compensated, Guardian: j, Missing: g,
					Component: tc.ID, Partial: partial, Proof: proof,
					RecoveryKey: eg.RecoveryKey(e.Guardian(g).Commitment, j)})
				M.Add(M, egtally.Suite.Point().Mul(w[j], partial))
			}
		}
		if missing {
			dc.Contributors = present
			for _, j := range present {
				dc.Coefficients = append(dc.Coefficients, w[j])
			}
		}
		dc.Value = eg.Unblind(tc.Ciphertext, M)
		m, err := eg.NewDLog(100).Solve(dc.Value)
		require.NoError(t, err)
		dc.Tally = m
		r.Components = append(r.Components, dc)
	}
	return r
}

func TestVerifyElection(t *testing.T) {
	f := newFixture(t, 2, []uint32{1, 2, 4})
	require.NoError(t, VerifyElection(f.election))

	e := *f.election
	e.JointKey = egtally.Suite.Point().Base()
	require.Error(t, VerifyElection(&e))

	e = *f.election
	e.Quorum = 4
	require.Error(t, VerifyElection(&e))

	e = *f.election
	e.Guardians = []*Guardian{f.election.Guardians[0], f.election.Guardians[0], f.election.Guardians[1]}
	require.Error(t, VerifyElection(&e))

	// proofs are bound to the election
	e = *f.election
	e.ID = []byte("other")
	require.True(t, xerrors.Is(VerifyElection(&e), egtally.ErrInvalidCommitment))
}

func TestVerifyResult(t *testing.T) {
	f := newFixture(t, 3, []uint32{1, 2, 3, 4, 5}, 7, 0, 12)
	full := f.decrypt(t, 1, 2, 3, 4, 5)
	require.NoError(t, VerifyResult(f.election, f.tally, full))
	require.Equal(t, map[string]int64{"A": 7, "B": 0, "C": 12}, full.Totals())

	partial := f.decrypt(t, 2, 3, 5)
	require.NoError(t, VerifyResult(f.election, f.tally, partial))
	require.NoError(t, VerifyResult(f.election, nil, partial))
	require.Equal(t, full.Totals(), partial.Totals())
}

func TestVerifyResult_Tampered(t *testing.T) {
	f := newFixture(t, 3, []uint32{1, 2, 3, 4, 5}, 7, 3)

	r := f.decrypt(t, 1, 2, 4)
	r.Components[0].Tally++
	require.Error(t, VerifyResult(f.election, f.tally, r))

	r = f.decrypt(t, 1, 2, 4)
	r.Components[1].Value = egtally.Suite.Point().Base()
	require.Error(t, VerifyResult(f.election, f.tally, r))

	r = f.decrypt(t, 1, 2, 4)
	r.Components[0].Shares[0].Partial = egtally.Suite.Point().Base()
	require.True(t, xerrors.Is(VerifyResult(f.election, f.tally, r), egtally.ErrInvalidShare))

	r = f.decrypt(t, 1, 2, 4)
	r.Components[0].Coefficients[0] = egtally.Suite.Scalar().One()
	require.Error(t, VerifyResult(f.election, f.tally, r))

	r = f.decrypt(t, 1, 2, 4)
	r.Guardians[2].Coefficient = egtally.Suite.Scalar().One()
	require.Error(t, VerifyResult(f.election, f.tally, r))

	r = f.decrypt(t, 1, 2, 4)
	r.Guardians = r.Guardians[:2]
	require.True(t, xerrors.Is(VerifyResult(f.election, f.tally, r), egtally.ErrThresholdNotMet))

	// a result for another tally
	r = f.decrypt(t, 1, 2, 4)
	other := *f.tally
	other.Components = []*TallyComponent{f.tally.Components[1], f.tally.Components[0]}
	other.Components[0] = &TallyComponent{ID: "A", Ciphertext: f.election.Encrypt(7)}
	require.Error(t, VerifyResult(f.election, &other, r))
}
