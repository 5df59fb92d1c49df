package guardian

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/egtally"
	"go.dedis.ch/egtally/eg"
	"go.dedis.ch/egtally/record"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

var election = []byte("election")

// ceremony runs an honest ceremony between n trustees without any
// coordinator.
func ceremony(t *testing.T, n, k int) []*Trustee {
	ts := make([]*Trustee, n)
	var cs []*eg.Commitment
	for i := range ts {
		var err error
		ts[i], err = NewTrustee("g", election, uint32(i+1), k, n)
		require.NoError(t, err)
		cs = append(cs, ts[i].Commitment())
	}
	var all []uint32
	for _, tr := range ts {
		require.NoError(t, tr.ReceiveCommitments(cs))
		all = append(all, tr.Index())
	}
	for _, sender := range ts {
		var recipients []uint32
		for _, j := range all {
			if j != sender.Index() {
				recipients = append(recipients, j)
			}
		}
		bs, err := sender.Backups(recipients, false)
		require.NoError(t, err)
		for _, b := range bs {
			for _, e := range ts[b.Recipient-1].VerifyBackups([]*eg.Backup{b}) {
				require.NoError(t, e)
			}
		}
	}
	for _, tr := range ts {
		require.NoError(t, tr.Finish(all, true))
	}
	return ts
}

func TestTrustee_Ceremony(t *testing.T) {
	ts := ceremony(t, 4, 3)
	var cs []*eg.Commitment
	for _, tr := range ts {
		cs = append(cs, tr.Commitment())
		require.True(t, tr.Ready())
	}
	K := eg.JointKey(cs)

	ct := eg.Encrypt(K, 17)
	components := []*record.TallyComponent{{ID: "a", Ciphertext: ct}}

	// all four direct shares
	M := egtally.Suite.Point().Null()
	for _, tr := range ts {
		shares, err := tr.DirectShares(components)
		require.NoError(t, err)
		require.Len(t, shares, 1)
		require.NoError(t, shares[0].Verify(ct, tr.PublicKey()))
		M.Add(M, shares[0].Partial)
	}
	m, err := eg.NewDLog(100).Solve(eg.Unblind(ct, M))
	require.NoError(t, err)
	require.Equal(t, int64(17), m)

	// guardian 4 missing, compensated by 1, 2 and 3
	M = egtally.Suite.Point().Null()
	set := []uint32{1, 2, 3}
	w, err := eg.LagrangeSet(set)
	require.NoError(t, err)
	for _, tr := range ts[:3] {
		shares, err := tr.DirectShares(components)
		require.NoError(t, err)
		M.Add(M, shares[0].Partial)

		comp, err := tr.CompensatedShares(4, components)
		require.NoError(t, err)
		require.NoError(t, comp[0].Verify(ct, eg.RecoveryKey(ts[3].Commitment(), tr.Index())))
		M.Add(M, egtally.Suite.Point().Mul(w[tr.Index()], comp[0].Partial))
	}
	m, err = eg.NewDLog(100).Solve(eg.Unblind(ct, M))
	require.NoError(t, err)
	require.Equal(t, int64(17), m)

	_, err = ts[0].CompensatedShares(1, components)
	require.Error(t, err)
}

func TestTrustee_Parameters(t *testing.T) {
	_, err := NewTrustee("g", election, 0, 2, 3)
	require.Error(t, err)
	_, err = NewTrustee("g", election, 4, 2, 3)
	require.Error(t, err)
	_, err = NewTrustee("g", election, 1, 4, 3)
	require.Error(t, err)
	require.Equal(t, egtally.StatusInvalidInput, egtally.Classify(err))
}

func TestTrustee_Commitments(t *testing.T) {
	a, err := NewTrustee("a", election, 1, 2, 2)
	require.NoError(t, err)
	b, err := NewTrustee("b", election, 2, 2, 2)
	require.NoError(t, err)

	require.NoError(t, a.ReceiveCommitments([]*eg.Commitment{b.Commitment()}))
	// replay is a no-op
	require.NoError(t, a.ReceiveCommitments([]*eg.Commitment{b.Commitment()}))

	other, err := NewTrustee("b", election, 2, 2, 2)
	require.NoError(t, err)
	err = a.ReceiveCommitments([]*eg.Commitment{other.Commitment()})
	require.Equal(t, egtally.StatusInvalidInput, egtally.Classify(err))

	wrongElection, err := NewTrustee("b", []byte("other"), 2, 2, 2)
	require.NoError(t, err)
	err = a.ReceiveCommitments([]*eg.Commitment{wrongElection.Commitment()})
	require.True(t, xerrors.Is(err, egtally.ErrInvalidCommitment))
}

func TestTrustee_Backups(t *testing.T) {
	a, err := NewTrustee("a", election, 1, 2, 2)
	require.NoError(t, err)
	b, err := NewTrustee("b", election, 2, 2, 2)
	require.NoError(t, err)

	_, err = a.Backups([]uint32{2}, false)
	require.Error(t, err, "no commitment of 2 yet")
	_, err = a.Backups([]uint32{1}, false)
	require.Error(t, err)

	cs := []*eg.Commitment{a.Commitment(), b.Commitment()}
	require.NoError(t, a.ReceiveCommitments(cs))
	require.NoError(t, b.ReceiveCommitments(cs))

	first, err := a.Backups([]uint32{2}, false)
	require.NoError(t, err)
	again, err := a.Backups([]uint32{2}, false)
	require.NoError(t, err)
	require.Equal(t, first[0].Ciphertext, again[0].Ciphertext)
	fresh, err := a.Backups([]uint32{2}, true)
	require.NoError(t, err)
	require.NotEqual(t, first[0].Ciphertext, fresh[0].Ciphertext)

	flipped := *fresh[0]
	flipped.Ciphertext = append([]byte{}, fresh[0].Ciphertext...)
	flipped.Ciphertext[40] ^= 0x10
	errs := b.VerifyBackups([]*eg.Backup{&flipped, first[0]})
	require.True(t, xerrors.Is(errs[0], egtally.ErrIntegrity))
	require.NoError(t, errs[1])

	// backups from a are there, but b has no backup of itself
	require.Error(t, a.Finish([]uint32{1, 2}, true))
	require.NoError(t, b.Finish([]uint32{1, 2}, true))
	require.NoError(t, b.Finish([]uint32{2, 1}, true))
	require.Error(t, b.Finish([]uint32{2}, true))
}

func TestTrustee_State(t *testing.T) {
	ts := ceremony(t, 3, 2)
	st := ts[1].State()
	require.Len(t, st.Commitments, 3)
	require.Len(t, st.Received, 2)
	require.Len(t, st.Issued, 2)

	buf, err := record.Encode(st)
	require.NoError(t, err)
	var decoded TrusteeState
	require.NoError(t, record.Decode(buf, &decoded))

	restored, err := TrusteeFromState(&decoded)
	require.NoError(t, err)
	require.True(t, restored.Ready())
	require.True(t, restored.Commitment().Equal(ts[1].Commitment()))

	ct := eg.Encrypt(ts[0].PublicKey(), 1)
	components := []*record.TallyComponent{{ID: "x", Ciphertext: ct}}
	shares, err := restored.CompensatedShares(3, components)
	require.NoError(t, err)
	require.NoError(t, shares[0].Verify(ct, eg.RecoveryKey(ts[2].Commitment(), 2)))

	decoded.Coefficients = decoded.Coefficients[:1]
	_, err = TrusteeFromState(&decoded)
	require.Error(t, err)
}

func TestTrustee_NotReady(t *testing.T) {
	a, err := NewTrustee("a", election, 1, 1, 1)
	require.NoError(t, err)
	ct := eg.Encrypt(a.PublicKey(), 1)
	_, err = a.DirectShares([]*record.TallyComponent{{ID: "x", Ciphertext: ct}})
	require.Error(t, err)

	require.NoError(t, a.Finish([]uint32{1}, true))
	shares, err := a.DirectShares([]*record.TallyComponent{{ID: "x", Ciphertext: ct}})
	require.NoError(t, err)
	require.True(t, shares[0].Partial.Equal(egtally.Suite.Point().Sub(ct.Beta, egtally.Suite.Point().Base())))
}
