package decrypt

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/egtally"
	"go.dedis.ch/egtally/eg"
	"go.dedis.ch/egtally/guardian"
	"go.dedis.ch/egtally/keyceremony"
	"go.dedis.ch/egtally/record"
	"go.dedis.ch/egtally/session"
	"go.dedis.ch/kyber/v3/util/random"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

var votes = map[string][]int64{
	"alice": {1, 0, 1, 1, 0, 1},
	"bob":   {0, 1, 0, 0, 1, 0},
	"carol": {0, 0, 0, 0, 0, 0},
}

// setup runs a ceremony between n local guardians.
func setup(t *testing.T, n, k int) ([]guardian.Remote, *record.ElectionInitialized, *record.EncryptedTally) {
	rs := make([]guardian.Remote, n)
	for i := range rs {
		rs[i] = guardian.NewLocal(fmt.Sprintf("guardian-%d", i+1))
	}
	c := keyceremony.NewCoordinator(session.NewRegistry(nil))
	c.CallTimeout = 2 * time.Second
	e, err := c.Run(context.Background(), rs, k)
	require.NoError(t, err)

	tally := &record.EncryptedTally{ID: "tally", Election: e.ID}
	for _, id := range []string{"alice", "bob", "carol"} {
		ct := eg.Zero()
		for _, v := range votes[id] {
			ct = ct.Add(e.Encrypt(v))
		}
		tally.Components = append(tally.Components, &record.TallyComponent{ID: id, Ciphertext: ct})
	}
	return rs, e, tally
}

func newAggregator(e *record.ElectionInitialized) *Aggregator {
	a := NewAggregator(session.NewRegistry(nil), e, 100)
	a.CallTimeout = 2 * time.Second
	return a
}

func subset(rs []guardian.Remote, indices ...uint32) map[uint32]guardian.Remote {
	m := make(map[uint32]guardian.Remote)
	for _, i := range indices {
		m[i] = rs[i-1]
	}
	return m
}

func requireTotals(t *testing.T, r *record.DecryptionResult) {
	require.Equal(t, map[string]int64{"alice": 4, "bob": 2, "carol": 0}, r.Totals())
}

func TestAggregator_AllPresent(t *testing.T) {
	rs, e, tally := setup(t, 5, 3)
	a := newAggregator(e)
	a.Metadata = map[string]string{"round": "1"}
	d, err := a.Start(context.Background(), tally, Match(e, rs))
	require.NoError(t, err)
	r, err := d.Wait()
	require.NoError(t, err)
	require.Equal(t, session.Completed, d.Session.State())
	requireTotals(t, r)
	require.Len(t, r.Guardians, 5)
	require.Equal(t, "1", r.Metadata["round"])
	for _, c := range r.Components {
		require.Empty(t, c.Contributors)
		require.Len(t, c.Shares, 5)
	}
	require.NoError(t, record.VerifyResult(e, tally, r))
}

func TestAggregator_Missing(t *testing.T) {
	rs, e, tally := setup(t, 5, 3)
	r, err := newAggregator(e).Run(context.Background(), tally, subset(rs, 1, 3, 5))
	require.NoError(t, err)
	requireTotals(t, r)
	for _, c := range r.Components {
		require.Equal(t, []uint32{1, 3, 5}, c.Contributors)
		// three direct and three compensated for each of the two missing
		require.Len(t, c.Shares, 9)
	}
	require.Len(t, r.Guardians, 3)
	require.NoError(t, record.VerifyResult(e, tally, r))
}

func TestAggregator_RandomSubsets(t *testing.T) {
	rs, e, tally := setup(t, 5, 3)
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 5; i++ {
		size := 3 + rnd.Intn(3)
		var indices []uint32
		for _, j := range rnd.Perm(5)[:size] {
			indices = append(indices, uint32(j+1))
		}
		log.Lvl2("Decrypting with", indices)
		r, err := newAggregator(e).Run(context.Background(), tally, subset(rs, indices...))
		require.NoError(t, err)
		requireTotals(t, r)
		require.NoError(t, record.VerifyResult(e, tally, r))
	}
}

// counting counts the calls to the guardian.
type counting struct {
	guardian.Remote
	calls int32
}

func (c *counting) PartialShares(ctx context.Context, req *guardian.PartialShares) (*guardian.PartialSharesReply, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.Remote.PartialShares(ctx, req)
}

func TestAggregator_ThresholdNotMet(t *testing.T) {
	rs, e, tally := setup(t, 5, 3)
	c1, c2 := &counting{Remote: rs[0]}, &counting{Remote: rs[1]}
	present := map[uint32]guardian.Remote{1: c1, 2: c2}
	_, err := newAggregator(e).Start(context.Background(), tally, present)
	require.True(t, xerrors.Is(err, egtally.ErrThresholdNotMet))
	require.Zero(t, atomic.LoadInt32(&c1.calls))
	require.Zero(t, atomic.LoadInt32(&c2.calls))

	_, err = newAggregator(e).Start(context.Background(), tally, map[uint32]guardian.Remote{
		1: rs[0], 2: rs[1], 9: rs[2],
	})
	require.Error(t, err)
	require.Equal(t, egtally.StatusInvalidInput, egtally.Classify(err))

	other := &record.EncryptedTally{ID: "other", Election: []byte("other"), Components: tally.Components}
	_, err = newAggregator(e).Start(context.Background(), other, Match(e, rs))
	require.Error(t, err)
}

// forged replaces the partial decryptions of the guardian.
type forged struct {
	guardian.Remote
}

func (f *forged) PartialShares(ctx context.Context, req *guardian.PartialShares) (*guardian.PartialSharesReply, error) {
	reply, err := f.Remote.PartialShares(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, s := range reply.Shares {
		s.Partial = egtally.Suite.Point().Pick(random.New())
	}
	return reply, nil
}

func (f *forged) CompensatedShares(ctx context.Context, req *guardian.CompensatedShares) (*guardian.CompensatedSharesReply, error) {
	reply, err := f.Remote.CompensatedShares(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, s := range reply.Shares {
		s.Partial = egtally.Suite.Point().Pick(random.New())
	}
	return reply, nil
}

func TestAggregator_ForgedShare(t *testing.T) {
	rs, e, tally := setup(t, 5, 3)
	present := Match(e, rs)
	present[2] = &forged{rs[1]}
	r, err := newAggregator(e).Run(context.Background(), tally, present)
	require.NoError(t, err)
	requireTotals(t, r)
	for _, c := range r.Components {
		require.Equal(t, []uint32{1, 3, 4, 5}, c.Contributors)
		for _, s := range c.Shares {
			require.NotEqual(t, uint32(2), s.Guardian)
		}
	}
	require.NoError(t, record.VerifyResult(e, tally, r))

	// with only the quorum present, a forged share leaves too few
	present = subset(rs, 1, 2, 3)
	present[2] = &forged{rs[1]}
	d, err := newAggregator(e).Start(context.Background(), tally, present)
	require.NoError(t, err)
	r, err = d.Wait()
	require.Nil(t, r)
	require.True(t, xerrors.Is(err, egtally.ErrThresholdNotMet))
	require.Equal(t, session.Aborted, d.Session.State())
}

// forgedCompensation only forges its compensated shares.
type forgedCompensation struct {
	forged
}

func (f *forgedCompensation) PartialShares(ctx context.Context, req *guardian.PartialShares) (*guardian.PartialSharesReply, error) {
	return f.Remote.PartialShares(ctx, req)
}

func TestAggregator_ForgedCompensation(t *testing.T) {
	rs, e, tally := setup(t, 5, 3)
	present := subset(rs, 1, 2, 3, 4)
	present[4] = &forgedCompensation{forged{rs[3]}}
	r, err := newAggregator(e).Run(context.Background(), tally, present)
	require.NoError(t, err)
	requireTotals(t, r)
	for _, c := range r.Components {
		require.Equal(t, []uint32{1, 2, 3}, c.Contributors)
	}
	require.NoError(t, record.VerifyResult(e, tally, r))

	present = subset(rs, 1, 2, 3)
	present[3] = &forgedCompensation{forged{rs[2]}}
	_, err = newAggregator(e).Run(context.Background(), tally, present)
	require.True(t, xerrors.Is(err, egtally.ErrThresholdNotMet))
}

// forgedComponent forges the direct share of one component only.
type forgedComponent struct {
	guardian.Remote
	id string
}

func (f *forgedComponent) PartialShares(ctx context.Context, req *guardian.PartialShares) (*guardian.PartialSharesReply, error) {
	reply, err := f.Remote.PartialShares(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, s := range reply.Shares {
		if s.Component == f.id {
			s.Partial = egtally.Suite.Point().Pick(random.New())
		}
	}
	return reply, nil
}

func TestAggregator_PerComponentTrust(t *testing.T) {
	rs, e, tally := setup(t, 5, 3)
	present := Match(e, rs)
	present[2] = &forgedComponent{Remote: rs[1], id: "bob"}
	r, err := newAggregator(e).Run(context.Background(), tally, present)
	require.NoError(t, err)
	requireTotals(t, r)
	require.Len(t, r.Guardians, 5)
	for _, id := range []string{"alice", "carol"} {
		c := r.Component(id)
		require.Empty(t, c.Contributors)
		require.Len(t, c.Shares, 5)
	}
	bob := r.Component("bob")
	require.Equal(t, []uint32{1, 3, 4, 5}, bob.Contributors)
	// four direct and four compensated for guardian 2
	require.Len(t, bob.Shares, 8)
	require.NoError(t, record.VerifyResult(e, tally, r))

	// with only the quorum present the forged component cannot be
	// decrypted
	present = subset(rs, 1, 2, 3)
	present[2] = &forgedComponent{Remote: rs[1], id: "bob"}
	_, err = newAggregator(e).Run(context.Background(), tally, present)
	require.True(t, xerrors.Is(err, egtally.ErrThresholdNotMet))
}

func TestAggregator_Rejections(t *testing.T) {
	rs, e, tally := setup(t, 3, 2)
	r := &run{
		Aggregator: newAggregator(e),
		s:          session.NewRegistry(nil).New(session.Config{Kind: session.Decryption}),
		tally:      tally,
	}
	ctx := context.Background()

	direct, err := rs[1].PartialShares(ctx, &guardian.PartialShares{
		Election: e.ID, Components: tally.Components})
	require.NoError(t, err)
	direct.Shares[1].Partial = egtally.Suite.Point().Pick(random.New())
	key := e.Guardian(2).Commitment.PublicKey()
	shares, rejected := r.check(tally.Components, direct.Shares, eg.Direct, 2, 0, key)
	require.NotNil(t, shares[0])
	require.Nil(t, shares[1])
	require.NotNil(t, shares[2])
	require.Len(t, rejected, 1)
	var ge *egtally.GuardianError
	require.True(t, xerrors.As(rejected[0], &ge))
	require.True(t, xerrors.Is(rejected[0], egtally.ErrInvalidShare))
	require.Equal(t, uint32(2), ge.Guardian)
	require.Equal(t, "bob", ge.Component)
	require.Equal(t, string(PhaseDirect), ge.Phase)

	comp, err := rs[0].CompensatedShares(ctx, &guardian.CompensatedShares{
		Election: e.ID, Missing: 3, Components: tally.Components})
	require.NoError(t, err)
	comp.Shares[0].Partial = egtally.Suite.Point().Pick(random.New())
	key = eg.RecoveryKey(e.Guardian(3).Commitment, 1)
	shares, rejected = r.check(tally.Components, comp.Shares, eg.Compensated, 1, 3, key)
	require.Nil(t, shares[0])
	require.NotNil(t, shares[1])
	require.Len(t, rejected, 1)
	require.True(t, xerrors.As(rejected[0], &ge))
	require.Equal(t, "alice", ge.Component)
	require.Equal(t, string(PhaseCompensated), ge.Phase)

	// a share of the wrong kind is refused as well
	_, rejected = r.check(tally.Components, comp.Shares[1:2], eg.Direct, 1, 0, key)
	require.Len(t, rejected, 3)
}

func TestAggregator_TallyTooLarge(t *testing.T) {
	rs, e, tally := setup(t, 3, 2)
	a := newAggregator(e)
	a.DLog = eg.NewDLog(3)
	_, err := a.Run(context.Background(), tally, Match(e, rs))
	require.True(t, xerrors.Is(err, eg.ErrNotFound))
}
