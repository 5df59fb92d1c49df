package session

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/egtally"
	"go.dedis.ch/egtally/metrics"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

func TestSession_Lifecycle(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := NewRegistry(m)
	s := r.New(Config{Kind: Ceremony, Guardians: 3, Quorum: 2, PhaseTimeout: time.Minute})
	require.Equal(t, Created, s.State())
	require.Len(t, s.ID(), 16)

	require.True(t, xerrors.Is(s.Enter("announce"), egtally.ErrSessionState))

	ctx, err := s.Start(context.Background())
	require.NoError(t, err)
	_, err = s.Start(context.Background())
	require.True(t, xerrors.Is(err, egtally.ErrSessionState))

	require.NoError(t, s.Enter("announce"))
	require.True(t, s.InPhase("announce"))
	require.NoError(t, s.Check("announce"))
	require.True(t, xerrors.Is(s.Check("commitments"), egtally.ErrSessionState))

	require.NoError(t, s.Enter("commitments"))
	require.False(t, s.InPhase("announce"))
	require.NoError(t, s.Complete())
	require.Equal(t, Completed, s.State())
	require.Error(t, ctx.Err())

	state, err := s.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, Completed, state)

	require.Error(t, s.Complete())
	require.Error(t, s.Abort(nil))
	require.Equal(t, 1.0, testutil.ToFloat64(m.SessionsTotal.WithLabelValues("ceremony", "completed")))
	require.Equal(t, 2, testutil.CollectAndCount(m.PhaseDuration))

	got, err := r.Get(s.ID())
	require.NoError(t, err)
	require.Equal(t, s, got)
	require.NoError(t, r.Teardown(s.ID()))
	_, err = r.Get(s.ID())
	require.Error(t, err)
}

func TestSession_Abort(t *testing.T) {
	r := NewRegistry(nil)
	s := r.New(Config{Kind: Decryption})
	_, err := s.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Enter("direct-shares"))
	require.True(t, xerrors.Is(r.Teardown(s.ID()), egtally.ErrSessionState))

	err = s.Abort(egtally.ErrThresholdNotMet)
	require.Equal(t, egtally.ErrThresholdNotMet, err)
	require.Equal(t, Aborted, s.State())
	require.Equal(t, egtally.ErrThresholdNotMet, s.Err())
	require.Equal(t, egtally.ErrThresholdNotMet, s.Check("direct-shares"))
	require.Equal(t, egtally.ErrThresholdNotMet, s.Abort(egtally.ErrQuorum))

	created := r.New(Config{Kind: Decryption})
	require.Equal(t, egtally.ErrAborted, created.Abort(nil))
	require.Len(t, r.List(), 2)
}

func TestSession_Expire(t *testing.T) {
	r := NewRegistry(nil)
	s := r.New(Config{
		Kind:         Ceremony,
		PhaseTimeout: time.Minute,
		Timeouts:     map[Phase]time.Duration{"backups": 50 * time.Millisecond},
	})
	ctx, err := s.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Enter("backups"))

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not expire")
	}
	require.Equal(t, Expired, s.State())
	require.True(t, xerrors.Is(s.Err(), egtally.ErrExpired))
	require.True(t, xerrors.Is(s.Check("backups"), egtally.ErrExpired))
	require.False(t, s.InPhase("backups"))
	require.Error(t, ctx.Err())
	require.True(t, xerrors.Is(s.Complete(), egtally.ErrExpired))

	_, err = s.Accept("backups", 1, []byte{1})
	require.True(t, xerrors.Is(err, egtally.ErrSessionState))
}

// Leaving a phase disarms its deadline.
func TestSession_PhaseDeadline(t *testing.T) {
	r := NewRegistry(nil)
	s := r.New(Config{
		Kind:     Ceremony,
		Timeouts: map[Phase]time.Duration{"fast": 20 * time.Millisecond},
	})
	_, err := s.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Enter("fast"))
	require.NoError(t, s.Enter("slow"))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, InProgress, s.State())
	require.NoError(t, s.Complete())
}

func TestSession_Accept(t *testing.T) {
	s := NewRegistry(nil).New(Config{Kind: Ceremony})
	_, err := s.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Enter("commitments"))

	ok, err := s.Accept("commitments", 2, []byte("c2"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Accept("commitments", 2, []byte("c2"))
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Accept("commitments", 2, []byte("other"))
	require.True(t, xerrors.Is(err, egtally.ErrSessionState))
	var ge *egtally.GuardianError
	require.True(t, xerrors.As(err, &ge))
	require.Equal(t, uint32(2), ge.Guardian)

	s.Forget("commitments", 2)
	ok, err = s.Accept("commitments", 2, []byte("other"))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.Accept("backups", 2, []byte("c2"))
	require.Error(t, err)
}
