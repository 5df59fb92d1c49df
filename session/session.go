// Package session tracks the lifecycle of key ceremonies and decryptions:
// Created, InProgress, then one of Completed, Aborted or Expired. Only the
// orchestrating process moves a session; guardians just answer requests.
package session

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
	"go.dedis.ch/egtally"
	"go.dedis.ch/egtally/metrics"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// Kind tells ceremonies and decryptions apart.
type Kind string

const (
	// Ceremony sessions run a key ceremony.
	Ceremony Kind = "ceremony"
	// Decryption sessions decrypt a tally.
	Decryption Kind = "decryption"
)

// State is the lifecycle state of a session.
type State int

const (
	// Created sessions have not started yet.
	Created State = iota
	// InProgress sessions are going through their phases.
	InProgress
	// Completed sessions produced their artifact.
	Completed
	// Aborted sessions failed and published nothing.
	Aborted
	// Expired sessions had a phase exceed its deadline. Downstream they
	// are handled like aborted ones.
	Expired
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case InProgress:
		return "in-progress"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// Terminal returns true for Completed, Aborted and Expired.
func (s State) Terminal() bool {
	return s >= Completed
}

// Phase names a step of a ceremony or of a decryption.
type Phase string

// Config holds the parameters of a session.
type Config struct {
	Kind      Kind
	Guardians int
	Quorum    int
	// PhaseTimeout is the deadline of every phase, unless Timeouts
	// overrides it.
	PhaseTimeout time.Duration
	Timeouts     map[Phase]time.Duration
}

// Timeout returns the deadline of the phase.
func (c Config) Timeout(p Phase) time.Duration {
	if d, ok := c.Timeouts[p]; ok {
		return d
	}
	return c.PhaseTimeout
}

// Session is the root of one ceremony or one decryption.
type Session struct {
	sync.Mutex
	id      uuid.UUID
	cfg     Config
	created time.Time

	state      State
	phase      Phase
	phaseStart time.Time
	err        error
	timer      *time.Timer
	cancel     context.CancelFunc
	accepted   map[string][]byte
	done       chan struct{}
	metrics    *metrics.Metrics
}

func newSession(cfg Config, m *metrics.Metrics) *Session {
	return &Session{
		id:       uuid.NewV4(),
		cfg:      cfg,
		created:  time.Now(),
		accepted: make(map[string][]byte),
		done:     make(chan struct{}),
		metrics:  m,
	}
}

// ID returns the identifier of the session.
func (s *Session) ID() []byte {
	return s.id.Bytes()
}

func (s *Session) String() string {
	return fmt.Sprintf("%s %s", s.cfg.Kind, s.id)
}

// Config returns the parameters of the session.
func (s *Session) Config() Config {
	return s.cfg
}

// State returns the current state.
func (s *Session) State() State {
	s.Lock()
	defer s.Unlock()
	return s.state
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.Lock()
	defer s.Unlock()
	return s.phase
}

// Err returns the reason of an aborted or expired session.
func (s *Session) Err() error {
	s.Lock()
	defer s.Unlock()
	return s.err
}

// Done is closed once the session reached a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session is terminal or the context ends.
func (s *Session) Wait(ctx context.Context) (State, error) {
	select {
	case <-s.done:
		s.Lock()
		defer s.Unlock()
		return s.state, s.err
	case <-ctx.Done():
		return s.State(), ctx.Err()
	}
}

// Start moves the session to InProgress. The returned context is cancelled
// as soon as the session terminates.
func (s *Session) Start(ctx context.Context) (context.Context, error) {
	s.Lock()
	defer s.Unlock()
	if s.state != Created {
		return nil, xerrors.Errorf("starting %s session: %w", s.state, egtally.ErrSessionState)
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.state = InProgress
	log.Lvl1("Started", s)
	return ctx, nil
}

// Enter moves an in-progress session to the phase and arms its deadline.
// When the deadline passes while the session is still in the phase, the
// session expires.
func (s *Session) Enter(p Phase) error {
	s.Lock()
	defer s.Unlock()
	if s.state != InProgress {
		return xerrors.Errorf("entering %s in a %s session: %w", p, s.state, egtally.ErrSessionState)
	}
	s.endPhase()
	s.phase = p
	s.phaseStart = time.Now()
	if d := s.cfg.Timeout(p); d > 0 {
		s.timer = time.AfterFunc(d, func() {
			s.expire(p)
		})
	}
	log.Lvlf1("%s: entering %s", s, p)
	return nil
}

func (s *Session) endPhase() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.phase != "" {
		s.metrics.Phase(string(s.cfg.Kind), string(s.phase), s.phaseStart)
	}
}

func (s *Session) expire(p Phase) {
	s.Lock()
	defer s.Unlock()
	if s.state != InProgress || s.phase != p {
		return
	}
	log.Warnf("%s: phase %s exceeded its deadline", s, p)
	s.terminate(Expired, xerrors.Errorf("phase %s: %w", p, egtally.ErrExpired))
}

// InPhase returns true if the session is in progress and in the phase.
// Results of calls started in another phase are dropped when it returns
// false.
func (s *Session) InPhase(p Phase) bool {
	s.Lock()
	defer s.Unlock()
	return s.state == InProgress && s.phase == p
}

// Check returns nil if the session is in progress and in the phase, the
// reason of its end if it terminated and ErrSessionState otherwise.
func (s *Session) Check(p Phase) error {
	s.Lock()
	defer s.Unlock()
	if s.state.Terminal() && s.err != nil {
		return s.err
	}
	if s.state != InProgress || s.phase != p {
		return xerrors.Errorf("expected phase %s, session is %s in %s: %w",
			p, s.state, s.phase, egtally.ErrSessionState)
	}
	return nil
}

// Accept records the submission of a guardian in the phase. The first
// submission returns true. Replaying the same submission returns false
// and has no effect, a different submission for the same slot is refused.
func (s *Session) Accept(p Phase, guardian uint32, digest []byte) (bool, error) {
	s.Lock()
	defer s.Unlock()
	if s.state != InProgress || s.phase != p {
		return false, xerrors.Errorf("submission for %s: %w", p, egtally.ErrSessionState)
	}
	key := fmt.Sprintf("%s|%d", p, guardian)
	if old, ok := s.accepted[key]; ok {
		if bytes.Equal(old, digest) {
			return false, nil
		}
		return false, egtally.NewGuardianError(egtally.ErrSessionState, guardian, string(p),
			xerrors.New("conflicting submission"))
	}
	s.accepted[key] = digest
	return true, nil
}

// Forget drops the submission of a guardian so that it can resubmit.
func (s *Session) Forget(p Phase, guardian uint32) {
	s.Lock()
	defer s.Unlock()
	delete(s.accepted, fmt.Sprintf("%s|%d", p, guardian))
}

// Complete terminates the session successfully.
func (s *Session) Complete() error {
	s.Lock()
	defer s.Unlock()
	if s.state != InProgress {
		if s.err != nil {
			return s.err
		}
		return xerrors.Errorf("completing a %s session: %w", s.state, egtally.ErrSessionState)
	}
	s.terminate(Completed, nil)
	return nil
}

// Abort terminates the session with the error. It returns the error the
// session ended with, which differs from err if the session already
// terminated.
func (s *Session) Abort(err error) error {
	s.Lock()
	defer s.Unlock()
	if s.state.Terminal() {
		if s.err != nil {
			return s.err
		}
		return xerrors.Errorf("aborting a %s session: %w", s.state, egtally.ErrSessionState)
	}
	if err == nil {
		err = egtally.ErrAborted
	}
	s.terminate(Aborted, err)
	return err
}

func (s *Session) terminate(state State, err error) {
	s.endPhase()
	s.state = state
	s.err = err
	if s.cancel != nil {
		s.cancel()
	}
	close(s.done)
	s.metrics.Session(string(s.cfg.Kind), state.String())
	if err != nil {
		log.Lvlf1("%s: %s: %v", s, state, err)
	} else {
		log.Lvlf1("%s: %s", s, state)
	}
}
