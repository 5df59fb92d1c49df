package session

import (
	"sort"
	"sync"

	uuid "github.com/satori/go.uuid"
	"go.dedis.ch/egtally"
	"go.dedis.ch/egtally/metrics"
	"golang.org/x/xerrors"
)

// Registry holds the live sessions of an orchestrating process. Sessions
// are passed around explicitly; the registry only lets a caller find them
// again by identifier and tear them down.
type Registry struct {
	sync.Mutex
	sessions map[uuid.UUID]*Session
	metrics  *metrics.Metrics
}

// NewRegistry returns an empty registry. m may be nil.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]*Session),
		metrics:  m,
	}
}

// New creates a session in the Created state.
func (r *Registry) New(cfg Config) *Session {
	s := newSession(cfg, r.metrics)
	r.Lock()
	r.sessions[s.id] = s
	r.Unlock()
	return s
}

// Get returns the session with the identifier.
func (r *Registry) Get(id []byte) (*Session, error) {
	u, err := uuid.FromBytes(id)
	if err != nil {
		return nil, xerrors.Errorf("session identifier: %v", err)
	}
	r.Lock()
	defer r.Unlock()
	s, ok := r.sessions[u]
	if !ok {
		return nil, xerrors.Errorf("unknown session %s", u)
	}
	return s, nil
}

// List returns the sessions, oldest first.
func (r *Registry) List() []*Session {
	r.Lock()
	ss := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		ss = append(ss, s)
	}
	r.Unlock()
	sort.Slice(ss, func(i, j int) bool {
		return ss[i].created.Before(ss[j].created)
	})
	return ss
}

// Teardown removes a terminated session.
func (r *Registry) Teardown(id []byte) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	if !s.State().Terminal() {
		return xerrors.Errorf("tearing down a %s session: %w", s.State(), egtally.ErrSessionState)
	}
	r.Lock()
	delete(r.sessions, s.id)
	r.Unlock()
	return nil
}
