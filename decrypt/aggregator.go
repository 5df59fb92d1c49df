// Package decrypt collects the partial decryptions of the guardians
// present for a tally, compensates for the missing ones and recombines the
// shares into the plaintext totals.
package decrypt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.dedis.ch/egtally"
	"go.dedis.ch/egtally/eg"
	"go.dedis.ch/egtally/guardian"
	"go.dedis.ch/egtally/metrics"
	"go.dedis.ch/egtally/record"
	"go.dedis.ch/egtally/session"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// Phases of a decryption.
const (
	PhaseDirect      session.Phase = "direct-shares"
	PhaseCompensated session.Phase = "compensated-shares"
	PhaseCombine     session.Phase = "combine"
)

// Defaults of an aggregator.
var (
	DefaultPhaseTimeout = 2 * time.Minute
	DefaultCallTimeout  = 20 * time.Second
	DefaultMaxTally     = int64(1 << 20)
)

// Aggregator decrypts the tallies of one election.
type Aggregator struct {
	Registry     *session.Registry
	Election     *record.ElectionInitialized
	PhaseTimeout time.Duration
	CallTimeout  time.Duration
	// DLog recovers the totals, which must not exceed its bound.
	DLog     *eg.DLog
	Metrics  *metrics.Metrics
	Metadata map[string]string
}

// NewAggregator returns an aggregator for the election with the default
// durations, recovering totals up to maxTally.
func NewAggregator(r *session.Registry, e *record.ElectionInitialized, maxTally int64) *Aggregator {
	if maxTally <= 0 {
		maxTally = DefaultMaxTally
	}
	return &Aggregator{
		Registry:     r,
		Election:     e,
		PhaseTimeout: DefaultPhaseTimeout,
		CallTimeout:  DefaultCallTimeout,
		DLog:         eg.NewDLog(maxTally),
	}
}

// Match pairs the guardians of the election with the remotes whose
// address is their identifier. Remotes of unknown guardians are ignored.
func Match(e *record.ElectionInitialized, remotes []guardian.Remote) map[uint32]guardian.Remote {
	present := make(map[uint32]guardian.Remote)
	for _, r := range remotes {
		if g := e.GuardianByID(r.Address()); g != nil {
			present[g.Index] = r
		}
	}
	return present
}

// Decryption is a running decryption.
type Decryption struct {
	Session *session.Session

	done   chan struct{}
	result *record.DecryptionResult
	err    error
}

// Wait blocks until the decryption terminated. The result is only
// returned if the session completed.
func (d *Decryption) Wait() (*record.DecryptionResult, error) {
	<-d.done
	return d.result, d.err
}

// Run decrypts the tally with the present guardians and returns once the
// session terminated.
func (a *Aggregator) Run(ctx context.Context, tally *record.EncryptedTally,
	present map[uint32]guardian.Remote) (*record.DecryptionResult, error) {
	d, err := a.Start(ctx, tally, present)
	if err != nil {
		return nil, err
	}
	return d.Wait()
}

// Start checks the request, creates the session and decrypts in the
// background. Fewer present guardians than the quorum fail here, before
// any guardian is contacted.
func (a *Aggregator) Start(ctx context.Context, tally *record.EncryptedTally,
	present map[uint32]guardian.Remote) (*Decryption, error) {
	e := a.Election
	if err := checkTally(e, tally); err != nil {
		return nil, err
	}
	if len(present) > e.NumberOfGuardians {
		return nil, xerrors.Errorf("%d present guardians for %d in the election: %w",
			len(present), e.NumberOfGuardians, egtally.ErrQuorum)
	}
	var P []uint32
	for g := range present {
		if e.Guardian(g) == nil {
			return nil, egtally.NewStatusError(egtally.StatusInvalidInput,
				fmt.Sprintf("guardian %d is not part of the election", g))
		}
		P = append(P, g)
	}
	sort.Slice(P, func(i, j int) bool { return P[i] < P[j] })
	if len(P) < e.Quorum {
		return nil, xerrors.Errorf("%d guardians present for a quorum of %d: %w",
			len(P), e.Quorum, egtally.ErrThresholdNotMet)
	}

	s := a.Registry.New(session.Config{
		Kind:         session.Decryption,
		Guardians:    len(e.Guardians),
		Quorum:       e.Quorum,
		PhaseTimeout: a.PhaseTimeout,
	})
	sctx, err := s.Start(ctx)
	if err != nil {
		return nil, err
	}
	d := &Decryption{Session: s, done: make(chan struct{})}
	r := &run{
		Aggregator: a,
		s:          s,
		ctx:        sctx,
		tally:      tally,
		remotes:    present,
		present:    P,
		direct:     make(map[uint32][]*eg.Share),
		comp:       make(map[uint32]map[uint32][]*eg.Share),
	}
	go func() {
		defer close(d.done)
		d.result, d.err = r.run()
		if d.err != nil {
			d.err = s.Abort(d.err)
			log.Errorf("%s: decryption of %s failed: %v", s, tally.ID, d.err)
			d.result = nil
		}
	}()
	return d, nil
}

func checkTally(e *record.ElectionInitialized, t *record.EncryptedTally) error {
	if t == nil || len(t.Components) == 0 {
		return egtally.NewStatusError(egtally.StatusInvalidInput, "empty tally")
	}
	if string(t.Election) != string(e.ID) {
		return egtally.NewStatusError(egtally.StatusInvalidInput, "tally of another election")
	}
	seen := make(map[string]bool)
	for _, c := range t.Components {
		if c == nil || c.Ciphertext == nil || !c.Ciphertext.Valid() || seen[c.ID] {
			return egtally.NewStatusError(egtally.StatusInvalidInput, "invalid or repeated component")
		}
		seen[c.ID] = true
	}
	return nil
}

type run struct {
	*Aggregator
	sync.Mutex
	s       *session.Session
	ctx     context.Context
	tally   *record.EncryptedTally
	remotes map[uint32]guardian.Remote
	present []uint32
	// direct[guardian] and comp[missing][guardian] hold the shares in
	// component order, nil where a share is absent or did not verify.
	direct map[uint32][]*eg.Share
	comp   map[uint32]map[uint32][]*eg.Share
	// trusted[i] are the present guardians whose direct share of component
	// i verified, missing[i] the other guardians of the election.
	trusted [][]uint32
	missing [][]uint32
}

func (r *run) run() (*record.DecryptionResult, error) {
	if err := r.directShares(); err != nil {
		return nil, err
	}
	if err := r.compensatedShares(); err != nil {
		return nil, err
	}
	return r.combine()
}

func (r *run) record(op string, err error) {
	r.Metrics.Call(op, egtally.Classify(err).String())
}

// directShares asks every present guardian for its partial decryptions.
// A guardian is missing for the components its share is invalid for.
func (r *run) directShares() error {
	if err := r.s.Enter(PhaseDirect); err != nil {
		return err
	}
	e := r.Election
	errs := session.Fanout(r.ctx, r.present, r.CallTimeout, func(ctx context.Context, g uint32) error {
		reply, err := r.remotes[g].PartialShares(ctx, &guardian.PartialShares{
			Session:    r.s.ID(),
			Election:   e.ID,
			Components: r.tally.Components,
		})
		r.record("partial-shares", err)
		if err != nil {
			return err
		}
		key := e.Guardian(g).Commitment.PublicKey()
		shares, _ := r.check(r.tally.Components, reply.Shares, eg.Direct, g, 0, key)
		return r.accept(PhaseDirect, g, shares, func() { r.direct[g] = shares })
	})
	if err := r.s.Check(PhaseDirect); err != nil {
		return err
	}
	for _, g := range r.present {
		if err, failed := errs[g]; failed {
			log.Warnf("%s: guardian %d is treated as missing: %v", r.s, g, err)
		}
	}
	n := len(r.tally.Components)
	r.trusted = make([][]uint32, n)
	r.missing = make([][]uint32, n)
	for i, c := range r.tally.Components {
		for _, g := range r.present {
			if shares := r.direct[g]; shares != nil && shares[i] != nil {
				r.trusted[i] = append(r.trusted[i], g)
			}
		}
		if len(r.trusted[i]) < e.Quorum {
			return xerrors.Errorf("component %s: %d valid guardians for a quorum of %d: %w",
				c.ID, len(r.trusted[i]), e.Quorum, egtally.ErrThresholdNotMet)
		}
		for _, g := range e.Indices() {
			if !contains(r.trusted[i], g) {
				r.missing[i] = append(r.missing[i], g)
			}
		}
	}
	return nil
}

// compensatedShares asks the guardians trusted for a component to decrypt
// it on behalf of the guardians missing for it. Each request is retried
// on its own, and a failed one only leaves its components uncompensated.
func (r *run) compensatedShares() error {
	missing := r.allMissing()
	if len(missing) == 0 {
		return nil
	}
	if err := r.s.Enter(PhaseCompensated); err != nil {
		return err
	}
	e := r.Election
	for _, m := range missing {
		r.comp[m] = make(map[uint32][]*eg.Share)
	}
	session.Fanout(r.ctx, r.present, 0, func(ctx context.Context, g uint32) error {
		for _, m := range missing {
			indices := r.toCompensate(m, g)
			if len(indices) == 0 {
				continue
			}
			components := make([]*record.TallyComponent, len(indices))
			for k, i := range indices {
				components[k] = r.tally.Components[i]
			}
			var reply *guardian.CompensatedSharesReply
			err := session.Retry(ctx, r.CallTimeout, func(ctx context.Context) error {
				var err error
				reply, err = r.remotes[g].CompensatedShares(ctx, &guardian.CompensatedShares{
					Session:    r.s.ID(),
					Election:   e.ID,
					Missing:    m,
					Components: components,
				})
				r.record("compensated-shares", err)
				return err
			})
			if err != nil {
				log.Warnf("%s: guardian %d did not compensate for %d: %v", r.s, g, m, err)
				continue
			}
			key := eg.RecoveryKey(e.Guardian(m).Commitment, g)
			shares, _ := r.check(components, reply.Shares, eg.Compensated, g, m, key)
			all := make([]*eg.Share, len(r.tally.Components))
			for k, i := range indices {
				all[i] = shares[k]
			}
			r.Lock()
			r.comp[m][g] = all
			r.Unlock()
		}
		return nil
	})
	return r.s.Check(PhaseCompensated)
}

// allMissing returns the guardians missing for at least one component.
func (r *run) allMissing() []uint32 {
	var all []uint32
	for _, ms := range r.missing {
		for _, m := range ms {
			if !contains(all, m) {
				all = append(all, m)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	return all
}

// toCompensate returns the components guardian g is trusted for and m is
// missing for.
func (r *run) toCompensate(m, g uint32) []int {
	if m == g {
		return nil
	}
	var indices []int
	for i := range r.tally.Components {
		if contains(r.missing[i], m) && contains(r.trusted[i], g) {
			indices = append(indices, i)
		}
	}
	return indices
}

// contributors returns the guardians trusted for component i that
// compensated for every guardian missing for it.
func (r *run) contributors(i int) []uint32 {
	var cs []uint32
	for _, g := range r.trusted[i] {
		ok := true
		for _, m := range r.missing[i] {
			if shares := r.comp[m][g]; shares == nil || shares[i] == nil {
				ok = false
				break
			}
		}
		if ok {
			cs = append(cs, g)
		}
	}
	return cs
}

// check verifies the shares of one guardian for the components and
// returns them in component order, with nil for every share that is
// absent or invalid. The rejections are returned as well.
func (r *run) check(components []*record.TallyComponent, shares []*eg.Share, kind eg.ShareKind,
	g, missing uint32, key kyber.Point) ([]*eg.Share, []error) {
	phase := string(PhaseDirect)
	if kind == eg.Compensated {
		phase = string(PhaseCompensated)
	}
	byID := make(map[string]*eg.Share)
	for _, s := range shares {
		if s != nil {
			byID[s.Component] = s
		}
	}
	out := make([]*eg.Share, len(components))
	var rejected []error
	for i, c := range components {
		var err *egtally.GuardianError
		s, ok := byID[c.ID]
		switch {
		case !ok:
			err = egtally.NewGuardianError(egtally.ErrInvalidShare, g, phase,
				xerrors.New("missing share")).WithComponent(c.ID)
		case s.Kind != kind || s.Guardian != g || s.Missing != missing:
			err = egtally.NewGuardianError(egtally.ErrInvalidShare, g, phase,
				xerrors.Errorf("%s share for guardian %d", s.Kind, s.Slot())).WithComponent(c.ID)
		default:
			if verr := s.Verify(c.Ciphertext, key); verr != nil {
				if !xerrors.As(verr, &err) {
					err = egtally.NewGuardianError(egtally.ErrInvalidShare, g, phase, verr)
				}
				err = err.WithPhase(phase).WithComponent(c.ID)
			}
		}
		if err != nil {
			r.Metrics.Rejected("share")
			log.Warnf("%s: %v", r.s, err)
			rejected = append(rejected, err)
			continue
		}
		out[i] = s
	}
	return out, rejected
}

// accept records the shares of a guardian once per phase. Replayed shares
// are dropped.
func (r *run) accept(p session.Phase, g uint32, shares []*eg.Share, store func()) error {
	h := egtally.Suite.Hash()
	for _, s := range shares {
		if s == nil {
			h.Write([]byte{0})
			continue
		}
		if _, err := s.Partial.MarshalTo(h); err != nil {
			return err
		}
	}
	first, err := r.s.Accept(p, g, h.Sum(nil))
	if err != nil {
		return err
	}
	if first {
		r.Lock()
		store()
		r.Unlock()
	}
	return nil
}

// combine recombines every component in parallel.
func (r *run) combine() (*record.DecryptionResult, error) {
	if err := r.s.Enter(PhaseCombine); err != nil {
		return nil, err
	}
	e := r.Election
	components := make([]*record.DecryptedComponent, len(r.tally.Components))
	errs := make([]error, len(components))
	var wg sync.WaitGroup
	for i := range r.tally.Components {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			components[i], errs[i] = r.component(i)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	if err := r.s.Check(PhaseCombine); err != nil {
		return nil, err
	}

	wp, err := eg.LagrangeSet(r.present)
	if err != nil {
		return nil, err
	}
	result := &record.DecryptionResult{
		ID:         r.s.ID(),
		Election:   e.ID,
		Tally:      r.tally.ID,
		Components: components,
		Metadata:   r.Metadata,
		CreatedOn:  time.Now().Unix(),
	}
	for _, g := range r.present {
		result.Guardians = append(result.Guardians, &record.DecryptingGuardian{
			Index:       g,
			ID:          e.Guardian(g).ID,
			Coefficient: wp[g],
		})
	}
	if err := r.s.Complete(); err != nil {
		return nil, err
	}
	log.Lvlf1("%s: decrypted %s with guardians %v, compensating for %v",
		r.s, r.tally.ID, r.present, r.allMissing())
	return result, nil
}

// component recombines component i. The Lagrange coefficients are
// computed over the contributors of this component only.
func (r *run) component(i int) (*record.DecryptedComponent, error) {
	c := r.tally.Components[i]
	dc := &record.DecryptedComponent{ID: c.ID, Ciphertext: c.Ciphertext}
	M := egtally.Suite.Point().Null()
	for _, g := range r.trusted[i] {
		s := r.direct[g][i]
		M.Add(M, s.Partial)
		dc.Shares = append(dc.Shares, s)
	}
	if len(r.missing[i]) > 0 {
		contributors := r.contributors(i)
		if len(contributors) < r.Election.Quorum {
			return nil, xerrors.Errorf("component %s: %d contributors for a quorum of %d: %w",
				c.ID, len(contributors), r.Election.Quorum, egtally.ErrThresholdNotMet)
		}
		w, err := eg.LagrangeSet(contributors)
		if err != nil {
			return nil, err
		}
		dc.Contributors = contributors
		for _, j := range contributors {
			dc.Coefficients = append(dc.Coefficients, w[j])
		}
		tmp := egtally.Suite.Point()
		for _, m := range r.missing[i] {
			for _, j := range contributors {
				s := r.comp[m][j][i]
				M.Add(M, tmp.Mul(w[j], s.Partial))
				dc.Shares = append(dc.Shares, s)
			}
		}
	}
	dc.Value = eg.Unblind(c.Ciphertext, M)
	t, err := r.DLog.Solve(dc.Value)
	if err != nil {
		return nil, xerrors.Errorf("component %s: %w", c.ID, err)
	}
	dc.Tally = t
	return dc, nil
}

func contains(set []uint32, x uint32) bool {
	for _, y := range set {
		if x == y {
			return true
		}
	}
	return false
}
