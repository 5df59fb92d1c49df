// Package keyceremony drives the guardians through the key ceremony:
// announce, commitment exchange, backup exchange, verification of the
// backups and finalization of the joint key. The coordinator relays
// public commitments and encrypted backups and never learns a secret.
package keyceremony

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
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// Phases of a key ceremony.
const (
	PhaseAnnounce     session.Phase = "announce"
	PhaseCommitments  session.Phase = "commitment-exchange"
	PhaseBackups      session.Phase = "backup-exchange"
	PhaseVerification session.Phase = "verification-of-backups"
	PhaseFinalize     session.Phase = "key-finalized"
)

// Default durations of a ceremony.
var (
	DefaultAnnounceTimeout = 30 * time.Second
	DefaultPhaseTimeout    = 2 * time.Minute
	DefaultCallTimeout     = 20 * time.Second
)

// Coordinator runs key ceremonies.
type Coordinator struct {
	Registry *session.Registry
	// AnnounceTimeout is the deadline for guardians to register.
	AnnounceTimeout time.Duration
	// PhaseTimeout is the deadline of every other phase. A phase that
	// takes longer expires the session.
	PhaseTimeout time.Duration
	// CallTimeout bounds every single guardian call.
	CallTimeout time.Duration
	Metrics     *metrics.Metrics
	// Metadata is copied into the published election.
	Metadata map[string]string
}

// NewCoordinator returns a coordinator with the default durations.
func NewCoordinator(r *session.Registry) *Coordinator {
	return &Coordinator{
		Registry:        r,
		AnnounceTimeout: DefaultAnnounceTimeout,
		PhaseTimeout:    DefaultPhaseTimeout,
		CallTimeout:     DefaultCallTimeout,
	}
}

// Ceremony is a running key ceremony.
type Ceremony struct {
	Session *session.Session

	done     chan struct{}
	election *record.ElectionInitialized
	err      error
}

// Wait blocks until the ceremony terminated. The election is only
// returned if the session completed.
func (c *Ceremony) Wait() (*record.ElectionInitialized, error) {
	<-c.done
	return c.election, c.err
}

// Run runs a ceremony between the guardians with a threshold of k and
// returns once it terminated.
func (c *Coordinator) Run(ctx context.Context, guardians []guardian.Remote, k int) (*record.ElectionInitialized, error) {
	cer, err := c.Start(ctx, guardians, k)
	if err != nil {
		return nil, err
	}
	return cer.Wait()
}

// Start creates the session of a ceremony and runs it in the background.
func (c *Coordinator) Start(ctx context.Context, guardians []guardian.Remote, k int) (*Ceremony, error) {
	if k < 1 || k > len(guardians) {
		return nil, xerrors.Errorf("threshold %d for %d guardians: %w", k, len(guardians), egtally.ErrQuorum)
	}
	s := c.Registry.New(session.Config{
		Kind:         session.Ceremony,
		Guardians:    len(guardians),
		Quorum:       k,
		PhaseTimeout: c.PhaseTimeout,
	})
	sctx, err := s.Start(ctx)
	if err != nil {
		return nil, err
	}
	cer := &Ceremony{Session: s, done: make(chan struct{})}
	r := &run{
		Coordinator: c,
		s:           s,
		ctx:         sctx,
		k:           k,
		roster:      guardians,
		members:     make(map[uint32]*member),
	}
	go func() {
		defer close(cer.done)
		cer.election, cer.err = r.run()
		if cer.err != nil {
			cer.election = nil
		}
	}()
	return cer, nil
}

type member struct {
	index      uint32
	id         string
	remote     guardian.Remote
	commitment *eg.Commitment
}

// run holds the state of one ceremony. It is only touched by the
// ceremony goroutine, except for the maps filled by fan-out calls under
// the mutex.
type run struct {
	*Coordinator
	sync.Mutex
	s       *session.Session
	ctx     context.Context
	k       int
	roster  []guardian.Remote
	members map[uint32]*member
	// backups[sender][recipient]
	backups map[uint32]map[uint32]*eg.Backup
}

func (r *run) run() (*record.ElectionInitialized, error) {
	steps := []func() error{
		r.announce,
		r.commitments,
		r.exchangeBackups,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, r.abort(err)
		}
	}
	final, err := r.verifyBackups()
	if err != nil {
		return nil, r.abort(err)
	}
	election, err := r.finalize(final)
	if err != nil {
		return nil, r.abort(err)
	}
	return election, nil
}

func (r *run) indices() []uint32 {
	idx := make([]uint32, 0, len(r.members))
	for i := range r.members {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(i, j int) bool { return idx[i] < idx[j] })
	return idx
}

func (r *run) n() int {
	return len(r.members)
}

func (r *run) record(op string, err error) {
	r.Metrics.Call(op, egtally.Classify(err).String())
}

// announce registers the guardians answering before the deadline and
// gives them their index, in roster order.
func (r *run) announce() error {
	if err := r.s.Enter(PhaseAnnounce); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.AnnounceTimeout)
	defer cancel()

	ids := make([]string, len(r.roster))
	positions := make([]uint32, len(r.roster))
	for i := range positions {
		positions[i] = uint32(i + 1)
	}
	errs := session.Fanout(ctx, positions, r.CallTimeout, func(ctx context.Context, pos uint32) error {
		reply, err := r.roster[pos-1].Announce(ctx, &guardian.Announce{
			Session: r.s.ID(),
			Quorum:  r.k,
		})
		r.record("announce", err)
		if err != nil {
			return err
		}
		if reply.ID == "" {
			return egtally.NewStatusError(egtally.StatusInvalidInput, "empty guardian identifier")
		}
		r.Lock()
		ids[pos-1] = reply.ID
		r.Unlock()
		return nil
	})
	if err := r.s.Check(PhaseAnnounce); err != nil {
		return err
	}

	seen := make(map[string]bool)
	index := uint32(0)
	for i, remote := range r.roster {
		if err, failed := errs[uint32(i+1)]; failed {
			log.Warnf("%s: guardian at %s did not register: %v", r.s, remote.Address(), err)
			continue
		}
		if seen[ids[i]] {
			log.Warnf("%s: rejecting duplicate guardian %s at %s", r.s, ids[i], remote.Address())
			continue
		}
		seen[ids[i]] = true
		index++
		r.members[index] = &member{index: index, id: ids[i], remote: remote}
	}
	if r.n() < r.k {
		return xerrors.Errorf("%d of %d guardians registered for a threshold of %d: %w",
			r.n(), len(r.roster), r.k, egtally.ErrQuorum)
	}
	log.Lvlf1("%s: %d guardians registered", r.s, r.n())
	return nil
}

// commitments collects and verifies the commitment of every guardian,
// asking a guardian whose commitment does not verify a second time,
// then hands all of them to every guardian.
func (r *run) commitments() error {
	if err := r.s.Enter(PhaseCommitments); err != nil {
		return err
	}
	errs := session.Fanout(r.ctx, r.indices(), r.CallTimeout, func(ctx context.Context, g uint32) error {
		m := r.members[g]
		req := &guardian.SubmitCommitment{
			Session:           r.s.ID(),
			Index:             g,
			Quorum:            r.k,
			NumberOfGuardians: r.n(),
		}
		var invalid error
		for attempt := 0; attempt < 2; attempt++ {
			reply, err := m.remote.SubmitCommitment(ctx, req)
			r.record("submit-commitment", err)
			if err != nil {
				return err
			}
			invalid = r.checkCommitment(g, reply.Commitment)
			if invalid == nil {
				return nil
			}
			log.Warnf("%s: %v", r.s, invalid)
			r.Metrics.Rejected("commitment")
		}
		return invalid
	})
	if err := r.s.Check(PhaseCommitments); err != nil {
		return err
	}
	if err := firstError(errs); err != nil {
		return err
	}

	var all []*eg.Commitment
	for _, g := range r.indices() {
		all = append(all, r.members[g].commitment)
	}
	errs = session.Fanout(r.ctx, r.indices(), r.CallTimeout, func(ctx context.Context, g uint32) error {
		_, err := r.members[g].remote.ShareCommitments(ctx, &guardian.ShareCommitments{
			Session:     r.s.ID(),
			Commitments: all,
		})
		r.record("share-commitments", err)
		return err
	})
	if err := r.s.Check(PhaseCommitments); err != nil {
		return err
	}
	return firstError(errs)
}

func (r *run) checkCommitment(g uint32, c *eg.Commitment) error {
	if c == nil {
		return egtally.NewGuardianError(egtally.ErrInvalidCommitment, g, string(PhaseCommitments),
			xerrors.New("no commitment"))
	}
	if c.Guardian != g {
		return egtally.NewGuardianError(egtally.ErrInvalidCommitment, g, string(PhaseCommitments),
			xerrors.Errorf("commitment for index %d", c.Guardian))
	}
	if err := c.Verify(r.s.ID(), r.k); err != nil {
		var ge *egtally.GuardianError
		if xerrors.As(err, &ge) {
			return ge.WithPhase(string(PhaseCommitments))
		}
		return err
	}
	digest, err := digestPoints(c)
	if err != nil {
		return err
	}
	if _, err := r.s.Accept(PhaseCommitments, g, digest); err != nil {
		return err
	}
	r.Lock()
	if r.members[g].commitment == nil {
		r.members[g].commitment = c
	}
	r.Unlock()
	return nil
}

// exchangeBackups collects the backups of every guardian for every other
// one.
func (r *run) exchangeBackups() error {
	if err := r.s.Enter(PhaseBackups); err != nil {
		return err
	}
	r.backups = make(map[uint32]map[uint32]*eg.Backup)
	errs := session.Fanout(r.ctx, r.indices(), r.CallTimeout, func(ctx context.Context, g uint32) error {
		recipients := r.others(g)
		var invalid error
		for attempt := 0; attempt < 2; attempt++ {
			bs, err := r.requestBackups(ctx, g, recipients, attempt > 0)
			if err != nil {
				return err
			}
			invalid = checkBackups(g, recipients, bs)
			if invalid == nil {
				r.Lock()
				r.backups[g] = bs
				r.Unlock()
				return nil
			}
			log.Warnf("%s: %v", r.s, invalid)
		}
		return invalid
	})
	if err := r.s.Check(PhaseBackups); err != nil {
		return err
	}
	return firstError(errs)
}

func (r *run) requestBackups(ctx context.Context, sender uint32, recipients []uint32,
	fresh bool) (map[uint32]*eg.Backup, error) {
	reply, err := r.members[sender].remote.SubmitBackups(ctx, &guardian.SubmitBackups{
		Session:    r.s.ID(),
		Recipients: recipients,
		Fresh:      fresh,
	})
	r.record("submit-backups", err)
	if err != nil {
		return nil, err
	}
	bs := make(map[uint32]*eg.Backup)
	for _, b := range reply.Backups {
		if b == nil {
			continue
		}
		bs[b.Recipient] = b
	}
	return bs, nil
}

func checkBackups(sender uint32, recipients []uint32, bs map[uint32]*eg.Backup) error {
	if len(bs) != len(recipients) {
		return egtally.NewGuardianError(egtally.ErrIntegrity, sender, string(PhaseBackups),
			xerrors.Errorf("%d backups for %d recipients", len(bs), len(recipients)))
	}
	for _, j := range recipients {
		b, ok := bs[j]
		if !ok || b.Sender != sender {
			return egtally.NewGuardianError(egtally.ErrIntegrity, sender, string(PhaseBackups),
				xerrors.Errorf("no backup for guardian %d", j))
		}
	}
	return nil
}

func (r *run) others(g uint32) []uint32 {
	var o []uint32
	for _, j := range r.indices() {
		if j != g {
			o = append(o, j)
		}
	}
	return o
}

// verifyBackups relays the backups to their recipients. A sender whose
// backup a recipient rejects is asked for a fresh one, once, and is
// challenged if that one fails as well. It returns the guardians that
// were not challenged.
func (r *run) verifyBackups() ([]uint32, error) {
	if err := r.s.Enter(PhaseVerification); err != nil {
		return nil, err
	}
	complaints := make(map[uint32][]uint32)
	errs := session.Fanout(r.ctx, r.indices(), r.CallTimeout, func(ctx context.Context, j uint32) error {
		var bs []*eg.Backup
		for _, i := range r.others(j) {
			bs = append(bs, r.backups[i][j])
		}
		challenged, err := r.relay(ctx, j, bs)
		if err != nil {
			return err
		}
		r.Lock()
		for _, i := range challenged {
			if !contains(complaints[i], j) {
				complaints[i] = append(complaints[i], j)
			}
		}
		r.Unlock()
		return nil
	})
	if err := r.s.Check(PhaseVerification); err != nil {
		return nil, err
	}
	if err := firstError(errs); err != nil {
		return nil, err
	}

	var senders []uint32
	for i := range complaints {
		senders = append(senders, i)
	}
	sort.Slice(senders, func(a, b int) bool { return senders[a] < senders[b] })
	challenged := make(map[uint32]bool)
	errs = session.Fanout(r.ctx, senders, r.CallTimeout, func(ctx context.Context, i uint32) error {
		bs, err := r.requestBackups(ctx, i, complaints[i], true)
		if err != nil {
			return err
		}
		if checkBackups(i, complaints[i], bs) != nil {
			r.Lock()
			challenged[i] = true
			r.Unlock()
			return nil
		}
		for _, j := range complaints[i] {
			still, err := r.relay(ctx, j, []*eg.Backup{bs[j]})
			if err != nil {
				return err
			}
			if len(still) > 0 {
				log.Warnf("%s: guardian %d challenged by guardian %d", r.s, i, j)
				r.Lock()
				challenged[i] = true
				r.Unlock()
				return nil
			}
		}
		return nil
	})
	if err := r.s.Check(PhaseVerification); err != nil {
		return nil, err
	}
	if err := firstError(errs); err != nil {
		return nil, err
	}

	if len(challenged) > r.n()-r.k {
		return nil, xerrors.Errorf("%d guardians challenged, at most %d allowed: %w",
			len(challenged), r.n()-r.k, egtally.ErrQuorum)
	}
	var final []uint32
	for _, g := range r.indices() {
		if !challenged[g] {
			final = append(final, g)
		}
	}
	return final, nil
}

// relay hands backups to their recipient and returns the senders the
// recipient rejected, each once. A complaint about a backup that was not
// relayed is an error of the recipient.
func (r *run) relay(ctx context.Context, recipient uint32, bs []*eg.Backup) ([]uint32, error) {
	reply, err := r.members[recipient].remote.VerifyBackups(ctx, &guardian.VerifyBackups{
		Session: r.s.ID(),
		Backups: bs,
	})
	r.record("verify-backups", err)
	if err != nil {
		return nil, err
	}
	relayed := make(map[uint32]bool, len(bs))
	for _, b := range bs {
		relayed[b.Sender] = true
	}
	var challenged []uint32
	for i, sender := range reply.Challenged {
		if !relayed[sender] {
			return nil, egtally.NewGuardianError(egtally.ErrIntegrity, recipient, string(PhaseVerification),
				egtally.NewStatusError(egtally.StatusInvalidInput,
					fmt.Sprintf("complaint about guardian %d whose backup was not relayed", sender)))
		}
		if contains(challenged, sender) {
			continue
		}
		reason := ""
		if i < len(reply.Reasons) {
			reason = reply.Reasons[i]
		}
		log.Warnf("%s: guardian %d rejected the backup of guardian %d: %s",
			r.s, recipient, sender, reason)
		r.Metrics.Rejected("backup")
		challenged = append(challenged, sender)
	}
	return challenged, nil
}

// finalize computes the joint key over the final guardians, tells every
// guardian the outcome and completes the session.
func (r *run) finalize(final []uint32) (*record.ElectionInitialized, error) {
	if err := r.s.Enter(PhaseFinalize); err != nil {
		return nil, err
	}
	election := &record.ElectionInitialized{
		ID:                r.s.ID(),
		Quorum:            r.k,
		NumberOfGuardians: r.n(),
		Metadata:          r.Metadata,
		CreatedOn:         time.Now().Unix(),
	}
	var commitments []*eg.Commitment
	for _, g := range final {
		m := r.members[g]
		election.Guardians = append(election.Guardians, &record.Guardian{
			Index:      g,
			ID:         m.id,
			Commitment: m.commitment,
		})
		commitments = append(commitments, m.commitment)
	}
	election.JointKey = eg.JointKey(commitments)

	errs := session.Fanout(r.ctx, r.indices(), r.CallTimeout, func(ctx context.Context, g uint32) error {
		req := &guardian.Finish{Session: r.s.ID(), Guardians: final, OK: contains(final, g)}
		_, err := r.members[g].remote.Finish(ctx, req)
		r.record("finish", err)
		if !req.OK {
			// excluded guardians are told but not waited for
			return nil
		}
		return err
	})
	if err := r.s.Check(PhaseFinalize); err != nil {
		return nil, err
	}
	if err := firstError(errs); err != nil {
		return nil, err
	}
	if err := r.s.Complete(); err != nil {
		return nil, err
	}
	log.Lvlf1("%s: joint key %s over guardians %v", r.s, election.JointKey, final)
	return election, nil
}

// abort terminates the session and tells the registered guardians to drop
// their state. Guardians are notified even if the session already expired.
func (r *run) abort(err error) error {
	err = r.s.Abort(err)
	log.Errorf("%s: ceremony failed: %v", r.s, err)
	ctx, cancel := context.WithTimeout(context.Background(), r.CallTimeout)
	defer cancel()
	session.Fanout(ctx, r.indices(), r.CallTimeout, func(ctx context.Context, g uint32) error {
		_, err := r.members[g].remote.Finish(ctx, &guardian.Finish{Session: r.s.ID(), OK: false})
		return err
	})
	return err
}

func firstError(errs map[uint32]error) error {
	var first uint32
	for g := range errs {
		if first == 0 || g < first {
			first = g
		}
	}
	if first == 0 {
		return nil
	}
	err := errs[first]
	var ge *egtally.GuardianError
	if xerrors.As(err, &ge) {
		return err
	}
	return egtally.NewGuardianError(egtally.ErrQuorum, first, "", err)
}

func digestPoints(c *eg.Commitment) ([]byte, error) {
	h := egtally.Suite.Hash()
	for _, K := range c.Coefficients {
		if _, err := K.MarshalTo(h); err != nil {
			return nil, err
		}
	}
	return h.Sum(nil), nil
}

func contains(set []uint32, x uint32) bool {
	for _, y := range set {
		if x == y {
			return true
		}
	}
	return false
}
