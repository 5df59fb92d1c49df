package guardian

import (
	"fmt"
	"sort"
	"sync"

	"go.dedis.ch/egtally"
	"go.dedis.ch/egtally/eg"
	"go.dedis.ch/egtally/record"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// Trustee is the private state of one guardian in one election. It holds
// the guardian's own polynomial and the backups the other guardians sent
// it, never anybody else's polynomial.
type Trustee struct {
	sync.Mutex
	id       string
	election []byte
	index    uint32
	quorum   int
	n        int

	poly        *eg.SecretPolynomial
	commitment  *eg.Commitment
	commitments map[uint32]*eg.Commitment
	issued      map[uint32]*eg.Backup
	received    map[uint32]kyber.Scalar
	guardians   []uint32
	finished    bool
}

// NewTrustee creates the trustee of guardian index for the election and
// picks its polynomial.
func NewTrustee(id string, election []byte, index uint32, quorum, n int) (*Trustee, error) {
	if quorum < 1 || quorum > n {
		return nil, invalid("quorum %d out of range for %d guardians", quorum, n)
	}
	if index < 1 || int(index) > n {
		return nil, invalid("index %d out of range for %d guardians", index, n)
	}
	t := &Trustee{
		id:          id,
		election:    election,
		index:       index,
		quorum:      quorum,
		n:           n,
		poly:        eg.NewSecretPolynomial(quorum),
		commitments: make(map[uint32]*eg.Commitment),
		issued:      make(map[uint32]*eg.Backup),
		received:    make(map[uint32]kyber.Scalar),
	}
	var err error
	t.commitment, err = eg.Commit(t.poly, index, election)
	if err != nil {
		return nil, err
	}
	t.commitments[index] = t.commitment
	return t, nil
}

// ID returns the identifier of the guardian.
func (t *Trustee) ID() string {
	return t.id
}

// Index returns the x-coordinate of the guardian.
func (t *Trustee) Index() uint32 {
	return t.index
}

// Election returns the identifier of the ceremony.
func (t *Trustee) Election() []byte {
	return t.election
}

// Matches returns true if the trustee has been created with these
// parameters. It is used to make announce replays idempotent.
func (t *Trustee) Matches(index uint32, quorum, n int) bool {
	return t.index == index && t.quorum == quorum && t.n == n
}

// Commitment returns the public commitment to the polynomial.
func (t *Trustee) Commitment() *eg.Commitment {
	return t.commitment
}

// PublicKey returns the guardian's public key share.
func (t *Trustee) PublicKey() kyber.Point {
	return t.commitment.PublicKey()
}

// ReceiveCommitments verifies and stores the commitments of the other
// guardians. Receiving the same commitment twice is a no-op, receiving a
// different one for a known guardian is refused.
func (t *Trustee) ReceiveCommitments(cs []*eg.Commitment) error {
	t.Lock()
	defer t.Unlock()
	if t.finished {
		return invalid("ceremony is already finished")
	}
	for _, c := range cs {
		if err := c.Verify(t.election, t.quorum); err != nil {
			return err
		}
		if old, ok := t.commitments[c.Guardian]; ok {
			if !old.Equal(c) {
				return invalid("conflicting commitment for guardian %d", c.Guardian)
			}
			continue
		}
		t.commitments[c.Guardian] = c
	}
	return nil
}

// Backups returns the backups of the trustee for the recipients. A backup
// is only computed once per recipient so that replays return the same
// ciphertext, unless fresh is set.
func (t *Trustee) Backups(recipients []uint32, fresh bool) ([]*eg.Backup, error) {
	t.Lock()
	defer t.Unlock()
	var bs []*eg.Backup
	for _, j := range recipients {
		if j == t.index {
			return nil, invalid("no backup for oneself")
		}
		b, ok := t.issued[j]
		if !ok || fresh {
			c, ok := t.commitments[j]
			if !ok {
				return nil, invalid("no commitment of guardian %d", j)
			}
			var err error
			b, err = eg.EncryptBackup(t.poly.Eval(j), t.index, j, c.PublicKey())
			if err != nil {
				return nil, err
			}
			t.issued[j] = b
		}
		bs = append(bs, b)
	}
	return bs, nil
}

// VerifyBackups opens the backups addressed to the trustee and keeps the
// values that match their sender's commitment. The returned slice holds
// one error per backup, nil for those that verified.
func (t *Trustee) VerifyBackups(bs []*eg.Backup) []error {
	t.Lock()
	defer t.Unlock()
	errs := make([]error, len(bs))
	for i, b := range bs {
		if b.Recipient != t.index {
			errs[i] = invalid("backup addressed to guardian %d", b.Recipient)
			continue
		}
		value, err := eg.DecryptBackup(b, t.poly.Secret(), t.commitments[b.Sender])
		if err != nil {
			log.Warnf("guardian %d: backup from %d: %v", t.index, b.Sender, err)
			errs[i] = err
			continue
		}
		t.received[b.Sender] = value
	}
	return errs
}

// Finish closes the ceremony. If ok is false the trustee's state is of no
// use. Otherwise guardians is the final guardian set and the trustee must
// hold a backup from each of them.
func (t *Trustee) Finish(guardians []uint32, ok bool) error {
	t.Lock()
	defer t.Unlock()
	if !ok {
		t.finished = true
		t.guardians = nil
		return nil
	}
	if t.finished {
		if sameSet(t.guardians, guardians) {
			return nil
		}
		return invalid("ceremony already finished with another guardian set")
	}
	found := false
	for _, g := range guardians {
		if g == t.index {
			found = true
			continue
		}
		if _, ok := t.received[g]; !ok {
			return invalid("missing backup of guardian %d", g)
		}
	}
	if !found {
		return invalid("guardian %d is not part of the final set", t.index)
	}
	t.guardians = sorted(guardians)
	t.finished = true
	return nil
}

// Ready returns true once the ceremony finished successfully.
func (t *Trustee) Ready() bool {
	t.Lock()
	defer t.Unlock()
	return t.finished && len(t.guardians) > 0
}

// DirectShares partially decrypts the components with the guardian's own
// key share.
func (t *Trustee) DirectShares(components []*record.TallyComponent) ([]*eg.Share, error) {
	if !t.Ready() {
		return nil, invalid("ceremony is not finished")
	}
	return t.shares(components, eg.Direct, 0, t.poly.Secret(), t.PublicKey())
}

// CompensatedShares partially decrypts the components on behalf of the
// missing guardian, with the backup it sent during the ceremony.
func (t *Trustee) CompensatedShares(missing uint32, components []*record.TallyComponent) ([]*eg.Share, error) {
	if !t.Ready() {
		return nil, invalid("ceremony is not finished")
	}
	t.Lock()
	value, ok := t.received[missing]
	c := t.commitments[missing]
	member := contains(t.guardians, missing)
	t.Unlock()
	if missing == t.index || !ok || !member {
		return nil, invalid("no backup of guardian %d", missing)
	}
	return t.shares(components, eg.Compensated, missing, value, eg.RecoveryKey(c, t.index))
}

func (t *Trustee) shares(components []*record.TallyComponent, kind eg.ShareKind,
	missing uint32, secret kyber.Scalar, key kyber.Point) ([]*eg.Share, error) {
	shares := make([]*eg.Share, len(components))
	for i, c := range components {
		partial, proof, err := eg.PartialDecrypt(c.Ciphertext, secret)
		if err != nil {
			return nil, invalid("component %s: %v", c.ID, err)
		}
		shares[i] = &eg.Share{
			Kind:        kind,
			Guardian:    t.index,
			Missing:     missing,
			Component:   c.ID,
			Partial:     partial,
			Proof:       proof,
			RecoveryKey: key,
		}
	}
	return shares, nil
}

// State returns the serialisable form of the trustee.
func (t *Trustee) State() *TrusteeState {
	t.Lock()
	defer t.Unlock()
	st := &TrusteeState{
		ID:           t.id,
		Election:     t.election,
		Index:        t.index,
		Quorum:       t.quorum,
		N:            t.n,
		Coefficients: t.poly.Coefficients(),
		Guardians:    t.guardians,
		Finished:     t.finished,
	}
	for _, c := range t.commitments {
		st.Commitments = append(st.Commitments, c)
	}
	sort.Slice(st.Commitments, func(i, j int) bool {
		return st.Commitments[i].Guardian < st.Commitments[j].Guardian
	})
	for _, b := range t.issued {
		st.Issued = append(st.Issued, b)
	}
	sort.Slice(st.Issued, func(i, j int) bool {
		return st.Issued[i].Recipient < st.Issued[j].Recipient
	})
	for sender, v := range t.received {
		st.Received = append(st.Received, &ReceivedBackup{Sender: sender, Value: v})
	}
	sort.Slice(st.Received, func(i, j int) bool {
		return st.Received[i].Sender < st.Received[j].Sender
	})
	return st
}

// TrusteeFromState restores a trustee.
func TrusteeFromState(st *TrusteeState) (*Trustee, error) {
	if len(st.Coefficients) != st.Quorum {
		return nil, xerrors.New("stored polynomial does not match the quorum")
	}
	t := &Trustee{
		id:          st.ID,
		election:    st.Election,
		index:       st.Index,
		quorum:      st.Quorum,
		n:           st.N,
		poly:        eg.PolynomialFromCoefficients(st.Coefficients),
		commitments: make(map[uint32]*eg.Commitment),
		issued:      make(map[uint32]*eg.Backup),
		received:    make(map[uint32]kyber.Scalar),
		guardians:   st.Guardians,
		finished:    st.Finished,
	}
	for _, c := range st.Commitments {
		t.commitments[c.Guardian] = c
	}
	t.commitment = t.commitments[t.index]
	if t.commitment == nil {
		return nil, xerrors.New("stored state misses the own commitment")
	}
	for _, b := range st.Issued {
		t.issued[b.Recipient] = b
	}
	for _, r := range st.Received {
		t.received[r.Sender] = r.Value
	}
	return t, nil
}

func invalid(format string, args ...interface{}) error {
	return egtally.NewStatusError(egtally.StatusInvalidInput, fmt.Sprintf(format, args...))
}

func contains(set []uint32, x uint32) bool {
	for _, y := range set {
		if x == y {
			return true
		}
	}
	return false
}

func sorted(set []uint32) []uint32 {
	s := append([]uint32{}, set...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	return s
}

func sameSet(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	sa, sb := sorted(a), sorted(b)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}
