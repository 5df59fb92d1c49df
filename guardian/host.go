package guardian

import (
	"sync"

	"go.dedis.ch/onet/v3/log"
)

// Host holds the trustees of one guardian, one per election, and applies
// the guardian requests to them. It is shared by the onet service and the
// in-process Local guardian. Every request can be replayed.
type Host struct {
	sync.Mutex
	id        string
	announced map[string]int
	trustees  map[string]*Trustee
	// Changed is called whenever a trustee changed and needs to be saved.
	Changed func(*Trustee)
}

// NewHost returns a host for the guardian with the given identifier.
func NewHost(id string) *Host {
	return &Host{
		id:        id,
		announced: make(map[string]int),
		trustees:  make(map[string]*Trustee),
	}
}

// ID returns the identifier of the guardian.
func (h *Host) ID() string {
	return h.id
}

// Restore adds a stored trustee.
func (h *Host) Restore(t *Trustee) {
	h.Lock()
	defer h.Unlock()
	h.trustees[string(t.Election())] = t
}

// Trustees returns the trustees of the host.
func (h *Host) Trustees() []*Trustee {
	h.Lock()
	defer h.Unlock()
	ts := make([]*Trustee, 0, len(h.trustees))
	for _, t := range h.trustees {
		ts = append(ts, t)
	}
	return ts
}

// Trustee returns the trustee of an election.
func (h *Host) Trustee(election []byte) (*Trustee, error) {
	h.Lock()
	defer h.Unlock()
	t, ok := h.trustees[string(election)]
	if !ok {
		return nil, invalid("unknown election %x", election)
	}
	return t, nil
}

func (h *Host) changed(t *Trustee) {
	if h.Changed != nil {
		h.Changed(t)
	}
}

// Announce registers the guardian for the ceremony.
func (h *Host) Announce(req *Announce) (*AnnounceReply, error) {
	if len(req.Session) == 0 || req.Quorum < 1 {
		return nil, invalid("malformed announce")
	}
	h.Lock()
	defer h.Unlock()
	if q, ok := h.announced[string(req.Session)]; ok && q != req.Quorum {
		return nil, invalid("session announced with quorum %d", q)
	}
	h.announced[string(req.Session)] = req.Quorum
	log.Lvlf2("guardian %s: announced for %x", h.id, req.Session)
	return &AnnounceReply{ID: h.id}, nil
}

// SubmitCommitment creates the trustee of the ceremony, if needed, and
// returns its commitment.
func (h *Host) SubmitCommitment(req *SubmitCommitment) (*SubmitCommitmentReply, error) {
	h.Lock()
	q, ok := h.announced[string(req.Session)]
	t := h.trustees[string(req.Session)]
	h.Unlock()
	if !ok && t == nil {
		return nil, invalid("session %x was not announced", req.Session)
	}
	if ok && q != req.Quorum {
		return nil, invalid("quorum %d differs from the announced %d", req.Quorum, q)
	}
	if t != nil {
		if !t.Matches(req.Index, req.Quorum, req.NumberOfGuardians) {
			return nil, invalid("commitment already submitted with other parameters")
		}
		return &SubmitCommitmentReply{Commitment: t.Commitment()}, nil
	}
	t, err := NewTrustee(h.id, req.Session, req.Index, req.Quorum, req.NumberOfGuardians)
	if err != nil {
		return nil, err
	}
	h.Lock()
	if existing, ok := h.trustees[string(req.Session)]; ok {
		// a concurrent replay won
		t = existing
	} else {
		h.trustees[string(req.Session)] = t
	}
	h.Unlock()
	h.changed(t)
	log.Lvlf2("guardian %s: committed as index %d", h.id, t.Index())
	return &SubmitCommitmentReply{Commitment: t.Commitment()}, nil
}

// ShareCommitments stores the commitments of the other guardians.
func (h *Host) ShareCommitments(req *ShareCommitments) (*ShareCommitmentsReply, error) {
	t, err := h.Trustee(req.Session)
	if err != nil {
		return nil, err
	}
	if err := t.ReceiveCommitments(req.Commitments); err != nil {
		return nil, err
	}
	h.changed(t)
	return &ShareCommitmentsReply{}, nil
}

// SubmitBackups returns the backups for the recipients.
func (h *Host) SubmitBackups(req *SubmitBackups) (*SubmitBackupsReply, error) {
	t, err := h.Trustee(req.Session)
	if err != nil {
		return nil, err
	}
	bs, err := t.Backups(req.Recipients, req.Fresh)
	if err != nil {
		return nil, err
	}
	h.changed(t)
	return &SubmitBackupsReply{Backups: bs}, nil
}

// VerifyBackups verifies the backups addressed to the guardian.
func (h *Host) VerifyBackups(req *VerifyBackups) (*VerifyBackupsReply, error) {
	t, err := h.Trustee(req.Session)
	if err != nil {
		return nil, err
	}
	reply := &VerifyBackupsReply{}
	for i, err := range t.VerifyBackups(req.Backups) {
		if err != nil {
			reply.Challenged = append(reply.Challenged, req.Backups[i].Sender)
			reply.Reasons = append(reply.Reasons, err.Error())
		}
	}
	h.changed(t)
	return reply, nil
}

// Finish closes the ceremony. A failed ceremony drops the trustee.
func (h *Host) Finish(req *Finish) (*FinishReply, error) {
	t, err := h.Trustee(req.Session)
	if err != nil {
		return nil, err
	}
	if err := t.Finish(req.Guardians, req.OK); err != nil {
		return nil, err
	}
	h.Lock()
	delete(h.announced, string(req.Session))
	if !req.OK {
		delete(h.trustees, string(req.Session))
	}
	h.Unlock()
	h.changed(t)
	log.Lvlf1("guardian %s: ceremony %x finished, ok=%t", h.id, req.Session, req.OK)
	return &FinishReply{}, nil
}

// PartialShares returns the direct shares of the components.
func (h *Host) PartialShares(req *PartialShares) (*PartialSharesReply, error) {
	t, err := h.Trustee(req.Election)
	if err != nil {
		return nil, err
	}
	shares, err := t.DirectShares(req.Components)
	if err != nil {
		return nil, err
	}
	return &PartialSharesReply{Shares: shares}, nil
}

// CompensatedShares returns the shares of the components on behalf of the
// missing guardian.
func (h *Host) CompensatedShares(req *CompensatedShares) (*CompensatedSharesReply, error) {
	t, err := h.Trustee(req.Election)
	if err != nil {
		return nil, err
	}
	shares, err := t.CompensatedShares(req.Missing, req.Components)
	if err != nil {
		return nil, err
	}
	return &CompensatedSharesReply{Shares: shares}, nil
}
