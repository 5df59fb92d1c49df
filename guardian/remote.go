package guardian

import (
	"context"

	"go.dedis.ch/egtally"
)

// Remote is a guardian as seen by the coordinator and the aggregator.
// Every call may block, fail or time out independently of the others. A
// call that does not succeed returns an error whose status tells invalid
// input, internal errors and timeouts apart.
type Remote interface {
	// Address identifies the guardian before it announced itself.
	Address() string
	Announce(ctx context.Context, req *Announce) (*AnnounceReply, error)
	SubmitCommitment(ctx context.Context, req *SubmitCommitment) (*SubmitCommitmentReply, error)
	ShareCommitments(ctx context.Context, req *ShareCommitments) (*ShareCommitmentsReply, error)
	SubmitBackups(ctx context.Context, req *SubmitBackups) (*SubmitBackupsReply, error)
	VerifyBackups(ctx context.Context, req *VerifyBackups) (*VerifyBackupsReply, error)
	Finish(ctx context.Context, req *Finish) (*FinishReply, error)
	PartialShares(ctx context.Context, req *PartialShares) (*PartialSharesReply, error)
	CompensatedShares(ctx context.Context, req *CompensatedShares) (*CompensatedSharesReply, error)
}

// Local is a guardian running in the same process. It is used to simulate
// an election and in tests.
type Local struct {
	*Host
}

// NewLocal returns an in-process guardian.
func NewLocal(id string) *Local {
	return &Local{Host: NewHost(id)}
}

// Address returns the identifier of the guardian.
func (l *Local) Address() string {
	return l.ID()
}

func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return egtally.NewStatusError(egtally.StatusTimeout, err.Error())
	}
	return nil
}

// Announce implements Remote.
func (l *Local) Announce(ctx context.Context, req *Announce) (*AnnounceReply, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	return l.Host.Announce(req)
}

// SubmitCommitment implements Remote.
func (l *Local) SubmitCommitment(ctx context.Context, req *SubmitCommitment) (*SubmitCommitmentReply, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	return l.Host.SubmitCommitment(req)
}

// ShareCommitments implements Remote.
func (l *Local) ShareCommitments(ctx context.Context, req *ShareCommitments) (*ShareCommitmentsReply, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	return l.Host.ShareCommitments(req)
}

// SubmitBackups implements Remote.
func (l *Local) SubmitBackups(ctx context.Context, req *SubmitBackups) (*SubmitBackupsReply, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	return l.Host.SubmitBackups(req)
}

// VerifyBackups implements Remote.
func (l *Local) VerifyBackups(ctx context.Context, req *VerifyBackups) (*VerifyBackupsReply, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	return l.Host.VerifyBackups(req)
}

// Finish implements Remote.
func (l *Local) Finish(ctx context.Context, req *Finish) (*FinishReply, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	return l.Host.Finish(req)
}

// PartialShares implements Remote.
func (l *Local) PartialShares(ctx context.Context, req *PartialShares) (*PartialSharesReply, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	return l.Host.PartialShares(req)
}

// CompensatedShares implements Remote.
func (l *Local) CompensatedShares(ctx context.Context, req *CompensatedShares) (*CompensatedSharesReply, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	return l.Host.CompensatedShares(req)
}
