// Package guardian is the guardian side of the threshold scheme: the
// private state of a guardian, the messages it answers and the clients
// the coordinator uses to reach it.
package guardian

import (
	"context"

	"go.dedis.ch/egtally"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/network"
)

// ServiceName is the name of the guardian service of a conode.
const ServiceName = "Guardian"

func init() {
	network.RegisterMessages(
		&Announce{}, &AnnounceReply{},
		&SubmitCommitment{}, &SubmitCommitmentReply{},
		&ShareCommitments{}, &ShareCommitmentsReply{},
		&SubmitBackups{}, &SubmitBackupsReply{},
		&VerifyBackups{}, &VerifyBackupsReply{},
		&Finish{}, &FinishReply{},
		&PartialShares{}, &PartialSharesReply{},
		&CompensatedShares{}, &CompensatedSharesReply{},
		&TrusteeState{},
	)
}

// Client reaches the guardian service of one conode.
type Client struct {
	*onet.Client
	si *network.ServerIdentity
}

// NewClient returns a client for the guardian hosted by si.
func NewClient(si *network.ServerIdentity) *Client {
	return &Client{Client: onet.NewClient(egtally.Suite, ServiceName), si: si}
}

// NewClients returns a client for each conode of the roster, in roster
// order.
func NewClients(roster *onet.Roster) []Remote {
	rs := make([]Remote, len(roster.List))
	for i, si := range roster.List {
		rs[i] = NewClient(si)
	}
	return rs
}

// Address returns the address of the conode.
func (c *Client) Address() string {
	return c.si.Address.String()
}

// call sends the request and waits for the reply or the end of the
// context. An abandoned call is left to finish in the background and its
// reply is dropped.
func (c *Client) call(ctx context.Context, req, reply interface{}) error {
	done := make(chan error, 1)
	go func() {
		done <- c.SendProtobuf(c.si, req, reply)
	}()
	select {
	case err := <-done:
		if err != nil {
			return egtally.NewStatusError(egtally.StatusInternalError, err.Error())
		}
		return nil
	case <-ctx.Done():
		return egtally.NewStatusError(egtally.StatusTimeout, ctx.Err().Error())
	}
}

// Announce implements Remote.
func (c *Client) Announce(ctx context.Context, req *Announce) (*AnnounceReply, error) {
	reply := &AnnounceReply{}
	if err := c.call(ctx, req, reply); err != nil {
		return nil, err
	}
	return reply, egtally.NewStatusError(reply.Status, reply.Error)
}

// SubmitCommitment implements Remote.
func (c *Client) SubmitCommitment(ctx context.Context, req *SubmitCommitment) (*SubmitCommitmentReply, error) {
	reply := &SubmitCommitmentReply{}
	if err := c.call(ctx, req, reply); err != nil {
		return nil, err
	}
	return reply, egtally.NewStatusError(reply.Status, reply.Error)
}

// ShareCommitments implements Remote.
func (c *Client) ShareCommitments(ctx context.Context, req *ShareCommitments) (*ShareCommitmentsReply, error) {
	reply := &ShareCommitmentsReply{}
	if err := c.call(ctx, req, reply); err != nil {
		return nil, err
	}
	return reply, egtally.NewStatusError(reply.Status, reply.Error)
}

// SubmitBackups implements Remote.
func (c *Client) SubmitBackups(ctx context.Context, req *SubmitBackups) (*SubmitBackupsReply, error) {
	reply := &SubmitBackupsReply{}
	if err := c.call(ctx, req, reply); err != nil {
		return nil, err
	}
	return reply, egtally.NewStatusError(reply.Status, reply.Error)
}

// VerifyBackups implements Remote.
func (c *Client) VerifyBackups(ctx context.Context, req *VerifyBackups) (*VerifyBackupsReply, error) {
	reply := &VerifyBackupsReply{}
	if err := c.call(ctx, req, reply); err != nil {
		return nil, err
	}
	return reply, egtally.NewStatusError(reply.Status, reply.Error)
}

// Finish implements Remote.
func (c *Client) Finish(ctx context.Context, req *Finish) (*FinishReply, error) {
	reply := &FinishReply{}
	if err := c.call(ctx, req, reply); err != nil {
		return nil, err
	}
	return reply, egtally.NewStatusError(reply.Status, reply.Error)
}

// PartialShares implements Remote.
func (c *Client) PartialShares(ctx context.Context, req *PartialShares) (*PartialSharesReply, error) {
	reply := &PartialSharesReply{}
	if err := c.call(ctx, req, reply); err != nil {
		return nil, err
	}
	return reply, egtally.NewStatusError(reply.Status, reply.Error)
}

// CompensatedShares implements Remote.
func (c *Client) CompensatedShares(ctx context.Context, req *CompensatedShares) (*CompensatedSharesReply, error) {
	reply := &CompensatedSharesReply{}
	if err := c.call(ctx, req, reply); err != nil {
		return nil, err
	}
	return reply, egtally.NewStatusError(reply.Status, reply.Error)
}
