package processor

import (
	"context"

	"github.com/roach88/dsm/internal/state"
)

// LocalPeer is a rendezvous with a processor in the same process.
type LocalPeer struct {
	pr *Processor
}

var _ Counterparty = (*LocalPeer)(nil)

// Peer returns a rendezvous with pr for use by other processors.
func Peer(pr *Processor) *LocalPeer {
	return &LocalPeer{pr: pr}
}

// Entity implements Counterparty.
func (l *LocalPeer) Entity() state.EntityID {
	return l.pr.Owner()
}

// PublicKey implements Counterparty.
func (l *LocalPeer) PublicKey() []byte {
	return l.pr.PublicKey()
}

// Propose implements Counterparty.
func (l *LocalPeer) Propose(ctx context.Context, prop Proposal) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	resp, err := l.pr.Respond(ctx, prop)
	if err != nil {
		return Response{}, err
	}
	// The response is only delivered if the rendezvous is still open.
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// Confirm implements Counterparty.
func (l *LocalPeer) Confirm(ctx context.Context, sessionID string, finalized state.State) error {
	return l.pr.Confirm(ctx, sessionID, finalized)
}

// Cancel implements Counterparty.
func (l *LocalPeer) Cancel(ctx context.Context, sessionID string, reason state.Reason) error {
	return l.pr.Cancel(ctx, sessionID, reason)
}
