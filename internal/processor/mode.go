package processor

import (
	"context"
	"fmt"

	"github.com/roach88/dsm/internal/state"
)

// Mode is how a transaction is executed.
type Mode int

const (
	// Bilateral: both parties present, finality by cosignature.
	Bilateral Mode = iota + 1
	// Unilateral: only the initiator present, finality by directory anchor.
	Unilateral
)

func (m Mode) String() string {
	switch m {
	case Bilateral:
		return "bilateral"
	case Unilateral:
		return "unilateral"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Presence is the connectivity snapshot mode selection is made from.
type Presence struct {
	CounterpartyPresent bool
	DirectoryReachable  bool
}

// SelectMode picks the execution mode for one transaction. It is a pure
// function of presence: a present counterparty always means bilateral.
func SelectMode(p Presence) (Mode, error) {
	switch {
	case p.CounterpartyPresent:
		return Bilateral, nil
	case p.DirectoryReachable:
		return Unilateral, nil
	}
	return 0, ErrNoRoute
}

// Result describes a completed transaction.
type Result struct {
	Mode Mode
	// State is the owner's new head.
	State state.State
	// Counterparty is the peer's mirrored state, set once the peer
	// confirmed a bilateral transaction.
	Counterparty state.State
	SessionID    string
	// Confirmed reports whether the counterparty appended its half of a
	// bilateral transaction. When false the cosigned state was published
	// for the counterparty to settle, or queued if Published is false.
	Confirmed bool
	// Published reports whether the state reached the directory. When false
	// it waits in the outbox; local finality is unaffected.
	Published bool
}

// Transact applies op with the counterparty named by op.Counterparty. peer
// is the live rendezvous with that counterparty, or nil if it is absent.
// opts apply to the owner's new state, e.g. state.WithForward.
//
// A *state.Rejection means nothing was appended. Any other error may follow
// a committed append, in which case Result.State holds the new head.
func (pr *Processor) Transact(ctx context.Context, op state.Operation, peer Counterparty, opts ...state.DraftOption) (Result, error) {
	mode, err := SelectMode(Presence{
		CounterpartyPresent: peer != nil,
		DirectoryReachable:  pr.dir != nil,
	})
	if err != nil {
		return Result{}, err
	}
	if op.Counterparty == "" || op.Counterparty == pr.owner {
		return Result{}, state.Reject(state.Malformed, "operation needs a counterparty other than %s", pr.owner)
	}
	if err := pr.ApplyMarkers(ctx); err != nil {
		return Result{}, err
	}

	log := pr.logger.With("counterparty", string(op.Counterparty), "mode", mode.String())
	var res Result
	switch mode {
	case Bilateral:
		res, err = pr.bilateral(ctx, op, peer, opts)
	case Unilateral:
		res, err = pr.unilateral(ctx, op, opts)
	}
	if err != nil {
		log.Warn("transaction rejected", reasonAttr(err))
		return res, err
	}
	if mode == Bilateral && !res.Confirmed {
		log.Warn("transaction finalized without confirmation", "state_number", res.State.StateNumber, "balance", res.State.Balance, "published", res.Published)
		return res, nil
	}
	log.Info("transaction finalized", "state_number", res.State.StateNumber, "balance", res.State.Balance)
	return res, nil
}
