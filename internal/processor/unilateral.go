package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/roach88/dsm/internal/commit"
	"github.com/roach88/dsm/internal/directory"
	"github.com/roach88/dsm/internal/relationship"
	"github.com/roach88/dsm/internal/state"
)

// unilateral finalizes op locally against the recipient's published anchor
// and publishes the new state to the directory. A directory failure after
// the local append leaves the publication in the outbox. A journal failure
// after the append is returned with the committed state in the Result.
func (pr *Processor) unilateral(ctx context.Context, op state.Operation, opts []state.DraftOption) (Result, error) {
	if op.Kind == state.OpReceive {
		return Result{}, state.Reject(state.Malformed, "a receive needs the sender present")
	}
	to := op.Counterparty
	anchor, ok, err := pr.dir.LookupAnchor(ctx, to)
	if err != nil {
		return Result{}, fmt.Errorf("lookup anchor of %s: %w", to, err)
	}
	if !ok {
		return Result{}, state.Reject(state.UnknownAnchor, "no anchor published for %s", to).At(to, 0)
	}

	pr.mu.Lock()
	head := pr.chain.Head()
	if pr.headBusyLocked() {
		pr.mu.Unlock()
		return Result{}, state.Reject(state.CommitmentMismatch, "head %d is held by an open session", head.StateNumber).At(pr.owner, head.StateNumber+1)
	}
	hash, _, err := commit.Recompute(pr.p, head, op)
	if err != nil {
		pr.mu.Unlock()
		return Result{}, err
	}
	att := state.Attestation{
		Role:       state.RoleInitiator,
		CommitHash: hash,
		Anchor:     &state.AnchorRef{Entity: to, AnchorHash: anchor.Hash(pr.p)},
	}
	draft := append(append([]state.DraftOption(nil), opts...), state.WithAttestation(att))
	st, err := state.Successor(pr.p, head, op, pr.stamp(head), draft...)
	if err != nil {
		pr.mu.Unlock()
		return Result{}, err
	}
	lineage := pr.lineageFor(to, st.StateNumber)
	pair, paired := pr.rel.Resume(pr.owner, to)
	own := relationship.Lineage{A: pr.ownLineage(to, st.StateNumber)}
	if paired {
		if err := pr.rel.Check(pr.owner, to, st, pair.Last(to), own); err != nil {
			pr.mu.Unlock()
			return Result{}, err
		}
	}
	if err := pr.commitLocked(ctx, head, st); err != nil {
		pr.mu.Unlock()
		return Result{}, err
	}
	res := Result{Mode: Unilateral, State: st}
	if paired {
		if err := pr.recordLocked(ctx, to, st, pair.Last(to), own); err != nil {
			pr.mu.Unlock()
			return res, err
		}
	}
	pub := directory.Publication{From: pr.owner, To: to, State: st, Lineage: lineage}
	pr.rel.MarkPublished(to, st)
	if pr.journal != nil {
		if err := pr.journal.AppendPublished(ctx, pr.owner, pub); err != nil {
			pr.mu.Unlock()
			return res, fmt.Errorf("journal publication: %w", err)
		}
	}
	pr.mu.Unlock()

	if err := pr.dir.Publish(ctx, pub); err != nil {
		pr.logger.Warn("publication queued", "recipient", string(to), "state_number", st.StateNumber, "error", err)
		return res, pr.enqueue(ctx, pub)
	}
	res.Published = true
	return res, nil
}

func (pr *Processor) enqueue(ctx context.Context, pub directory.Publication) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.outbox = append(pr.outbox, pub)
	if pr.journal != nil {
		if err := pr.journal.PutOutbox(ctx, pub); err != nil {
			return fmt.Errorf("journal outbox: %w", err)
		}
	}
	return nil
}

// FlushOutbox retries queued publications in order. It stops at the first
// failure and reports how many were delivered.
func (pr *Processor) FlushOutbox(ctx context.Context) (int, error) {
	if pr.dir == nil {
		return 0, ErrNoRoute
	}
	sent := 0
	for {
		pr.mu.Lock()
		if len(pr.outbox) == 0 {
			pr.mu.Unlock()
			return sent, nil
		}
		pub := pr.outbox[0]
		pr.mu.Unlock()

		if err := pr.dir.Publish(ctx, pub); err != nil {
			return sent, fmt.Errorf("flush outbox at state %d: %w", pub.State.StateNumber, err)
		}

		pr.mu.Lock()
		pr.outbox = pr.outbox[1:]
		pr.mu.Unlock()
		if pr.journal != nil {
			if err := pr.journal.DeleteOutbox(ctx, pr.owner, pub.State.StateNumber); err != nil {
				return sent, fmt.Errorf("journal outbox: %w", err)
			}
		}
		sent++
		pr.logger.Debug("publication delivered", "recipient", string(pub.To), "state_number", pub.State.StateNumber)
	}
}

// SyncReport summarizes one RecipientSync pass.
type SyncReport struct {
	// Applied are the inbound states appended to the owner's chain.
	Applied []state.State
	// Skipped counts publications already incorporated.
	Skipped int
	// Rejected holds publications that failed verification. They stay in
	// the directory unacknowledged.
	Rejected []error
	// Deferred is set when an open session held the head and the pass
	// stopped early.
	Deferred bool
}

// RecipientSync pulls publications addressed to the owner, verifies each
// against the sender's history and incorporates the valid ones as inbound
// states. Cosigned states whose Confirm never arrived are settled as the
// owner's half of the commitment. On a non-rejection error the report still
// lists the states appended before it.
func (pr *Processor) RecipientSync(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	if pr.dir == nil {
		return report, ErrNoRoute
	}
	if err := pr.ApplyMarkers(ctx); err != nil {
		return report, err
	}
	pubs, err := pr.dir.Query(ctx, pr.owner)
	if err != nil {
		return report, fmt.Errorf("query directory: %w", err)
	}

	blocked := make(map[state.EntityID]bool)
	for _, pub := range pubs {
		if blocked[pub.From] {
			continue
		}
		st, applied, err := pr.incorporate(ctx, pub)
		switch {
		case errors.Is(err, errHeadBusy):
			report.Deferred = true
			return report, nil
		case err != nil:
			if _, ok := state.ReasonOf(err); !ok {
				return report, err
			}
			// Later publications from the same sender build on this one.
			blocked[pub.From] = true
			report.Rejected = append(report.Rejected, err)
			pr.logger.Warn("publication rejected", "sender", string(pub.From), "state_number", pub.State.StateNumber, reasonAttr(err))
			continue
		case applied:
			report.Applied = append(report.Applied, st)
		default:
			report.Skipped++
		}
		if err := pr.dir.Acknowledge(ctx, pr.owner, pub.From, pub.State.StateNumber); err != nil {
			return report, fmt.Errorf("acknowledge %s/%d: %w", pub.From, pub.State.StateNumber, err)
		}
	}
	if len(report.Applied) > 0 || len(report.Rejected) > 0 {
		pr.logger.Info("recipient sync", "applied", len(report.Applied), "skipped", report.Skipped, "rejected", len(report.Rejected))
	}
	return report, nil
}

var errHeadBusy = errors.New("head held by an open session")

// incorporate applies one publication. It reports false without error for
// a publication the owner already holds.
func (pr *Processor) incorporate(ctx context.Context, pub directory.Publication) (state.State, bool, error) {
	sender, st := pub.From, pub.State

	pr.mu.Lock()
	defer pr.mu.Unlock()

	if pr.holdsLocked(sender, st) {
		return state.State{}, false, nil
	}
	if pub.To != pr.owner {
		return state.State{}, false, state.Reject(state.Malformed, "publication for %s delivered to %s", pub.To, pr.owner).At(sender, st.StateNumber)
	}
	if pr.cosignedForLocked(sender, st) {
		return pr.settleLocked(ctx, sender, st, pub.Lineage)
	}
	a := st.Attestation
	if a == nil || a.Anchor == nil || a.Anchor.Entity != pr.owner {
		return state.State{}, false, state.Reject(state.Malformed, "published state is not addressed to %s", pr.owner).At(sender, st.StateNumber)
	}
	if !bytes.Equal(a.Anchor.AnchorHash, pr.Anchor().Hash(pr.p)) {
		return state.State{}, false, state.Reject(state.HashMismatch, "published state references a different anchor").At(sender, st.StateNumber)
	}
	if st.Operation.Counterparty != pr.owner {
		return state.State{}, false, state.Reject(state.Malformed, "published operation names %s", st.Operation.Counterparty).At(sender, st.StateNumber)
	}
	if err := pr.verifyPeerHistory(ctx, sender, pub.Lineage, st); err != nil {
		return state.State{}, false, err
	}
	if pr.headBusyLocked() {
		return state.State{}, false, errHeadBusy
	}
	return pr.inboundLocked(ctx, sender, st, pub.Lineage)
}

// holdsLocked reports whether the owner already agreed to st or a later
// state of sender. Callers hold mu.
func (pr *Processor) holdsLocked(sender state.EntityID, st state.State) bool {
	pair, ok := pr.rel.Resume(pr.owner, sender)
	if !ok {
		return false
	}
	last := pair.Last(sender)
	return st.StateNumber < last.StateNumber ||
		st.StateNumber == last.StateNumber && bytes.Equal(state.ID(pr.p, st), state.ID(pr.p, last))
}

// inboundLocked appends the owner's mirror of a verified state of sender
// and records the pair. Callers hold mu.
func (pr *Processor) inboundLocked(ctx context.Context, sender state.EntityID, st state.State, lineage []state.State) (state.State, bool, error) {
	head := pr.chain.Head()
	inbound, err := state.Successor(pr.p, head, mirror(st.Operation, sender), pr.stamp(head), state.WithAttestation(state.Attestation{
		Role:       state.RoleInbound,
		CommitHash: st.Attestation.CommitHash,
		Source:     state.ID(pr.p, st),
	}))
	if err != nil {
		return state.State{}, false, err
	}
	lin := relationship.Lineage{
		A: pr.ownLineage(sender, inbound.StateNumber),
		B: lineage,
	}
	if err := pr.rel.Check(pr.owner, sender, inbound, st, lin); err != nil {
		return state.State{}, false, err
	}
	if err := pr.commitLocked(ctx, head, inbound); err != nil {
		return state.State{}, false, err
	}
	if err := pr.recordLocked(ctx, sender, inbound, st, lin); err != nil {
		return state.State{}, false, err
	}
	return inbound, true, nil
}
