package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/dsm/internal/commit"
	"github.com/roach88/dsm/internal/crypto"
	"github.com/roach88/dsm/internal/directory"
	"github.com/roach88/dsm/internal/relationship"
	"github.com/roach88/dsm/internal/state"
)

// Proposal opens a bilateral session.
type Proposal struct {
	SessionID string
	From      state.EntityID
	To        state.EntityID
	// FromKey is the initiator's long-term key, exchanged over the
	// rendezvous channel.
	FromKey []byte
	// Predecessor is the initiator's head the commitment is built on.
	Predecessor state.State
	// Lineage lets the counterparty verify Predecessor.
	Lineage []state.State
	// Since is the first state number of the counterparty's chain the
	// initiator does not hold. The response lineage starts there.
	Since     uint64
	Operation state.Operation
	// Sealed carries the commit hash, encrypted to the counterparty.
	Sealed crypto.Envelope
	// Signature is the initiator's cosignature over the commit hash.
	Signature []byte
	Deadline  time.Time
}

// Response is the counterparty's cosignature together with its own signed
// half of the transaction.
type Response struct {
	SessionID   string
	CommitHash  []byte
	Cosignature []byte
	// Candidate is the counterparty's mirrored successor, not yet appended.
	Candidate   state.State
	Predecessor state.State
	Lineage     []state.State
	// Since is the first state number of the initiator's chain the
	// counterparty does not hold.
	Since uint64
}

// Counterparty is a live rendezvous with the other party of a bilateral
// transaction. LocalPeer connects two processors in one process; a
// proximity transport would implement the same calls.
type Counterparty interface {
	Entity() state.EntityID
	PublicKey() []byte
	// Propose asks the counterparty to cosign. A rejection is returned as a
	// *state.Rejection.
	Propose(ctx context.Context, prop Proposal) (Response, error)
	// Confirm delivers the initiator's finalized state so the counterparty
	// can append its half. A failed Confirm does not undo the initiator's
	// append: the finalized state is published instead and the counterparty
	// settles it through RecipientSync or its next proposal.
	Confirm(ctx context.Context, sessionID string, finalized state.State) error
	// Cancel tells the counterparty the session was aborted.
	Cancel(ctx context.Context, sessionID string, reason state.Reason) error
}

type responderSession struct {
	proposal   Proposal
	commitHash []byte
	head       state.State
	candidate  state.State
	deadline   time.Time
}

// bilateral runs the initiator side of the pre-commitment protocol.
// Everything before the local append is side-effect free: an abort at any
// earlier point leaves both chains and both relationship stores untouched.
// The entry is recorded only once the counterparty confirms; until then the
// finalized state is held as a pending publication to it.
func (pr *Processor) bilateral(ctx context.Context, op state.Operation, peer Counterparty, opts []state.DraftOption) (Result, error) {
	if peer.Entity() != op.Counterparty {
		return Result{}, state.Reject(state.Malformed, "rendezvous is with %s, operation names %s", peer.Entity(), op.Counterparty)
	}

	pr.mu.Lock()
	head := pr.chain.Head()
	if m, ok := pr.chain.Marker(); ok && head.StateNumber >= m.StateNumber {
		pr.mu.Unlock()
		return Result{}, state.Reject(state.RecoveryMarkerExceeded,
			"head %d is at marker %d", head.StateNumber, m.StateNumber).At(pr.owner, head.StateNumber+1)
	}
	if err := checkFunds(head, op); err != nil {
		pr.mu.Unlock()
		return Result{}, err
	}
	sess, err := commit.Draft(pr.p, pr.ids.Generate(), head, op, peer.Entity(), pr.now().Add(pr.timeout))
	if err != nil {
		pr.mu.Unlock()
		return Result{}, err
	}
	headID := state.ID(pr.p, head)
	if err := pr.tracker.Reserve(headID, sess.CommitHash, sess.ID); err != nil {
		pr.mu.Unlock()
		return Result{}, err
	}
	pr.mu.Unlock()

	log := pr.logger.With("session", sess.ID, "counterparty", string(peer.Entity()))
	abort := func(reason state.Reason, cause error) (Result, error) {
		_ = sess.Abort(reason)
		pr.tracker.Release(headID, sess.ID)
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pr.timeout)
		defer cancel()
		if err := peer.Cancel(cctx, sess.ID, reason); err != nil {
			log.Debug("cancel not delivered", "error", err)
		}
		log.Debug("session aborted", "reason", string(reason))
		return Result{SessionID: sess.ID}, cause
	}

	env, err := sess.Send(pr.p, peer.PublicKey())
	if err != nil {
		return abort(state.Malformed, fmt.Errorf("seal commitment: %w", err))
	}
	sig, err := commit.Cosign(pr.p, pr.key, sess.CommitHash)
	if err != nil {
		return abort(state.Malformed, fmt.Errorf("sign commitment: %w", err))
	}

	rctx, cancel := context.WithDeadline(ctx, sess.Deadline)
	resp, err := peer.Propose(rctx, Proposal{
		SessionID:   sess.ID,
		From:        pr.owner,
		To:          peer.Entity(),
		FromKey:     pr.key.Public(),
		Predecessor: head,
		Lineage:     pr.lineageFor(peer.Entity(), head.StateNumber),
		Since:       pr.heldSince(peer.Entity()),
		Operation:   op,
		Sealed:      env,
		Signature:   sig,
		Deadline:    sess.Deadline,
	})
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return abort(state.CounterpartyTimeout, state.Reject(state.CounterpartyTimeout,
				"session %s: no cosignature before deadline", sess.ID).At(pr.owner, head.StateNumber+1))
		}
		reason, ok := state.ReasonOf(err)
		if !ok {
			reason = state.Declined
		}
		return abort(reason, err)
	}

	theirs, err := pr.checkResponse(ctx, sess, peer, resp)
	if err != nil {
		reason, _ := state.ReasonOf(err)
		return abort(reason, err)
	}
	pr.since.Store(peer.Entity(), resp.Since)

	att := state.Attestation{
		Role:         state.RoleInitiator,
		CommitHash:   sess.CommitHash,
		Cosignatures: []state.Cosignature{{Entity: peer.Entity(), Signature: resp.Cosignature}},
	}
	draft := append(append([]state.DraftOption(nil), opts...), state.WithAttestation(att))
	ours, err := state.Successor(pr.p, head, op, pr.stamp(head), draft...)
	if err != nil {
		return abort(state.Malformed, err)
	}
	if err := state.VerifyTransition(pr.p, head, ours); err != nil {
		reason, _ := state.ReasonOf(err)
		return abort(reason, err)
	}
	lin := relationship.Lineage{
		A: pr.ownLineage(peer.Entity(), ours.StateNumber),
		B: append(append([]state.State(nil), resp.Lineage...), resp.Predecessor),
	}
	if err := pr.rel.Check(pr.owner, peer.Entity(), ours, theirs, lin); err != nil {
		reason, _ := state.ReasonOf(err)
		return abort(reason, err)
	}

	if err := sess.Finalize(pr.p, peer.PublicKey(), resp.CommitHash, resp.Cosignature, pr.now()); err != nil {
		pr.tracker.Release(headID, sess.ID)
		_ = peer.Cancel(context.WithoutCancel(ctx), sess.ID, sess.Reason())
		return Result{SessionID: sess.ID}, err
	}

	pr.mu.Lock()
	if err := pr.commitLocked(ctx, head, ours); err != nil {
		pr.mu.Unlock()
		reason, ok := state.ReasonOf(err)
		if !ok {
			reason = state.Declined
		}
		return abort(reason, err)
	}
	pub := directory.Publication{From: pr.owner, To: peer.Entity(), State: ours, Lineage: pr.lineageFor(peer.Entity(), ours.StateNumber)}
	err = pr.holdLocked(ctx, pub)
	pr.mu.Unlock()
	res := Result{Mode: Bilateral, State: ours, SessionID: sess.ID}
	if err != nil {
		return res, err
	}

	if err := peer.Confirm(ctx, sess.ID, ours); err != nil {
		log.Warn("counterparty did not confirm, publishing finalized state", "state_number", ours.StateNumber, "error", err)
		return pr.release(ctx, res, pub)
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()
	res.Confirmed = true
	res.Counterparty = theirs
	if err := pr.recordLocked(ctx, peer.Entity(), ours, theirs, lin); err != nil {
		return res, err
	}
	if pr.journal != nil {
		if err := pr.journal.DeleteOutbox(ctx, pr.owner, ours.StateNumber); err != nil {
			return res, fmt.Errorf("journal outbox: %w", err)
		}
	}
	return res, nil
}

// holdLocked marks a finalized bilateral state as pending with the
// counterparty and journals it as queued, so that a crash before Confirm
// still delivers it on the next FlushOutbox. Callers hold mu.
func (pr *Processor) holdLocked(ctx context.Context, pub directory.Publication) error {
	pr.rel.MarkPublished(pub.To, pub.State)
	if pr.journal == nil {
		return nil
	}
	if err := pr.journal.AppendPublished(ctx, pr.owner, pub); err != nil {
		return fmt.Errorf("journal publication: %w", err)
	}
	if err := pr.journal.PutOutbox(ctx, pub); err != nil {
		return fmt.Errorf("journal outbox: %w", err)
	}
	return nil
}

// release publishes a held state the counterparty did not confirm. Without
// a reachable directory it stays in the outbox.
func (pr *Processor) release(ctx context.Context, res Result, pub directory.Publication) (Result, error) {
	if pr.dir != nil {
		if err := pr.dir.Publish(ctx, pub); err == nil {
			res.Published = true
			if pr.journal != nil {
				if err := pr.journal.DeleteOutbox(ctx, pr.owner, pub.State.StateNumber); err != nil {
					return res, fmt.Errorf("journal outbox: %w", err)
				}
			}
			return res, nil
		}
	}
	pr.mu.Lock()
	pr.outbox = append(pr.outbox, pub)
	pr.mu.Unlock()
	return res, nil
}

// checkResponse verifies the counterparty's half before the initiator
// commits to anything.
func (pr *Processor) checkResponse(ctx context.Context, sess *commit.Session, peer Counterparty, resp Response) (state.State, error) {
	reject := func(reason state.Reason, format string, args ...any) (state.State, error) {
		return state.State{}, state.Reject(reason, format, args...).At(peer.Entity(), resp.Candidate.StateNumber)
	}
	if resp.SessionID != sess.ID {
		return reject(state.Malformed, "response for session %s, expected %s", resp.SessionID, sess.ID)
	}
	if !bytes.Equal(resp.CommitHash, sess.CommitHash) {
		return reject(state.CommitmentMismatch, "counterparty derived a different commitment")
	}
	cand := resp.Candidate
	if err := pr.verifyPeerHistory(ctx, peer.Entity(), resp.Lineage, resp.Predecessor); err != nil {
		return state.State{}, err
	}
	if err := state.VerifyTransition(pr.p, resp.Predecessor, cand); err != nil {
		return state.State{}, err
	}
	a := cand.Attestation
	if a == nil || a.Role != state.RoleResponder || !bytes.Equal(a.CommitHash, sess.CommitHash) {
		return reject(state.CommitmentMismatch, "counterparty state is not bound to this commitment")
	}
	if !sameOperation(cand.Operation, mirror(sess.Operation, pr.owner)) {
		return reject(state.CommitmentMismatch, "counterparty state does not mirror the operation")
	}
	peerLineage := append(append([]state.State(nil), resp.Lineage...), resp.Predecessor)
	if err := pr.rel.CheckSync(pr.owner, peer.Entity(), peerLineage); err != nil {
		return state.State{}, err
	}
	return cand, nil
}

// Respond is the counterparty side of Propose. It verifies the initiator's
// history and commitment, builds and signs the owner's mirrored state and
// cosigns. The new half is not appended until Confirm; a cosigned state of
// the initiator whose Confirm never arrived is settled first.
//
// Once a cosignature is issued for a predecessor, no different commitment on
// that predecessor will ever be cosigned.
func (pr *Processor) Respond(ctx context.Context, prop Proposal) (Response, error) {
	log := pr.logger.With("session", prop.SessionID, "counterparty", string(prop.From))
	resp, err := pr.respond(ctx, prop)
	if err != nil {
		log.Warn("proposal refused", reasonAttr(err))
		return Response{}, err
	}
	log.Debug("proposal cosigned", "state_number", resp.Candidate.StateNumber)
	return resp, nil
}

func (pr *Processor) respond(ctx context.Context, prop Proposal) (Response, error) {
	pred, op := prop.Predecessor, prop.Operation
	if prop.To != pr.owner || op.Counterparty != pr.owner || prop.From == pr.owner {
		return Response{}, state.Reject(state.Malformed, "proposal from %s is not addressed to %s", prop.From, pr.owner)
	}
	if err := state.ValidateStructure(pred); err != nil {
		return Response{}, err
	}
	if err := checkFunds(pred, op); err != nil {
		return Response{}, err
	}
	if err := pr.ApplyMarkers(ctx); err != nil {
		return Response{}, err
	}

	hash, err := commit.Open(pr.p, pr.key, prop.SessionID, prop.Sealed)
	if err != nil {
		return Response{}, state.Reject(state.Malformed, "open commitment envelope: %v", err)
	}
	if err := pr.checkInitiatorKey(ctx, prop); err != nil {
		return Response{}, err
	}
	if !commit.VerifyCosignature(pr.p, prop.FromKey, hash, prop.Signature) {
		return Response{}, state.Reject(state.SignatureInvalid, "initiator signature over commitment does not verify").At(prop.From, pred.StateNumber+1)
	}
	if err := pr.verifyPeerHistory(ctx, prop.From, prop.Lineage, pred); err != nil {
		return Response{}, err
	}
	pr.since.Store(prop.From, prop.Since)
	peerLineage := append(append([]state.State(nil), prop.Lineage...), pred)
	if err := pr.settleShown(ctx, prop.From, peerLineage); err != nil {
		return Response{}, err
	}
	if err := pr.rel.CheckSync(pr.owner, prop.From, peerLineage); err != nil {
		return Response{}, err
	}
	recomputed, _, err := commit.Recompute(pr.p, pred, op)
	if err != nil {
		return Response{}, err
	}
	if !bytes.Equal(recomputed, hash) {
		return Response{}, state.Reject(state.CommitmentMismatch, "commitment does not match proposed parameters").At(prop.From, pred.StateNumber+1)
	}
	if !pr.acceptor(prop) {
		return Response{}, state.Reject(state.Declined, "%s declined", pr.owner).At(prop.From, pred.StateNumber+1)
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.expireLocked()

	head := pr.chain.Head()
	if m, ok := pr.chain.Marker(); ok && head.StateNumber >= m.StateNumber {
		return Response{}, state.Reject(state.RecoveryMarkerExceeded,
			"head %d is at marker %d", head.StateNumber, m.StateNumber).At(pr.owner, head.StateNumber+1)
	}
	cand, err := state.Successor(pr.p, head, mirror(op, prop.From), pr.stamp(head), state.WithAttestation(state.Attestation{
		Role:         state.RoleResponder,
		CommitHash:   hash,
		Cosignatures: []state.Cosignature{{Entity: prop.From, Signature: prop.Signature}},
	}))
	if err != nil {
		return Response{}, err
	}
	if err := state.VerifyTransition(pr.p, head, cand); err != nil {
		return Response{}, err
	}

	headID := state.ID(pr.p, head)
	if err := pr.tracker.Reserve(headID, hash, prop.SessionID); err != nil {
		return Response{}, err
	}
	if err := pr.tracker.Reserve(state.ID(pr.p, pred), hash, prop.SessionID); err != nil {
		pr.tracker.Release(headID, prop.SessionID)
		return Response{}, err
	}
	cosig, err := commit.Cosign(pr.p, pr.key, hash)
	if err != nil {
		pr.tracker.Release(headID, prop.SessionID)
		return Response{}, err
	}

	deadline := prop.Deadline
	if local := pr.now().Add(pr.timeout); deadline.IsZero() || deadline.After(local) {
		deadline = local
	}
	pr.sessions[prop.SessionID] = &responderSession{
		proposal:   prop,
		commitHash: hash,
		head:       head,
		candidate:  cand,
		deadline:   deadline,
	}
	return Response{
		SessionID:   prop.SessionID,
		CommitHash:  hash,
		Cosignature: cosig,
		Candidate:   cand,
		Predecessor: head,
		Lineage:     pr.lineageSince(prop.Since, head.StateNumber),
		Since:       pr.heldSince(prop.From),
	}, nil
}

// checkInitiatorKey compares the key presented over the rendezvous with the
// initiator's published anchor, when a directory is reachable.
func (pr *Processor) checkInitiatorKey(ctx context.Context, prop Proposal) error {
	if pr.dir == nil {
		return nil
	}
	anchor, ok, err := pr.dir.LookupAnchor(ctx, prop.From)
	if err != nil {
		if errors.Is(err, directory.ErrUnavailable) {
			return nil
		}
		return fmt.Errorf("lookup anchor of %s: %w", prop.From, err)
	}
	if ok && !bytes.Equal(anchor.PublicKey, prop.FromKey) {
		return state.Reject(state.SignatureInvalid, "presented key does not match anchor of %s", prop.From)
	}
	return nil
}

// Confirm appends the owner's half of a cosigned session once the
// initiator's finalized state verifies against the commitment. Confirming a
// state the owner already agreed to is a no-op.
func (pr *Processor) Confirm(ctx context.Context, sessionID string, finalized state.State) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	rs, ok := pr.sessions[sessionID]
	if !ok {
		if pair, ok := pr.rel.Resume(pr.owner, finalized.Owner); ok && finalized.Owner != pr.owner &&
			bytes.Equal(state.ID(pr.p, pair.Last(finalized.Owner)), state.ID(pr.p, finalized)) {
			return nil
		}
		return state.Reject(state.CounterpartyTimeout, "session %s is not open", sessionID)
	}
	return pr.confirmLocked(ctx, sessionID, rs, finalized)
}

// confirmLocked completes the responder session id with the initiator's
// finalized state. Callers hold mu.
func (pr *Processor) confirmLocked(ctx context.Context, id string, rs *responderSession, finalized state.State) error {
	prop := rs.proposal
	if err := state.VerifyTransition(pr.p, prop.Predecessor, finalized); err != nil {
		return err
	}
	a := finalized.Attestation
	if a == nil || a.Role != state.RoleInitiator || !bytes.Equal(a.CommitHash, rs.commitHash) {
		return state.Reject(state.CommitmentMismatch, "finalized state is not bound to session %s", id).At(finalized.Owner, finalized.StateNumber)
	}
	cosig, ok := a.Cosignature(pr.owner)
	if !ok || !commit.VerifyCosignature(pr.p, pr.key.Public(), rs.commitHash, cosig) {
		return state.Reject(state.SignatureInvalid, "finalized state does not carry %s's cosignature", pr.owner).At(finalized.Owner, finalized.StateNumber)
	}

	lin := relationship.Lineage{
		A: pr.ownLineage(prop.From, rs.candidate.StateNumber),
		B: append(append([]state.State(nil), prop.Lineage...), prop.Predecessor),
	}
	if err := pr.rel.Check(pr.owner, prop.From, rs.candidate, finalized, lin); err != nil {
		return err
	}
	if err := pr.commitLocked(ctx, rs.head, rs.candidate); err != nil {
		return err
	}
	_ = pr.tracker.Consume(state.ID(pr.p, prop.Predecessor), rs.commitHash)
	delete(pr.sessions, id)

	if err := pr.recordLocked(ctx, prop.From, rs.candidate, finalized, lin); err != nil {
		return err
	}
	pr.logger.Info("transaction finalized",
		"session", id,
		"counterparty", string(prop.From),
		"mode", Bilateral.String(),
		"state_number", rs.candidate.StateNumber,
		"balance", rs.candidate.Balance,
	)
	return nil
}

// settleShown settles every cosigned state of peer in shown that names the
// owner and that the owner has not yet agreed to. These are states whose
// Confirm never arrived.
func (pr *Processor) settleShown(ctx context.Context, peer state.EntityID, shown []state.State) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	for i, st := range shown {
		if !pr.cosignedForLocked(peer, st) || pr.holdsLocked(peer, st) {
			continue
		}
		if _, _, err := pr.settleLocked(ctx, peer, st, shown[:i]); err != nil {
			if errors.Is(err, errHeadBusy) {
				return state.Reject(state.CommitmentMismatch, "head is held by an open session").At(pr.owner, pr.chain.Head().StateNumber+1)
			}
			return err
		}
	}
	return nil
}

// cosignedForLocked reports whether st is a bilateral initiator state of
// peer addressed to the owner. Callers hold mu.
func (pr *Processor) cosignedForLocked(peer state.EntityID, st state.State) bool {
	a := st.Attestation
	if st.Owner != peer || a == nil || a.Anchor != nil || a.Role != state.RoleInitiator {
		return false
	}
	_, ok := a.Cosignature(pr.owner)
	return ok && st.Operation.Counterparty == pr.owner
}

// settleLocked applies the owner's half of a cosigned state whose Confirm
// never arrived. An open session for the commitment is completed as Confirm
// would; a half appended without its entry is recorded; otherwise the half
// is appended as an inbound state. Callers hold mu.
func (pr *Processor) settleLocked(ctx context.Context, sender state.EntityID, st state.State, lineage []state.State) (state.State, bool, error) {
	a := st.Attestation
	if st.Operation.Counterparty != pr.owner {
		return state.State{}, false, state.Reject(state.Malformed, "cosigned operation names %s", st.Operation.Counterparty).At(sender, st.StateNumber)
	}
	cosig, ok := a.Cosignature(pr.owner)
	if !ok || !commit.VerifyCosignature(pr.p, pr.key.Public(), a.CommitHash, cosig) {
		return state.State{}, false, state.Reject(state.SignatureInvalid, "state does not carry %s's cosignature", pr.owner).At(sender, st.StateNumber)
	}
	if err := pr.verifyPeerHistory(ctx, sender, lineage, st); err != nil {
		return state.State{}, false, err
	}

	pr.expireLocked()
	for id, rs := range pr.sessions {
		if rs.proposal.From == sender && bytes.Equal(rs.commitHash, a.CommitHash) {
			if err := pr.confirmLocked(ctx, id, rs, st); err != nil {
				return state.State{}, false, err
			}
			return rs.candidate, true, nil
		}
	}
	if half, ok := pr.halfOfLocked(sender, a.CommitHash); ok {
		lin := relationship.Lineage{A: pr.ownLineage(sender, half.StateNumber), B: lineage}
		return state.State{}, false, pr.recordLocked(ctx, sender, half, st, lin)
	}
	if pr.headBusyLocked() {
		return state.State{}, false, errHeadBusy
	}
	return pr.inboundLocked(ctx, sender, st, lineage)
}

// halfOfLocked finds an own responder state bound to commitHash among the
// states after the owner's last agreed state with peer. Callers hold mu.
func (pr *Processor) halfOfLocked(peer state.EntityID, commitHash []byte) (state.State, bool) {
	from := uint64(1)
	if pair, ok := pr.rel.Resume(pr.owner, peer); ok {
		from = pair.Last(pr.owner).StateNumber + 1
	}
	head := pr.chain.Head().StateNumber
	if from > head {
		return state.State{}, false
	}
	states, err := pr.chain.Range(from, head)
	if err != nil {
		return state.State{}, false
	}
	for _, st := range states {
		if a := st.Attestation; a != nil && a.Role == state.RoleResponder && bytes.Equal(a.CommitHash, commitHash) {
			return st, true
		}
	}
	return state.State{}, false
}

// Cancel drops an open session and frees the owner's head. The reservation
// on the initiator's predecessor is kept: a cosignature was issued for it.
func (pr *Processor) Cancel(_ context.Context, sessionID string, reason state.Reason) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	rs, ok := pr.sessions[sessionID]
	if !ok {
		return nil
	}
	pr.tracker.Release(state.ID(pr.p, rs.head), sessionID)
	delete(pr.sessions, sessionID)
	pr.logger.Debug("session cancelled by initiator", "session", sessionID, "reason", string(reason))
	return nil
}

// checkFunds rejects op early if it would overdraw pred's owner.
func checkFunds(pred state.State, op state.Operation) error {
	if delta := op.Delta(); delta < 0 && pred.Balance < -delta {
		return state.Reject(state.NegativeBalance,
			"balance %d cannot cover %d", pred.Balance, -delta).At(pred.Owner, pred.StateNumber+1)
	}
	return nil
}

// headBusyLocked reports whether an open session holds the owner's head.
// Callers hold mu.
func (pr *Processor) headBusyLocked() bool {
	pr.expireLocked()
	return pr.tracker.Reserved(state.ID(pr.p, pr.chain.Head()))
}

// expireLocked drops responder sessions past their deadline. Callers hold mu.
func (pr *Processor) expireLocked() {
	now := pr.now()
	for id, rs := range pr.sessions {
		if now.After(rs.deadline) {
			pr.tracker.Release(state.ID(pr.p, rs.head), id)
			delete(pr.sessions, id)
			pr.logger.Debug("session expired", "session", id)
		}
	}
}
