package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/dsm/internal/commit"
	"github.com/roach88/dsm/internal/crypto"
	"github.com/roach88/dsm/internal/directory"
	"github.com/roach88/dsm/internal/genesis"
	"github.com/roach88/dsm/internal/index"
	"github.com/roach88/dsm/internal/recovery"
	"github.com/roach88/dsm/internal/relationship"
	"github.com/roach88/dsm/internal/state"
	"github.com/roach88/dsm/internal/store"
)

// ErrNoRoute is returned when neither the counterparty nor a directory is
// reachable.
var ErrNoRoute = errors.New("processor: counterparty absent and no directory")

// Processor is one entity's node: its chain, index, relationships and the
// collaborators it transacts through. Several processors can share a process
// without sharing any state.
//
// Thread-safety: safe for concurrent use. Transitions of the owner's chain
// are serialized; rendezvous with counterparties run unlocked, so a slow
// peer in one relationship never blocks another.
type Processor struct {
	p     crypto.Primitives
	key   crypto.PrivateKey
	owner state.EntityID

	chain   *state.Chain
	index   *index.Index
	rel     *relationship.Store
	tracker *commit.Tracker

	dir         directory.Service
	genesis     genesis.Provider
	feed        recovery.Feed
	recoveryKey []byte
	journal     Journal

	clock    Clock
	now      func() time.Time
	ids      commit.IDGenerator
	acceptor Acceptor
	timeout  time.Duration
	interval uint64
	logger   *slog.Logger

	// mu serializes appends to chain together with the index, tracker,
	// relationship and journal updates that follow them.
	mu       sync.Mutex
	sessions map[string]*responderSession
	outbox   []directory.Publication

	// since holds, per peer, the first own state number the peer declared
	// it does not hold when it last proposed or responded.
	since sync.Map // state.EntityID -> uint64
}

func newProcessor(p crypto.Primitives, key crypto.PrivateKey, g state.State, opts []Option) (*Processor, error) {
	pr := &Processor{
		p:        p,
		key:      key,
		owner:    g.Owner,
		rel:      relationship.NewStore(p),
		tracker:  commit.NewTracker(),
		sessions: make(map[string]*responderSession),
	}
	defaults(pr)
	for _, opt := range opts {
		opt(pr)
	}
	pr.logger = pr.logger.With("entity", string(pr.owner))

	chain, err := state.NewChain(p, g)
	if err != nil {
		return nil, err
	}
	pr.chain = chain
	if pr.index, err = index.New(p, pr.interval); err != nil {
		return nil, err
	}
	if err := pr.index.Add(g); err != nil {
		return nil, err
	}
	return pr, nil
}

// New returns a processor for the owner of genesis, holding long-term key.
func New(ctx context.Context, p crypto.Primitives, key crypto.PrivateKey, g state.State, opts ...Option) (*Processor, error) {
	if err := genesis.Validate(p, g); err != nil {
		return nil, err
	}
	pr, err := newProcessor(p, key, g, opts)
	if err != nil {
		return nil, err
	}
	if pr.journal != nil {
		if err := pr.journal.AppendState(ctx, g); err != nil {
			return nil, fmt.Errorf("journal genesis: %w", err)
		}
	}
	return pr, nil
}

// Restore rebuilds owner's processor from journal. Every journaled state is
// re-appended and every relationship record re-verified; nothing read back
// is trusted.
func Restore(ctx context.Context, p crypto.Primitives, key crypto.PrivateKey, owner state.EntityID, journal Journal, opts ...Option) (*Processor, error) {
	snap, err := journal.Load(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	if len(snap.States) == 0 {
		return nil, fmt.Errorf("restore %s: journal holds no states", owner)
	}
	if err := genesis.Validate(p, snap.States[0]); err != nil {
		return nil, fmt.Errorf("restore %s: %w", owner, err)
	}

	opts = append(opts, WithJournal(journal))
	pr, err := newProcessor(p, key, snap.States[0], opts)
	if err != nil {
		return nil, err
	}
	for _, st := range snap.States[1:] {
		if _, err := pr.chain.Extend(st); err != nil {
			return nil, fmt.Errorf("restore %s: replay state %d: %w", owner, st.StateNumber, err)
		}
		if err := pr.index.Add(st); err != nil {
			return nil, err
		}
		pr.consume(st)
	}
	for _, m := range snap.Markers {
		if err := pr.chain.ApplyMarker(m); err != nil {
			return nil, fmt.Errorf("restore %s: replay marker %d: %w", owner, m.StateNumber, err)
		}
		pr.index.Truncate(m.StateNumber)
	}
	for _, ev := range snap.Events {
		switch ev.Kind {
		case store.EventRecord:
			if err := pr.rel.Apply(ev.Record); err != nil {
				return nil, fmt.Errorf("restore %s: replay record %d: %w", owner, ev.Seq, err)
			}
			pr.consumeCosigned(ev.Record)
		case store.EventPublished:
			pr.rel.MarkPublished(ev.Publication.To, ev.Publication.State)
		}
	}
	pr.outbox = snap.Outbox

	if mc, ok := pr.clock.(*MonotonicClock); ok {
		if head := pr.chain.Head(); mc.Current() < head.Timestamp {
			mc.last.Store(head.Timestamp)
		}
	}
	pr.logger.Info("restored from journal",
		"state_number", pr.chain.Head().StateNumber,
		"relationships", len(pr.rel.Keys()),
		"outbox", len(pr.outbox),
	)
	return pr, nil
}

// Owner returns the entity this processor acts for.
func (pr *Processor) Owner() state.EntityID {
	return pr.owner
}

// PublicKey returns the long-term verification and encapsulation key.
func (pr *Processor) PublicKey() []byte {
	return pr.key.Public()
}

// Head returns the current head of the owner's chain.
func (pr *Processor) Head() state.State {
	return pr.chain.Head()
}

// Chain returns the owner's chain. Callers must not append to it directly.
func (pr *Processor) Chain() *state.Chain {
	return pr.chain
}

// Index returns the sparse index over the owner's chain.
func (pr *Processor) Index() *index.Index {
	return pr.index
}

// Relationships returns the processor's relationship store.
func (pr *Processor) Relationships() *relationship.Store {
	return pr.rel
}

// Outbox returns publications waiting for the directory.
func (pr *Processor) Outbox() []directory.Publication {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	out := make([]directory.Publication, len(pr.outbox))
	copy(out, pr.outbox)
	return out
}

// Anchor returns the owner's identity anchor.
func (pr *Processor) Anchor() directory.Anchor {
	g, _ := pr.chain.Get(0)
	return directory.Anchor{
		Entity:    pr.owner,
		PublicKey: pr.key.Public(),
		GenesisID: state.ID(pr.p, g),
	}
}

// RegisterAnchor publishes the owner's anchor so others can pay it
// unilaterally.
func (pr *Processor) RegisterAnchor(ctx context.Context) error {
	if pr.dir == nil {
		return ErrNoRoute
	}
	if err := pr.dir.RegisterAnchor(ctx, pr.Anchor()); err != nil {
		return fmt.Errorf("register anchor: %w", err)
	}
	return nil
}

// Prove returns an inclusion proof for state n with the index root it
// verifies against.
func (pr *Processor) Prove(n uint64) (index.Proof, []byte, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	proof, err := pr.index.Prove(n)
	if err != nil {
		return index.Proof{}, nil, err
	}
	return proof, pr.index.Root(), nil
}

// ApplyMarkers pulls the owner's invalidation markers from the feed and
// installs any new one. It is called before every transition, so a
// published marker takes effect on the next append attempt.
func (pr *Processor) ApplyMarkers(ctx context.Context) error {
	if pr.feed == nil {
		return nil
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()

	n, err := recovery.Apply(ctx, pr.p, pr.feed, pr.chain, pr.recoveryKey)
	if err != nil {
		return fmt.Errorf("apply invalidation markers: %w", err)
	}
	if n == 0 {
		return nil
	}
	m, _ := pr.chain.Marker()
	pr.index.Truncate(m.StateNumber)
	pr.logger.Warn("invalidation marker applied", "state_number", m.StateNumber)
	if pr.journal != nil {
		if err := pr.journal.SaveMarker(ctx, m); err != nil {
			return fmt.Errorf("journal marker: %w", err)
		}
	}
	return nil
}

// stamp returns a timestamp strictly after head's.
func (pr *Processor) stamp(head state.State) uint64 {
	ts := pr.clock.Now()
	if ts <= head.Timestamp {
		ts = head.Timestamp + 1
	}
	return ts
}

// commitLocked appends cand on top of pred and brings the index, tracker and
// journal along. The state is journaled before the head moves, so a journal
// failure leaves the chain unchanged. Callers hold mu.
func (pr *Processor) commitLocked(ctx context.Context, pred, cand state.State) error {
	if err := pr.chain.Check(pred, cand); err != nil {
		return err
	}
	if pr.journal != nil {
		if err := pr.journal.AppendState(ctx, cand); err != nil {
			return fmt.Errorf("journal state %d: %w", cand.StateNumber, err)
		}
	}
	if _, err := pr.chain.Append(pred, cand); err != nil {
		return err
	}
	if err := pr.index.Add(cand); err != nil {
		return err
	}
	pr.consume(cand)
	pr.logger.Debug("state appended",
		"state_number", cand.StateNumber,
		"operation", string(cand.Operation.Kind),
		"counterparty", string(cand.Operation.Counterparty),
	)
	return nil
}

// recordLocked records an entry between the owner and peer and journals it.
// Callers hold mu.
func (pr *Processor) recordLocked(ctx context.Context, peer state.EntityID, own, theirs state.State, lin relationship.Lineage) error {
	rec := relationship.Record{A: pr.owner, B: peer, StateA: own, StateB: theirs, Lineage: lin}
	if err := pr.rel.Apply(rec); err != nil {
		return err
	}
	if pr.journal != nil {
		if err := pr.journal.AppendRecord(ctx, pr.owner, rec); err != nil {
			return fmt.Errorf("journal record: %w", err)
		}
	}
	return nil
}

// consume marks the predecessor of an own state as spent by its commitment.
func (pr *Processor) consume(st state.State) {
	if a := st.Attestation; a != nil {
		// A mismatch means the state was accepted by the chain, which is
		// authoritative; the tracker only guards future commitments.
		_ = pr.tracker.Consume(st.PrevHash, a.CommitHash)
	}
}

// consumeCosigned marks predecessors the owner cosigned for a peer.
func (pr *Processor) consumeCosigned(r relationship.Record) {
	peerState := r.StateB
	if r.B == pr.owner {
		peerState = r.StateA
	}
	if a := peerState.Attestation; a != nil && a.Role == state.RoleInitiator {
		if _, ok := a.Cosignature(pr.owner); ok {
			_ = pr.tracker.Consume(peerState.PrevHash, a.CommitHash)
		}
	}
}

// sharedFrom returns the first own state number peer can not be assumed to
// hold. Peer holds the owner's state in a bilateral entry the owner
// initiated, since such entries are recorded only after peer confirmed, and
// everything below what peer last declared through Since.
func (pr *Processor) sharedFrom(peer state.EntityID) uint64 {
	var from uint64
	if v, ok := pr.since.Load(peer); ok {
		from = v.(uint64)
	}
	pair, ok := pr.rel.Resume(pr.owner, peer)
	if !ok {
		return from
	}
	for i := len(pair.History) - 1; i >= 0; i-- {
		e := pair.History[i]
		if own := e.Of(pr.owner); e.Bilateral() && own.Attestation.Role == state.RoleInitiator {
			return max(from, own.StateNumber+1)
		}
	}
	return from
}

// heldSince returns the first state number of peer's chain the owner does
// not hold.
func (pr *Processor) heldSince(peer state.EntityID) uint64 {
	pair, ok := pr.rel.Resume(pr.owner, peer)
	if !ok {
		return 0
	}
	return pair.Last(peer).StateNumber + 1
}

// lineageFor returns the own states peer needs to verify state upTo:
// everything from sharedFrom up to, but excluding, upTo.
func (pr *Processor) lineageFor(peer state.EntityID, upTo uint64) []state.State {
	return pr.lineageSince(pr.sharedFrom(peer), upTo)
}

func (pr *Processor) lineageSince(from, upTo uint64) []state.State {
	if upTo == 0 || from >= upTo {
		return nil
	}
	states, err := pr.chain.Range(from, upTo-1)
	if err != nil {
		return nil
	}
	return states
}

// ownLineage returns the own states strictly between the owner's last
// agreed state with peer and upTo.
func (pr *Processor) ownLineage(peer state.EntityID, upTo uint64) []state.State {
	pair, ok := pr.rel.Resume(pr.owner, peer)
	if !ok {
		return nil
	}
	last := pair.Last(pr.owner).StateNumber
	if last+1 >= upTo {
		return nil
	}
	states, err := pr.chain.Range(last+1, upTo-1)
	if err != nil {
		return nil
	}
	return states
}

// verifyPeerHistory checks that st is a valid continuation of everything the
// owner knows about peer. With an existing relationship the walk starts at
// the last agreed state; on first contact it must reach back to a genesis
// the owner accepts.
func (pr *Processor) verifyPeerHistory(ctx context.Context, peer state.EntityID, lineage []state.State, st state.State) error {
	if st.Owner != peer {
		return state.Reject(state.Malformed, "state owned by %s, expected %s", st.Owner, peer)
	}
	for _, l := range lineage {
		if l.Owner != peer {
			return state.Reject(state.Malformed, "lineage state owned by %s, expected %s", l.Owner, peer).At(l.Owner, l.StateNumber)
		}
	}

	if pair, ok := pr.rel.Resume(pr.owner, peer); ok {
		last := pair.Last(peer)
		switch {
		case st.StateNumber < last.StateNumber:
			return state.Reject(state.SequenceGap,
				"state %d precedes last agreed state %d", st.StateNumber, last.StateNumber).At(peer, st.StateNumber)
		case st.StateNumber == last.StateNumber:
			if !bytes.Equal(state.ID(pr.p, st), state.ID(pr.p, last)) {
				return state.Reject(state.HashMismatch,
					"state %d conflicts with last agreed state", st.StateNumber).At(peer, st.StateNumber)
			}
			return nil
		}
		walk := []state.State{last}
		for _, l := range lineage {
			if l.StateNumber > last.StateNumber && l.StateNumber < st.StateNumber {
				walk = append(walk, l)
			}
		}
		return state.VerifySegment(pr.p, append(walk, st))
	}

	full := append(append([]state.State(nil), lineage...), st)
	if err := state.ValidateGenesis(pr.p, full[0]); err != nil {
		return err
	}
	if pr.genesis != nil {
		g, err := pr.genesis.Genesis(ctx, peer)
		if err != nil {
			return fmt.Errorf("genesis of %s: %w", peer, err)
		}
		if !bytes.Equal(state.ID(pr.p, g), state.ID(pr.p, full[0])) {
			return state.Reject(state.HashMismatch, "shipped genesis is not the published genesis").At(peer, 0)
		}
	}
	return state.VerifySegment(pr.p, full)
}

// mirror returns the counterparty's half of op, initiated by initiator.
func mirror(op state.Operation, initiator state.EntityID) state.Operation {
	switch op.Kind {
	case state.OpTransfer:
		return state.Receive(initiator, op.Amount)
	case state.OpReceive:
		return state.Transfer(initiator, op.Amount)
	}
	out := op
	out.Counterparty = initiator
	return out
}

func sameOperation(a, b state.Operation) bool {
	if a.Kind != b.Kind || a.Counterparty != b.Counterparty || a.Amount != b.Amount || a.Memo != b.Memo {
		return false
	}
	if len(a.Params) != len(b.Params) {
		return false
	}
	for i := range a.Params {
		if a.Params[i] != b.Params[i] {
			return false
		}
	}
	return true
}

func reasonAttr(err error) slog.Attr {
	if r, ok := state.ReasonOf(err); ok {
		return slog.String("reason", string(r))
	}
	return slog.String("error", err.Error())
}
