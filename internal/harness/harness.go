package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/roach88/dsm/internal/crypto"
	"github.com/roach88/dsm/internal/directory"
	"github.com/roach88/dsm/internal/genesis"
	"github.com/roach88/dsm/internal/processor"
	"github.com/roach88/dsm/internal/state"
	"github.com/roach88/dsm/internal/store"
	"github.com/roach88/dsm/internal/testutil"
)

// Harness runs one scenario. Every scenario gets fresh processors, a fresh
// directory and, when an entity asks for one, a fresh in-memory journal.
type Harness struct {
	p       crypto.Primitives
	dir     *gate
	genesis *genesis.Static
	journal *store.Store
	clock   *testutil.DeterministicClock
	ids     *testutil.SequentialSessionIDs
	logger  *slog.Logger

	entities map[string]Entity
	nodes    map[string]*processor.Processor
	interval uint64
	timeout  time.Duration
}

// Option configures a run.
type Option func(*Harness)

// WithLogger sends processor logs to logger. Runs are silent by default.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = logger
	}
}

// WithSessionTimeout bounds every bilateral rendezvous in the run.
func WithSessionTimeout(d time.Duration) Option {
	return func(h *Harness) {
		h.timeout = d
	}
}

// WithCheckpointInterval sets the index interval for scenarios that do not
// set their own.
func WithCheckpointInterval(k uint64) Option {
	return func(h *Harness) {
		h.interval = k
	}
}

// gate wraps the scenario directory so a flow can simulate an outage.
// While down, publishing, querying and acknowledging fail. Anchors stay
// resolvable since they are published once and widely cached.
type gate struct {
	directory.Service
	down atomic.Bool
}

func (g *gate) Publish(ctx context.Context, pub directory.Publication) error {
	if g.down.Load() {
		return directory.ErrUnavailable
	}
	return g.Service.Publish(ctx, pub)
}

func (g *gate) Query(ctx context.Context, entity state.EntityID) ([]directory.Publication, error) {
	if g.down.Load() {
		return nil, directory.ErrUnavailable
	}
	return g.Service.Query(ctx, entity)
}

func (g *gate) Acknowledge(ctx context.Context, entity, sender state.EntityID, upTo uint64) error {
	if g.down.Load() {
		return directory.ErrUnavailable
	}
	return g.Service.Acknowledge(ctx, entity, sender, upTo)
}

// Run executes a scenario and returns the result.
//
// Execution flow:
// 1. Create the directory, the journal (if needed) and a processor per entity
// 2. Execute flow steps, checking expect clauses
// 3. Evaluate assertions against the trace and the final chains
//
// The returned error is reserved for failures of the harness itself; a
// scenario whose expectations do not hold returns a failing Result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	ctx := context.Background()
	h := newHarness(scenario, opts)
	defer h.close()

	if err := h.openDirectory(scenario); err != nil {
		return nil, err
	}
	for _, e := range scenario.Entities {
		if err := h.addEntity(ctx, e); err != nil {
			return nil, err
		}
	}

	result := NewResult()
	for i, step := range scenario.Flow {
		ev, err := h.execute(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
		ev = result.AddEvent(ev)
		checkExpect(i, step, ev, result)
	}

	for id, pr := range h.nodes {
		result.Balances[id] = pr.Head().Balance
	}
	h.checkAssertions(scenario.Assertions, result)
	return result, nil
}

func newHarness(scenario *Scenario, opts []Option) *Harness {
	h := &Harness{
		p:        crypto.NewSuite(),
		genesis:  genesis.NewStatic(),
		clock:    testutil.NewDeterministicClock(testutil.GenesisTime),
		ids:      testutil.NewSequentialSessionIDs(scenario.Name),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		entities: make(map[string]Entity, len(scenario.Entities)),
		nodes:    make(map[string]*processor.Processor, len(scenario.Entities)),
	}
	for _, opt := range opts {
		opt(h)
	}
	if scenario.CheckpointInterval > 0 {
		h.interval = scenario.CheckpointInterval
	}
	h.logger = h.logger.With("scenario", scenario.Name)
	return h
}

func (h *Harness) openDirectory(s *Scenario) error {
	var svc directory.Service = directory.NewMemory()
	needJournal := s.Directory == "sqlite"
	for _, e := range s.Entities {
		needJournal = needJournal || e.Journal
	}
	if needJournal {
		st, err := store.Open(":memory:")
		if err != nil {
			return fmt.Errorf("failed to create in-memory store: %w", err)
		}
		h.journal = st
	}
	if s.Directory == "sqlite" {
		svc = h.journal.Directory()
	}
	h.dir = &gate{Service: svc}
	return nil
}

func (h *Harness) close() {
	if h.journal != nil {
		h.journal.Close()
	}
}

func (h *Harness) key(id string) crypto.PrivateKey {
	return h.p.DeriveKey([]byte("key:" + id))
}

func (h *Harness) options(e Entity) []processor.Option {
	opts := []processor.Option{
		processor.WithDirectory(h.dir),
		processor.WithGenesisProvider(h.genesis),
		processor.WithClock(h.clock),
		processor.WithSessionIDs(h.ids),
		processor.WithLogger(h.logger),
	}
	if h.interval > 0 {
		opts = append(opts, processor.WithCheckpointInterval(h.interval))
	}
	if h.timeout > 0 {
		opts = append(opts, processor.WithSessionTimeout(h.timeout))
	}
	if e.Declines {
		opts = append(opts, processor.WithAcceptor(func(processor.Proposal) bool { return false }))
	}
	return opts
}

func (h *Harness) addEntity(ctx context.Context, e Entity) error {
	id := state.EntityID(e.ID)
	g, err := genesis.NewDev(h.p, genesis.WithBalance(id, e.Balance), genesis.WithTimestamp(testutil.GenesisTime)).
		Genesis(ctx, id)
	if err != nil {
		return fmt.Errorf("genesis %s: %w", e.ID, err)
	}
	if err := h.genesis.Add(g); err != nil {
		return err
	}

	opts := h.options(e)
	if e.Journal {
		opts = append(opts, processor.WithJournal(h.journal))
	}
	pr, err := processor.New(ctx, h.p, h.key(e.ID), g, opts...)
	if err != nil {
		return fmt.Errorf("start %s: %w", e.ID, err)
	}
	if err := pr.RegisterAnchor(ctx); err != nil {
		return fmt.Errorf("register anchor of %s: %w", e.ID, err)
	}
	h.entities[e.ID] = e
	h.nodes[e.ID] = pr
	return nil
}

// execute runs one step and describes it as a trace event.
func (h *Harness) execute(ctx context.Context, step FlowStep) (TraceEvent, error) {
	ev := TraceEvent{Action: step.Action, Entity: step.Entity, Outcome: OutcomeOK}

	switch step.Action {
	case ActionTransfer:
		h.transfer(ctx, step, &ev)
	case ActionSync:
		report, err := h.nodes[step.Entity].RecipientSync(ctx)
		ev.Applied = len(report.Applied)
		ev.Skipped = report.Skipped
		ev.Rejected = len(report.Rejected)
		if len(report.Rejected) > 0 {
			ev.Reason = reasonOf(report.Rejected[0])
		}
		switch {
		case err != nil:
			ev.Outcome = OutcomeFailed
		case report.Deferred:
			ev.Outcome = OutcomeDeferred
		}
	case ActionFlush:
		sent, err := h.nodes[step.Entity].FlushOutbox(ctx)
		ev.Sent = sent
		if err != nil {
			ev.Outcome = OutcomeFailed
		}
	case ActionRestart:
		e := h.entities[step.Entity]
		pr, err := processor.Restore(ctx, h.p, h.key(e.ID), state.EntityID(e.ID), h.journal, h.options(e)...)
		if err != nil {
			return ev, fmt.Errorf("restore %s: %w", e.ID, err)
		}
		h.nodes[e.ID] = pr
	case ActionDirectoryDown:
		h.dir.down.Store(true)
	case ActionDirectoryUp:
		h.dir.down.Store(false)
	}

	if pr, ok := h.nodes[step.Entity]; ok {
		head := pr.Head()
		ev.StateNumber = head.StateNumber
		ev.Balance = head.Balance
	}
	return ev, nil
}

func (h *Harness) transfer(ctx context.Context, step FlowStep, ev *TraceEvent) {
	ev.To = step.To
	ev.Amount = step.Amount
	ev.Mode = step.Mode
	if ev.Mode == "" {
		ev.Mode = ModeBilateral
	}

	var peer processor.Counterparty
	if ev.Mode == ModeBilateral {
		peer = processor.Peer(h.nodes[step.To])
	}
	res, err := h.nodes[step.Entity].Transact(ctx, state.Transfer(state.EntityID(step.To), step.Amount), peer)
	if err != nil {
		ev.Reason = reasonOf(err)
		ev.Outcome = OutcomeRejected
		if ev.Reason == "" {
			ev.Outcome = OutcomeFailed
		}
		return
	}
	if res.Mode == processor.Unilateral {
		published := res.Published
		ev.Published = &published
	}
}

func reasonOf(err error) string {
	if reason, ok := state.ReasonOf(err); ok {
		return string(reason)
	}
	return ""
}

// checkExpect validates ev against the step's expect clause. A step without
// one must succeed.
func checkExpect(index int, step FlowStep, ev TraceEvent, result *Result) {
	exp := step.Expect
	if exp == nil {
		if ev.Outcome != OutcomeOK {
			result.AddError(fmt.Sprintf("flow[%d] %s: outcome %s %s, expected ok", index, step.Action, ev.Outcome, ev.Reason))
		}
		return
	}
	if ev.Outcome != exp.Outcome {
		result.AddError(fmt.Sprintf("flow[%d] %s: outcome %s, expected %s", index, step.Action, ev.Outcome, exp.Outcome))
	}
	if exp.Reason != "" && ev.Reason != exp.Reason {
		result.AddError(fmt.Sprintf("flow[%d] %s: reason %q, expected %q", index, step.Action, ev.Reason, exp.Reason))
	}
	if exp.Applied != nil && ev.Applied != *exp.Applied {
		result.AddError(fmt.Sprintf("flow[%d] %s: applied %d, expected %d", index, step.Action, ev.Applied, *exp.Applied))
	}
	if exp.Published != nil && (ev.Published == nil || *ev.Published != *exp.Published) {
		result.AddError(fmt.Sprintf("flow[%d] %s: published %v, expected %v", index, step.Action, ev.Published != nil && *ev.Published, *exp.Published))
	}
}

// sortedIDs returns the scenario's entity IDs in order.
func (h *Harness) sortedIDs() []string {
	ids := make([]string, 0, len(h.nodes))
	for id := range h.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var errNoEntity = errors.New("harness: unknown entity")

func (h *Harness) node(id string) (*processor.Processor, error) {
	pr, ok := h.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w %q", errNoEntity, id)
	}
	return pr, nil
}
