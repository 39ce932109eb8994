package processor

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/dsm/internal/commit"
	"github.com/roach88/dsm/internal/directory"
	"github.com/roach88/dsm/internal/genesis"
	"github.com/roach88/dsm/internal/index"
	"github.com/roach88/dsm/internal/recovery"
	"github.com/roach88/dsm/internal/relationship"
	"github.com/roach88/dsm/internal/state"
	"github.com/roach88/dsm/internal/store"
)

// DefaultSessionTimeout bounds how long an initiator waits for a cosignature.
const DefaultSessionTimeout = 30 * time.Second

// Journal persists everything a processor needs to be rebuilt after a
// restart. Implemented by *store.Store.
type Journal interface {
	AppendState(ctx context.Context, st state.State) error
	AppendRecord(ctx context.Context, owner state.EntityID, r relationship.Record) error
	AppendPublished(ctx context.Context, owner state.EntityID, pub directory.Publication) error
	PutOutbox(ctx context.Context, pub directory.Publication) error
	DeleteOutbox(ctx context.Context, owner state.EntityID, stateNumber uint64) error
	SaveMarker(ctx context.Context, m state.InvalidationMarker) error
	Load(ctx context.Context, owner state.EntityID) (store.Snapshot, error)
}

var _ Journal = (*store.Store)(nil)

// Acceptor decides whether to cosign a proposal that passed verification.
type Acceptor func(Proposal) bool

// Option configures a Processor.
type Option func(*Processor)

// WithDirectory sets the directory used for anchors and unilateral
// publications. Without one the processor can only transact bilaterally.
func WithDirectory(d directory.Service) Option {
	return func(p *Processor) {
		p.dir = d
	}
}

// WithGenesisProvider lets the processor check a peer's shipped genesis
// against the provider on first contact.
func WithGenesisProvider(g genesis.Provider) Option {
	return func(p *Processor) {
		p.genesis = g
	}
}

// WithInvalidationFeed enables marker enforcement. Markers must be signed by
// recoveryKey to be applied.
func WithInvalidationFeed(f recovery.Feed, recoveryKey []byte) Option {
	return func(p *Processor) {
		p.feed = f
		p.recoveryKey = recoveryKey
	}
}

// WithJournal persists accepted states and relationship changes.
func WithJournal(j Journal) Option {
	return func(p *Processor) {
		p.journal = j
	}
}

// WithClock sets the source of state timestamps.
func WithClock(c Clock) Option {
	return func(p *Processor) {
		p.clock = c
	}
}

// WithNow sets the wall clock used for session deadlines.
func WithNow(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// WithSessionIDs sets the session ID generator.
//
// Default: commit.UUIDv7Generator
func WithSessionIDs(g commit.IDGenerator) Option {
	return func(p *Processor) {
		p.ids = g
	}
}

// WithAcceptor sets the policy consulted before cosigning.
//
// Default: accept every proposal that verifies.
func WithAcceptor(a Acceptor) Option {
	return func(p *Processor) {
		p.acceptor = a
	}
}

// WithSessionTimeout bounds the bilateral rendezvous.
//
// Default: 30s (DefaultSessionTimeout)
func WithSessionTimeout(d time.Duration) Option {
	return func(p *Processor) {
		p.timeout = d
	}
}

// WithCheckpointInterval sets the sparse index interval k.
//
// Default: 16 (index.DefaultInterval)
func WithCheckpointInterval(k uint64) Option {
	return func(p *Processor) {
		p.interval = k
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = l
	}
}

func defaults(p *Processor) {
	p.clock = NewMonotonicClock()
	p.now = time.Now
	p.ids = commit.UUIDv7Generator{}
	p.acceptor = func(Proposal) bool { return true }
	p.timeout = DefaultSessionTimeout
	p.interval = index.DefaultInterval
	p.logger = slog.Default()
}
