// Package genesis defines the collaborator that supplies state 0 of each
// chain, plus two local implementations: a static set handed over by an
// external ceremony, and a deterministic derivation for development.
package genesis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/dsm/internal/canonical"
	"github.com/roach88/dsm/internal/crypto"
	"github.com/roach88/dsm/internal/state"
)

// ErrUnknownEntity is returned when no genesis exists for an entity.
var ErrUnknownEntity = errors.New("genesis: unknown entity")

// Provider supplies a well-formed genesis state for an entity.
type Provider interface {
	Genesis(ctx context.Context, entity state.EntityID) (state.State, error)
}

// Validate checks a genesis state handed over by a provider.
func Validate(p crypto.Primitives, s state.State) error {
	return state.ValidateGenesis(p, s)
}

// Static serves genesis states produced elsewhere.
type Static struct {
	mu     sync.RWMutex
	states map[state.EntityID]state.State
}

// NewStatic returns a provider serving the given states.
func NewStatic(states ...state.State) *Static {
	s := &Static{states: make(map[state.EntityID]state.State, len(states))}
	for _, g := range states {
		s.states[g.Owner] = g
	}
	return s
}

// Add registers another genesis state. An existing entity is never replaced.
func (s *Static) Add(g state.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[g.Owner]; ok {
		return fmt.Errorf("genesis: entity %s already has a genesis", g.Owner)
	}
	s.states[g.Owner] = g
	return nil
}

// Genesis implements Provider.
func (s *Static) Genesis(_ context.Context, entity state.EntityID) (state.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.states[entity]
	if !ok {
		return state.State{}, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	return g, nil
}

// Dev derives genesis states from the entity ID alone. Every node computes
// the same genesis for the same entity, so it is only fit for local
// development and tests.
type Dev struct {
	p         crypto.Primitives
	balances  map[state.EntityID]int64
	timestamp uint64
}

// DevOption configures a Dev provider.
type DevOption func(*Dev)

// WithBalance sets the opening balance of entity.
func WithBalance(entity state.EntityID, balance int64) DevOption {
	return func(d *Dev) {
		d.balances[entity] = balance
	}
}

// WithTimestamp sets the genesis timestamp.
func WithTimestamp(ts uint64) DevOption {
	return func(d *Dev) {
		d.timestamp = ts
	}
}

// NewDev returns a development provider.
func NewDev(p crypto.Primitives, opts ...DevOption) *Dev {
	d := &Dev{p: p, balances: make(map[state.EntityID]int64)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Genesis implements Provider.
func (d *Dev) Genesis(_ context.Context, entity state.EntityID) (state.State, error) {
	if entity == "" {
		return state.State{}, fmt.Errorf("%w: empty id", ErrUnknownEntity)
	}
	return state.Seal(d.p, state.State{
		Owner:     entity,
		Entropy:   d.p.Hash(canonical.Frame(canonical.DomainGenesisDev, []byte(entity))),
		Operation: state.Operation{Kind: state.OpGenesis},
		Balance:   d.balances[entity],
		Timestamp: d.timestamp,
	})
}
