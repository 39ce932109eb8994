package directory

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/roach88/dsm/internal/state"
)

// Memory is an in-process directory.
//
// Thread-safety: safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	inbox   map[state.EntityID][]Publication
	anchors map[state.EntityID]Anchor

	offline atomic.Bool
}

// NewMemory returns an empty directory.
func NewMemory() *Memory {
	return &Memory{
		inbox:   make(map[state.EntityID][]Publication),
		anchors: make(map[state.EntityID]Anchor),
	}
}

// SetOffline makes every call fail with ErrUnavailable until reset.
func (m *Memory) SetOffline(offline bool) {
	m.offline.Store(offline)
}

func (m *Memory) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.offline.Load() {
		return ErrUnavailable
	}
	return nil
}

// Publish implements Service.
func (m *Memory) Publish(ctx context.Context, pub Publication) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.inbox[pub.To] {
		if existing.From == pub.From && existing.State.StateNumber == pub.State.StateNumber {
			if bytes.Equal(existing.State.VerificationHash, pub.State.VerificationHash) {
				return nil
			}
			return fmt.Errorf("directory: conflicting publication from %s at state %d", pub.From, pub.State.StateNumber)
		}
	}
	m.inbox[pub.To] = append(m.inbox[pub.To], pub)
	return nil
}

// Query implements Service.
func (m *Memory) Query(ctx context.Context, entity state.EntityID) ([]Publication, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Publication, len(m.inbox[entity]))
	copy(out, m.inbox[entity])
	SortPublications(out)
	return out, nil
}

// Acknowledge implements Service.
func (m *Memory) Acknowledge(ctx context.Context, entity, sender state.EntityID, upTo uint64) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var keep []Publication
	for _, pub := range m.inbox[entity] {
		if pub.From == sender && pub.State.StateNumber <= upTo {
			continue
		}
		keep = append(keep, pub)
	}
	m.inbox[entity] = keep
	return nil
}

// RegisterAnchor implements Service.
func (m *Memory) RegisterAnchor(ctx context.Context, a Anchor) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.anchors[a.Entity]; ok {
		if bytes.Equal(existing.PublicKey, a.PublicKey) && bytes.Equal(existing.GenesisID, a.GenesisID) {
			return nil
		}
		return fmt.Errorf("directory: anchor for %s already registered", a.Entity)
	}
	m.anchors[a.Entity] = a
	return nil
}

// LookupAnchor implements Service.
func (m *Memory) LookupAnchor(ctx context.Context, entity state.EntityID) (Anchor, bool, error) {
	if err := m.check(ctx); err != nil {
		return Anchor{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.anchors[entity]
	return a, ok, nil
}
