// Package recovery consumes invalidation markers published by the external
// recovery collaborator and applies them to chains.
package recovery

import (
	"context"
	"sort"
	"sync"

	"github.com/roach88/dsm/internal/crypto"
	"github.com/roach88/dsm/internal/state"
)

// Feed supplies the invalidation markers published for an entity.
type Feed interface {
	Markers(ctx context.Context, entity state.EntityID) ([]state.InvalidationMarker, error)
}

// MemoryFeed is an in-process Feed.
//
// Thread-safety: safe for concurrent use.
type MemoryFeed struct {
	mu      sync.RWMutex
	markers map[state.EntityID][]state.InvalidationMarker
}

// NewMemoryFeed returns an empty feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{markers: make(map[state.EntityID][]state.InvalidationMarker)}
}

// Publish adds a marker to the feed.
func (f *MemoryFeed) Publish(m state.InvalidationMarker) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markers[m.Entity] = append(f.markers[m.Entity], m)
}

// Markers implements Feed. Markers are returned lowest state number first.
func (f *MemoryFeed) Markers(ctx context.Context, entity state.EntityID) ([]state.InvalidationMarker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]state.InvalidationMarker, len(f.markers[entity]))
	copy(out, f.markers[entity])
	sort.Slice(out, func(i, j int) bool { return out[i].StateNumber < out[j].StateNumber })
	return out, nil
}

// Sign fills in the marker signature with the entity's recovery key.
func Sign(p crypto.Primitives, key crypto.PrivateKey, m *state.InvalidationMarker) error {
	sig, err := p.Sign(key, m.SigningPayload())
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// Verify checks a marker signature against the entity's recovery key.
func Verify(p crypto.Primitives, key []byte, m state.InvalidationMarker) bool {
	return p.Verify(key, m.Signature, m.SigningPayload())
}

// Apply fetches the markers for the chain's owner and installs every one
// whose signature verifies under key. It returns the number applied.
// Markers with a bad signature are skipped; a marker that does not match the
// chain is an error.
func Apply(ctx context.Context, p crypto.Primitives, feed Feed, chain *state.Chain, key []byte) (int, error) {
	markers, err := feed.Markers(ctx, chain.Owner())
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, m := range markers {
		if !Verify(p, key, m) {
			continue
		}
		if active, ok := chain.Marker(); ok && active.StateNumber <= m.StateNumber {
			continue
		}
		if err := chain.ApplyMarker(m); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}
