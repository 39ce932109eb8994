// Package directory defines the external store through which unilateral
// transfers reach recipients, and where identity anchors are published.
//
// The directory is eventually consistent and untrusted: every state it
// returns is re-verified by the recipient before use. The only ordering it
// is asked to keep is by state number within one sender.
package directory

import (
	"context"
	"errors"
	"sort"

	"github.com/roach88/dsm/internal/canonical"
	"github.com/roach88/dsm/internal/crypto"
	"github.com/roach88/dsm/internal/state"
)

// ErrUnavailable is returned when the directory cannot be reached.
var ErrUnavailable = errors.New("directory: unavailable")

// Publication is a unilateral state addressed to a recipient, together with
// the sender's states since its genesis or last checkpoint the recipient
// needs to verify it.
type Publication struct {
	From    state.EntityID `cramberry:"1" json:"from"`
	To      state.EntityID `cramberry:"2" json:"to"`
	State   state.State    `cramberry:"3" json:"state"`
	Lineage []state.State  `cramberry:"4" json:"lineage,omitempty"`
}

// Anchor is an entity's published identity: its long-term public key bound
// to its genesis.
type Anchor struct {
	Entity    state.EntityID `cramberry:"1" json:"entity"`
	PublicKey []byte         `cramberry:"2" json:"public_key"`
	GenesisID []byte         `cramberry:"3" json:"genesis_id"`
}

// Hash is the value a unilateral state references in place of a live
// cosignature.
func (a Anchor) Hash(p crypto.Primitives) []byte {
	return p.Hash(canonical.Frame(canonical.DomainAnchor, []byte(a.Entity), a.PublicKey, a.GenesisID))
}

// Service is the directory collaborator.
type Service interface {
	// Publish stores a publication for its recipient. Publishing the same
	// state twice is not an error.
	Publish(ctx context.Context, pub Publication) error
	// Query returns publications addressed to entity that it has not yet
	// acknowledged, ordered by sender and state number.
	Query(ctx context.Context, entity state.EntityID) ([]Publication, error)
	// Acknowledge drops publications from sender to entity up to and
	// including state number upTo.
	Acknowledge(ctx context.Context, entity, sender state.EntityID, upTo uint64) error
	// RegisterAnchor publishes an identity anchor. Anchors are immutable.
	RegisterAnchor(ctx context.Context, a Anchor) error
	// LookupAnchor returns the anchor of entity, if published.
	LookupAnchor(ctx context.Context, entity state.EntityID) (Anchor, bool, error)
}

// SortPublications orders publications by sender, then state number.
func SortPublications(pubs []Publication) {
	sort.SliceStable(pubs, func(i, j int) bool {
		if pubs[i].From != pubs[j].From {
			return pubs[i].From < pubs[j].From
		}
		return pubs[i].State.StateNumber < pubs[j].State.StateNumber
	})
}
