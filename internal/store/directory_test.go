package store

import (
	"context"
	"errors"
	"testing"

	"github.com/roach88/dsm/internal/crypto"
	"github.com/roach88/dsm/internal/directory"
	"github.com/roach88/dsm/internal/state"
	"github.com/roach88/dsm/internal/testutil"
)

func TestDirectory_PublishQueryAcknowledge(t *testing.T) {
	p := crypto.NewSuite()
	d := createTestStore(t).Directory()
	ctx := context.Background()

	alice := testutil.NewChain(t, p, "alice", 100)
	a1 := testutil.Extend(t, p, alice, state.Transfer("bob", 10), testutil.GenesisTime+1)
	a2 := testutil.Extend(t, p, alice, state.Transfer("bob", 20), testutil.GenesisTime+2)
	carol := testutil.NewChain(t, p, "carol", 50)
	c1 := testutil.Extend(t, p, carol, state.Transfer("bob", 5), testutil.GenesisTime+3)

	pubs := []directory.Publication{
		{From: "carol", To: "bob", State: c1},
		{From: "alice", To: "bob", State: a2, Lineage: []state.State{a1}},
		{From: "alice", To: "bob", State: a1},
	}
	for _, pub := range pubs {
		if err := d.Publish(ctx, pub); err != nil {
			t.Fatalf("Publish() failed: %v", err)
		}
	}
	if err := d.Publish(ctx, pubs[1]); err != nil {
		t.Fatalf("republishing should be idempotent: %v", err)
	}

	got, err := d.Query(ctx, "bob")
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 publications, got %d", len(got))
	}
	order := []struct {
		from state.EntityID
		n    uint64
	}{{"alice", 1}, {"alice", 2}, {"carol", 1}}
	for i, o := range order {
		if got[i].From != o.from || got[i].State.StateNumber != o.n {
			t.Errorf("publication %d = %s/%d, expected %s/%d", i, got[i].From, got[i].State.StateNumber, o.from, o.n)
		}
	}

	if err := d.Acknowledge(ctx, "bob", "alice", 1); err != nil {
		t.Fatalf("Acknowledge() failed: %v", err)
	}
	got, err = d.Query(ctx, "bob")
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(got) != 2 || got[0].State.StateNumber != 2 {
		t.Errorf("expected alice/2 and carol/1 after acknowledge, got %d publications", len(got))
	}
}

func TestDirectory_ConflictingPublication(t *testing.T) {
	p := crypto.NewSuite()
	d := createTestStore(t).Directory()
	ctx := context.Background()

	first := testutil.NewChain(t, p, "alice", 100)
	a1 := testutil.Extend(t, p, first, state.Transfer("bob", 10), testutil.GenesisTime+1)
	second := testutil.NewChain(t, p, "alice", 100)
	b1 := testutil.Extend(t, p, second, state.Transfer("bob", 11), testutil.GenesisTime+1)

	if err := d.Publish(ctx, directory.Publication{From: "alice", To: "bob", State: a1}); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	err := d.Publish(ctx, directory.Publication{From: "alice", To: "bob", State: b1})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for a forked publication, got %v", err)
	}
}

func TestDirectory_Anchors(t *testing.T) {
	p := crypto.NewSuite()
	d := createTestStore(t).Directory()
	ctx := context.Background()

	_, ok, err := d.LookupAnchor(ctx, "bob")
	if err != nil {
		t.Fatalf("LookupAnchor() failed: %v", err)
	}
	if ok {
		t.Fatal("unexpected anchor before registration")
	}

	anchor := directory.Anchor{Entity: "bob", PublicKey: []byte{1, 2}, GenesisID: []byte{3}}
	if err := d.RegisterAnchor(ctx, anchor); err != nil {
		t.Fatalf("RegisterAnchor() failed: %v", err)
	}
	if err := d.RegisterAnchor(ctx, anchor); err != nil {
		t.Fatalf("re-registering the same anchor failed: %v", err)
	}
	err = d.RegisterAnchor(ctx, directory.Anchor{Entity: "bob", PublicKey: []byte{9}, GenesisID: []byte{3}})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict replacing an anchor, got %v", err)
	}

	found, ok, err := d.LookupAnchor(ctx, "bob")
	if err != nil || !ok {
		t.Fatalf("LookupAnchor() = %v, %v", ok, err)
	}
	if string(found.Hash(p)) != string(anchor.Hash(p)) {
		t.Error("anchor changed across the directory")
	}
}
