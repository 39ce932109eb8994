package processor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsm/internal/commit"
	"github.com/roach88/dsm/internal/crypto"
	"github.com/roach88/dsm/internal/directory"
	"github.com/roach88/dsm/internal/genesis"
	"github.com/roach88/dsm/internal/state"
	"github.com/roach88/dsm/internal/testutil"
)

// network is a set of processors sharing a directory, a genesis provider
// and a logical clock.
type network struct {
	t       *testing.T
	p       crypto.Primitives
	dir     *directory.Memory
	genesis *genesis.Static
	clock   *testutil.DeterministicClock
	ids     *testutil.SequentialSessionIDs
}

func newNetwork(t *testing.T) *network {
	return &network{
		t:       t,
		p:       crypto.NewSuite(),
		dir:     directory.NewMemory(),
		genesis: genesis.NewStatic(),
		clock:   testutil.NewDeterministicClock(testutil.GenesisTime),
		ids:     testutil.NewSequentialSessionIDs("test"),
	}
}

func (n *network) key(id state.EntityID) crypto.PrivateKey {
	return n.p.DeriveKey([]byte("key:" + string(id)))
}

func (n *network) options() []Option {
	return []Option{
		WithDirectory(n.dir),
		WithGenesisProvider(n.genesis),
		WithClock(n.clock),
		WithSessionIDs(n.ids),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
}

// node starts a processor for id and registers its anchor. opts are applied
// after the network defaults.
func (n *network) node(id state.EntityID, balance int64, opts ...Option) *Processor {
	n.t.Helper()
	g := testutil.Genesis(n.t, n.p, id, balance)
	require.NoError(n.t, n.genesis.Add(g))
	pr, err := New(context.Background(), n.p, n.key(id), g, append(n.options(), opts...)...)
	require.NoError(n.t, err)
	require.NoError(n.t, pr.RegisterAnchor(context.Background()))
	return pr
}

// proposal builds what from would send to to for op on pred.
func proposal(t *testing.T, from, to *Processor, pred state.State, op state.Operation, id string) Proposal {
	t.Helper()
	sess, err := commit.Draft(from.p, id, pred, op, to.Owner(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	env, err := sess.Send(from.p, to.PublicKey())
	require.NoError(t, err)
	sig, err := commit.Cosign(from.p, from.key, sess.CommitHash)
	require.NoError(t, err)
	return Proposal{
		SessionID:   id,
		From:        from.Owner(),
		To:          to.Owner(),
		FromKey:     from.PublicKey(),
		Predecessor: pred,
		Lineage:     from.lineageFor(to.Owner(), pred.StateNumber),
		Since:       from.heldSince(to.Owner()),
		Operation:   op,
		Sealed:      env,
		Signature:   sig,
		Deadline:    sess.Deadline,
	}
}

func assertReason(t *testing.T, err error, want state.Reason) {
	t.Helper()
	require.Error(t, err)
	got, ok := state.ReasonOf(err)
	require.True(t, ok, "not a rejection: %v", err)
	assert.Equal(t, want, got, "error: %v", err)
}

// stalledPeer never answers a proposal.
type stalledPeer struct {
	Counterparty
}

func (stalledPeer) Propose(ctx context.Context, _ Proposal) (Response, error) {
	<-ctx.Done()
	return Response{}, ctx.Err()
}

// unconfirmedPeer cosigns but the finalized state never reaches it.
type unconfirmedPeer struct {
	Counterparty
}

func (unconfirmedPeer) Confirm(context.Context, string, state.State) error {
	return errors.New("connection reset")
}

// ackLostPeer delivers Confirm but loses the reply.
type ackLostPeer struct {
	Counterparty
}

func (p ackLostPeer) Confirm(ctx context.Context, sessionID string, finalized state.State) error {
	if err := p.Counterparty.Confirm(ctx, sessionID, finalized); err != nil {
		return err
	}
	return errors.New("connection reset")
}

// brokenJournal fails state appends on demand.
type brokenJournal struct {
	Journal
	failStates atomic.Bool
}

func (j *brokenJournal) AppendState(ctx context.Context, st state.State) error {
	if j.failStates.Load() {
		return errors.New("disk full")
	}
	return j.Journal.AppendState(ctx, st)
}

// flakyDirectory fails publications on demand.
type flakyDirectory struct {
	directory.Service
	failPublish atomic.Bool
}

func (f *flakyDirectory) Publish(ctx context.Context, pub directory.Publication) error {
	if f.failPublish.Load() {
		return directory.ErrUnavailable
	}
	return f.Service.Publish(ctx, pub)
}
