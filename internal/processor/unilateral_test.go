package processor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsm/internal/state"
)

func TestUnilateral_PublishAndSync(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	alice := net.node("alice", 100)
	bob := net.node("bob", 0)

	res, err := alice.Transact(ctx, state.Transfer("bob", 25), nil)
	require.NoError(t, err)
	assert.Equal(t, Unilateral, res.Mode)
	assert.True(t, res.Published)
	assert.Equal(t, int64(75), alice.Head().Balance)
	require.NotNil(t, res.State.Attestation)
	require.NotNil(t, res.State.Attestation.Anchor)
	assert.Equal(t, bob.Anchor().Hash(net.p), res.State.Attestation.Anchor.AnchorHash)

	pubs, err := net.dir.Query(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pubs, 1)
	published := pubs[0]

	report, err := bob.RecipientSync(ctx)
	require.NoError(t, err)
	require.Len(t, report.Applied, 1)
	assert.Empty(t, report.Rejected)
	inbound := report.Applied[0]
	assert.Equal(t, int64(25), inbound.Balance)
	assert.Equal(t, state.RoleInbound, inbound.Attestation.Role)
	assert.Equal(t, state.ID(net.p, res.State), inbound.Attestation.Source)
	assert.True(t, bob.Head().Equal(inbound))

	pubs, err = net.dir.Query(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, pubs, "applied publications are acknowledged")

	// A redelivered publication is recognized and acknowledged again.
	require.NoError(t, net.dir.Publish(ctx, published))
	report, err = bob.RecipientSync(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Applied)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, uint64(1), bob.Head().StateNumber)
}

func TestUnilateral_SequentialPublications(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	alice := net.node("alice", 100)
	bob := net.node("bob", 0)

	for _, amount := range []int64{10, 20, 30} {
		_, err := alice.Transact(ctx, state.Transfer("bob", amount), nil)
		require.NoError(t, err)
	}

	report, err := bob.RecipientSync(ctx)
	require.NoError(t, err)
	require.Len(t, report.Applied, 3)
	assert.Equal(t, int64(60), bob.Head().Balance)
	assert.Equal(t, int64(40), alice.Head().Balance)
}

func TestUnilateral_UnknownAnchor(t *testing.T) {
	net := newNetwork(t)
	alice := net.node("alice", 100)

	_, err := alice.Transact(context.Background(), state.Transfer("dave", 5), nil)
	assertReason(t, err, state.UnknownAnchor)
	assert.Equal(t, uint64(0), alice.Head().StateNumber)
}

func TestUnilateral_ReceiveNeedsSender(t *testing.T) {
	net := newNetwork(t)
	alice := net.node("alice", 100)
	net.node("bob", 0)

	_, err := alice.Transact(context.Background(), state.Receive("bob", 5), nil)
	assertReason(t, err, state.Malformed)
}

func TestUnilateral_OutboxAndFlush(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	flaky := &flakyDirectory{Service: net.dir}
	alice := net.node("alice", 100, WithDirectory(flaky))
	net.node("bob", 0)

	flaky.failPublish.Store(true)
	res, err := alice.Transact(ctx, state.Transfer("bob", 10), nil)
	require.NoError(t, err, "a directory outage does not undo local finality")
	assert.False(t, res.Published)
	assert.Equal(t, int64(90), alice.Head().Balance)
	assert.Len(t, alice.Outbox(), 1)

	pubs, err := net.dir.Query(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, pubs)

	sent, err := alice.FlushOutbox(ctx)
	assert.Error(t, err)
	assert.Equal(t, 0, sent)
	assert.Len(t, alice.Outbox(), 1)

	flaky.failPublish.Store(false)
	sent, err = alice.FlushOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Empty(t, alice.Outbox())

	pubs, err = net.dir.Query(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, pubs, 1)
}

func TestRecipientSync_RejectsTamperedPublication(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	flaky := &flakyDirectory{Service: net.dir}
	alice := net.node("alice", 100)
	bob := net.node("bob", 0)
	carol := net.node("carol", 50, WithDirectory(flaky))

	_, err := alice.Transact(ctx, state.Transfer("bob", 20), nil)
	require.NoError(t, err)

	flaky.failPublish.Store(true)
	_, err = carol.Transact(ctx, state.Transfer("bob", 10), nil)
	require.NoError(t, err)
	queued := carol.Outbox()
	require.Len(t, queued, 1)
	tampered := queued[0]
	tampered.State.Balance = 1000
	require.NoError(t, net.dir.Publish(ctx, tampered))

	report, err := bob.RecipientSync(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Applied, 1)
	require.Len(t, report.Rejected, 1)
	assertReason(t, report.Rejected[0], state.HashMismatch)
	assert.Equal(t, int64(20), bob.Head().Balance)

	pubs, err := net.dir.Query(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pubs, 1, "rejected publications stay unacknowledged")
	assert.Equal(t, state.EntityID("carol"), pubs[0].From)
}

func TestRecipientSync_RejectsPublicationForAnotherAnchor(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	alice := net.node("alice", 100)
	bob := net.node("bob", 0)
	net.node("carol", 0)

	_, err := alice.Transact(ctx, state.Transfer("carol", 20), nil)
	require.NoError(t, err)
	pubs, err := net.dir.Query(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, pubs, 1)

	misrouted := pubs[0]
	misrouted.To = "bob"
	require.NoError(t, net.dir.Publish(ctx, misrouted))

	report, err := bob.RecipientSync(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Applied)
	require.Len(t, report.Rejected, 1)
	assertReason(t, report.Rejected[0], state.Malformed)
}

func TestUnilateral_BilateralWaitsForSync(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	alice := net.node("alice", 100)
	bob := net.node("bob", 0)
	carol := net.node("carol", 0)

	_, err := alice.Transact(ctx, state.Transfer("bob", 20), nil)
	require.NoError(t, err)
	assert.Len(t, alice.Relationships().Pending("alice", "bob"), 1)

	_, err = alice.Transact(ctx, state.Transfer("bob", 5), Peer(bob))
	assertReason(t, err, state.PendingSyncRequired)
	assert.Equal(t, uint64(1), alice.Head().StateNumber)

	// Other relationships are unaffected.
	_, err = alice.Transact(ctx, state.Transfer("carol", 10), Peer(carol))
	require.NoError(t, err)

	_, err = bob.RecipientSync(ctx)
	require.NoError(t, err)
	_, err = alice.Transact(ctx, state.Transfer("bob", 5), Peer(bob))
	require.NoError(t, err)

	assert.Empty(t, alice.Relationships().Pending("alice", "bob"))
	assert.Equal(t, int64(65), alice.Head().Balance)
	assert.Equal(t, int64(25), bob.Head().Balance)
	assert.Equal(t, int64(10), carol.Head().Balance)
}

func TestRecipientSync_DefersWhileHeadHeld(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	alice := net.node("alice", 100)
	bob := net.node("bob", 0)
	carol := net.node("carol", 50)

	_, err := alice.Transact(ctx, state.Transfer("bob", 20), nil)
	require.NoError(t, err)
	_, err = bob.Respond(ctx, proposal(t, carol, bob, carol.Head(), state.Transfer("bob", 5), "open"))
	require.NoError(t, err)

	report, err := bob.RecipientSync(ctx)
	require.NoError(t, err)
	assert.True(t, report.Deferred)
	assert.Empty(t, report.Applied)

	require.NoError(t, bob.Cancel(ctx, "open", state.Declined))
	report, err = bob.RecipientSync(ctx)
	require.NoError(t, err)
	assert.False(t, report.Deferred)
	assert.Len(t, report.Applied, 1)
}
