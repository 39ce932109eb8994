package processor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsm/internal/state"
	"github.com/roach88/dsm/internal/testutil"
)

func TestBilateral_SecondCommitmentOnSamePredecessorRefused(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	alice := net.node("alice", 100)
	bob := net.node("bob", 0)
	carol := net.node("carol", 0)

	_, err := alice.Transact(ctx, state.Transfer("bob", 10), Peer(bob))
	require.NoError(t, err)
	head := alice.Head()

	first := proposal(t, alice, bob, head, state.Transfer("bob", 5), "fork-1")
	_, err = bob.Respond(ctx, first)
	require.NoError(t, err)
	require.NoError(t, bob.Cancel(ctx, "fork-1", state.CounterpartyTimeout))

	second := proposal(t, alice, bob, head, state.Transfer("bob", 7), "fork-2")
	_, err = bob.Respond(ctx, second)
	assertReason(t, err, state.CommitmentMismatch)

	// Cancel freed bob's own head.
	_, err = bob.Transact(ctx, state.Transfer("carol", 1), Peer(carol))
	require.NoError(t, err)

	// Retrying the cosigned parameters goes through.
	_, err = alice.Transact(ctx, state.Transfer("bob", 5), Peer(bob))
	require.NoError(t, err)
	assert.Equal(t, int64(85), alice.Head().Balance)
	assert.Equal(t, int64(14), bob.Head().Balance)
}

func TestBilateral_ConflictingHistoryRejected(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	alice := net.node("alice", 100)
	bob := net.node("bob", 0)

	_, err := alice.Transact(ctx, state.Transfer("bob", 10), Peer(bob))
	require.NoError(t, err)

	g, ok := alice.Chain().Get(0)
	require.True(t, ok)
	forked, err := state.Successor(net.p, g, testutil.Generic("fork"), net.clock.Now())
	require.NoError(t, err)

	prop := proposal(t, alice, bob, forked, state.Transfer("bob", 5), "forked")
	_, err = bob.Respond(ctx, prop)
	assertReason(t, err, state.HashMismatch)

	stale := proposal(t, alice, bob, g, state.Transfer("bob", 5), "stale")
	_, err = bob.Respond(ctx, stale)
	assertReason(t, err, state.SequenceGap)
	assert.Equal(t, int64(10), bob.Head().Balance)
}

func TestBilateral_TamperedCommitmentRejected(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	alice := net.node("alice", 100)
	bob := net.node("bob", 0)

	prop := proposal(t, alice, bob, alice.Head(), state.Transfer("bob", 5), "tampered")
	prop.Operation = state.Transfer("bob", 50)
	_, err := bob.Respond(ctx, prop)
	assertReason(t, err, state.CommitmentMismatch)

	prop = proposal(t, alice, bob, alice.Head(), state.Transfer("bob", 5), "bad-sig")
	prop.Signature[0] ^= 0xff
	_, err = bob.Respond(ctx, prop)
	assertReason(t, err, state.SignatureInvalid)

	prop = proposal(t, alice, bob, alice.Head(), state.Transfer("bob", 5), "wrong-key")
	prop.FromKey = bob.PublicKey()
	_, err = bob.Respond(ctx, prop)
	assertReason(t, err, state.SignatureInvalid)

	prop = proposal(t, alice, bob, alice.Head(), state.Transfer("bob", 500), "overdraw")
	_, err = bob.Respond(ctx, prop)
	assertReason(t, err, state.NegativeBalance)

	assert.Equal(t, uint64(0), bob.Head().StateNumber)
}

func TestBilateral_Declined(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	var accept atomic.Bool
	alice := net.node("alice", 100)
	bob := net.node("bob", 0, WithAcceptor(func(Proposal) bool { return accept.Load() }))

	_, err := alice.Transact(ctx, state.Transfer("bob", 30), Peer(bob))
	assertReason(t, err, state.Declined)
	assert.Equal(t, uint64(0), alice.Head().StateNumber)
	assert.Equal(t, uint64(0), bob.Head().StateNumber)
	_, ok := alice.Relationships().Resume("alice", "bob")
	assert.False(t, ok)

	accept.Store(true)
	_, err = alice.Transact(ctx, state.Transfer("bob", 30), Peer(bob))
	require.NoError(t, err)
	assert.Equal(t, int64(30), bob.Head().Balance)
}

func TestBilateral_Timeout(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	alice := net.node("alice", 100, WithSessionTimeout(20*time.Millisecond))
	bob := net.node("bob", 0)

	_, err := alice.Transact(ctx, state.Transfer("bob", 30), stalledPeer{Peer(bob)})
	assertReason(t, err, state.CounterpartyTimeout)
	assert.Equal(t, uint64(0), alice.Head().StateNumber)
	assert.False(t, alice.tracker.Reserved(state.ID(net.p, alice.Head())))

	_, err = alice.Transact(ctx, state.Transfer("bob", 30), Peer(bob))
	require.NoError(t, err)
	assert.Equal(t, int64(70), alice.Head().Balance)
}

func TestBilateral_ResponderSessionExpires(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	now := time.Unix(1_700_000_000, 0)
	var offset atomic.Int64
	clock := func() time.Time { return now.Add(time.Duration(offset.Load())) }
	alice := net.node("alice", 100)
	bob := net.node("bob", 0, WithNow(clock), WithSessionTimeout(time.Second))
	carol := net.node("carol", 10)

	_, err := bob.Respond(ctx, proposal(t, alice, bob, alice.Head(), state.Transfer("bob", 5), "abandoned"))
	require.NoError(t, err)

	// The open session holds bob's head.
	_, err = carol.Transact(ctx, state.Transfer("bob", 1), Peer(bob))
	assertReason(t, err, state.CommitmentMismatch)

	offset.Store(int64(2 * time.Second))
	_, err = carol.Transact(ctx, state.Transfer("bob", 1), Peer(bob))
	require.NoError(t, err)

	err = bob.Confirm(ctx, "abandoned", alice.Head())
	assertReason(t, err, state.CounterpartyTimeout)

	// Bob cosigned alice's predecessor for 5; nothing else will be cosigned on it.
	_, err = alice.Transact(ctx, state.Transfer("bob", 6), Peer(bob))
	assertReason(t, err, state.CommitmentMismatch)
	_, err = alice.Transact(ctx, state.Transfer("bob", 5), Peer(bob))
	require.NoError(t, err)
	assert.Equal(t, int64(6), bob.Head().Balance)
}

func TestBilateral_ConfirmRequiresCosignedState(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	alice := net.node("alice", 100)
	bob := net.node("bob", 0)

	prop := proposal(t, alice, bob, alice.Head(), state.Transfer("bob", 5), "unsigned")
	_, err := bob.Respond(ctx, prop)
	require.NoError(t, err)

	// A successor without bob's cosignature cannot complete the session.
	bare, err := state.Successor(net.p, alice.Head(), state.Transfer("bob", 5), net.clock.Now())
	require.NoError(t, err)
	err = bob.Confirm(ctx, "unsigned", bare)
	assertReason(t, err, state.CommitmentMismatch)
	assert.Equal(t, uint64(0), bob.Head().StateNumber)

	err = bob.Confirm(ctx, "no-such-session", bare)
	assertReason(t, err, state.CounterpartyTimeout)
}

func TestBilateral_RendezvousMustMatchOperation(t *testing.T) {
	net := newNetwork(t)
	alice := net.node("alice", 100)
	bob := net.node("bob", 0)
	net.node("carol", 0)

	_, err := alice.Transact(context.Background(), state.Transfer("carol", 5), Peer(bob))
	assertReason(t, err, state.Malformed)
	assert.False(t, alice.tracker.Reserved(state.ID(net.p, alice.Head())))
}

func TestBilateral_UnconfirmedStateSettledByRecipientSync(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	alice := net.node("alice", 100)
	bob := net.node("bob", 0)

	res, err := alice.Transact(ctx, state.Transfer("bob", 30), unconfirmedPeer{Peer(bob)})
	require.NoError(t, err)
	assert.False(t, res.Confirmed)
	assert.True(t, res.Published)
	assert.Equal(t, int64(70), alice.Head().Balance)
	assert.Equal(t, int64(0), bob.Head().Balance)
	_, ok := alice.Relationships().Resume("alice", "bob")
	assert.False(t, ok, "no entry before bob confirms")
	require.Len(t, alice.Relationships().Pending("alice", "bob"), 1)

	report, err := bob.RecipientSync(ctx)
	require.NoError(t, err)
	require.Len(t, report.Applied, 1)
	half := report.Applied[0]
	assert.Equal(t, state.RoleResponder, half.Attestation.Role)
	assert.Equal(t, res.State.Attestation.CommitHash, half.Attestation.CommitHash)
	assert.Equal(t, int64(30), bob.Head().Balance)
	assert.Equal(t, int64(100), alice.Head().Balance+bob.Head().Balance)

	res, err = alice.Transact(ctx, state.Transfer("bob", 10), Peer(bob))
	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	assert.Empty(t, alice.Relationships().Pending("alice", "bob"))
	assert.Equal(t, int64(60), alice.Head().Balance)
	assert.Equal(t, int64(40), bob.Head().Balance)

	_, err = bob.Transact(ctx, state.Transfer("alice", 5), Peer(alice))
	require.NoError(t, err)
	assert.Equal(t, int64(100), alice.Head().Balance+bob.Head().Balance)
}

func TestBilateral_UnconfirmedStateAfterSessionExpiry(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	now := time.Unix(1_700_000_000, 0)
	var offset atomic.Int64
	clock := func() time.Time { return now.Add(time.Duration(offset.Load())) }
	alice := net.node("alice", 100)
	bob := net.node("bob", 0, WithNow(clock), WithSessionTimeout(time.Second))

	res, err := alice.Transact(ctx, state.Transfer("bob", 30), unconfirmedPeer{Peer(bob)})
	require.NoError(t, err)
	require.False(t, res.Confirmed)

	offset.Store(int64(2 * time.Second))
	report, err := bob.RecipientSync(ctx)
	require.NoError(t, err)
	require.Len(t, report.Applied, 1)
	inbound := report.Applied[0]
	assert.Equal(t, state.RoleInbound, inbound.Attestation.Role)
	assert.Equal(t, state.ID(net.p, res.State), inbound.Attestation.Source)
	assert.Equal(t, int64(30), bob.Head().Balance)

	// A second pass finds nothing new.
	report, err = bob.RecipientSync(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Applied)

	_, err = alice.Transact(ctx, state.Transfer("bob", 10), Peer(bob))
	require.NoError(t, err)
	assert.Equal(t, int64(60), alice.Head().Balance)
	assert.Equal(t, int64(40), bob.Head().Balance)
}

func TestBilateral_UnconfirmedStateSettledOnNextProposal(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	dir := &flakyDirectory{Service: net.dir}
	dir.failPublish.Store(true)
	alice := net.node("alice", 100, WithDirectory(dir))
	bob := net.node("bob", 0)

	res, err := alice.Transact(ctx, state.Transfer("bob", 30), unconfirmedPeer{Peer(bob)})
	require.NoError(t, err)
	assert.False(t, res.Confirmed)
	assert.False(t, res.Published)
	require.Len(t, alice.Outbox(), 1)

	// Bob finds his cosigned commitment in alice's history and settles it
	// before answering.
	res, err = alice.Transact(ctx, state.Transfer("bob", 10), Peer(bob))
	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	assert.Equal(t, int64(60), alice.Head().Balance)
	assert.Equal(t, int64(40), bob.Head().Balance)
	assert.Empty(t, alice.Relationships().Pending("alice", "bob"))

	dir.failPublish.Store(false)
	sent, err := alice.FlushOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	report, err := bob.RecipientSync(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Applied)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, int64(40), bob.Head().Balance)
}

func TestBilateral_LostConfirmReplyIsHarmless(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	alice := net.node("alice", 100)
	bob := net.node("bob", 0)

	res, err := alice.Transact(ctx, state.Transfer("bob", 30), ackLostPeer{Peer(bob)})
	require.NoError(t, err)
	assert.False(t, res.Confirmed)
	assert.Equal(t, int64(30), bob.Head().Balance)

	// A repeated Confirm for a state bob already holds is accepted.
	require.NoError(t, bob.Confirm(ctx, res.SessionID, res.State))

	report, err := bob.RecipientSync(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Applied)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, int64(30), bob.Head().Balance)

	// Bob's next proposal shows his half, which settles alice's pending state.
	_, err = bob.Transact(ctx, state.Transfer("alice", 5), Peer(alice))
	require.NoError(t, err)
	assert.Empty(t, alice.Relationships().Pending("alice", "bob"))
	assert.Equal(t, int64(75), alice.Head().Balance)
	assert.Equal(t, int64(25), bob.Head().Balance)

	_, err = alice.Transact(ctx, state.Transfer("bob", 1), Peer(bob))
	require.NoError(t, err)
	assert.Equal(t, int64(100), alice.Head().Balance+bob.Head().Balance)
}
