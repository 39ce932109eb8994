package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/dsm/internal/crypto"
	"github.com/roach88/dsm/internal/directory"
	"github.com/roach88/dsm/internal/genesis"
	"github.com/roach88/dsm/internal/processor"
	"github.com/roach88/dsm/internal/state"
	"github.com/roach88/dsm/internal/store"
	"github.com/roach88/dsm/internal/testutil"
)

// execute runs the root command with args and returns what it wrote to
// stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// fixture is a small network whose nodes journal to one SQLite file.
type fixture struct {
	path  string
	dir   *directory.Memory
	alice *processor.Processor
	bob   *processor.Processor
}

// newFixture journals alice (100) and bob (0) after a bilateral transfer of
// 30 and a unilateral transfer of 5 from alice to bob. bob has not synced.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "node.db")
	journal, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	p := crypto.NewSuite()
	dir := directory.NewMemory()
	provider := genesis.NewStatic()
	clock := testutil.NewDeterministicClock(testutil.GenesisTime)
	node := func(id state.EntityID, balance int64) *processor.Processor {
		g := testutil.Genesis(t, p, id, balance)
		require.NoError(t, provider.Add(g))
		pr, err := processor.New(ctx, p, p.DeriveKey([]byte("key:"+string(id))), g,
			processor.WithDirectory(dir),
			processor.WithGenesisProvider(provider),
			processor.WithClock(clock),
			processor.WithJournal(journal),
			processor.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		)
		require.NoError(t, err)
		require.NoError(t, pr.RegisterAnchor(ctx))
		return pr
	}

	f := &fixture{path: path, dir: dir, alice: node("alice", 100), bob: node("bob", 0)}
	_, err = f.alice.Transact(ctx, state.Transfer("bob", 30), processor.Peer(f.bob))
	require.NoError(t, err)
	_, err = f.alice.Transact(ctx, state.Transfer("bob", 5), nil)
	require.NoError(t, err)
	return f
}
