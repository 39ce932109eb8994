package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/roach88/dsm/internal/crypto"
	"github.com/roach88/dsm/internal/state"
	"github.com/roach88/dsm/internal/testutil"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestChain returns alice's chain with n generic states after genesis.
func createTestChain(t *testing.T, p crypto.Primitives, n int) *state.Chain {
	t.Helper()
	c := testutil.NewChain(t, p, "alice", 100)
	testutil.Grow(t, p, c, testutil.NewDeterministicClock(testutil.GenesisTime), n)
	return c
}

// verifyPragma checks that a pragma is set to the expected value.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
