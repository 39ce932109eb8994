package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/roach88/dsm/internal/crypto"
	"github.com/roach88/dsm/internal/genesis"
	"github.com/roach88/dsm/internal/index"
	"github.com/roach88/dsm/internal/state"
	"github.com/roach88/dsm/internal/store"
)

// audit is an entity's chain rebuilt from a journal. Nothing read back is
// trusted: every state is re-appended through the transition rules.
type audit struct {
	p     crypto.Primitives
	chain *state.Chain
	index *index.Index
}

// openJournal opens an existing journal. store.Open would create a missing
// file, which is never what an audit wants.
func openJournal(path string) (*store.Store, error) {
	if path == "" {
		return nil, NewExitError(ExitCommandError, "--db is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, WrapExitError(ExitCommandError, "database not found", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// loadAudit rebuilds owner's chain and index. Command errors (nothing
// journaled, unreadable rows) exit with ExitCommandError; a chain that
// fails verification exits with ExitFailure.
func loadAudit(ctx context.Context, st *store.Store, owner state.EntityID, interval uint64) (*audit, error) {
	p := crypto.NewSuite()
	states, err := st.States(ctx, owner)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read journal", err)
	}
	if len(states) == 0 {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("no journaled states for %s", owner))
	}

	invalid := func(err error) error {
		return WrapExitError(ExitFailure, fmt.Sprintf("chain of %s is invalid", owner), err)
	}
	if err := genesis.Validate(p, states[0]); err != nil {
		return nil, invalid(err)
	}
	chain, err := state.NewChain(p, states[0])
	if err != nil {
		return nil, invalid(err)
	}
	for _, s := range states[1:] {
		if _, err := chain.Extend(s); err != nil {
			return nil, invalid(fmt.Errorf("state %d: %w", s.StateNumber, err))
		}
	}

	markers, err := st.Markers(ctx, owner)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read markers", err)
	}
	for _, m := range markers {
		if err := chain.ApplyMarker(m); err != nil {
			return nil, invalid(fmt.Errorf("marker at %d: %w", m.StateNumber, err))
		}
	}
	if err := chain.Verify(0, chain.Head().StateNumber); err != nil {
		return nil, invalid(err)
	}

	idx, err := index.FromChain(p, interval, chain)
	if err != nil {
		return nil, invalid(err)
	}
	return &audit{p: p, chain: chain, index: idx}, nil
}

// StateRow is one state as shown by verify.
type StateRow struct {
	StateNumber  uint64 `json:"state_number"`
	Kind         string `json:"kind"`
	Role         string `json:"role,omitempty"`
	Counterparty string `json:"counterparty,omitempty"`
	Amount       int64  `json:"amount,omitempty"`
	Balance      int64  `json:"balance"`
	Timestamp    uint64 `json:"timestamp"`
	ID           string `json:"id"`
}

func stateRow(p crypto.Primitives, s state.State) StateRow {
	row := StateRow{
		StateNumber:  s.StateNumber,
		Kind:         string(s.Operation.Kind),
		Counterparty: string(s.Operation.Counterparty),
		Amount:       s.Operation.Amount,
		Balance:      s.Balance,
		Timestamp:    s.Timestamp,
		ID:           hex.EncodeToString(state.ID(p, s)),
	}
	if s.Attestation != nil {
		row.Role = string(s.Attestation.Role)
	}
	return row
}

func (r StateRow) cells() []string {
	return []string{
		strconv.FormatUint(r.StateNumber, 10),
		r.Kind,
		r.Role,
		r.Counterparty,
		strconv.FormatInt(r.Amount, 10),
		strconv.FormatInt(r.Balance, 10),
		strconv.FormatUint(r.Timestamp, 10),
		short(r.ID),
	}
}

// short abbreviates a hex digest for tables.
func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
