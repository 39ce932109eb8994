package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/blockberries/cramberry/pkg/cramberry"

	"github.com/roach88/dsm/internal/directory"
	"github.com/roach88/dsm/internal/relationship"
	"github.com/roach88/dsm/internal/state"
)

// EventKind distinguishes relationship events.
type EventKind string

const (
	EventRecord    EventKind = "record"
	EventPublished EventKind = "published"
)

// RelationshipEvent is one journaled relationship change. Record is set for
// EventRecord; Publication for EventPublished.
type RelationshipEvent struct {
	Seq         int64
	Kind        EventKind
	Record      relationship.Record
	Publication directory.Publication
}

// Snapshot is everything the journal holds for one owner.
type Snapshot struct {
	States  []state.State
	Events  []RelationshipEvent
	Outbox  []directory.Publication
	Markers []state.InvalidationMarker
}

// AppendState journals a chain state. Writing the same state twice is a
// no-op; a different state at an existing number is ErrConflict.
func (s *Store) AppendState(ctx context.Context, st state.State) error {
	body, err := state.Encode(st)
	if err != nil {
		return fmt.Errorf("append state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append state: begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO states (owner, state_number, vhash, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner, state_number) DO NOTHING
	`, string(st.Owner), st.StateNumber, st.VerificationHash, body)
	if err != nil {
		return fmt.Errorf("append state: insert: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("append state: rows affected: %w", err)
	}
	if n == 0 {
		var existing []byte
		err := tx.QueryRowContext(ctx,
			`SELECT vhash FROM states WHERE owner = ? AND state_number = ?`,
			string(st.Owner), st.StateNumber,
		).Scan(&existing)
		if err != nil {
			return fmt.Errorf("append state: select existing: %w", err)
		}
		if !bytes.Equal(existing, st.VerificationHash) {
			return fmt.Errorf("append state %s/%d: %w", st.Owner, st.StateNumber, ErrConflict)
		}
	}
	return tx.Commit()
}

// States returns owner's journaled states in state-number order.
// Returns empty slice if the owner has no states.
func (s *Store) States(ctx context.Context, owner state.EntityID) ([]state.State, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM states
		WHERE owner = ?
		ORDER BY state_number ASC
	`, string(owner))
	if err != nil {
		return nil, fmt.Errorf("query states: %w", err)
	}
	defer rows.Close()

	out := []state.State{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		st, err := state.Decode(body)
		if err != nil {
			return nil, fmt.Errorf("decode state: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate states: %w", err)
	}
	return out, nil
}

// Owners returns every entity with journaled states, sorted.
func (s *Store) Owners(ctx context.Context) ([]state.EntityID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT owner FROM states
		ORDER BY owner ASC COLLATE BINARY
	`)
	if err != nil {
		return nil, fmt.Errorf("query owners: %w", err)
	}
	defer rows.Close()

	out := []state.EntityID{}
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		out = append(out, state.EntityID(owner))
	}
	return out, rows.Err()
}

// AppendRecord journals a relationship record applied by owner's node.
// Replaying the same record is a no-op.
func (s *Store) AppendRecord(ctx context.Context, owner state.EntityID, r relationship.Record) error {
	body, err := cramberry.Marshal(r)
	if err != nil {
		return fmt.Errorf("append record: marshal: %w", err)
	}
	key := append(append([]byte(nil), r.StateA.VerificationHash...), r.StateB.VerificationHash...)
	return s.appendEvent(ctx, owner, relationship.KeyOf(r.A, r.B), EventRecord, key, body)
}

// AppendPublished journals that owner published pub and is waiting for its
// recipient to incorporate it.
func (s *Store) AppendPublished(ctx context.Context, owner state.EntityID, pub directory.Publication) error {
	body, err := cramberry.Marshal(pub)
	if err != nil {
		return fmt.Errorf("append published: marshal: %w", err)
	}
	return s.appendEvent(ctx, owner, relationship.KeyOf(pub.From, pub.To), EventPublished, pub.State.VerificationHash, body)
}

func (s *Store) appendEvent(ctx context.Context, owner state.EntityID, pair relationship.Key, kind EventKind, key, body []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relationship_events (owner, pair, kind, event_key, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner, kind, event_key) DO NOTHING
	`, string(owner), pair.String(), string(kind), key, body)
	if err != nil {
		return fmt.Errorf("append %s event: %w", kind, err)
	}
	return nil
}

// RelationshipEvents returns owner's relationship events in the order they
// were appended.
func (s *Store) RelationshipEvents(ctx context.Context, owner state.EntityID) ([]RelationshipEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, body FROM relationship_events
		WHERE owner = ?
		ORDER BY seq ASC
	`, string(owner))
	if err != nil {
		return nil, fmt.Errorf("query relationship events: %w", err)
	}
	defer rows.Close()

	out := []RelationshipEvent{}
	for rows.Next() {
		var (
			ev   RelationshipEvent
			kind string
			body []byte
		)
		if err := rows.Scan(&ev.Seq, &kind, &body); err != nil {
			return nil, fmt.Errorf("scan relationship event: %w", err)
		}
		ev.Kind = EventKind(kind)
		switch ev.Kind {
		case EventRecord:
			err = cramberry.Unmarshal(body, &ev.Record)
		case EventPublished:
			err = cramberry.Unmarshal(body, &ev.Publication)
		default:
			err = fmt.Errorf("unknown kind %q", kind)
		}
		if err != nil {
			return nil, fmt.Errorf("decode relationship event %d: %w", ev.Seq, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relationship events: %w", err)
	}
	return out, nil
}

// PutOutbox queues a publication that could not reach the directory.
func (s *Store) PutOutbox(ctx context.Context, pub directory.Publication) error {
	body, err := cramberry.Marshal(pub)
	if err != nil {
		return fmt.Errorf("put outbox: marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outbox (owner, state_number, recipient, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner, state_number) DO NOTHING
	`, string(pub.From), pub.State.StateNumber, string(pub.To), body)
	if err != nil {
		return fmt.Errorf("put outbox: %w", err)
	}
	return nil
}

// DeleteOutbox removes a delivered publication. Deleting a missing entry
// is not an error.
func (s *Store) DeleteOutbox(ctx context.Context, owner state.EntityID, stateNumber uint64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE owner = ? AND state_number = ?`,
		string(owner), stateNumber,
	)
	if err != nil {
		return fmt.Errorf("delete outbox: %w", err)
	}
	return nil
}

// Outbox returns owner's queued publications in state-number order.
func (s *Store) Outbox(ctx context.Context, owner state.EntityID) ([]directory.Publication, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM outbox
		WHERE owner = ?
		ORDER BY state_number ASC
	`, string(owner))
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	out := []directory.Publication{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		var pub directory.Publication
		if err := cramberry.Unmarshal(body, &pub); err != nil {
			return nil, fmt.Errorf("decode outbox: %w", err)
		}
		out = append(out, pub)
	}
	return out, rows.Err()
}

// SaveMarker journals an applied invalidation marker and prunes the
// entity's states after the marked one, atomically.
func (s *Store) SaveMarker(ctx context.Context, m state.InvalidationMarker) error {
	body, err := state.EncodeMarker(m)
	if err != nil {
		return fmt.Errorf("save marker: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save marker: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO markers (entity, state_number, body)
		VALUES (?, ?, ?)
		ON CONFLICT(entity, state_number) DO NOTHING
	`, string(m.Entity), m.StateNumber, body); err != nil {
		return fmt.Errorf("save marker: insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM states WHERE owner = ? AND state_number > ?`,
		string(m.Entity), m.StateNumber,
	); err != nil {
		return fmt.Errorf("save marker: prune: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM outbox WHERE owner = ? AND state_number > ?`,
		string(m.Entity), m.StateNumber,
	); err != nil {
		return fmt.Errorf("save marker: prune outbox: %w", err)
	}
	return tx.Commit()
}

// Markers returns the markers applied to entity, lowest state first. The
// signature matches recovery.Feed so a restoring node can replay them.
func (s *Store) Markers(ctx context.Context, entity state.EntityID) ([]state.InvalidationMarker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM markers
		WHERE entity = ?
		ORDER BY state_number ASC
	`, string(entity))
	if err != nil {
		return nil, fmt.Errorf("query markers: %w", err)
	}
	defer rows.Close()

	out := []state.InvalidationMarker{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan marker: %w", err)
		}
		m, err := state.DecodeMarker(body)
		if err != nil {
			return nil, fmt.Errorf("decode marker: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Load reads everything journaled for owner.
func (s *Store) Load(ctx context.Context, owner state.EntityID) (Snapshot, error) {
	var (
		snap Snapshot
		err  error
	)
	if snap.States, err = s.States(ctx, owner); err != nil {
		return Snapshot{}, err
	}
	if snap.Events, err = s.RelationshipEvents(ctx, owner); err != nil {
		return Snapshot{}, err
	}
	if snap.Outbox, err = s.Outbox(ctx, owner); err != nil {
		return Snapshot{}, err
	}
	if snap.Markers, err = s.Markers(ctx, owner); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
