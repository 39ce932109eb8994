package store

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"

	"github.com/blockberries/cramberry/pkg/cramberry"

	"github.com/roach88/dsm/internal/directory"
	"github.com/roach88/dsm/internal/state"
)

// Directory is a durable directory.Service over the store's database.
type Directory struct {
	s *Store
}

var _ directory.Service = (*Directory)(nil)

// Directory returns the directory view of the store.
func (s *Store) Directory() *Directory {
	return &Directory{s: s}
}

// Publish implements directory.Service.
func (d *Directory) Publish(ctx context.Context, pub directory.Publication) error {
	body, err := cramberry.Marshal(pub)
	if err != nil {
		return fmt.Errorf("publish: marshal: %w", err)
	}

	tx, err := d.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("publish: begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO directory_publications (recipient, sender, state_number, vhash, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(recipient, sender, state_number) DO NOTHING
	`, string(pub.To), string(pub.From), pub.State.StateNumber, pub.State.VerificationHash, body)
	if err != nil {
		return fmt.Errorf("publish: insert: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("publish: rows affected: %w", err)
	}
	if n == 0 {
		var existing []byte
		err := tx.QueryRowContext(ctx, `
			SELECT vhash FROM directory_publications
			WHERE recipient = ? AND sender = ? AND state_number = ?
		`, string(pub.To), string(pub.From), pub.State.StateNumber).Scan(&existing)
		if err != nil {
			return fmt.Errorf("publish: select existing: %w", err)
		}
		if !bytes.Equal(existing, pub.State.VerificationHash) {
			return fmt.Errorf("publish %s/%d: %w", pub.From, pub.State.StateNumber, ErrConflict)
		}
	}
	return tx.Commit()
}

// Query implements directory.Service.
func (d *Directory) Query(ctx context.Context, entity state.EntityID) ([]directory.Publication, error) {
	rows, err := d.s.db.QueryContext(ctx, `
		SELECT body FROM directory_publications
		WHERE recipient = ?
		ORDER BY sender ASC COLLATE BINARY, state_number ASC
	`, string(entity))
	if err != nil {
		return nil, fmt.Errorf("query publications: %w", err)
	}
	defer rows.Close()

	out := []directory.Publication{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan publication: %w", err)
		}
		var pub directory.Publication
		if err := cramberry.Unmarshal(body, &pub); err != nil {
			return nil, fmt.Errorf("decode publication: %w", err)
		}
		out = append(out, pub)
	}
	return out, rows.Err()
}

// Acknowledge implements directory.Service.
func (d *Directory) Acknowledge(ctx context.Context, entity, sender state.EntityID, upTo uint64) error {
	_, err := d.s.db.ExecContext(ctx, `
		DELETE FROM directory_publications
		WHERE recipient = ? AND sender = ? AND state_number <= ?
	`, string(entity), string(sender), upTo)
	if err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}
	return nil
}

// RegisterAnchor implements directory.Service.
func (d *Directory) RegisterAnchor(ctx context.Context, a directory.Anchor) error {
	body, err := cramberry.Marshal(a)
	if err != nil {
		return fmt.Errorf("register anchor: marshal: %w", err)
	}

	tx, err := d.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("register anchor: begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO directory_anchors (entity, body)
		VALUES (?, ?)
		ON CONFLICT(entity) DO NOTHING
	`, string(a.Entity), body)
	if err != nil {
		return fmt.Errorf("register anchor: insert: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("register anchor: rows affected: %w", err)
	}
	if n == 0 {
		existing, _, err := lookupAnchor(ctx, tx, a.Entity)
		if err != nil {
			return err
		}
		if !bytes.Equal(existing.PublicKey, a.PublicKey) || !bytes.Equal(existing.GenesisID, a.GenesisID) {
			return fmt.Errorf("register anchor %s: %w", a.Entity, ErrConflict)
		}
	}
	return tx.Commit()
}

// LookupAnchor implements directory.Service.
func (d *Directory) LookupAnchor(ctx context.Context, entity state.EntityID) (directory.Anchor, bool, error) {
	return lookupAnchor(ctx, d.s.db, entity)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func lookupAnchor(ctx context.Context, q queryRower, entity state.EntityID) (directory.Anchor, bool, error) {
	var body []byte
	err := q.QueryRowContext(ctx,
		`SELECT body FROM directory_anchors WHERE entity = ?`, string(entity),
	).Scan(&body)
	if isNoRows(err) {
		return directory.Anchor{}, false, nil
	}
	if err != nil {
		return directory.Anchor{}, false, fmt.Errorf("lookup anchor: %w", err)
	}
	var a directory.Anchor
	if err := cramberry.Unmarshal(body, &a); err != nil {
		return directory.Anchor{}, false, fmt.Errorf("decode anchor: %w", err)
	}
	return a, true, nil
}
