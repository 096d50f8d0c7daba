// ABOUTME: ProcessedEvent / PublishedEvent bookkeeping for dedup and self-publish suppression.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// accountKey normalizes a nullable account id into the value SQLite will
// treat as equal across calls: NULL compares unequal to NULL in SQL, so a
// composite primary key of (event_id, account_id) needs a non-NULL sentinel
// for the "global" row to be unique-constrained at all. We use 0 as the
// sentinel for "no account" since real account ids are autoincrement >= 1.
func accountKey(accountID *int64) int64 {
	if accountID == nil {
		return 0
	}
	return *accountID
}

// MarkProcessed records that an event was handled, globally (accountID nil)
// or for a specific account.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, eventID string, accountID *int64, kind int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_events (event_id, account_id, event_kind, processed_at) VALUES (?, ?, ?, ?)`,
		eventID, accountKey(accountID), kind, time.Now().UTC())
	return err
}

// IsProcessed reports whether an event has already been marked processed
// for the given scope.
func (s *SQLiteStore) IsProcessed(ctx context.Context, eventID string, accountID *int64) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_events WHERE event_id = ? AND account_id = ?`, eventID, accountKey(accountID)).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying processed_events: %w", err)
	}
	return true, nil
}

// MarkPublished records that this process emitted an event, so its relay
// echo is recognized as a self-publish rather than reprocessed.
func (s *SQLiteStore) MarkPublished(ctx context.Context, eventID string, accountID *int64, kind int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO published_events (event_id, account_id, kind, published_at) VALUES (?, ?, ?, ?)`,
		eventID, accountKey(accountID), kind, time.Now().UTC())
	return err
}

// IsPublished reports whether this process published the event in the
// given scope.
func (s *SQLiteStore) IsPublished(ctx context.Context, eventID string, accountID *int64) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM published_events WHERE event_id = ? AND account_id = ?`, eventID, accountKey(accountID)).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying published_events: %w", err)
	}
	return true, nil
}
