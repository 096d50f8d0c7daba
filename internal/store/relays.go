// ABOUTME: Relay rows and per-user relay-list edges (general/inbox/keypkg).

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// FindOrCreateRelay returns the Relay row for a URL, creating it on first
// sight with RelayStatusUnknown.
func (s *SQLiteStore) FindOrCreateRelay(ctx context.Context, url string) (*Relay, error) {
	var r Relay
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT id, url, status FROM relays WHERE url = ?`, url).Scan(&r.ID, &r.URL, &status)
	if err == nil {
		r.Status = RelayStatus(status)
		return &r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying relay: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO relays (url, status) VALUES (?, ?)`, url, string(RelayStatusUnknown))
	if err != nil {
		return nil, fmt.Errorf("inserting relay: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Relay{ID: id, URL: url, Status: RelayStatusUnknown}, nil
}

// ReplaceUserRelays wholesale-replaces a user's relay list of the given
// kind, creating any missing Relay rows first. Invalid URLs must already be
// filtered by the caller (nostrtypes.RelayURLTags does this).
func (s *SQLiteStore) ReplaceUserRelays(ctx context.Context, pubkey string, kind RelayListKind, urls []string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_relays WHERE pubkey = ? AND kind = ?`, pubkey, string(kind)); err != nil {
			return fmt.Errorf("clearing user relays: %w", err)
		}
		for _, u := range urls {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO relays (url, status) VALUES (?, ?)`, u, string(RelayStatusUnknown)); err != nil {
				return fmt.Errorf("inserting relay: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO user_relays (pubkey, relay_url, kind) VALUES (?, ?, ?)`, pubkey, u, string(kind)); err != nil {
				return fmt.Errorf("inserting user relay edge: %w", err)
			}
		}
		return nil
	})
}

// ListUserRelays returns the relay URLs of a given kind for a user.
func (s *SQLiteStore) ListUserRelays(ctx context.Context, pubkey string, kind RelayListKind) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT relay_url FROM user_relays WHERE pubkey = ? AND kind = ? ORDER BY relay_url`, pubkey, string(kind))
	if err != nil {
		return nil, fmt.Errorf("listing user relays: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
