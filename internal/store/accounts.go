// ABOUTME: Account and User CRUD, plus the per-account Follow edge-set.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CreateAccount inserts a new account, creating the backing User row first
// if it does not yet exist.
func (s *SQLiteStore) CreateAccount(ctx context.Context, a *Account) (*Account, error) {
	now := time.Now().UTC()
	var out Account
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		userID, err := findOrCreateUserTx(ctx, tx, a.Pubkey, now)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (pubkey, user_id, signer_kind, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			a.Pubkey, userID, string(a.SignerKind), now, now)
		if err != nil {
			return fmt.Errorf("inserting account: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		out = Account{ID: id, Pubkey: a.Pubkey, UserID: userID, SignerKind: a.SignerKind, CreatedAt: now, UpdatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	var lastSynced sql.NullTime
	var signerKind string
	if err := row.Scan(&a.ID, &a.Pubkey, &a.UserID, &signerKind, &lastSynced, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.SignerKind = SignerKind(signerKind)
	if lastSynced.Valid {
		t := lastSynced.Time
		a.LastSyncedAt = &t
	}
	return &a, nil
}

const accountColumns = "id, pubkey, user_id, signer_kind, last_synced_at, created_at, updated_at"

// GetAccountByPubkey returns the account for a pubkey, or ErrNotFound.
func (s *SQLiteStore) GetAccountByPubkey(ctx context.Context, pubkey string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE pubkey = ?`, pubkey)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}
	return a, nil
}

// ListAccounts returns every account, for subscription-scheduler startup.
func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAccountLastSynced records the last successful global-sync timestamp.
func (s *SQLiteStore) UpdateAccountLastSynced(ctx context.Context, accountID int64, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET last_synced_at = ?, updated_at = ? WHERE id = ?`, t, time.Now().UTC(), accountID)
	return err
}

// DeleteAccount removes an account and cascades to its follows and
// contact-list timestamp via foreign keys. Processed/published rows carry
// no foreign key and are kept.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, accountID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, accountID)
	return err
}

func findOrCreateUserTx(ctx context.Context, tx *sql.Tx, pubkey string, now time.Time) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE pubkey = ?`, pubkey).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("querying user: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO users (pubkey, metadata_json, created_at, updated_at) VALUES (?, '{}', ?, ?)`, pubkey, now, now)
	if err != nil {
		return 0, fmt.Errorf("inserting user: %w", err)
	}
	return res.LastInsertId()
}

// FindOrCreateUser returns the user for a pubkey, creating it on first
// sight. The bool return reports whether the row was just created.
func (s *SQLiteStore) FindOrCreateUser(ctx context.Context, pubkey string) (*User, bool, error) {
	now := time.Now().UTC()
	var created bool
	var userID int64
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var existed int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE pubkey = ?`, pubkey).Scan(&existed)
		if err == nil {
			userID = existed
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("querying user: %w", err)
		}
		id, err := findOrCreateUserTx(ctx, tx, pubkey, now)
		if err != nil {
			return err
		}
		userID = id
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	u, err := s.GetUser(ctx, pubkey)
	if err != nil {
		return nil, false, err
	}
	_ = userID
	return u, created, nil
}

// UpdateUserMetadata overwrites metadata fields only if eventCreatedAt is
// strictly newer than the stored row's updated_at. A row whose updated_at
// still equals its created_at has never had metadata applied and accepts
// any event. Returns whether the update was applied.
func (s *SQLiteStore) UpdateUserMetadata(ctx context.Context, pubkey string, meta UserMetadata, eventCreatedAt time.Time) (bool, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("marshaling metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET metadata_json = ?, updated_at = ? WHERE pubkey = ? AND (updated_at = created_at OR updated_at < ?)`,
		string(metaJSON), eventCreatedAt.UTC(), pubkey, eventCreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("updating user metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetUser returns the user row for a pubkey, or ErrNotFound.
func (s *SQLiteStore) GetUser(ctx context.Context, pubkey string) (*User, error) {
	var u User
	var metaJSON string
	err := s.db.QueryRowContext(ctx, `SELECT id, pubkey, metadata_json, created_at, updated_at FROM users WHERE pubkey = ?`, pubkey).
		Scan(&u.ID, &u.Pubkey, &metaJSON, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &u.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata: %w", err)
	}
	return &u, nil
}

// ReplaceFollows wholesale-replaces an account's follow set, the only write
// mode the contact-list handler uses (replace, never merge). Returns
// the subset of pubkeys that were newly created User rows, so the caller
// can schedule a background metadata fetch for them.
func (s *SQLiteStore) ReplaceFollows(ctx context.Context, accountID int64, pubkeys []string) ([]string, error) {
	var created []string
	now := time.Now().UTC()
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM follows WHERE account_id = ?`, accountID); err != nil {
			return fmt.Errorf("clearing follows: %w", err)
		}
		for _, pk := range pubkeys {
			var existed int64
			err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE pubkey = ?`, pk).Scan(&existed)
			if errors.Is(err, sql.ErrNoRows) {
				if _, err := findOrCreateUserTx(ctx, tx, pk, now); err != nil {
					return err
				}
				created = append(created, pk)
			} else if err != nil {
				return fmt.Errorf("checking user existence: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO follows (account_id, followed_pubkey) VALUES (?, ?)`, accountID, pk); err != nil {
				return fmt.Errorf("inserting follow: %w", err)
			}
		}
		return nil
	})
	return created, err
}

// ListFollows returns the current follow set for an account.
func (s *SQLiteStore) ListFollows(ctx context.Context, accountID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT followed_pubkey FROM follows WHERE account_id = ? ORDER BY followed_pubkey`, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing follows: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}

// NewestContactListTimestamp returns the stored gate timestamp for an
// account's contact list, or (0, false, nil) if none has ever been applied.
func (s *SQLiteStore) NewestContactListTimestamp(ctx context.Context, accountID int64) (int64, bool, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx, `SELECT newest_created_at FROM contact_list_timestamps WHERE account_id = ?`, accountID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("querying contact list timestamp: %w", err)
	}
	return ts, true, nil
}

// RecordContactListTimestamp upserts the gate timestamp. Callers must check
// NewestContactListTimestamp first and only call this after a strictly
// newer contact-list event has been applied.
func (s *SQLiteStore) RecordContactListTimestamp(ctx context.Context, accountID int64, createdAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contact_list_timestamps (account_id, newest_created_at) VALUES (?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET newest_created_at = excluded.newest_created_at`,
		accountID, createdAt)
	return err
}
