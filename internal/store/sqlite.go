// ABOUTME: SQLite implementation of Store using modernc.org/sqlite (pure Go driver).
// ABOUTME: Schema is split into segments by entity group, created on open.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path, creating the
// schema if it doesn't exist. Parent directories are created if needed.
// ":memory:" is accepted for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil && path != ":memory:" {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("sqlite store initialized", "path", path)
	return s, nil
}

// Schema segments, one per entity group.
var (
	schemaAccountsSQL = `
CREATE TABLE IF NOT EXISTS users (id INTEGER PRIMARY KEY AUTOINCREMENT, pubkey TEXT NOT NULL UNIQUE, metadata_json TEXT NOT NULL DEFAULT '{}', created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL);
CREATE TABLE IF NOT EXISTS accounts (id INTEGER PRIMARY KEY AUTOINCREMENT, pubkey TEXT NOT NULL UNIQUE, user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE, signer_kind TEXT NOT NULL CHECK (signer_kind IN ('ephemeral','local','external')), last_synced_at DATETIME, created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL);
CREATE INDEX IF NOT EXISTS idx_accounts_user ON accounts(user_id);
CREATE TABLE IF NOT EXISTS follows (account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE, followed_pubkey TEXT NOT NULL, PRIMARY KEY (account_id, followed_pubkey));
CREATE TABLE IF NOT EXISTS contact_list_timestamps (account_id INTEGER PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE, newest_created_at INTEGER NOT NULL);
`
	schemaRelaysSQL = `
CREATE TABLE IF NOT EXISTS relays (id INTEGER PRIMARY KEY AUTOINCREMENT, url TEXT NOT NULL UNIQUE, status TEXT NOT NULL DEFAULT 'unknown');
CREATE TABLE IF NOT EXISTS user_relays (pubkey TEXT NOT NULL, relay_url TEXT NOT NULL, kind TEXT NOT NULL CHECK (kind IN ('general','inbox','keypkg')), PRIMARY KEY (pubkey, relay_url, kind));
CREATE INDEX IF NOT EXISTS idx_user_relays_pubkey_kind ON user_relays(pubkey, kind);
`
	schemaEventsSQL = `
CREATE TABLE IF NOT EXISTS processed_events (event_id TEXT NOT NULL, account_id INTEGER, event_kind INTEGER NOT NULL, processed_at DATETIME NOT NULL, PRIMARY KEY (event_id, account_id));
CREATE INDEX IF NOT EXISTS idx_processed_events_account ON processed_events(account_id);
CREATE TABLE IF NOT EXISTS published_events (event_id TEXT NOT NULL, account_id INTEGER, kind INTEGER NOT NULL, published_at DATETIME NOT NULL, PRIMARY KEY (event_id, account_id));
CREATE INDEX IF NOT EXISTS idx_published_events_account ON published_events(account_id);
`
	schemaGroupsSQL = `
CREATE TABLE IF NOT EXISTS group_information (mls_group_id TEXT PRIMARY KEY, group_type TEXT NOT NULL DEFAULT '', display_name TEXT NOT NULL DEFAULT '', description TEXT NOT NULL DEFAULT '', last_activity DATETIME NOT NULL);
CREATE TABLE IF NOT EXISTS media_files (mls_group_id TEXT NOT NULL REFERENCES group_information(mls_group_id) ON DELETE CASCADE, account_pubkey TEXT NOT NULL, file_path TEXT NOT NULL, encrypted_file_hash TEXT NOT NULL, original_file_hash TEXT, blossom_url TEXT, nostr_key TEXT, mime_type TEXT NOT NULL DEFAULT '', media_type TEXT NOT NULL DEFAULT 'chat_media', file_metadata TEXT NOT NULL DEFAULT '{}', created_at DATETIME NOT NULL, PRIMARY KEY (mls_group_id, encrypted_file_hash));
CREATE INDEX IF NOT EXISTS idx_media_files_original_hash ON media_files(mls_group_id, original_file_hash);
CREATE TABLE IF NOT EXISTS aggregated_messages (message_id TEXT NOT NULL, mls_group_id TEXT NOT NULL REFERENCES group_information(mls_group_id) ON DELETE CASCADE, author TEXT NOT NULL, created_at INTEGER NOT NULL, kind INTEGER NOT NULL CHECK (kind IN (5,7,9)), content TEXT NOT NULL DEFAULT '', tags TEXT NOT NULL DEFAULT '[]', reply_to_id TEXT, deletion_event_id TEXT, content_tokens TEXT NOT NULL DEFAULT '[]', reactions TEXT NOT NULL DEFAULT '{}', media_attachments TEXT NOT NULL DEFAULT '[]', PRIMARY KEY (message_id, mls_group_id));
CREATE INDEX IF NOT EXISTS idx_aggregated_messages_group_created ON aggregated_messages(mls_group_id, created_at, message_id);
CREATE INDEX IF NOT EXISTS idx_aggregated_messages_reply_to ON aggregated_messages(mls_group_id, reply_to_id);
`
)

func (s *SQLiteStore) createSchema() error {
	for _, schema := range []string{schemaAccountsSQL, schemaRelaysSQL, schemaEventsSQL, schemaGroupsSQL} {
		if _, err := s.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Wipe deletes every row from every table, leaving the schema in place.
// Idempotent; used by the data-wipe surface tests rely on.
func (s *SQLiteStore) Wipe(ctx context.Context) error {
	tables := []string{
		"aggregated_messages", "media_files", "group_information",
		"processed_events", "published_events",
		"contact_list_timestamps", "follows", "user_relays", "relays",
		"accounts", "users",
	}
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("wiping %s: %w", table, err)
			}
		}
		return nil
	})
}

var _ Store = (*SQLiteStore)(nil)

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
