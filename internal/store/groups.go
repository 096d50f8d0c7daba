// ABOUTME: GroupInformation and MediaFile persistence.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// UpsertGroupInformation creates or updates the metadata row for an MLS
// group.
func (s *SQLiteStore) UpsertGroupInformation(ctx context.Context, g *GroupInformation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_information (mls_group_id, group_type, display_name, description, last_activity)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(mls_group_id) DO UPDATE SET group_type=excluded.group_type, display_name=excluded.display_name, description=excluded.description, last_activity=excluded.last_activity`,
		g.MlsGroupID, g.GroupType, g.DisplayName, g.Description, g.LastActivity)
	return err
}

// GetGroupInformation returns the group-information row, or ErrNotFound.
func (s *SQLiteStore) GetGroupInformation(ctx context.Context, mlsGroupID string) (*GroupInformation, error) {
	var g GroupInformation
	err := s.db.QueryRowContext(ctx,
		`SELECT mls_group_id, group_type, display_name, description, last_activity FROM group_information WHERE mls_group_id = ?`,
		mlsGroupID).Scan(&g.MlsGroupID, &g.GroupType, &g.DisplayName, &g.Description, &g.LastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying group_information: %w", err)
	}
	return &g, nil
}

// InsertMediaFile records a media attachment. Primary key is
// (mls_group_id, encrypted_file_hash); re-inserting the same blob is a
// no-op.
func (s *SQLiteStore) InsertMediaFile(ctx context.Context, m *MediaFile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO media_files (mls_group_id, account_pubkey, file_path, encrypted_file_hash, original_file_hash, blossom_url, nostr_key, mime_type, media_type, file_metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MlsGroupID, m.AccountPubkey, m.FilePath, m.EncryptedFileHash, m.OriginalFileHash, m.BlossomURL, m.NostrKey, m.MimeType, string(m.MediaType), m.FileMetadata, m.CreatedAt)
	return err
}

// MediaFilesByOriginalHash returns the MediaFile rows in a group whose
// plaintext (original_file_hash) matches one of the given hashes -- the
// linkage key used when binding media to an aggregated chat message.
func (s *SQLiteStore) MediaFilesByOriginalHash(ctx context.Context, mlsGroupID string, hashes []string) ([]*MediaFile, error) {
	if len(hashes) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(hashes))
	args := make([]any, 0, len(hashes)+1)
	args = append(args, mlsGroupID)
	for i, h := range hashes {
		placeholders[i] = "?"
		args = append(args, h)
	}

	query := fmt.Sprintf(
		`SELECT mls_group_id, account_pubkey, file_path, encrypted_file_hash, original_file_hash, blossom_url, nostr_key, mime_type, media_type, file_metadata, created_at
		 FROM media_files WHERE mls_group_id = ? AND original_file_hash IN (%s)`, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying media_files: %w", err)
	}
	defer rows.Close()

	var out []*MediaFile
	for rows.Next() {
		var m MediaFile
		var mediaType string
		if err := rows.Scan(&m.MlsGroupID, &m.AccountPubkey, &m.FilePath, &m.EncryptedFileHash, &m.OriginalFileHash, &m.BlossomURL, &m.NostrKey, &m.MimeType, &mediaType, &m.FileMetadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.MediaType = MediaType(mediaType)
		out = append(out, &m)
	}
	return out, rows.Err()
}
