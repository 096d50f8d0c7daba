// ABOUTME: Write-through persistence for the aggregated-message cache.
// ABOUTME: Kind-9 rows hold the materialized chat view; kind-7/5 rows are audit trail used to resolve orphans.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const aggregatedColumns = "message_id, mls_group_id, author, created_at, kind, content, tags, reply_to_id, deletion_event_id, content_tokens, reactions, media_attachments"

func scanAggregatedMessage(row interface{ Scan(...any) error }) (*AggregatedMessage, error) {
	var m AggregatedMessage
	if err := row.Scan(&m.MessageID, &m.MlsGroupID, &m.Author, &m.CreatedAt, &m.Kind, &m.Content, &m.Tags, &m.ReplyToID, &m.DeletionEventID, &m.ContentTokens, &m.Reactions, &m.MediaAttachments); err != nil {
		return nil, err
	}
	return &m, nil
}

// CountByGroup returns the number of rows (chat messages and audit rows
// alike) stored for a group, used by the rebuild-idempotence property test.
func (s *SQLiteStore) CountByGroup(ctx context.Context, mlsGroupID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM aggregated_messages WHERE mls_group_id = ?`, mlsGroupID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting aggregated_messages: %w", err)
	}
	return n, nil
}

// AllEventIDsByGroup returns the set of message_ids already stored for a
// group, so the caller can skip events it has already folded.
func (s *SQLiteStore) AllEventIDsByGroup(ctx context.Context, mlsGroupID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT message_id FROM aggregated_messages WHERE mls_group_id = ?`, mlsGroupID)
	if err != nil {
		return nil, fmt.Errorf("querying aggregated_messages ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// FindMessagesByGroup returns the kind-9 chat rows for a group in
// chronological order, the materialized view the client reads.
func (s *SQLiteStore) FindMessagesByGroup(ctx context.Context, mlsGroupID string) ([]*AggregatedMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+aggregatedColumns+` FROM aggregated_messages WHERE mls_group_id = ? AND kind = 9 ORDER BY created_at, message_id`,
		mlsGroupID)
	if err != nil {
		return nil, fmt.Errorf("querying aggregated_messages: %w", err)
	}
	defer rows.Close()

	var out []*AggregatedMessage
	for rows.Next() {
		m, err := scanAggregatedMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveEvents is the bulk write path used when folding a whole batch (e.g.
// replaying a group's full event history). Each row is upserted individually
// inside one transaction, kind-9 rows replacing wholesale and kind-7/5 rows
// inserted as audit trail (ignored on conflict, since audit rows are
// immutable once recorded).
func (s *SQLiteStore) SaveEvents(ctx context.Context, events []*AggregatedMessage) error {
	if len(events) == 0 {
		return nil
	}
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, m := range events {
			if m.Kind == 9 {
				if err := upsertMessageTx(ctx, tx, m); err != nil {
					return err
				}
			} else {
				if err := insertAuditRowTx(ctx, tx, m); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func upsertMessageTx(ctx context.Context, tx *sql.Tx, m *AggregatedMessage) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO aggregated_messages (`+aggregatedColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(message_id, mls_group_id) DO UPDATE SET
			author=excluded.author, created_at=excluded.created_at, kind=excluded.kind,
			content=excluded.content, tags=excluded.tags, reply_to_id=excluded.reply_to_id,
			deletion_event_id=excluded.deletion_event_id, content_tokens=excluded.content_tokens,
			reactions=excluded.reactions, media_attachments=excluded.media_attachments`,
		m.MessageID, m.MlsGroupID, m.Author, m.CreatedAt, m.Kind, m.Content, m.Tags, m.ReplyToID, m.DeletionEventID, m.ContentTokens, m.Reactions, m.MediaAttachments)
	return err
}

func insertAuditRowTx(ctx context.Context, tx *sql.Tx, m *AggregatedMessage) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO aggregated_messages (`+aggregatedColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.MlsGroupID, m.Author, m.CreatedAt, m.Kind, m.Content, m.Tags, m.ReplyToID, m.DeletionEventID, m.ContentTokens, m.Reactions, m.MediaAttachments)
	return err
}

// InsertMessage upserts a single kind-9 chat row, the real-time single-event
// path used alongside ProcessSingleMessage.
func (s *SQLiteStore) InsertMessage(ctx context.Context, m *AggregatedMessage) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		return upsertMessageTx(ctx, tx, m)
	})
}

// InsertAuditRow records a kind-7 reaction or kind-5 deletion event as audit
// trail. Idempotent: re-inserting the same event id is a no-op.
func (s *SQLiteStore) InsertAuditRow(ctx context.Context, m *AggregatedMessage) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		return insertAuditRowTx(ctx, tx, m)
	})
}

// UpdateReactions overwrites the materialized reaction summary on a kind-9
// row once a reaction audit event has been folded in.
func (s *SQLiteStore) UpdateReactions(ctx context.Context, messageID, mlsGroupID, reactionsJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE aggregated_messages SET reactions = ? WHERE message_id = ? AND mls_group_id = ? AND kind = 9`,
		reactionsJSON, messageID, mlsGroupID)
	return err
}

// MarkDeleted stamps a row with the deletion event that removed it. Both
// kind-9 chat rows and kind-7 reaction audit rows can be targeted, since a
// deletion may retract a reaction rather than a message. The row is
// retained (tombstoned), not removed, so a later repeat of the same
// deletion event is still a no-op and the rebuild-idempotence property
// holds.
func (s *SQLiteStore) MarkDeleted(ctx context.Context, messageID, mlsGroupID, deletionEventID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE aggregated_messages SET deletion_event_id = ? WHERE message_id = ? AND mls_group_id = ? AND kind IN (7, 9)`,
		deletionEventID, messageID, mlsGroupID)
	return err
}

// GetAggregatedMessage returns one row by id, or ErrNotFound.
func (s *SQLiteStore) GetAggregatedMessage(ctx context.Context, messageID, mlsGroupID string) (*AggregatedMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+aggregatedColumns+` FROM aggregated_messages WHERE message_id = ? AND mls_group_id = ?`,
		messageID, mlsGroupID)
	m, err := scanAggregatedMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying aggregated_messages row: %w", err)
	}
	return m, nil
}

// ReactionsTargeting returns the non-deleted kind-7 audit rows whose e-tag
// target is messageID, the inputs of the reaction fold on that message.
func (s *SQLiteStore) ReactionsTargeting(ctx context.Context, messageID, mlsGroupID string) ([]*AggregatedMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+aggregatedColumns+` FROM aggregated_messages WHERE mls_group_id = ? AND kind = 7 AND reply_to_id = ? AND deletion_event_id IS NULL ORDER BY created_at, message_id`,
		mlsGroupID, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying reactions: %w", err)
	}
	defer rows.Close()

	var out []*AggregatedMessage
	for rows.Next() {
		m, err := scanAggregatedMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FindOrphanedReactions returns the kind-7 audit rows that target messageID
// but arrived before its kind-9 row existed, so the aggregator can apply
// them now that the target exists.
func (s *SQLiteStore) FindOrphanedReactions(ctx context.Context, messageID, mlsGroupID string) ([]*AggregatedMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+aggregatedColumns+` FROM aggregated_messages WHERE mls_group_id = ? AND kind = 7 AND reply_to_id = ? ORDER BY created_at, message_id`,
		mlsGroupID, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying orphaned reactions: %w", err)
	}
	defer rows.Close()

	var out []*AggregatedMessage
	for rows.Next() {
		m, err := scanAggregatedMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FindOrphanedDeletions returns the kind-5 audit rows that target messageID
// but arrived before its kind-9 row existed.
func (s *SQLiteStore) FindOrphanedDeletions(ctx context.Context, messageID, mlsGroupID string) ([]*AggregatedMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+aggregatedColumns+` FROM aggregated_messages WHERE mls_group_id = ? AND kind = 5 AND reply_to_id = ? ORDER BY created_at, message_id`,
		mlsGroupID, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying orphaned deletions: %w", err)
	}
	defer rows.Close()

	var out []*AggregatedMessage
	for rows.Next() {
		m, err := scanAggregatedMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteByGroup removes every row (chat and audit) for a group, used when a
// user leaves or a group is torn down.
func (s *SQLiteStore) DeleteByGroup(ctx context.Context, mlsGroupID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM aggregated_messages WHERE mls_group_id = ?`, mlsGroupID)
	return err
}
