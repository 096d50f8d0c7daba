// ABOUTME: Bulk rebuild and read paths of the aggregated-message cache.

package cache

import (
	"context"

	"github.com/whitenoise/core/internal/aggregator"
	"github.com/whitenoise/core/internal/nostrtypes"
	"github.com/whitenoise/core/internal/store"
	"github.com/whitenoise/core/internal/werr"
)

// FetchAggregatedMessages is the single read path for the UI: the group's
// kind-9 rows, materialized, ascending by created_at with event-id
// tiebreak (enforced by the covering index's ordering).
func (c *Cache) FetchAggregatedMessages(ctx context.Context, mlsGroupID string) ([]*aggregator.ChatMessage, error) {
	rows, err := c.store.FindMessagesByGroup(ctx, mlsGroupID)
	if err != nil {
		return nil, werr.New(werr.KindDatabase, "cache.FetchAggregatedMessages", err)
	}
	out := make([]*aggregator.ChatMessage, 0, len(rows))
	for _, row := range rows {
		cm, err := rowToChatMessage(row)
		if err != nil {
			return nil, err
		}
		out = append(out, cm)
	}
	return out, nil
}

// SyncGroup incrementally reconciles the cache with the full raw message
// stream of a group (as the MLS store reports it). If the cache's row
// count already equals the stream's length, nothing happens; otherwise the
// whole stream is folded, every kind-9 row is written with its rebuilt
// derived columns, the kind-7/5 events the cache lacks are appended as
// audit trail, and every deletion target is tombstoned.
func (c *Cache) SyncGroup(ctx context.Context, mlsGroupID string, raw []aggregator.Message) error {
	count, err := c.store.CountByGroup(ctx, mlsGroupID)
	if err != nil {
		return werr.New(werr.KindDatabase, "cache.SyncGroup", err)
	}
	if count == len(raw) {
		return nil
	}

	have, err := c.store.AllEventIDsByGroup(ctx, mlsGroupID)
	if err != nil {
		return werr.New(werr.KindDatabase, "cache.SyncGroup", err)
	}

	// Fold the complete stream so derived columns on every kind-9 row
	// reflect all reactions/deletions, then persist the rows the cache is
	// missing plus refreshed derived state for the rows it has.
	media, err := c.groupMediaLookup(ctx, mlsGroupID, raw)
	if err != nil {
		return err
	}
	folded := aggregator.ProcessMessages(raw, media, c.cfg)
	foldedByID := make(map[string]*aggregator.ChatMessage, len(folded))
	for i := range folded {
		foldedByID[folded[i].ID] = &folded[i]
	}

	var batch []*store.AggregatedMessage
	for _, m := range raw {
		switch m.Kind {
		case nostrtypes.KindChatMessage:
			cm, ok := foldedByID[m.ID]
			if !ok {
				continue
			}
			row, err := chatMessageToRow(cm, mlsGroupID)
			if err != nil {
				return err
			}
			batch = append(batch, row)
		case nostrtypes.KindReaction, nostrtypes.KindDeletion:
			if have[m.ID] {
				continue
			}
			targetID := nostrtypes.LastETag(&nostrtypes.Event{Tags: m.Tags})
			row, err := auditRow(m, mlsGroupID, targetID)
			if err != nil {
				return err
			}
			batch = append(batch, row)
		}
	}

	if err := c.store.SaveEvents(ctx, batch); err != nil {
		return werr.New(werr.KindDatabase, "cache.SyncGroup", err)
	}

	// The fold above derives deletion state on its ChatMessages, but the
	// durable tombstone is the deletion_event_id column; stamp it from the
	// deletion events in the stream.
	for _, m := range raw {
		if m.Kind != nostrtypes.KindDeletion {
			continue
		}
		for _, targetID := range nostrtypes.ETags(&nostrtypes.Event{Tags: m.Tags}) {
			if err := c.store.MarkDeleted(ctx, targetID, mlsGroupID, m.ID); err != nil {
				return werr.New(werr.KindDatabase, "cache.SyncGroup", err)
			}
		}
	}
	return nil
}

// Count returns how many rows (chat and audit alike) the cache holds for a
// group, the cheap comparison SyncGroup uses to skip rebuilds.
func (c *Cache) Count(ctx context.Context, mlsGroupID string) (int, error) {
	return c.store.CountByGroup(ctx, mlsGroupID)
}

// DeleteGroup tears down a group's cached state on leave.
func (c *Cache) DeleteGroup(ctx context.Context, mlsGroupID string) error {
	if err := c.store.DeleteByGroup(ctx, mlsGroupID); err != nil {
		return werr.New(werr.KindDatabase, "cache.DeleteGroup", err)
	}
	return nil
}

// groupMediaLookup indexes the MediaFile rows referenced by any imeta hash
// in the stream.
func (c *Cache) groupMediaLookup(ctx context.Context, mlsGroupID string, raw []aggregator.Message) (map[string]*store.MediaFile, error) {
	var hashes []string
	seen := make(map[string]bool)
	for _, m := range raw {
		for _, h := range nostrtypes.ImetaHashes(&nostrtypes.Event{Tags: m.Tags}) {
			if !seen[h] {
				seen[h] = true
				hashes = append(hashes, h)
			}
		}
	}
	if len(hashes) == 0 {
		return nil, nil
	}
	files, err := c.store.MediaFilesByOriginalHash(ctx, mlsGroupID, hashes)
	if err != nil {
		return nil, werr.New(werr.KindDatabase, "cache.groupMediaLookup", err)
	}
	return aggregator.BuildMediaLookup(files), nil
}
