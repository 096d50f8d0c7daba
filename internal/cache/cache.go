// ABOUTME: Write-through aggregated-message cache: the durable projection
// ABOUTME: of the aggregator's fold, incrementally updated per event.

package cache

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/whitenoise/core/internal/aggregator"
	"github.com/whitenoise/core/internal/nostrtypes"
	"github.com/whitenoise/core/internal/store"
	"github.com/whitenoise/core/internal/werr"
)

// Cache folds decrypted MLS messages into durable AggregatedMessage rows.
// Kind-9 events materialize a chat row (resolving any reactions/deletions
// that arrived before it); kind-7/5 events append an audit row and update
// the derived columns of the kind-9 rows they target.
type Cache struct {
	store  store.Store
	cfg    aggregator.Config
	logger *slog.Logger
}

// New builds a cache over the durable store. Pass nil for the default
// logger.
func New(st store.Store, cfg aggregator.Config, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:  st,
		cfg:    cfg,
		logger: logger.With("component", "whitenoise.cache"),
	}
}

// ApplyMessage is the real-time ingestion path: fold one freshly-decrypted
// message into the cache. Returns the materialized ChatMessage for kind-9
// events, nil for reaction/deletion audit events.
func (c *Cache) ApplyMessage(ctx context.Context, mlsGroupID string, msg aggregator.Message) (*aggregator.ChatMessage, error) {
	switch msg.Kind {
	case nostrtypes.KindChatMessage:
		return c.applyChat(ctx, mlsGroupID, msg)
	case nostrtypes.KindReaction:
		return nil, c.applyReaction(ctx, mlsGroupID, msg)
	case nostrtypes.KindDeletion:
		return nil, c.applyDeletion(ctx, mlsGroupID, msg)
	default:
		c.logger.Debug("ignoring message of unhandled kind", "kind", msg.Kind, "event_id", msg.ID)
		return nil, nil
	}
}

func (c *Cache) applyChat(ctx context.Context, mlsGroupID string, msg aggregator.Message) (*aggregator.ChatMessage, error) {
	media, err := c.mediaLookupFor(ctx, mlsGroupID, msg)
	if err != nil {
		return nil, err
	}

	// Reactions and deletions that raced ahead of this message sit in the
	// audit trail keyed by their target; replay them through the fold so
	// the materialized row comes out the same as if they had arrived in
	// order.
	stream := []aggregator.Message{msg}
	orphanReactions, err := c.store.FindOrphanedReactions(ctx, msg.ID, mlsGroupID)
	if err != nil {
		return nil, werr.New(werr.KindDatabase, "cache.applyChat", err)
	}
	orphanDeletions, err := c.store.FindOrphanedDeletions(ctx, msg.ID, mlsGroupID)
	if err != nil {
		return nil, werr.New(werr.KindDatabase, "cache.applyChat", err)
	}
	for _, row := range orphanReactions {
		if row.DeletionEventID != nil {
			continue
		}
		m, err := rowToMessage(row)
		if err != nil {
			return nil, err
		}
		stream = append(stream, m)
	}
	for _, row := range orphanDeletions {
		m, err := rowToMessage(row)
		if err != nil {
			return nil, err
		}
		stream = append(stream, m)
	}

	folded := aggregator.ProcessMessages(stream, media, c.cfg)
	if len(folded) == 0 {
		return nil, werr.New(werr.KindInvalidEvent, "cache.applyChat", errEmptyFold)
	}
	cm := folded[0]

	row, err := chatMessageToRow(&cm, mlsGroupID)
	if err != nil {
		return nil, err
	}
	// An orphaned deletion that resolved during the fold must stamp the
	// durable tombstone too, or an upsert replay would resurrect the row.
	if cm.IsDeleted && len(orphanDeletions) > 0 {
		row.DeletionEventID = &orphanDeletions[0].MessageID
	}
	if err := c.store.InsertMessage(ctx, row); err != nil {
		return nil, werr.New(werr.KindDatabase, "cache.applyChat", err)
	}
	return &cm, nil
}

func (c *Cache) applyReaction(ctx context.Context, mlsGroupID string, msg aggregator.Message) error {
	targetID := nostrtypes.LastETag(&nostrtypes.Event{Tags: msg.Tags})
	row, err := auditRow(msg, mlsGroupID, targetID)
	if err != nil {
		return err
	}
	if err := c.store.InsertAuditRow(ctx, row); err != nil {
		return werr.New(werr.KindDatabase, "cache.applyReaction", err)
	}
	if targetID == "" {
		c.logger.Warn("reaction carries no e tag", "event_id", msg.ID)
		return nil
	}
	return c.recomputeReactions(ctx, mlsGroupID, targetID)
}

func (c *Cache) applyDeletion(ctx context.Context, mlsGroupID string, msg aggregator.Message) error {
	targets := nostrtypes.ETags(&nostrtypes.Event{Tags: msg.Tags})
	var primary string
	if len(targets) > 0 {
		primary = targets[len(targets)-1]
	}
	row, err := auditRow(msg, mlsGroupID, primary)
	if err != nil {
		return err
	}
	if err := c.store.InsertAuditRow(ctx, row); err != nil {
		return werr.New(werr.KindDatabase, "cache.applyDeletion", err)
	}

	for _, targetID := range targets {
		target, err := c.store.GetAggregatedMessage(ctx, targetID, mlsGroupID)
		if err == store.ErrNotFound {
			// The target may still arrive; the audit row resolves it then.
			continue
		}
		if err != nil {
			return werr.New(werr.KindDatabase, "cache.applyDeletion", err)
		}
		if err := c.store.MarkDeleted(ctx, targetID, mlsGroupID, msg.ID); err != nil {
			return werr.New(werr.KindDatabase, "cache.applyDeletion", err)
		}
		// Retracting a reaction changes the fold on the message that
		// reaction targeted.
		if target.Kind == nostrtypes.KindReaction && target.ReplyToID != nil && *target.ReplyToID != "" {
			if err := c.recomputeReactions(ctx, mlsGroupID, *target.ReplyToID); err != nil {
				return err
			}
		}
	}
	return nil
}

// recomputeReactions refolds every live reaction targeting messageID and
// overwrites the target row's reactions column. No-op when the target
// kind-9 row doesn't exist yet (the reaction stays orphaned in the audit
// trail).
func (c *Cache) recomputeReactions(ctx context.Context, mlsGroupID, messageID string) error {
	target, err := c.store.GetAggregatedMessage(ctx, messageID, mlsGroupID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return werr.New(werr.KindDatabase, "cache.recomputeReactions", err)
	}
	if target.Kind != nostrtypes.KindChatMessage {
		return nil
	}

	targetMsg, err := rowToMessage(target)
	if err != nil {
		return err
	}

	reactions, err := c.store.ReactionsTargeting(ctx, messageID, mlsGroupID)
	if err != nil {
		return werr.New(werr.KindDatabase, "cache.recomputeReactions", err)
	}

	stream := []aggregator.Message{targetMsg}
	for _, row := range reactions {
		m, err := rowToMessage(row)
		if err != nil {
			return err
		}
		stream = append(stream, m)
	}

	folded := aggregator.ProcessMessages(stream, nil, c.cfg)
	if len(folded) == 0 {
		return nil
	}
	summaryJSON, err := json.Marshal(folded[0].Reactions)
	if err != nil {
		return werr.New(werr.KindOther, "cache.recomputeReactions", err)
	}
	if err := c.store.UpdateReactions(ctx, messageID, mlsGroupID, string(summaryJSON)); err != nil {
		return werr.New(werr.KindDatabase, "cache.recomputeReactions", err)
	}
	return nil
}

// mediaLookupFor indexes the group's MediaFile rows matching the message's
// imeta x-hashes, the receive-side half of the dual-hash media binding.
func (c *Cache) mediaLookupFor(ctx context.Context, mlsGroupID string, msg aggregator.Message) (map[string]*store.MediaFile, error) {
	hashes := nostrtypes.ImetaHashes(&nostrtypes.Event{Tags: msg.Tags})
	if len(hashes) == 0 {
		return nil, nil
	}
	files, err := c.store.MediaFilesByOriginalHash(ctx, mlsGroupID, hashes)
	if err != nil {
		return nil, werr.New(werr.KindDatabase, "cache.mediaLookupFor", err)
	}
	return aggregator.BuildMediaLookup(files), nil
}
