// ABOUTME: Conversions between aggregator views and AggregatedMessage rows.

package cache

import (
	"encoding/json"
	"errors"

	"github.com/whitenoise/core/internal/aggregator"
	"github.com/whitenoise/core/internal/nostrtypes"
	"github.com/whitenoise/core/internal/store"
	"github.com/whitenoise/core/internal/werr"
)

var errEmptyFold = errors.New("fold produced no chat message")

// chatMessageToRow serializes a materialized ChatMessage into its kind-9
// cache row.
func chatMessageToRow(cm *aggregator.ChatMessage, mlsGroupID string) (*store.AggregatedMessage, error) {
	tagsJSON, err := json.Marshal(cm.Tags)
	if err != nil {
		return nil, werr.New(werr.KindOther, "cache.chatMessageToRow", err)
	}
	tokensJSON, err := json.Marshal(cm.ContentTokens)
	if err != nil {
		return nil, werr.New(werr.KindOther, "cache.chatMessageToRow", err)
	}
	reactionsJSON, err := json.Marshal(cm.Reactions)
	if err != nil {
		return nil, werr.New(werr.KindOther, "cache.chatMessageToRow", err)
	}
	mediaJSON, err := json.Marshal(cm.MediaAttachments)
	if err != nil {
		return nil, werr.New(werr.KindOther, "cache.chatMessageToRow", err)
	}

	row := &store.AggregatedMessage{
		MessageID:        cm.ID,
		MlsGroupID:       mlsGroupID,
		Author:           cm.Author,
		CreatedAt:        cm.CreatedAt,
		Kind:             cm.Kind,
		Content:          cm.Content,
		Tags:             string(tagsJSON),
		ContentTokens:    string(tokensJSON),
		Reactions:        string(reactionsJSON),
		MediaAttachments: string(mediaJSON),
	}
	if cm.ReplyToID != "" {
		row.ReplyToID = &cm.ReplyToID
	}
	return row, nil
}

// auditRow serializes a kind-7/5 event into its audit-trail row. The
// reply_to_id column holds the event's e-tag target so orphan resolution
// can find it by the id of the message it refers to.
func auditRow(msg aggregator.Message, mlsGroupID, targetID string) (*store.AggregatedMessage, error) {
	tagsJSON, err := json.Marshal(msg.Tags)
	if err != nil {
		return nil, werr.New(werr.KindOther, "cache.auditRow", err)
	}
	row := &store.AggregatedMessage{
		MessageID:        msg.ID,
		MlsGroupID:       mlsGroupID,
		Author:           msg.Author,
		CreatedAt:        msg.CreatedAt,
		Kind:             msg.Kind,
		Content:          msg.Content,
		Tags:             string(tagsJSON),
		ContentTokens:    "[]",
		Reactions:        "{}",
		MediaAttachments: "[]",
	}
	if targetID != "" {
		row.ReplyToID = &targetID
	}
	return row, nil
}

// rowToMessage deserializes any row back into the raw message shape the
// fold engine consumes.
func rowToMessage(row *store.AggregatedMessage) (aggregator.Message, error) {
	var tags nostrtypes.Tags
	if row.Tags != "" {
		if err := json.Unmarshal([]byte(row.Tags), &tags); err != nil {
			return aggregator.Message{}, werr.New(werr.KindOther, "cache.rowToMessage", err)
		}
	}
	return aggregator.Message{
		ID:        row.MessageID,
		Author:    row.Author,
		Content:   row.Content,
		CreatedAt: row.CreatedAt,
		Kind:      row.Kind,
		Tags:      tags,
	}, nil
}

// rowToChatMessage deserializes a kind-9 row into its materialized view.
// Deletion state is derived: a stamped deletion_event_id tombstones the
// message and blanks its content on the way out, so repeated deletions
// never mutate the stored row twice.
func rowToChatMessage(row *store.AggregatedMessage) (*aggregator.ChatMessage, error) {
	var tags nostrtypes.Tags
	if row.Tags != "" {
		if err := json.Unmarshal([]byte(row.Tags), &tags); err != nil {
			return nil, werr.New(werr.KindOther, "cache.rowToChatMessage", err)
		}
	}
	var tokens []aggregator.ContentToken
	if row.ContentTokens != "" {
		if err := json.Unmarshal([]byte(row.ContentTokens), &tokens); err != nil {
			return nil, werr.New(werr.KindOther, "cache.rowToChatMessage", err)
		}
	}
	reactions := aggregator.NewReactionSummary()
	if row.Reactions != "" && row.Reactions != "{}" {
		if err := json.Unmarshal([]byte(row.Reactions), &reactions); err != nil {
			return nil, werr.New(werr.KindOther, "cache.rowToChatMessage", err)
		}
		if reactions.ByEmoji == nil {
			reactions.ByEmoji = make(map[string]*aggregator.EmojiReaction)
		}
	}
	var media []*store.MediaFile
	if row.MediaAttachments != "" && row.MediaAttachments != "[]" {
		if err := json.Unmarshal([]byte(row.MediaAttachments), &media); err != nil {
			return nil, werr.New(werr.KindOther, "cache.rowToChatMessage", err)
		}
	}

	cm := &aggregator.ChatMessage{
		ID:               row.MessageID,
		Author:           row.Author,
		Content:          row.Content,
		CreatedAt:        row.CreatedAt,
		Tags:             tags,
		ContentTokens:    tokens,
		Reactions:        reactions,
		Kind:             row.Kind,
		MediaAttachments: media,
	}
	if row.ReplyToID != nil && *row.ReplyToID != "" {
		cm.IsReply = true
		cm.ReplyToID = *row.ReplyToID
	}
	if row.DeletionEventID != nil {
		cm.IsDeleted = true
		cm.Content = ""
		cm.ContentTokens = nil
	}
	return cm, nil
}
