// ABOUTME: Stateless two-pass fold of a group's message stream into ChatMessages.
// ABOUTME: Direct port of message_aggregator/processor.rs, generalized to Go.

package aggregator

import (
	"log/slog"
	"sort"

	"github.com/whitenoise/core/internal/nostrtypes"
	"github.com/whitenoise/core/internal/store"
)

// mediaLookup maps a plaintext (original) media hash to the stored
// MediaFile row; the plaintext hash is the linkage key, never the
// Blossom-side ciphertext hash.
type mediaLookup map[string]*store.MediaFile

// BuildMediaLookup indexes a slice of MediaFile rows by OriginalFileHash,
// skipping rows that have not (yet) recorded a plaintext hash.
func BuildMediaLookup(files []*store.MediaFile) mediaLookup {
	m := make(mediaLookup, len(files))
	for _, f := range files {
		if f.OriginalFileHash != nil && *f.OriginalFileHash != "" {
			m[*f.OriginalFileHash] = f
		}
	}
	return m
}

// ProcessMessages folds a chronologically-unordered stream of raw messages
// for one group into materialized ChatMessages. Messages are sorted by
// created_at before folding; orphaned reactions/deletions (whose target
// hasn't appeared yet) are retried once in a second pass, then dropped.
func ProcessMessages(messages []Message, media mediaLookup, cfg Config) []ChatMessage {
	logger := slog.Default().With("component", "whitenoise.aggregator")

	if len(messages) == 0 {
		return nil
	}

	sorted := make([]Message, len(messages))
	copy(sorted, messages)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt < sorted[j].CreatedAt
	})

	processed := make(map[string]*ChatMessage)
	var orphaned []Message

	for _, m := range sorted {
		switch m.Kind {
		case nostrtypes.KindChatMessage:
			cm := processRegularMessage(m, media)
			processed[m.ID] = &cm
		case nostrtypes.KindReaction:
			if !applyReaction(m, processed, cfg) {
				orphaned = append(orphaned, m)
			}
		case nostrtypes.KindDeletion:
			if !applyDeletion(m, processed) {
				orphaned = append(orphaned, m)
			}
		default:
			continue
		}
	}

	if cfg.EnableDebugLogging {
		logger.Debug("pass 1 complete", "processed", len(processed), "orphaned", len(orphaned))
	}

	for _, m := range orphaned {
		switch m.Kind {
		case nostrtypes.KindReaction:
			if !applyReaction(m, processed, cfg) && cfg.EnableDebugLogging {
				logger.Warn("reaction references non-existent message, ignoring", "event_id", m.ID)
			}
		case nostrtypes.KindDeletion:
			if !applyDeletion(m, processed) && cfg.EnableDebugLogging {
				logger.Warn("deletion references non-existent message, ignoring", "event_id", m.ID)
			}
		}
	}

	result := make([]ChatMessage, 0, len(processed))
	for _, cm := range processed {
		result = append(result, *cm)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt < result[j].CreatedAt
		}
		return result[i].ID < result[j].ID
	})

	if cfg.EnableDebugLogging {
		logger.Debug("returning aggregated messages", "count", len(result))
	}
	return result
}

// ProcessSingleMessage folds one freshly-decrypted kind-9 message into a
// ChatMessage, for the real-time ingestion path (router -> cache, no
// reaction/deletion folding -- those arrive as their own later events).
func ProcessSingleMessage(m Message, media mediaLookup) ChatMessage {
	return processRegularMessage(m, media)
}

func processRegularMessage(m Message, media mediaLookup) ChatMessage {
	replyToID := nostrtypes.LastETag(&nostrtypes.Event{Tags: m.Tags})
	return ChatMessage{
		ID:               m.ID,
		Author:           m.Author,
		Content:          m.Content,
		CreatedAt:        m.CreatedAt,
		Tags:             m.Tags,
		IsReply:          replyToID != "",
		ReplyToID:        replyToID,
		IsDeleted:        false,
		ContentTokens:    parseContentTokens(m.Content),
		Reactions:        NewReactionSummary(),
		Kind:             m.Kind,
		MediaAttachments: extractMediaAttachments(m.Tags, media),
	}
}

// parseContentTokens is the stdlib-only fallback tokenizer: no
// mention/hashtag/URL entity parser appears anywhere in the retrieval pack,
// so the whole content is carried as one Text token (see DESIGN.md).
func parseContentTokens(content string) []ContentToken {
	if content == "" {
		return nil
	}
	return []ContentToken{{Kind: "text", Value: content}}
}

func extractMediaAttachments(tags nostrtypes.Tags, media mediaLookup) []*store.MediaFile {
	if len(media) == 0 {
		return nil
	}
	var out []*store.MediaFile
	for _, t := range tags {
		hash, ok := nostrtypes.ImetaHash(t)
		if !ok {
			continue
		}
		if mf, ok := media[hash]; ok {
			out = append(out, mf)
		}
	}
	return out
}

// applyReaction folds a kind-7 event into its target's ReactionSummary.
// Returns false if the target message hasn't been processed yet (orphan) or
// the reaction fails validation (missing e/p tag, empty content).
func applyReaction(m Message, processed map[string]*ChatMessage, cfg Config) bool {
	targetID := nostrtypes.LastETag(&nostrtypes.Event{Tags: m.Tags})
	if targetID == "" {
		return false
	}
	target, ok := processed[targetID]
	if !ok {
		return false
	}
	ptags := nostrtypes.PTags(&nostrtypes.Event{Tags: m.Tags})
	if !containsString(ptags, target.Author) {
		return false
	}
	if m.Content == "" {
		return false
	}

	display := m.Content
	bucketKey := display
	if cfg.NormalizeEmoji {
		bucketKey = NormalizeEmoji(display)
	}

	if target.Reactions.ByEmoji == nil {
		target.Reactions.ByEmoji = make(map[string]*EmojiReaction)
	}
	bucket, ok := target.Reactions.ByEmoji[bucketKey]
	if !ok {
		bucket = &EmojiReaction{Emoji: display}
		target.Reactions.ByEmoji[bucketKey] = bucket
	}
	if !containsString(bucket.Users, m.Author) {
		bucket.Users = append(bucket.Users, m.Author)
		bucket.Count++
	}
	target.Reactions.UserReactions = append(target.Reactions.UserReactions, UserReaction{
		User:      m.Author,
		Emoji:     display,
		CreatedAt: m.CreatedAt,
	})
	return true
}

// applyDeletion folds a kind-5 event: every e-tagged target that has been
// processed so far is tombstoned. Returns true if at least one target was
// found, matching try_process_deletion's "any_processed" semantics.
func applyDeletion(m Message, processed map[string]*ChatMessage) bool {
	targets := nostrtypes.ETags(&nostrtypes.Event{Tags: m.Tags})
	any := false
	for _, id := range targets {
		if cm, ok := processed[id]; ok {
			cm.IsDeleted = true
			cm.Content = ""
			cm.ContentTokens = nil
			any = true
		}
	}
	return any
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
