// ABOUTME: Types produced by the message aggregator's stateless fold.
// ABOUTME: Ported from message_aggregator/types.rs, kept wire-compatible in spirit.

package aggregator

import (
	"github.com/whitenoise/core/internal/nostrtypes"
	"github.com/whitenoise/core/internal/store"
)

// Message is the minimal shape the aggregator needs from a decrypted MLS
// message (kind 9, 7, or 5); the MLS facade hands these to the aggregator
// after process_message unwraps the Nostr event inside the group.
type Message struct {
	ID        string
	Author    string
	Content   string
	CreatedAt int64
	Kind      int
	Tags      nostrtypes.Tags
}

// ContentToken is a parsed piece of message content (plain text, mention,
// hashtag, url, ...). The core does not ship a full markdown/entity parser;
// a single Text token carrying the whole content is the stdlib-only
// fallback, documented in DESIGN.md.
type ContentToken struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// UserReaction is one user's reaction to a message.
type UserReaction struct {
	User      string `json:"user"`
	Emoji     string `json:"emoji"`
	CreatedAt int64  `json:"created_at"`
}

// EmojiReaction is the per-emoji bucket of a ReactionSummary.
type EmojiReaction struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// ReactionSummary is the folded reaction state attached to a ChatMessage.
type ReactionSummary struct {
	ByEmoji       map[string]*EmojiReaction `json:"by_emoji"`
	UserReactions []UserReaction            `json:"user_reactions"`
}

// NewReactionSummary returns an empty, ready-to-use summary.
func NewReactionSummary() ReactionSummary {
	return ReactionSummary{ByEmoji: make(map[string]*EmojiReaction)}
}

// ChatMessage is the fully materialized view of a kind-9 event.
type ChatMessage struct {
	ID               string
	Author           string
	Content          string
	CreatedAt        int64
	Tags             nostrtypes.Tags
	IsReply          bool
	ReplyToID        string
	IsDeleted        bool
	ContentTokens    []ContentToken
	Reactions        ReactionSummary
	Kind             int
	MediaAttachments []*store.MediaFile
}

// Config holds the aggregator's tuning knobs.
type Config struct {
	NormalizeEmoji     bool
	EnableDebugLogging bool
}

// DefaultConfig matches the original client's shipped defaults.
func DefaultConfig() Config {
	return Config{NormalizeEmoji: true, EnableDebugLogging: false}
}
