// ABOUTME: Domain types and the Store interface for the whitenoise core.
// ABOUTME: SQLiteStore in sqlite.go is the only implementation.

package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors, flat package-level values classified with errors.Is at
// call sites.
var (
	ErrNotFound      = errors.New("not found")
	ErrStaleContacts = errors.New("contact list older than newest known")
)

// SignerKind identifies which signer variant backs an Account's credential.
type SignerKind string

const (
	SignerEphemeral SignerKind = "ephemeral"
	SignerLocal     SignerKind = "local"
	SignerExternal  SignerKind = "external"
)

// Account is a locally logged-in identity.
type Account struct {
	ID           int64
	Pubkey       string // 32-byte pubkey, hex-encoded
	UserID       int64
	SignerKind   SignerKind
	LastSyncedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UserMetadata is the parsed content of a kind-0 metadata event.
type UserMetadata struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	About       string `json:"about,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Nip05       string `json:"nip05,omitempty"`
	Website     string `json:"website,omitempty"`
}

// User is any known Nostr pubkey, self or remote.
type User struct {
	ID        int64
	Pubkey    string
	Metadata  UserMetadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Follow is a directed edge account -> followed pubkey.
type Follow struct {
	AccountID      int64
	FollowedPubkey string
}

// RelayStatus is a connection-status snapshot for a Relay row.
type RelayStatus string

const (
	RelayStatusUnknown   RelayStatus = "unknown"
	RelayStatusConnected RelayStatus = "connected"
	RelayStatusFailed    RelayStatus = "failed"
)

// Relay is a canonicalized relay websocket URL.
type Relay struct {
	ID     int64
	URL    string
	Status RelayStatus
}

// RelayListKind distinguishes the three relay-list kinds that share the
// user/relay edge table.
type RelayListKind string

const (
	RelayListGeneral RelayListKind = "general"  // kind 10002
	RelayListInbox   RelayListKind = "inbox"    // kind 10050
	RelayListKeyPkg  RelayListKind = "keypkg"   // kind 10051
)

// ProcessedEvent records that an event was handled, globally or for a
// specific account, so it is never re-applied.
type ProcessedEvent struct {
	EventID     string
	AccountID   *int64
	EventKind   int
	ProcessedAt time.Time
}

// PublishedEvent records an event this process emitted so its relay echo is
// recognized and dropped rather than reprocessed.
type PublishedEvent struct {
	EventID     string
	AccountID   *int64
	Kind        int
	PublishedAt time.Time
}

// GroupInformation is a per-mls_group_id row.
type GroupInformation struct {
	MlsGroupID   string
	GroupType    string
	DisplayName  string
	Description  string
	LastActivity time.Time
}

// MediaType enumerates the kinds of media a MediaFile row can represent.
type MediaType string

const (
	MediaTypeChatMedia MediaType = "chat_media"
)

// MediaFile is a media attachment bound to a group/account with a dual hash
// model: EncryptedFileHash identifies the Blossom ciphertext blob,
// OriginalFileHash is the plaintext hash published in a message's imeta
// tag and is the linkage key used when aggregating messages.
type MediaFile struct {
	MlsGroupID        string
	AccountPubkey     string
	FilePath          string
	EncryptedFileHash string
	OriginalFileHash  *string
	BlossomURL        *string
	NostrKey          *string
	MimeType          string
	MediaType         MediaType
	FileMetadata      string // opaque JSON blob
	CreatedAt         time.Time
}

// AggregatedMessage is a row in the write-through aggregated-message cache.
// Kind-9 rows carry the fully materialized chat view; kind-7/5 rows are
// audit records used to derive reaction/deletion state on kind-9 rows.
type AggregatedMessage struct {
	MessageID         string
	MlsGroupID        string
	Author            string
	CreatedAt         int64
	Kind              int
	Content           string
	Tags              string // JSON-encoded tag array
	ReplyToID         *string
	DeletionEventID   *string
	ContentTokens     string // JSON-encoded token list
	Reactions         string // JSON-encoded ReactionSummary
	MediaAttachments  string // JSON-encoded []MediaFile
}

// Store is the persistence boundary every handler/component depends on.
type Store interface {
	Close() error
	Wipe(ctx context.Context) error

	// Accounts
	CreateAccount(ctx context.Context, a *Account) (*Account, error)
	GetAccountByPubkey(ctx context.Context, pubkey string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	UpdateAccountLastSynced(ctx context.Context, accountID int64, t time.Time) error
	DeleteAccount(ctx context.Context, accountID int64) error

	// Users
	FindOrCreateUser(ctx context.Context, pubkey string) (*User, bool, error)
	UpdateUserMetadata(ctx context.Context, pubkey string, meta UserMetadata, eventCreatedAt time.Time) (bool, error)
	GetUser(ctx context.Context, pubkey string) (*User, error)

	// Follows
	ReplaceFollows(ctx context.Context, accountID int64, pubkeys []string) (created []string, err error)
	ListFollows(ctx context.Context, accountID int64) ([]string, error)

	// Relays
	FindOrCreateRelay(ctx context.Context, url string) (*Relay, error)
	ReplaceUserRelays(ctx context.Context, pubkey string, kind RelayListKind, urls []string) error
	ListUserRelays(ctx context.Context, pubkey string, kind RelayListKind) ([]string, error)

	// Processed / published events
	MarkProcessed(ctx context.Context, eventID string, accountID *int64, kind int) error
	IsProcessed(ctx context.Context, eventID string, accountID *int64) (bool, error)
	MarkPublished(ctx context.Context, eventID string, accountID *int64, kind int) error
	IsPublished(ctx context.Context, eventID string, accountID *int64) (bool, error)

	// Contact-list monotonicity gate
	NewestContactListTimestamp(ctx context.Context, accountID int64) (int64, bool, error)
	RecordContactListTimestamp(ctx context.Context, accountID int64, createdAt int64) error

	// Group information
	UpsertGroupInformation(ctx context.Context, g *GroupInformation) error
	GetGroupInformation(ctx context.Context, mlsGroupID string) (*GroupInformation, error)

	// Media files
	InsertMediaFile(ctx context.Context, m *MediaFile) error
	MediaFilesByOriginalHash(ctx context.Context, mlsGroupID string, hashes []string) ([]*MediaFile, error)

	// Aggregated messages
	CountByGroup(ctx context.Context, mlsGroupID string) (int, error)
	AllEventIDsByGroup(ctx context.Context, mlsGroupID string) (map[string]bool, error)
	FindMessagesByGroup(ctx context.Context, mlsGroupID string) ([]*AggregatedMessage, error)
	SaveEvents(ctx context.Context, events []*AggregatedMessage) error
	InsertMessage(ctx context.Context, m *AggregatedMessage) error
	InsertAuditRow(ctx context.Context, m *AggregatedMessage) error
	UpdateReactions(ctx context.Context, messageID, mlsGroupID, reactionsJSON string) error
	MarkDeleted(ctx context.Context, messageID, mlsGroupID, deletionEventID string) error
	GetAggregatedMessage(ctx context.Context, messageID, mlsGroupID string) (*AggregatedMessage, error)
	ReactionsTargeting(ctx context.Context, messageID, mlsGroupID string) ([]*AggregatedMessage, error)
	FindOrphanedReactions(ctx context.Context, messageID, mlsGroupID string) ([]*AggregatedMessage, error)
	FindOrphanedDeletions(ctx context.Context, messageID, mlsGroupID string) ([]*AggregatedMessage, error)
	DeleteByGroup(ctx context.Context, mlsGroupID string) error
}
