// ABOUTME: Flat typed-error taxonomy shared across the whitenoise core.
// ABOUTME: Handlers return these so the router can classify retry-vs-drop.

package werr

import "errors"

// Kind classifies an error for router-level retry decisions.
type Kind string

const (
	KindInitialization     Kind = "initialization"
	KindFilesystem         Kind = "filesystem"
	KindDatabase           Kind = "database"
	KindMigrate            Kind = "migrate"
	KindNostrClient        Kind = "nostr_client"
	KindNostrKey           Kind = "nostr_key"
	KindNostrURL           Kind = "nostr_url"
	KindNostrTag           Kind = "nostr_tag"
	KindInvalidEvent       Kind = "invalid_event"
	KindInvalidPublicKey   Kind = "invalid_public_key"
	KindMls                Kind = "mls"
	KindMlsNotInitialized  Kind = "mls_not_initialized"
	KindAccountNotFound    Kind = "account_not_found"
	KindAccountNotAuth     Kind = "account_not_authorized"
	KindGroupNotFound      Kind = "group_not_found"
	KindMembersNotInGroup  Kind = "members_not_in_group"
	KindSecretsStore       Kind = "secrets_store"
	KindNoRelayConnections Kind = "no_relay_connections"
	KindContactList        Kind = "contact_list"
	KindConfiguration      Kind = "configuration"
	KindLoggingSetup       Kind = "logging_setup"
	KindOther              Kind = "other"
)

// retryable holds, per Kind, whether the router should requeue the event
// on this error rather than drop it after logging.
var retryable = map[Kind]bool{
	KindFilesystem:         true,
	KindDatabase:           true,
	KindMigrate:            true,
	KindNostrClient:        true,
	KindMls:                true,
	KindNoRelayConnections: true,
	KindContactList:        true,
}

// Error is a typed, wrapped error carrying a Kind for router classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return e.Op + ": " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a typed error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Retryable reports whether an error of this kind should be requeued by the
// router rather than dropped after a single failed attempt.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return retryable[e.Kind]
	}
	return false
}

// KindOf extracts the Kind from a wrapped error, or KindOther if untyped.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// Sentinel errors for conditions the store/tracker surface directly.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyProcessed  = errors.New("event already processed")
	ErrSelfPublished     = errors.New("event was published by this process")
	ErrSemaphoreBusy     = errors.New("per-account contact-list lock busy")
	ErrNoRelayConnection = errors.New("no relay connections available")
)
