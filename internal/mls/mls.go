// ABOUTME: MLS facade interface: the group-keying engine is an external,
// ABOUTME: consumed collaborator; this package only wraps it.

package mls

import (
	"context"

	"github.com/whitenoise/core/internal/nostrtypes"
)

// GroupHandle is an opaque reference to an MLS group bound to one account.
// It deliberately carries no key material so the facade boundary cannot
// leak cryptographic state into the rest of the pipeline.
type GroupHandle struct {
	AccountPubkey string
	MlsGroupID    string
}

// GroupConfig configures a newly created group.
type GroupConfig struct {
	Name        string
	Description string
}

// CreatedGroup is the result of creating a group: the new handle plus the
// welcome rumors to gift-wrap and publish to each invited member.
type CreatedGroup struct {
	Handle  GroupHandle
	Welcome []WelcomeRumor
}

// WelcomeRumor is an unsigned rumor event (kind MlsWelcome) destined for one
// invited member, to be gift-wrapped by the transport layer.
type WelcomeRumor struct {
	MemberPubkey string
	Rumor        nostrtypes.Event
}

// AcceptedWelcome is the result of installing a welcome: the resulting group
// handle and the relay set the group uses.
type AcceptedWelcome struct {
	Handle GroupHandle
	Relays []string
}

// Message is a decrypted application message extracted from a group-message
// event: kind 9 (chat), 7 (reaction), or 5 (deletion).
type Message struct {
	ID        string
	Author    string
	Content   string
	CreatedAt int64
	Kind      int
	Tags      nostrtypes.Tags
}

// ProcessResult is what process_message yields: either a chat-bearing
// Message, or a protocol-only outcome (commit/proposal) applied to group
// state with no chat record produced.
type ProcessResult struct {
	Message    *Message
	GroupState bool
}

// Facade is the boundary the rest of the core programs against; a real
// implementation wraps the actual MLS engine, one session per account
// storage directory. Engine (engine.go) is the in-memory reference
// implementation, used for tests and as a template for a production engine.
type Facade interface {
	// CreateGroup creates a new group with the given members and returns
	// the resulting handle plus one welcome rumor per invited member.
	CreateGroup(ctx context.Context, creator string, members []string, cfg GroupConfig) (*CreatedGroup, error)

	// AcceptWelcome installs a group from a received welcome rumor.
	AcceptWelcome(ctx context.Context, accountPubkey, eventID string, rumor nostrtypes.Event) (*AcceptedWelcome, error)

	// CreateMessage encrypts inner for the group and returns the outbound
	// event to publish. The resulting message is recorded locally so
	// subsequent reads see it without waiting on a relay round-trip.
	CreateMessage(ctx context.Context, handle GroupHandle, inner nostrtypes.Event) (*nostrtypes.Event, error)

	// ProcessMessage decrypts an inbound group-message event (kind 445
	// family). The result may carry a chat-bearing Message or be a
	// protocol-only state update.
	ProcessMessage(ctx context.Context, accountPubkey string, evt nostrtypes.Event) (*ProcessResult, error)

	// GetMessages returns the full, time-ordered raw message stream for a
	// group, used for bulk cache rebuilds.
	GetMessages(ctx context.Context, handle GroupHandle) ([]Message, error)

	// GetRelays returns the relay set a group publishes/subscribes on.
	GetRelays(ctx context.Context, handle GroupHandle) ([]string, error)
}
