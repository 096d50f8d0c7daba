// ABOUTME: Global event handlers: metadata and relay-list ingestion for any
// ABOUTME: observed pubkey, fed by the batched global subscriptions.

package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/whitenoise/core/internal/nostrtypes"
	"github.com/whitenoise/core/internal/store"
	"github.com/whitenoise/core/internal/werr"
)

// UserRefresher rebuilds the batched global subscriptions covering one
// user, called when that user's own relay list changes.
type UserRefresher interface {
	RefreshUser(ctx context.Context, pubkey string)
}

// Global handles events from the batched global subscriptions. Everything
// here is keyed by the event's author pubkey, never by a local account.
type Global struct {
	store     store.Store
	refresher UserRefresher
	logger    *slog.Logger
}

// NewGlobal builds the global handler set. refresher may be nil when
// subscription refresh is not wired (tests). Pass nil for the default
// logger.
func NewGlobal(st store.Store, refresher UserRefresher, logger *slog.Logger) *Global {
	if logger == nil {
		logger = slog.Default()
	}
	return &Global{
		store:     st,
		refresher: refresher,
		logger:    logger.With("component", "whitenoise.handlers.global"),
	}
}

// HandleMetadata ingests a kind-0 event: find-or-create the user, then
// overwrite its metadata if the event is strictly newer than the stored
// row.
func (g *Global) HandleMetadata(ctx context.Context, evt *nostrtypes.Event) error {
	var meta store.UserMetadata
	if err := json.Unmarshal([]byte(evt.Content), &meta); err != nil {
		return werr.New(werr.KindInvalidEvent, "handlers.HandleMetadata", err)
	}

	if _, _, err := g.store.FindOrCreateUser(ctx, evt.PubKey); err != nil {
		return werr.New(werr.KindDatabase, "handlers.HandleMetadata", err)
	}

	updated, err := g.store.UpdateUserMetadata(ctx, evt.PubKey, meta, time.Unix(int64(evt.CreatedAt), 0))
	if err != nil {
		return werr.New(werr.KindDatabase, "handlers.HandleMetadata", err)
	}
	if !updated {
		g.logger.Debug("metadata event older than stored row, ignored", "pubkey", evt.PubKey, "event_id", evt.ID)
	}
	return nil
}

// relayListKind maps a relay-list event kind onto the edge type it
// replaces.
func relayListKind(kind int) (store.RelayListKind, bool) {
	switch kind {
	case nostrtypes.KindRelayList:
		return store.RelayListGeneral, true
	case nostrtypes.KindInboxRelays:
		return store.RelayListInbox, true
	case nostrtypes.KindMlsKeyPackageRelay:
		return store.RelayListKeyPkg, true
	default:
		return "", false
	}
}

// HandleRelayList ingests kinds 10002/10050/10051: extract relay URLs via
// the kind-specific tag convention, create missing Relay rows, and replace
// the (user, relay-type) edges. When the list belongs to a local account,
// the user's batched global subscriptions are refreshed so the new relays
// take effect.
func (g *Global) HandleRelayList(ctx context.Context, evt *nostrtypes.Event) error {
	listKind, ok := relayListKind(evt.Kind)
	if !ok {
		return werr.New(werr.KindInvalidEvent, "handlers.HandleRelayList", errUnhandledKind(evt.Kind))
	}

	urls := nostrtypes.RelayURLTags(evt)

	if _, _, err := g.store.FindOrCreateUser(ctx, evt.PubKey); err != nil {
		return werr.New(werr.KindDatabase, "handlers.HandleRelayList", err)
	}
	for _, u := range urls {
		if _, err := g.store.FindOrCreateRelay(ctx, u); err != nil {
			return werr.New(werr.KindDatabase, "handlers.HandleRelayList", err)
		}
	}
	if err := g.store.ReplaceUserRelays(ctx, evt.PubKey, listKind, urls); err != nil {
		return werr.New(werr.KindDatabase, "handlers.HandleRelayList", err)
	}

	if g.refresher != nil {
		if _, err := g.store.GetAccountByPubkey(ctx, evt.PubKey); err == nil {
			g.refresher.RefreshUser(ctx, evt.PubKey)
		}
	}
	return nil
}
