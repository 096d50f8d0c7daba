// ABOUTME: Group lifecycle and the outbound message path: create group,
// ABOUTME: send chat/reaction/deletion, fetch and sync the aggregated view.

package whitenoise

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/whitenoise/core/internal/aggregator"
	"github.com/whitenoise/core/internal/mls"
	"github.com/whitenoise/core/internal/nostrtypes"
	"github.com/whitenoise/core/internal/signals"
	"github.com/whitenoise/core/internal/store"
	"github.com/whitenoise/core/internal/werr"
)

// groupHandlesFor returns the handles of every group the account belongs
// to, as tracked by CreateGroup and accepted welcomes.
func (w *Whitenoise) groupHandlesFor(pubkey string) []mls.GroupHandle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]mls.GroupHandle(nil), w.groupsByAccount[pubkey]...)
}

func (w *Whitenoise) registerGroup(accountPubkey, groupID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.groupsByAccount == nil {
		w.groupsByAccount = make(map[string][]mls.GroupHandle)
	}
	for _, h := range w.groupsByAccount[accountPubkey] {
		if h.MlsGroupID == groupID {
			return
		}
	}
	w.groupsByAccount[accountPubkey] = append(w.groupsByAccount[accountPubkey],
		mls.GroupHandle{AccountPubkey: accountPubkey, MlsGroupID: groupID})
}

// watchWelcomes keeps the per-account group map current as welcomes are
// accepted, and re-opens the account's group-message subscription so the
// new group's events start flowing.
func (w *Whitenoise) watchWelcomes(ctx context.Context) {
	ch, _ := w.bus.Subscribe(ctx, signals.MlsWelcomeReceived)
	for payload := range ch {
		welcome, ok := payload.(signals.WelcomeReceived)
		if !ok {
			continue
		}
		w.registerGroup(welcome.AccountPubkey, welcome.MlsGroupID)

		acct, err := w.store.GetAccountByPubkey(ctx, welcome.AccountPubkey)
		if err != nil {
			continue
		}
		if err := w.setupAccountSubscriptions(ctx, acct); err != nil {
			w.logger.Warn("re-subscribing after welcome failed", "account", welcome.AccountPubkey, "error", err)
		}
	}
}

// CreateGroup creates a new MLS group with the given members and
// gift-wraps a welcome to each of them.
func (w *Whitenoise) CreateGroup(ctx context.Context, creatorPubkey string, memberPubkeys []string, cfg mls.GroupConfig) (*mls.CreatedGroup, error) {
	acct, err := w.store.GetAccountByPubkey(ctx, creatorPubkey)
	if err != nil {
		return nil, errAccountNotFound(creatorPubkey)
	}
	signer, err := w.signers.For(acct)
	if err != nil {
		return nil, err
	}

	created, err := w.engine.CreateGroup(ctx, creatorPubkey, memberPubkeys, cfg)
	if err != nil {
		return nil, err
	}

	if err := w.store.UpsertGroupInformation(ctx, &store.GroupInformation{
		MlsGroupID:   created.Handle.MlsGroupID,
		GroupType:    "group",
		DisplayName:  cfg.Name,
		Description:  cfg.Description,
		LastActivity: time.Now().UTC(),
	}); err != nil {
		return nil, werr.New(werr.KindDatabase, "whitenoise.CreateGroup", err)
	}

	w.registerGroup(creatorPubkey, created.Handle.MlsGroupID)

	for _, welcome := range created.Welcome {
		relays := w.relaysOrDefault(ctx, welcome.MemberPubkey, store.RelayListInbox)
		if len(relays) == 0 {
			w.logger.Warn("no inbox relays for invited member, welcome not published", "member", welcome.MemberPubkey)
			continue
		}
		if err := w.transport.PublishGiftWrapWithSigner(ctx, relays, welcome.Rumor, welcome.MemberPubkey, signer); err != nil {
			w.logger.Warn("publishing welcome failed", "member", welcome.MemberPubkey, "error", err)
		}
	}

	// The creator's group-message subscription must now cover the new
	// group id.
	if err := w.setupAccountSubscriptions(ctx, acct); err != nil {
		w.logger.Warn("re-subscribing after group creation failed", "account", creatorPubkey, "error", err)
	}

	return created, nil
}

// SendMessage sends a kind-9 chat message to a group. The message is
// recorded locally before any relay acknowledges it, so reads see it
// immediately.
func (w *Whitenoise) SendMessage(ctx context.Context, accountPubkey, groupID, content string, tags nostrtypes.Tags) (*aggregator.ChatMessage, error) {
	inner := nostrtypes.Event{
		Kind:      nostrtypes.KindChatMessage,
		Content:   content,
		CreatedAt: nostr.Now(),
		Tags:      tags,
	}
	return w.sendGroupEvent(ctx, accountPubkey, groupID, inner)
}

// SendReaction sends a kind-7 reaction targeting a message in a group.
func (w *Whitenoise) SendReaction(ctx context.Context, accountPubkey, groupID, targetID, targetAuthor, emoji string) error {
	inner := nostrtypes.Event{
		Kind:      nostrtypes.KindReaction,
		Content:   emoji,
		CreatedAt: nostr.Now(),
		Tags:      nostrtypes.Tags{{"e", targetID}, {"p", targetAuthor}},
	}
	_, err := w.sendGroupEvent(ctx, accountPubkey, groupID, inner)
	return err
}

// DeleteMessage sends a kind-5 deletion for one of the account's own
// events in a group.
func (w *Whitenoise) DeleteMessage(ctx context.Context, accountPubkey, groupID, targetID string) error {
	inner := nostrtypes.Event{
		Kind:      nostrtypes.KindDeletion,
		CreatedAt: nostr.Now(),
		Tags:      nostrtypes.Tags{{"e", targetID}},
	}
	_, err := w.sendGroupEvent(ctx, accountPubkey, groupID, inner)
	return err
}

func (w *Whitenoise) sendGroupEvent(ctx context.Context, accountPubkey, groupID string, inner nostrtypes.Event) (*aggregator.ChatMessage, error) {
	acct, err := w.store.GetAccountByPubkey(ctx, accountPubkey)
	if err != nil {
		return nil, errAccountNotFound(accountPubkey)
	}
	signer, err := w.signers.For(acct)
	if err != nil {
		return nil, err
	}
	if inner.Tags == nil {
		inner.Tags = nostrtypes.Tags{}
	}
	if err := signer.SignEvent(ctx, &inner); err != nil {
		return nil, werr.New(werr.KindNostrKey, "whitenoise.sendGroupEvent", err)
	}

	handle := mls.GroupHandle{AccountPubkey: accountPubkey, MlsGroupID: groupID}
	outbound, err := w.engine.CreateMessage(ctx, handle, inner)
	if err != nil {
		return nil, err
	}
	if err := signer.SignEvent(ctx, outbound); err != nil {
		return nil, werr.New(werr.KindNostrKey, "whitenoise.sendGroupEvent", err)
	}

	// Record the send before publishing so the relay echo of our own
	// event is recognized and dropped.
	if err := w.tracker.MarkPublished(ctx, outbound.ID, &acct.ID, outbound.Kind); err != nil {
		return nil, werr.New(werr.KindDatabase, "whitenoise.sendGroupEvent", err)
	}

	if relays, err := w.engine.GetRelays(ctx, handle); err == nil && len(relays) > 0 {
		if err := w.transport.PublishEventTo(ctx, relays, *outbound); err != nil {
			w.logger.Warn("publishing group message failed", "group", groupID, "error", err)
		}
	}

	cm, err := w.cache.ApplyMessage(ctx, groupID, aggregator.Message{
		ID:        inner.ID,
		Author:    inner.PubKey,
		Content:   inner.Content,
		CreatedAt: int64(inner.CreatedAt),
		Kind:      inner.Kind,
		Tags:      inner.Tags,
	})
	if err != nil {
		return nil, err
	}

	w.bus.Publish(signals.MlsMessageSent, signals.MessageSent{
		AccountPubkey: accountPubkey,
		MlsGroupID:    groupID,
		MessageID:     inner.ID,
	})
	return cm, nil
}

// FetchAggregatedMessagesForGroup is the single read path for the chat
// view: the group's messages with folded reactions, deletion tombstones,
// reply linkage, and bound media.
func (w *Whitenoise) FetchAggregatedMessagesForGroup(ctx context.Context, groupID string) ([]*aggregator.ChatMessage, error) {
	return w.cache.FetchAggregatedMessages(ctx, groupID)
}

// SyncGroupMessages reconciles the cache against the MLS store's full
// message history for a group; a no-op when the cache already holds every
// event.
func (w *Whitenoise) SyncGroupMessages(ctx context.Context, accountPubkey, groupID string) error {
	handle := mls.GroupHandle{AccountPubkey: accountPubkey, MlsGroupID: groupID}
	raw, err := w.engine.GetMessages(ctx, handle)
	if err != nil {
		return err
	}
	msgs := make([]aggregator.Message, 0, len(raw))
	for _, m := range raw {
		msgs = append(msgs, aggregator.Message{
			ID: m.ID, Author: m.Author, Content: m.Content,
			CreatedAt: m.CreatedAt, Kind: m.Kind, Tags: m.Tags,
		})
	}
	return w.cache.SyncGroup(ctx, groupID, msgs)
}

// LeaveGroup drops a group's aggregated state and membership tracking.
func (w *Whitenoise) LeaveGroup(ctx context.Context, accountPubkey, groupID string) error {
	if err := w.cache.DeleteGroup(ctx, groupID); err != nil {
		return err
	}
	w.mu.Lock()
	handles := w.groupsByAccount[accountPubkey]
	kept := handles[:0]
	for _, h := range handles {
		if h.MlsGroupID != groupID {
			kept = append(kept, h)
		}
	}
	w.groupsByAccount[accountPubkey] = kept
	w.mu.Unlock()
	return nil
}

// publishKeyPackage publishes a fresh MLS key package event for the
// account so future invites can consume one.
func (w *Whitenoise) publishKeyPackage(ctx context.Context, account *store.Account, relays []string) error {
	signer, err := w.signers.For(account)
	if err != nil {
		return err
	}
	evt := nostrtypes.Event{
		Kind:      nostrtypes.KindMlsKeyPackage,
		CreatedAt: nostr.Now(),
	}
	_, err = w.transport.PublishEventBuilderWithSigner(ctx, relays, evt, signer,
		func(ctx context.Context, eventID string) error {
			return w.tracker.MarkPublished(ctx, eventID, &account.ID, nostrtypes.KindMlsKeyPackage)
		})
	return err
}
