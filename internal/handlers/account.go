// ABOUTME: Account-scoped event handlers: giftwrap unwrapping, contact-list
// ABOUTME: replacement, and MLS group-message decryption.

package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr/nip59"

	"github.com/whitenoise/core/internal/aggregator"
	"github.com/whitenoise/core/internal/cache"
	"github.com/whitenoise/core/internal/mls"
	"github.com/whitenoise/core/internal/nostrtypes"
	"github.com/whitenoise/core/internal/secrets"
	"github.com/whitenoise/core/internal/signals"
	"github.com/whitenoise/core/internal/store"
	"github.com/whitenoise/core/internal/timeutil"
	"github.com/whitenoise/core/internal/werr"
)

func errUnhandledKind(kind int) error {
	return fmt.Errorf("unhandled event kind %d", kind)
}

// KeyPackageRotator replaces a consumed MLS key package: delete the used
// one from the key-package relays and publish a fresh one. Optional; nil
// skips rotation (tests, read-only deployments).
type KeyPackageRotator interface {
	Rotate(ctx context.Context, account *store.Account) error
}

// Account handles events scoped to one logged-in account. Contact-list
// processing is serialized per account: the handler replaces the follow
// set wholesale, so two concurrent contact lists for the same account
// would race.
type Account struct {
	store   store.Store
	signers *secrets.Resolver
	mls     mls.Facade
	cache   *cache.Cache
	bus     *signals.Bus
	keypkg  KeyPackageRotator
	logger  *slog.Logger

	// OnNewUsers, if set, is invoked with the pubkeys of users first seen
	// in a contact list, so their metadata/relay lists can be fetched in
	// the background.
	OnNewUsers func(pubkeys []string)

	mu         sync.Mutex
	semaphores map[string]chan struct{}
}

// NewAccount builds the account handler set. keypkg may be nil; pass nil
// for the default logger.
func NewAccount(st store.Store, signers *secrets.Resolver, facade mls.Facade, c *cache.Cache, bus *signals.Bus, keypkg KeyPackageRotator, logger *slog.Logger) *Account {
	if logger == nil {
		logger = slog.Default()
	}
	return &Account{
		store:      st,
		signers:    signers,
		mls:        facade,
		cache:      c,
		bus:        bus,
		keypkg:     keypkg,
		logger:     logger.With("component", "whitenoise.handlers.account"),
		semaphores: make(map[string]chan struct{}),
	}
}

// semaphore returns the capacity-1 guard for a pubkey, materializing it on
// first use. Entries live for the life of the process.
func (a *Account) semaphore(pubkey string) chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	sem, ok := a.semaphores[pubkey]
	if !ok {
		sem = make(chan struct{}, 1)
		a.semaphores[pubkey] = sem
	}
	return sem
}

// HandleGiftwrap unwraps a kind-1059 event addressed to the account and
// routes the inner rumor: MLS welcomes install the group and trigger key
// package rotation, private DMs are a logged hook point, everything else
// is dropped.
func (a *Account) HandleGiftwrap(ctx context.Context, account *store.Account, evt *nostrtypes.Event) error {
	// Defensive check against mis-routed subscriptions: the p tag must
	// name this account.
	if !containsString(nostrtypes.PTags(evt), account.Pubkey) {
		return werr.New(werr.KindInvalidEvent, "handlers.HandleGiftwrap",
			fmt.Errorf("giftwrap %s is not addressed to account %s", evt.ID, account.Pubkey))
	}

	signer, err := a.signers.For(account)
	if err != nil {
		return err
	}

	rumor, err := nip59.GiftUnwrap(*evt, func(otherPubkey, ciphertext string) (string, error) {
		return signer.Decrypt(ctx, ciphertext, otherPubkey)
	})
	if err != nil {
		return werr.New(werr.KindNostrKey, "handlers.HandleGiftwrap", err)
	}

	switch rumor.Kind {
	case nostrtypes.KindMlsWelcome:
		return a.processWelcome(ctx, account, evt.ID, rumor)
	case nostrtypes.KindPrivateDM:
		a.logger.Info("received private direct message rumor", "account", account.Pubkey, "from", rumor.PubKey)
		return nil
	default:
		a.logger.Debug("dropping giftwrapped rumor of unhandled kind", "kind", rumor.Kind, "event_id", evt.ID)
		return nil
	}
}

func (a *Account) processWelcome(ctx context.Context, account *store.Account, eventID string, rumor nostrtypes.Event) error {
	accepted, err := a.mls.AcceptWelcome(ctx, account.Pubkey, eventID, rumor)
	if err != nil {
		return err
	}

	info, err := a.store.GetGroupInformation(ctx, accepted.Handle.MlsGroupID)
	if err == store.ErrNotFound {
		info = &store.GroupInformation{MlsGroupID: accepted.Handle.MlsGroupID, GroupType: "group"}
	} else if err != nil {
		return werr.New(werr.KindDatabase, "handlers.processWelcome", err)
	}
	info.LastActivity = time.Now().UTC()
	if err := a.store.UpsertGroupInformation(ctx, info); err != nil {
		return werr.New(werr.KindDatabase, "handlers.processWelcome", err)
	}

	a.bus.Publish(signals.MlsWelcomeReceived, signals.WelcomeReceived{
		AccountPubkey: account.Pubkey,
		EventID:       eventID,
		MlsGroupID:    accepted.Handle.MlsGroupID,
	})

	// The welcome consumed one of the account's published key packages;
	// replace it so future invites still find one.
	if a.keypkg != nil {
		if err := a.keypkg.Rotate(ctx, account); err != nil {
			a.logger.Warn("key package rotation failed", "account", account.Pubkey, "error", err)
		}
	}
	return nil
}

// HandleContactList replaces the account's follow set with the event's p
// tags, gated on the newest contact-list timestamp seen so far and
// serialized per account.
func (a *Account) HandleContactList(ctx context.Context, account *store.Account, evt *nostrtypes.Event) error {
	sem := a.semaphore(account.Pubkey)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return werr.New(werr.KindContactList, "handlers.HandleContactList", ctx.Err())
	}
	defer func() { <-sem }()

	newest, known, err := a.store.NewestContactListTimestamp(ctx, account.ID)
	if err != nil {
		return werr.New(werr.KindDatabase, "handlers.HandleContactList", err)
	}
	if known && int64(evt.CreatedAt) < newest {
		a.logger.Debug("dropping stale contact list", "account", account.Pubkey, "event_created_at", evt.CreatedAt, "newest", newest)
		return nil
	}

	follows := nostrtypes.PTags(evt)
	created, err := a.store.ReplaceFollows(ctx, account.ID, follows)
	if err != nil {
		return werr.New(werr.KindDatabase, "handlers.HandleContactList", err)
	}
	if err := a.store.RecordContactListTimestamp(ctx, account.ID, int64(evt.CreatedAt)); err != nil {
		return werr.New(werr.KindDatabase, "handlers.HandleContactList", err)
	}

	if len(created) > 0 && a.OnNewUsers != nil {
		a.OnNewUsers(created)
	}
	return nil
}

// HandleGroupMessage hands a kind-445 event to the MLS facade. A decrypted
// chat/reaction/deletion record is folded into the aggregated-message
// cache; protocol-only results (commit/proposal) just update group state.
func (a *Account) HandleGroupMessage(ctx context.Context, account *store.Account, evt *nostrtypes.Event) error {
	result, err := a.mls.ProcessMessage(ctx, account.Pubkey, *evt)
	if err != nil {
		return err
	}
	if result.Message == nil {
		return nil
	}

	groupID := nostrtypes.HTag(evt)
	if groupID == "" {
		return werr.New(werr.KindNostrTag, "handlers.HandleGroupMessage",
			fmt.Errorf("group message %s carries no h tag", evt.ID))
	}

	if err := a.touchGroup(ctx, groupID, result.Message.CreatedAt); err != nil {
		return err
	}

	msg := aggregator.Message{
		ID:        result.Message.ID,
		Author:    result.Message.Author,
		Content:   result.Message.Content,
		CreatedAt: timeutil.Normalize(result.Message.CreatedAt, time.Now()),
		Kind:      result.Message.Kind,
		Tags:      result.Message.Tags,
	}
	cm, err := a.cache.ApplyMessage(ctx, groupID, msg)
	if err != nil {
		return err
	}

	if cm != nil {
		a.bus.Publish(signals.MlsMessageReceived, signals.MessageReceived{
			AccountPubkey: account.Pubkey,
			MlsGroupID:    groupID,
			MessageID:     cm.ID,
		})
	}
	return nil
}

// touchGroup ensures the group-information row exists and advances its
// last-activity timestamp without clobbering name/description.
func (a *Account) touchGroup(ctx context.Context, groupID string, createdAt int64) error {
	existing, err := a.store.GetGroupInformation(ctx, groupID)
	if err == store.ErrNotFound {
		existing = &store.GroupInformation{MlsGroupID: groupID, GroupType: "group"}
	} else if err != nil {
		return werr.New(werr.KindDatabase, "handlers.touchGroup", err)
	}

	at := time.Unix(createdAt, 0).UTC()
	if at.After(existing.LastActivity) {
		existing.LastActivity = at
	}
	if err := a.store.UpsertGroupInformation(ctx, existing); err != nil {
		return werr.New(werr.KindDatabase, "handlers.touchGroup", err)
	}
	return nil
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
