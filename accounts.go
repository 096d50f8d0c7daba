// ABOUTME: Account lifecycle: login/registration variants and logout.

package whitenoise

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/whitenoise/core/internal/secrets"
	"github.com/whitenoise/core/internal/store"
	"github.com/whitenoise/core/internal/subscriptions"
	"github.com/whitenoise/core/internal/werr"
)

// CreateIdentity registers a new account with a locally stored private
// key and brings its subscriptions up.
func (w *Whitenoise) CreateIdentity(ctx context.Context) (*store.Account, error) {
	signer, err := secrets.GenerateLocal(w.secretsStore)
	if err != nil {
		return nil, err
	}
	return w.login(ctx, signer, store.SignerLocal)
}

// CreateEphemeralIdentity registers a throwaway account whose key lives
// only in process memory, used by tests and short-lived sessions.
func (w *Whitenoise) CreateEphemeralIdentity(ctx context.Context) (*store.Account, error) {
	signer, err := secrets.NewEphemeral()
	if err != nil {
		return nil, err
	}
	return w.login(ctx, signer, store.SignerEphemeral)
}

func (w *Whitenoise) login(ctx context.Context, signer secrets.Signer, kind store.SignerKind) (*store.Account, error) {
	pubkey, err := signer.GetPublicKey(ctx)
	if err != nil {
		return nil, err
	}

	user, _, err := w.store.FindOrCreateUser(ctx, pubkey)
	if err != nil {
		return nil, werr.New(werr.KindDatabase, "whitenoise.login", err)
	}
	acct, err := w.store.CreateAccount(ctx, &store.Account{
		Pubkey:     pubkey,
		UserID:     user.ID,
		SignerKind: kind,
	})
	if err != nil {
		return nil, werr.New(werr.KindDatabase, "whitenoise.login", err)
	}

	w.signers.Register(pubkey, signer)

	prefix := subscriptions.PubkeyHash(w.transport.SessionSalt(), pubkey)
	w.mu.Lock()
	w.accountsByPrefix[prefix] = acct
	w.mu.Unlock()

	if err := w.setupAccountSubscriptions(ctx, acct); err != nil {
		w.logger.Warn("account subscriptions incomplete", "account", pubkey, "error", err)
	}
	return acct, nil
}

// setupAccountSubscriptions opens the account's three subscriptions using
// whatever relay lists are known, falling back to the configured defaults.
func (w *Whitenoise) setupAccountSubscriptions(ctx context.Context, acct *store.Account) error {
	userRelays := w.relaysOrDefault(ctx, acct.Pubkey, store.RelayListGeneral)
	inboxRelays := w.relaysOrDefault(ctx, acct.Pubkey, store.RelayListInbox)
	groupRelays, groupIDs := w.groupSubscriptionTargets(ctx, acct)

	var since *nostr.Timestamp
	if acct.LastSyncedAt != nil {
		ts := nostr.Timestamp(acct.LastSyncedAt.Unix())
		since = &ts
	}

	// Subscriptions outlive the caller; bind them to the instance
	// lifetime, not the login call's context.
	return w.scheduler.SetupAccountSubscriptions(w.runCtx, acct.Pubkey, userRelays, inboxRelays, groupRelays, groupIDs, since)
}

func (w *Whitenoise) relaysOrDefault(ctx context.Context, pubkey string, kind store.RelayListKind) []string {
	relays, err := w.store.ListUserRelays(ctx, pubkey, kind)
	if err != nil || len(relays) == 0 {
		return w.cfg.Relays.Default
	}
	return relays
}

// groupSubscriptionTargets collects the relay set and nostr group ids of
// every group this account belongs to.
func (w *Whitenoise) groupSubscriptionTargets(ctx context.Context, acct *store.Account) ([]string, []string) {
	handles := w.groupHandlesFor(acct.Pubkey)
	var relays, ids []string
	seenRelay := make(map[string]bool)
	for _, h := range handles {
		ids = append(ids, h.MlsGroupID)
		rs, err := w.engine.GetRelays(ctx, h)
		if err != nil {
			continue
		}
		for _, r := range rs {
			if !seenRelay[r] {
				seenRelay[r] = true
				relays = append(relays, r)
			}
		}
	}
	if len(relays) == 0 && len(ids) > 0 {
		relays = w.cfg.Relays.Default
	}
	return relays, ids
}

// Logout tears down an account: subscriptions, cached signer, stored
// credential, and the account row (cascading to its dependents).
func (w *Whitenoise) Logout(ctx context.Context, pubkey string) error {
	acct, err := w.store.GetAccountByPubkey(ctx, pubkey)
	if err != nil {
		return errAccountNotFound(pubkey)
	}

	w.scheduler.TeardownAccountSubscriptions(pubkey)
	w.signers.Forget(pubkey)
	if err := w.secretsStore.DeletePrivateKey(pubkey); err != nil {
		w.logger.Warn("deleting stored key failed", "account", pubkey, "error", err)
	}

	prefix := subscriptions.PubkeyHash(w.transport.SessionSalt(), pubkey)
	w.mu.Lock()
	delete(w.accountsByPrefix, prefix)
	w.mu.Unlock()

	if err := w.store.DeleteAccount(ctx, acct.ID); err != nil {
		return werr.New(werr.KindDatabase, "whitenoise.Logout", err)
	}
	w.logger.Info("account logged out", "account", pubkey)
	return nil
}

// MarkSynced records the completion of a sync pass so the next login's
// subscriptions carry a since cursor.
func (w *Whitenoise) MarkSynced(ctx context.Context, pubkey string, at time.Time) error {
	acct, err := w.store.GetAccountByPubkey(ctx, pubkey)
	if err != nil {
		return errAccountNotFound(pubkey)
	}
	return w.store.UpdateAccountLastSynced(ctx, acct.ID, at)
}
