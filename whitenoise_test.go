package whitenoise

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip59"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whitenoise/core/internal/mls"
	"github.com/whitenoise/core/internal/nostrtypes"
	"github.com/whitenoise/core/internal/store"
	"github.com/whitenoise/core/internal/subscriptions"
)

func newCore(t *testing.T) *Whitenoise {
	t.Helper()
	w, err := Initialize(t.TempDir(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func (w *Whitenoise) subPrefix(pubkey string) string {
	return subscriptions.PubkeyHash(w.transport.SessionSalt(), pubkey)
}

// deliverWelcome gift-wraps a welcome rumor from sender to the receiving
// account and runs it through the receiving side's giftwrap pipeline.
func deliverWelcome(t *testing.T, w *Whitenoise, sender *store.Account, receiver *store.Account, rumor nostrtypes.Event) {
	t.Helper()
	ctx := context.Background()

	signer, err := w.signers.For(sender)
	require.NoError(t, err)

	rumor.PubKey = sender.Pubkey
	rumor.Tags = append(rumor.Tags, nostrtypes.Tag{"p", receiver.Pubkey})
	gw, err := nip59.GiftWrap(rumor, receiver.Pubkey,
		func(plaintext string) (string, error) { return signer.Encrypt(ctx, plaintext, receiver.Pubkey) },
		func(evt *nostr.Event) error { return signer.SignEvent(ctx, evt) },
		nil,
	)
	require.NoError(t, err)

	require.True(t, w.InjectEvent(ctx, gw, w.subPrefix(receiver.Pubkey)+subscriptions.SuffixGiftwrap))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, msg)
}

// Round-trip chat: create a group, deliver the welcome, send a message,
// and read it back from the aggregated view.
func TestGroupChatRoundTrip(t *testing.T) {
	w := newCore(t)
	ctx := context.Background()

	alice, err := w.CreateEphemeralIdentity(ctx)
	require.NoError(t, err)
	bob, err := w.CreateEphemeralIdentity(ctx)
	require.NoError(t, err)

	created, err := w.CreateGroup(ctx, alice.Pubkey, []string{bob.Pubkey}, mls.GroupConfig{Name: "pair"})
	require.NoError(t, err)
	groupID := created.Handle.MlsGroupID
	require.Len(t, created.Welcome, 1)

	deliverWelcome(t, w, alice, bob, created.Welcome[0].Rumor)
	waitFor(t, func() bool {
		return len(w.groupHandlesFor(bob.Pubkey)) == 1
	}, "bob should join the group via the welcome")

	cm, err := w.SendMessage(ctx, alice.Pubkey, groupID, "hello", nil)
	require.NoError(t, err)
	require.NotNil(t, cm)

	msgs, err := w.FetchAggregatedMessagesForGroup(ctx, groupID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, alice.Pubkey, msgs[0].Author)
	assert.False(t, msgs[0].IsDeleted)
	assert.Empty(t, msgs[0].Reactions.ByEmoji)
	assert.Empty(t, msgs[0].MediaAttachments)
}

// Reaction and deletion fold: continue the round trip with a thumbs-up
// from bob and a deletion from alice.
func TestReactionAndDeletionFold(t *testing.T) {
	w := newCore(t)
	ctx := context.Background()

	alice, err := w.CreateEphemeralIdentity(ctx)
	require.NoError(t, err)
	bob, err := w.CreateEphemeralIdentity(ctx)
	require.NoError(t, err)

	created, err := w.CreateGroup(ctx, alice.Pubkey, []string{bob.Pubkey}, mls.GroupConfig{Name: "pair"})
	require.NoError(t, err)
	groupID := created.Handle.MlsGroupID
	deliverWelcome(t, w, alice, bob, created.Welcome[0].Rumor)
	waitFor(t, func() bool { return len(w.groupHandlesFor(bob.Pubkey)) == 1 }, "bob joins")

	cm, err := w.SendMessage(ctx, alice.Pubkey, groupID, "hello", nil)
	require.NoError(t, err)

	require.NoError(t, w.SendReaction(ctx, bob.Pubkey, groupID, cm.ID, alice.Pubkey, "👍"))

	msgs, err := w.FetchAggregatedMessagesForGroup(ctx, groupID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Reactions.ByEmoji["👍"])
	assert.Equal(t, 1, msgs[0].Reactions.ByEmoji["👍"].Count)
	require.Len(t, msgs[0].Reactions.UserReactions, 1)
	assert.Equal(t, bob.Pubkey, msgs[0].Reactions.UserReactions[0].User)
	assert.Equal(t, "👍", msgs[0].Reactions.UserReactions[0].Emoji)

	require.NoError(t, w.DeleteMessage(ctx, alice.Pubkey, groupID, cm.ID))

	msgs, err = w.FetchAggregatedMessagesForGroup(ctx, groupID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsDeleted)
	assert.Empty(t, msgs[0].Content)
	assert.Equal(t, 1, msgs[0].Reactions.ByEmoji["👍"].Count,
		"the reaction audit row survives the target's tombstone")
}

// Replaying an already-processed welcome must not change any state.
func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	w := newCore(t)
	ctx := context.Background()

	alice, err := w.CreateEphemeralIdentity(ctx)
	require.NoError(t, err)
	bob, err := w.CreateEphemeralIdentity(ctx)
	require.NoError(t, err)

	created, err := w.CreateGroup(ctx, alice.Pubkey, []string{bob.Pubkey}, mls.GroupConfig{Name: "pair"})
	require.NoError(t, err)
	groupID := created.Handle.MlsGroupID

	signer, err := w.signers.For(alice)
	require.NoError(t, err)
	rumor := created.Welcome[0].Rumor
	rumor.PubKey = alice.Pubkey
	rumor.Tags = append(rumor.Tags, nostrtypes.Tag{"p", bob.Pubkey})
	gw, err := nip59.GiftWrap(rumor, bob.Pubkey,
		func(plaintext string) (string, error) { return signer.Encrypt(ctx, plaintext, bob.Pubkey) },
		func(evt *nostr.Event) error { return signer.SignEvent(ctx, evt) },
		nil,
	)
	require.NoError(t, err)

	subID := w.subPrefix(bob.Pubkey) + subscriptions.SuffixGiftwrap
	require.True(t, w.InjectEvent(ctx, gw, subID))
	waitFor(t, func() bool { return len(w.groupHandlesFor(bob.Pubkey)) == 1 }, "bob joins")

	cm, err := w.SendMessage(ctx, alice.Pubkey, groupID, "hello", nil)
	require.NoError(t, err)
	before, err := w.FetchAggregatedMessagesForGroup(ctx, groupID)
	require.NoError(t, err)

	// Replay the identical giftwrap; the processed-event gate drops it.
	require.True(t, w.InjectEvent(ctx, gw, subID))
	waitFor(t, func() bool {
		ok, err := w.store.IsProcessed(ctx, gw.ID, &bob.ID)
		return err == nil && ok
	}, "the first copy is marked processed")
	time.Sleep(50 * time.Millisecond)

	after, err := w.FetchAggregatedMessagesForGroup(ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, w.groupHandlesFor(bob.Pubkey), 1, "no duplicate group membership")
	_ = cm
}

// A stale contact list must never replace a newer one.
func TestStaleContactListIgnored(t *testing.T) {
	w := newCore(t)
	ctx := context.Background()

	alice, err := w.CreateEphemeralIdentity(ctx)
	require.NoError(t, err)

	newFollow := fmt.Sprintf("%064x", 1)
	oldFollow := fmt.Sprintf("%064x", 2)
	now := nostr.Now()

	subID := w.subPrefix(alice.Pubkey) + subscriptions.SuffixFollowList
	newer := nostrtypes.Event{
		ID: "cl-newer", PubKey: alice.Pubkey, Kind: nostrtypes.KindContactList,
		CreatedAt: now, Tags: nostrtypes.Tags{{"p", newFollow}},
	}
	older := nostrtypes.Event{
		ID: "cl-older", PubKey: alice.Pubkey, Kind: nostrtypes.KindContactList,
		CreatedAt: now - 1000, Tags: nostrtypes.Tags{{"p", oldFollow}},
	}

	require.True(t, w.InjectEvent(ctx, newer, subID))
	waitFor(t, func() bool {
		follows, err := w.store.ListFollows(ctx, alice.ID)
		return err == nil && len(follows) == 1 && follows[0] == newFollow
	}, "the newer list applies")

	require.True(t, w.InjectEvent(ctx, older, subID))
	waitFor(t, func() bool {
		ok, err := w.store.IsProcessed(ctx, "cl-older", &alice.ID)
		return err == nil && ok
	}, "the older list is processed (and ignored)")

	follows, err := w.store.ListFollows(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{newFollow}, follows,
		"the follow set reflects the contact list with the greatest created_at")
}

// Logged-out accounts disappear along with their dependents.
func TestLogoutDeletesAccount(t *testing.T) {
	w := newCore(t)
	ctx := context.Background()

	alice, err := w.CreateEphemeralIdentity(ctx)
	require.NoError(t, err)

	require.NoError(t, w.Logout(ctx, alice.Pubkey))
	_, err = w.store.GetAccountByPubkey(ctx, alice.Pubkey)
	assert.Error(t, err)

	assert.Error(t, w.Logout(ctx, alice.Pubkey), "logout of an unknown account errors")
}

// DeleteAllData wipes durable state and is idempotent.
func TestDeleteAllData(t *testing.T) {
	w := newCore(t)
	ctx := context.Background()

	alice, err := w.CreateEphemeralIdentity(ctx)
	require.NoError(t, err)
	_, err = w.CreateGroup(ctx, alice.Pubkey, nil, mls.GroupConfig{Name: "solo"})
	require.NoError(t, err)

	require.NoError(t, w.DeleteAllData(ctx))
	require.NoError(t, w.DeleteAllData(ctx), "a second wipe is a no-op")

	accounts, err := w.store.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}
