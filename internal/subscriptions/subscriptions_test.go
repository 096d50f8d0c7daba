package subscriptions

import (
	"context"
	"fmt"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whitenoise/core/internal/nostrtypes"
)

func TestPubkeyHashDeterministicPerSalt(t *testing.T) {
	salt := [16]byte{1, 2, 3}
	pk := "a3b5c8d0e2f4a6b8c0d2e4f6a8b0c2d4e6f8a0b2c4d6e8f0a2b4c6d8e0f2a4b6"

	h1 := PubkeyHash(salt, pk)
	h2 := PubkeyHash(salt, pk)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 12)

	other := [16]byte{9}
	assert.NotEqual(t, h1, PubkeyHash(other, pk), "different session salts must yield different ids")
}

func TestUserToBatchIDIsPure(t *testing.T) {
	pk := "a3b5c8d0e2f4a6b8c0d2e4f6a8b0c2d4e6f8a0b2c4d6e8f0a2b4c6d8e0f2a4b6"
	first := UserToBatchID(pk, 7)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, UserToBatchID(pk, 7))
	}
	assert.Less(t, first, 7)
}

func TestBatchCount(t *testing.T) {
	tests := []struct {
		users int
		want  int
	}{
		{0, 1},
		{1, 1},
		{999, 1},
		{1000, 1},
		{1001, 2},
		{2500, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BatchCount(tt.users), "users=%d", tt.users)
	}
}

func TestBuildBatchesCoversEveryUser(t *testing.T) {
	var users []string
	for i := 0; i < 50; i++ {
		users = append(users, fmt.Sprintf("%064x", i))
	}
	batches := BuildBatches(users)
	require.Len(t, batches, 1)

	total := 0
	for _, b := range batches {
		total += len(b)
	}
	assert.Equal(t, len(users), total)
}

func TestClassify(t *testing.T) {
	salt := [16]byte{42}
	pk := "a3b5c8d0e2f4a6b8c0d2e4f6a8b0c2d4e6f8a0b2c4d6e8f0a2b4c6d8e0f2a4b6"
	prefix := PubkeyHash(salt, pk)

	tests := []struct {
		name  string
		subID string
		want  Classification
	}{
		{"follow list", prefix + SuffixFollowList, Classification{Scope: ScopeAccount, PubkeyHashPrefix: prefix, Stream: SuffixFollowList}},
		{"giftwrap", prefix + SuffixGiftwrap, Classification{Scope: ScopeAccount, PubkeyHashPrefix: prefix, Stream: SuffixGiftwrap}},
		{"mls messages", prefix + SuffixMlsMessages, Classification{Scope: ScopeAccount, PubkeyHashPrefix: prefix, Stream: SuffixMlsMessages}},
		{"global batch", BatchedSubscriptionID("wss://relay.example.com", 3), Classification{Scope: ScopeGlobal, BatchID: 3}},
		{"garbage", "whatever", Classification{Scope: ScopeUnknown}},
		{"empty", "", Classification{Scope: ScopeUnknown}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.subID))
		})
	}
}

func TestGroupUsersByRelayUsesDefaultsWhenEmpty(t *testing.T) {
	defaults := []string{"wss://default.example.com"}
	users := []UserRelays{
		{Pubkey: "aa", Relays: []string{"wss://r1.example.com"}},
		{Pubkey: "bb"},
	}
	byRelay := GroupUsersByRelay(users, defaults)
	assert.Equal(t, []string{"aa"}, byRelay["wss://r1.example.com"])
	assert.Equal(t, []string{"bb"}, byRelay["wss://default.example.com"])
}

// fakeRelayer records subscription calls so scheduler behavior can be
// asserted without a live pool.
type fakeRelayer struct {
	salt       [16]byte
	subscribed map[string]nostrtypes.Filter
	subRelays  map[string][]string
	cancelled  []string
	connectErr error
}

func newFakeRelayer() *fakeRelayer {
	return &fakeRelayer{
		salt:       [16]byte{7},
		subscribed: make(map[string]nostrtypes.Filter),
		subRelays:  make(map[string][]string),
	}
}

func (f *fakeRelayer) SessionSalt() [16]byte { return f.salt }

func (f *fakeRelayer) EnsureRelaysConnected(ctx context.Context, relays []string) error {
	return f.connectErr
}

func (f *fakeRelayer) SubscribeWithIDTo(ctx context.Context, subID string, relays []string, filter nostrtypes.Filter) {
	f.subscribed[subID] = filter
	f.subRelays[subID] = relays
}

func (f *fakeRelayer) Unsubscribe(subID string) {
	f.cancelled = append(f.cancelled, subID)
	delete(f.subscribed, subID)
}

func TestSetupAccountSubscriptions(t *testing.T) {
	relayer := newFakeRelayer()
	sched := NewScheduler(relayer, nil)

	pk := "a3b5c8d0e2f4a6b8c0d2e4f6a8b0c2d4e6f8a0b2c4d6e8f0a2b4c6d8e0f2a4b6"
	since := nostr.Timestamp(1_700_000_000)
	err := sched.SetupAccountSubscriptions(context.Background(), pk,
		[]string{"wss://user.example.com"},
		[]string{"wss://inbox.example.com"},
		[]string{"wss://group.example.com"},
		[]string{"deadbeef"},
		&since)
	require.NoError(t, err)
	require.Len(t, relayer.subscribed, 3)

	prefix := PubkeyHash(relayer.salt, pk)

	follow := relayer.subscribed[prefix+SuffixFollowList]
	assert.Equal(t, []int{nostrtypes.KindContactList}, follow.Kinds)
	assert.Equal(t, []string{pk}, follow.Authors)
	require.NotNil(t, follow.Since)
	assert.Equal(t, since, *follow.Since)

	gw := relayer.subscribed[prefix+SuffixGiftwrap]
	assert.Equal(t, []int{nostrtypes.KindGiftWrap}, gw.Kinds)
	assert.Equal(t, []string{pk}, gw.Tags["p"])
	require.NotNil(t, gw.Since)
	assert.Equal(t, since-nostr.Timestamp(GiftwrapSinceBuffer.Seconds()), *gw.Since,
		"giftwrap since must be rolled back to absorb NIP-59 back-dating")
	assert.Equal(t, []string{"wss://inbox.example.com"}, relayer.subRelays[prefix+SuffixGiftwrap])

	groups := relayer.subscribed[prefix+SuffixMlsMessages]
	assert.Equal(t, []int{nostrtypes.KindMlsGroupMessage}, groups.Kinds)
	assert.Equal(t, []string{"deadbeef"}, groups.Tags["h"])
}

func TestSetupAccountSubscriptionsSkipsGroupsWhenNone(t *testing.T) {
	relayer := newFakeRelayer()
	sched := NewScheduler(relayer, nil)

	pk := "a3b5c8d0e2f4a6b8c0d2e4f6a8b0c2d4e6f8a0b2c4d6e8f0a2b4c6d8e0f2a4b6"
	err := sched.SetupAccountSubscriptions(context.Background(), pk,
		[]string{"wss://user.example.com"}, []string{"wss://inbox.example.com"}, nil, nil, nil)
	require.NoError(t, err)
	assert.Len(t, relayer.subscribed, 2)
}

func TestTeardownAccountSubscriptions(t *testing.T) {
	relayer := newFakeRelayer()
	sched := NewScheduler(relayer, nil)

	pk := "a3b5c8d0e2f4a6b8c0d2e4f6a8b0c2d4e6f8a0b2c4d6e8f0a2b4c6d8e0f2a4b6"
	require.NoError(t, sched.SetupAccountSubscriptions(context.Background(), pk,
		[]string{"wss://u.example.com"}, []string{"wss://i.example.com"}, []string{"wss://g.example.com"}, []string{"aa"}, nil))
	require.Len(t, relayer.subscribed, 3)

	sched.TeardownAccountSubscriptions(pk)
	assert.Empty(t, relayer.subscribed)
}

func TestRefreshUserSubscriptionsOnlyRebuildsOwnBatch(t *testing.T) {
	relayer := newFakeRelayer()
	sched := NewScheduler(relayer, nil)

	target := fmt.Sprintf("%064x", 1)
	users := []UserRelays{
		{Pubkey: target, Relays: []string{"wss://a.example.com"}},
		{Pubkey: fmt.Sprintf("%064x", 2), Relays: []string{"wss://b.example.com"}},
	}

	sched.RefreshUserSubscriptions(context.Background(), target, users, nil)

	// Only the relay the target user is on gets a (re)subscription.
	require.Len(t, relayer.subscribed, 1)
	wantID := BatchedSubscriptionID("wss://a.example.com", UserToBatchID(target, 1))
	f, ok := relayer.subscribed[wantID]
	require.True(t, ok)
	assert.Contains(t, f.Authors, target)
	require.NotNil(t, f.Since, "refresh must rewind to cover the resubscribe gap")
	assert.Contains(t, relayer.cancelled, wantID)
}

func TestSetupBatchedSubscriptions(t *testing.T) {
	relayer := newFakeRelayer()
	sched := NewScheduler(relayer, nil)

	users := []UserRelays{
		{Pubkey: fmt.Sprintf("%064x", 1), Relays: []string{"wss://a.example.com"}},
		{Pubkey: fmt.Sprintf("%064x", 2), Relays: []string{"wss://a.example.com"}},
	}
	require.NoError(t, sched.SetupBatchedSubscriptions(context.Background(), users, nil, nil))

	require.Len(t, relayer.subscribed, 1)
	for _, f := range relayer.subscribed {
		assert.ElementsMatch(t, []string{fmt.Sprintf("%064x", 1), fmt.Sprintf("%064x", 2)}, f.Authors)
		assert.ElementsMatch(t, []int{nostrtypes.KindMetadata, nostrtypes.KindRelayList, nostrtypes.KindInboxRelays, nostrtypes.KindMlsKeyPackageRelay}, f.Kinds)
	}
}
