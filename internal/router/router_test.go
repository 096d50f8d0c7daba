package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whitenoise/core/internal/nostrtypes"
	"github.com/whitenoise/core/internal/store"
	"github.com/whitenoise/core/internal/subscriptions"
	"github.com/whitenoise/core/internal/tracker"
	"github.com/whitenoise/core/internal/transport"
	"github.com/whitenoise/core/internal/werr"
)

type recordingGlobal struct {
	mu        sync.Mutex
	metadata  []string
	relayList []string
}

func (g *recordingGlobal) HandleMetadata(ctx context.Context, evt *nostrtypes.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.metadata = append(g.metadata, evt.ID)
	return nil
}

func (g *recordingGlobal) HandleRelayList(ctx context.Context, evt *nostrtypes.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.relayList = append(g.relayList, evt.ID)
	return nil
}

type recordingAccount struct {
	mu            sync.Mutex
	contactLists  []string
	giftwraps     []string
	groupMessages []string
	failuresLeft  int
	failWith      error
	attempts      int
}

func (a *recordingAccount) maybeFail() error {
	a.attempts++
	if a.failuresLeft > 0 {
		a.failuresLeft--
		return a.failWith
	}
	return nil
}

func (a *recordingAccount) HandleContactList(ctx context.Context, account *store.Account, evt *nostrtypes.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.maybeFail(); err != nil {
		return err
	}
	a.contactLists = append(a.contactLists, evt.ID)
	return nil
}

func (a *recordingAccount) HandleGiftwrap(ctx context.Context, account *store.Account, evt *nostrtypes.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.giftwraps = append(a.giftwraps, evt.ID)
	return nil
}

func (a *recordingAccount) HandleGroupMessage(ctx context.Context, account *store.Account, evt *nostrtypes.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.groupMessages = append(a.groupMessages, evt.ID)
	return nil
}

type mapResolver struct {
	byPrefix map[string]*store.Account
}

func (m *mapResolver) AccountForSubscriptionPrefix(prefix string) (*store.Account, bool) {
	acct, ok := m.byPrefix[prefix]
	return acct, ok
}

type fixture struct {
	router  *Router
	global  *recordingGlobal
	account *recordingAccount
	tracker *tracker.Tracker
	store   store.Store
	salt    [16]byte
	acct    *store.Account
	prefix  string
	cancel  context.CancelFunc
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tr := tracker.New(st)

	ctx := context.Background()
	pk := fmt.Sprintf("%064x", 0xacc1)
	user, _, err := st.FindOrCreateUser(ctx, pk)
	require.NoError(t, err)
	acct, err := st.CreateAccount(ctx, &store.Account{Pubkey: pk, UserID: user.ID, SignerKind: store.SignerEphemeral})
	require.NoError(t, err)

	salt := [16]byte{3}
	prefix := subscriptions.PubkeyHash(salt, pk)

	g := &recordingGlobal{}
	a := &recordingAccount{}
	r := New(cfg, tr, &mapResolver{byPrefix: map[string]*store.Account{prefix: acct}}, g, a, nil)

	runCtx, cancel := context.WithCancel(context.Background())
	go r.Run(runCtx)
	t.Cleanup(func() {
		r.Shutdown()
		cancel()
	})

	return &fixture{router: r, global: g, account: a, tracker: tr, store: st, salt: salt, acct: acct, prefix: prefix, cancel: cancel}
}

func globalEvent(id string, kind int) transport.NostrEvent {
	return transport.NostrEvent{
		Event:          nostrtypes.Event{ID: id, Kind: kind, PubKey: fmt.Sprintf("%064x", 7)},
		SubscriptionID: subscriptions.BatchedSubscriptionID("wss://r.example.com", 0),
	}
}

func (f *fixture) accountEvent(id string, kind int, stream string) transport.NostrEvent {
	return transport.NostrEvent{
		Event:          nostrtypes.Event{ID: id, Kind: kind, PubKey: f.acct.Pubkey},
		SubscriptionID: f.prefix + stream,
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestDispatchGlobalMetadata(t *testing.T) {
	f := newFixture(t, Config{})
	require.True(t, f.router.Enqueue(context.Background(), globalEvent("m1", nostrtypes.KindMetadata)))

	eventually(t, func() bool {
		f.global.mu.Lock()
		defer f.global.mu.Unlock()
		return len(f.global.metadata) == 1
	}, "metadata event should reach the global handler")
}

func TestDispatchAccountKinds(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.router.Enqueue(ctx, f.accountEvent("cl1", nostrtypes.KindContactList, subscriptions.SuffixFollowList))
	f.router.Enqueue(ctx, f.accountEvent("gw1", nostrtypes.KindGiftWrap, subscriptions.SuffixGiftwrap))
	f.router.Enqueue(ctx, f.accountEvent("gm1", nostrtypes.KindMlsGroupMessage, subscriptions.SuffixMlsMessages))

	eventually(t, func() bool {
		f.account.mu.Lock()
		defer f.account.mu.Unlock()
		return len(f.account.contactLists) == 1 && len(f.account.giftwraps) == 1 && len(f.account.groupMessages) == 1
	}, "all three account streams should dispatch")
}

func TestDuplicateEventsAreDropped(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.router.Enqueue(ctx, globalEvent("m1", nostrtypes.KindMetadata))
	eventually(t, func() bool {
		f.global.mu.Lock()
		defer f.global.mu.Unlock()
		return len(f.global.metadata) == 1
	}, "first copy processes")

	f.router.Enqueue(ctx, globalEvent("m1", nostrtypes.KindMetadata))
	f.router.Enqueue(ctx, globalEvent("m2", nostrtypes.KindMetadata))

	eventually(t, func() bool {
		f.global.mu.Lock()
		defer f.global.mu.Unlock()
		return len(f.global.metadata) == 2
	}, "m2 processes")

	f.global.mu.Lock()
	defer f.global.mu.Unlock()
	assert.Equal(t, []string{"m1", "m2"}, f.global.metadata, "the duplicate m1 must not dispatch twice")
}

func TestSelfPublishedEventsAreSuppressed(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.tracker.MarkPublished(ctx, "mine", nil, nostrtypes.KindMetadata))
	f.router.Enqueue(ctx, globalEvent("mine", nostrtypes.KindMetadata))
	f.router.Enqueue(ctx, globalEvent("other", nostrtypes.KindMetadata))

	eventually(t, func() bool {
		f.global.mu.Lock()
		defer f.global.mu.Unlock()
		return len(f.global.metadata) == 1
	}, "the non-self event processes")

	f.global.mu.Lock()
	defer f.global.mu.Unlock()
	assert.Equal(t, []string{"other"}, f.global.metadata)

	processed, err := f.store.IsProcessed(ctx, "mine", nil)
	require.NoError(t, err)
	assert.False(t, processed, "self-published events must never gain a processed row")
}

func TestRetryableFailureIsRequeued(t *testing.T) {
	f := newFixture(t, Config{RetryMaxAttempts: 3, RetryInitialDelay: 5 * time.Millisecond})
	ctx := context.Background()

	f.account.failuresLeft = 2
	f.account.failWith = werr.New(werr.KindMls, "test", errors.New("out of order commit"))

	f.router.Enqueue(ctx, f.accountEvent("cl1", nostrtypes.KindContactList, subscriptions.SuffixFollowList))

	eventually(t, func() bool {
		f.account.mu.Lock()
		defer f.account.mu.Unlock()
		return len(f.account.contactLists) == 1
	}, "handler should succeed on the third attempt")

	f.account.mu.Lock()
	attempts := f.account.attempts
	f.account.mu.Unlock()
	assert.Equal(t, 3, attempts)

	processed, err := f.store.IsProcessed(ctx, "cl1", &f.acct.ID)
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestNonRetryableFailureIsDropped(t *testing.T) {
	f := newFixture(t, Config{RetryMaxAttempts: 3, RetryInitialDelay: 5 * time.Millisecond})
	ctx := context.Background()

	f.account.failuresLeft = 1
	f.account.failWith = werr.New(werr.KindInvalidEvent, "test", errors.New("bad event"))

	f.router.Enqueue(ctx, f.accountEvent("cl1", nostrtypes.KindContactList, subscriptions.SuffixFollowList))
	f.router.Enqueue(ctx, f.accountEvent("cl2", nostrtypes.KindContactList, subscriptions.SuffixFollowList))

	eventually(t, func() bool {
		f.account.mu.Lock()
		defer f.account.mu.Unlock()
		return len(f.account.contactLists) == 1
	}, "cl2 processes")

	f.account.mu.Lock()
	defer f.account.mu.Unlock()
	assert.Equal(t, []string{"cl2"}, f.account.contactLists, "the invalid event must not be retried")
	assert.Equal(t, 2, f.account.attempts)
}

func TestRetriesExhaust(t *testing.T) {
	f := newFixture(t, Config{RetryMaxAttempts: 2, RetryInitialDelay: 5 * time.Millisecond})
	ctx := context.Background()

	f.account.failuresLeft = 10
	f.account.failWith = werr.New(werr.KindDatabase, "test", errors.New("db locked"))

	f.router.Enqueue(ctx, f.accountEvent("cl1", nostrtypes.KindContactList, subscriptions.SuffixFollowList))

	eventually(t, func() bool {
		f.account.mu.Lock()
		defer f.account.mu.Unlock()
		return f.account.attempts == 2
	}, "exactly the attempt budget is spent")

	time.Sleep(50 * time.Millisecond)
	f.account.mu.Lock()
	defer f.account.mu.Unlock()
	assert.Equal(t, 2, f.account.attempts, "no attempts beyond the budget")
}

func TestUnknownAccountSubscriptionIsDropped(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	evt := transport.NostrEvent{
		Event:          nostrtypes.Event{ID: "x1", Kind: nostrtypes.KindContactList},
		SubscriptionID: "000000000000" + subscriptions.SuffixFollowList,
	}
	f.router.Enqueue(ctx, evt)
	f.router.Enqueue(ctx, globalEvent("m1", nostrtypes.KindMetadata))

	eventually(t, func() bool {
		f.global.mu.Lock()
		defer f.global.mu.Unlock()
		return len(f.global.metadata) == 1
	}, "queue keeps moving")

	f.account.mu.Lock()
	defer f.account.mu.Unlock()
	assert.Empty(t, f.account.contactLists)
}

func TestShutdownDrainsQueue(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()
	tr := tracker.New(st)

	g := &recordingGlobal{}
	r := New(Config{}, tr, &mapResolver{}, g, &recordingAccount{}, nil)

	for i := 0; i < 10; i++ {
		require.True(t, r.Enqueue(context.Background(), globalEvent(fmt.Sprintf("m%d", i), nostrtypes.KindMetadata)))
	}

	go r.Run(context.Background())
	r.Shutdown()

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Len(t, g.metadata, 10, "queued events must drain before exit")

	assert.False(t, r.Enqueue(context.Background(), globalEvent("late", nostrtypes.KindMetadata)))
}
