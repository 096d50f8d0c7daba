package tracker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whitenoise/core/internal/store"
)

func newTestTracker(t *testing.T) (*Tracker, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st), st
}

func TestAlreadyProcessedGlobal(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	ok, err := tr.AlreadyProcessed(ctx, "ev1", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tr.MarkProcessed(ctx, "ev1", nil, 0))

	ok, err = tr.AlreadyProcessed(ctx, "ev1", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProcessedScopesAreIndependent(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	acct := int64(1)

	require.NoError(t, tr.MarkProcessed(ctx, "ev1", nil, 0))

	// Global processing does not mark the per-account scope.
	ok, err := tr.AlreadyProcessed(ctx, "ev1", &acct)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tr.MarkProcessed(ctx, "ev1", &acct, 3))
	ok, err = tr.AlreadyProcessed(ctx, "ev1", &acct)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsSelfPublished(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	acct := int64(2)

	ok, err := tr.IsSelfPublished(ctx, "ev1", &acct)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tr.MarkPublished(ctx, "ev1", &acct, 9))

	ok, err = tr.IsSelfPublished(ctx, "ev1", &acct)
	require.NoError(t, err)
	assert.True(t, ok)

	// A globally published event is suppressed for every account scope.
	require.NoError(t, tr.MarkPublished(ctx, "ev2", nil, 0))
	other := int64(99)
	ok, err = tr.IsSelfPublished(ctx, "ev2", &other)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarkProcessedIsIdempotent(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.MarkProcessed(ctx, "ev1", nil, 0))
	require.NoError(t, tr.MarkProcessed(ctx, "ev1", nil, 0))

	ok, err := tr.AlreadyProcessed(ctx, "ev1", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSeenSetAnswersWithoutStore(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	tr := New(st)
	ctx := context.Background()

	require.NoError(t, tr.MarkProcessed(ctx, "ev1", nil, 0))

	// With the store gone, only the in-memory fast path can answer.
	require.NoError(t, st.Close())

	ok, err := tr.AlreadyProcessed(ctx, "ev1", nil)
	require.NoError(t, err)
	assert.True(t, ok, "a recently marked scope must be answered from memory")

	_, err = tr.AlreadyProcessed(ctx, "never-seen", nil)
	assert.Error(t, err, "a miss has to fall through to the (closed) store")
}

func TestSeenSetScopesDoNotCollide(t *testing.T) {
	s := newSeenSet(time.Minute, 100)
	acct := int64(7)

	s.remember(scopeOf("ev1", nil))
	assert.True(t, s.seen(scopeOf("ev1", nil)))
	assert.False(t, s.seen(scopeOf("ev1", &acct)), "global and per-account scopes are distinct entries")

	s.remember(scopeOf("ev1", &acct))
	assert.True(t, s.seen(scopeOf("ev1", &acct)))
}

func TestSeenSetRotationForgetsColdEntries(t *testing.T) {
	// genLimit = 4: every 4 inserts retire the previous generation.
	s := newSeenSet(time.Hour, 8)

	s.remember(scopeOf("cold", nil))
	for i := 0; i < 8; i++ {
		s.remember(scopeOf(fmt.Sprintf("ev%d", i), nil))
	}

	assert.False(t, s.seen(scopeOf("cold", nil)), "an entry two generations back is forgotten")
}

func TestSeenSetLookupRefreshesEntry(t *testing.T) {
	s := newSeenSet(time.Hour, 8)

	s.remember(scopeOf("hot", nil))
	for i := 0; i < 4; i++ {
		s.remember(scopeOf(fmt.Sprintf("ev%d", i), nil))
	}
	// "hot" now sits in the previous generation; a lookup pulls it back
	// into the live one, so the next rotation does not drop it.
	assert.True(t, s.seen(scopeOf("hot", nil)))

	for i := 4; i < 8; i++ {
		s.remember(scopeOf(fmt.Sprintf("ev%d", i), nil))
	}
	assert.True(t, s.seen(scopeOf("hot", nil)), "a re-seen entry survives the rotation")
}

func TestSeenSetAgeRotation(t *testing.T) {
	s := newSeenSet(10 * time.Millisecond, 1000)

	s.remember(scopeOf("ev1", nil))
	time.Sleep(25 * time.Millisecond)

	// Two age-based rotations have elapsed; the first access triggers
	// one rotation, the entry is at most one generation deep after it.
	s.remember(scopeOf("other", nil))
	time.Sleep(15 * time.Millisecond)
	assert.False(t, s.seen(scopeOf("ev1", nil)), "entries age out after two intervals")
}

func TestRetryInfo(t *testing.T) {
	r := NewRetryInfo(3, time.Second)
	assert.False(t, r.Exhausted())

	r = r.Next()
	assert.Equal(t, 1, r.Attempts)
	assert.Equal(t, 2*time.Second, r.Backoff)

	r = r.Next()
	r = r.Next()
	assert.True(t, r.Exhausted())
}

func TestRetryInfoBackoffCeiling(t *testing.T) {
	r := NewRetryInfo(20, time.Second)
	for i := 0; i < 10; i++ {
		r = r.Next()
	}
	assert.Equal(t, maxBackoff, r.Backoff)
}

func TestRetryInfoDefaults(t *testing.T) {
	r := NewRetryInfo(0, 0)
	assert.Equal(t, DefaultMaxAttempts, r.MaxAttempts)
	assert.Equal(t, DefaultInitialDelay, r.Backoff)
}
