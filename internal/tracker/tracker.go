// ABOUTME: Event dedup and self-publish suppression: a generation-rotated
// ABOUTME: in-memory seen-set over the durable processed/published tables.

package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/whitenoise/core/internal/store"
)

const (
	// seenMaxAge bounds how long the in-memory fast path remembers a
	// scope before the durable table is consulted again.
	seenMaxAge = 30 * time.Minute
	// seenMaxSize bounds the fast path's memory. Batched subscriptions
	// can replay large historical windows, so this is sized generously.
	seenMaxSize = 50_000
)

// seenScope identifies one processing scope of an event: the event id plus
// the account it was processed for, 0 for the global scope (the same
// sentinel the processed_events table uses for "no account").
type seenScope struct {
	eventID   string
	accountID int64
}

func scopeOf(eventID string, accountID *int64) seenScope {
	s := seenScope{eventID: eventID}
	if accountID != nil {
		s.accountID = *accountID
	}
	return s
}

// seenSet remembers recently processed scopes so relays echoing the same
// event across subscriptions don't cost a database round-trip each time.
// Instead of per-entry timestamps it keeps two generations: lookups hit
// the live and the previous generation, inserts go to the live one, and a
// rotation (when the live generation fills up or ages out) retires
// everything in the previous one. An entry therefore survives between one
// and two rotation intervals unless it is seen again, which refreshes it
// into the live generation.
type seenSet struct {
	mu        sync.Mutex
	maxAge    time.Duration
	genLimit  int
	rotatedAt time.Time
	live      map[seenScope]struct{}
	prev      map[seenScope]struct{}
}

func newSeenSet(maxAge time.Duration, maxEntries int) *seenSet {
	return &seenSet{
		maxAge:    maxAge,
		genLimit:  maxEntries / 2,
		rotatedAt: time.Now(),
		live:      make(map[seenScope]struct{}),
		prev:      make(map[seenScope]struct{}),
	}
}

// rotateLocked retires the previous generation once the live one is full
// or a full interval old. Called with mu held.
func (s *seenSet) rotateLocked(now time.Time) {
	if len(s.live) < s.genLimit && now.Sub(s.rotatedAt) < s.maxAge {
		return
	}
	s.prev = s.live
	s.live = make(map[seenScope]struct{}, len(s.prev))
	s.rotatedAt = now
}

func (s *seenSet) seen(k seenScope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateLocked(time.Now())

	if _, ok := s.live[k]; ok {
		return true
	}
	if _, ok := s.prev[k]; ok {
		s.live[k] = struct{}{}
		return true
	}
	return false
}

func (s *seenSet) remember(k seenScope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateLocked(time.Now())
	s.live[k] = struct{}{}
}

// Tracker answers the router's three questions about an inbound event:
// did we publish it ourselves, have we already processed it globally, and
// have we already processed it for a given account. The seen-set absorbs
// the common case (relays echoing recent events); the store is the
// durable authority that survives restarts.
type Tracker struct {
	store store.Store
	seen  *seenSet
}

// New builds a tracker over the durable store.
func New(st store.Store) *Tracker {
	return &Tracker{
		store: st,
		seen:  newSeenSet(seenMaxAge, seenMaxSize),
	}
}

// IsSelfPublished reports whether this process emitted the event, globally
// or for the given account. Published events echoing back from relays are
// dropped before any handler sees them.
func (t *Tracker) IsSelfPublished(ctx context.Context, eventID string, accountID *int64) (bool, error) {
	if ok, err := t.store.IsPublished(ctx, eventID, nil); err != nil || ok {
		return ok, err
	}
	if accountID == nil {
		return false, nil
	}
	return t.store.IsPublished(ctx, eventID, accountID)
}

// AlreadyProcessed reports whether the event has been handled in the given
// scope (accountID nil means global). The seen-set short-circuits recent
// repeats without a database round-trip; a durable hit is remembered so
// the next repeat stays in memory.
func (t *Tracker) AlreadyProcessed(ctx context.Context, eventID string, accountID *int64) (bool, error) {
	k := scopeOf(eventID, accountID)
	if t.seen.seen(k) {
		return true, nil
	}
	ok, err := t.store.IsProcessed(ctx, eventID, accountID)
	if err != nil {
		return false, err
	}
	if ok {
		t.seen.remember(k)
	}
	return ok, nil
}

// MarkProcessed records a successful handle of the event in the given
// scope, durably and in the fast path.
func (t *Tracker) MarkProcessed(ctx context.Context, eventID string, accountID *int64, kind int) error {
	if err := t.store.MarkProcessed(ctx, eventID, accountID, kind); err != nil {
		return err
	}
	t.seen.remember(scopeOf(eventID, accountID))
	return nil
}

// MarkPublished records an event this process emitted so its echo is
// suppressed. Called by the transport's publish path.
func (t *Tracker) MarkPublished(ctx context.Context, eventID string, accountID *int64, kind int) error {
	return t.store.MarkPublished(ctx, eventID, accountID, kind)
}
