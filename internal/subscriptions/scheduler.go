// ABOUTME: Scheduler that opens account and batched-global subscriptions
// ABOUTME: over the relay transport, and refreshes single-user batches.

package subscriptions

import (
	"context"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/whitenoise/core/internal/nostrtypes"
	"github.com/whitenoise/core/internal/retry"
	"github.com/whitenoise/core/internal/werr"
)

// Relay-connect retry policy for batched subscription setup: transient
// connect failures on startup are common when many relays dial at once.
const (
	connectAttempts   = 3
	connectRetryDelay = 500 * time.Millisecond
)

// Relayer is the slice of the transport the scheduler drives.
type Relayer interface {
	SessionSalt() [16]byte
	EnsureRelaysConnected(ctx context.Context, relays []string) error
	SubscribeWithIDTo(ctx context.Context, subID string, relays []string, filter nostrtypes.Filter)
	Unsubscribe(subID string)
}

// refreshRewind is subtracted from now when a single user's batch is
// rebuilt, so events published between teardown and resubscribe are not
// lost.
const refreshRewind = 10 * time.Second

// GiftwrapSinceBuffer is the rollback applied to a giftwrap filter's since,
// absorbing NIP-59's randomized back-dating of the outer wrap.
const GiftwrapSinceBuffer = 7 * 24 * time.Hour

// Scheduler owns the two subscription surfaces of the core: per-account
// subscriptions and deterministic per-relay global batches.
type Scheduler struct {
	relayer Relayer
	logger  *slog.Logger
}

// NewScheduler builds a scheduler over the given transport slice. Pass nil
// for the default logger.
func NewScheduler(relayer Relayer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		relayer: relayer,
		logger:  logger.With("component", "whitenoise.subscriptions"),
	}
}

// SetupAccountSubscriptions opens the three per-account subscriptions:
// follow list on the account's own relays, giftwrap on its inbox relays
// (with the NIP-59 since rollback), and group messages on its group relays
// filtered by nostr group id.
func (s *Scheduler) SetupAccountSubscriptions(ctx context.Context, pubkey string, userRelays, inboxRelays, groupRelays []string, nostrGroupIDs []string, since *nostr.Timestamp) error {
	all := dedupeRelays(userRelays, inboxRelays, groupRelays)
	if err := s.relayer.EnsureRelaysConnected(ctx, all); err != nil {
		return err
	}

	prefix := PubkeyHash(s.relayer.SessionSalt(), pubkey)

	followFilter := nostrtypes.Filter{
		Kinds:   []int{nostrtypes.KindContactList},
		Authors: []string{pubkey},
	}
	if since != nil {
		followFilter.Since = since
	}
	s.relayer.SubscribeWithIDTo(ctx, prefix+SuffixFollowList, userRelays, followFilter)

	giftwrapFilter := nostrtypes.Filter{
		Kinds: []int{nostrtypes.KindGiftWrap},
		Tags:  nostr.TagMap{"p": []string{pubkey}},
	}
	if since != nil {
		adjusted := *since - nostr.Timestamp(GiftwrapSinceBuffer.Seconds())
		if adjusted < 0 {
			adjusted = 0
		}
		giftwrapFilter.Since = &adjusted
	}
	s.relayer.SubscribeWithIDTo(ctx, prefix+SuffixGiftwrap, inboxRelays, giftwrapFilter)

	if len(nostrGroupIDs) > 0 {
		groupFilter := nostrtypes.Filter{
			Kinds: []int{nostrtypes.KindMlsGroupMessage},
			Tags:  nostr.TagMap{"h": nostrGroupIDs},
		}
		if since != nil {
			groupFilter.Since = since
		}
		s.relayer.SubscribeWithIDTo(ctx, prefix+SuffixMlsMessages, groupRelays, groupFilter)
	}

	return nil
}

// TeardownAccountSubscriptions closes the three per-account subscriptions
// on logout. Idempotent.
func (s *Scheduler) TeardownAccountSubscriptions(pubkey string) {
	for _, id := range AccountSubscriptionIDs(s.relayer.SessionSalt(), pubkey) {
		s.relayer.Unsubscribe(id)
	}
}

// SetupBatchedSubscriptions groups the given users by relay, splits each
// relay's user set into deterministic batches, and opens one subscription
// per non-empty (relay, batch). Individual relay failures are logged; the
// call fails only when every relay failed.
func (s *Scheduler) SetupBatchedSubscriptions(ctx context.Context, users []UserRelays, defaultRelays []string, since *nostr.Timestamp) error {
	byRelay := GroupUsersByRelay(users, defaultRelays)

	anyOK := false
	var lastErr error
	for relayURL, relayUsers := range byRelay {
		if err := s.subscribeRelayBatches(ctx, relayURL, relayUsers, since); err != nil {
			lastErr = err
			s.logger.Warn("batched subscriptions failed for relay", "relay", relayURL, "error", err)
			continue
		}
		anyOK = true
	}

	if !anyOK && len(byRelay) > 0 {
		return werr.New(werr.KindNoRelayConnections, "subscriptions.SetupBatchedSubscriptions", lastErr)
	}
	return nil
}

func (s *Scheduler) subscribeRelayBatches(ctx context.Context, relayURL string, users []string, since *nostr.Timestamp) error {
	if _, err := retry.Execute(ctx, "connect "+relayURL, connectAttempts, connectRetryDelay, 2,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.relayer.EnsureRelaysConnected(ctx, []string{relayURL})
		}, nil); err != nil {
		return err
	}
	for batchID, batch := range BuildBatches(users) {
		if len(batch) == 0 {
			continue
		}
		s.relayer.SubscribeWithIDTo(ctx, BatchedSubscriptionID(relayURL, batchID), []string{relayURL}, batchFilter(batch, since))
	}
	return nil
}

// RefreshUserSubscriptions rebuilds only the batch containing pubkey on
// each relay that user is on, with a short rewind so no events fall into
// the teardown/resubscribe gap.
func (s *Scheduler) RefreshUserSubscriptions(ctx context.Context, pubkey string, users []UserRelays, defaultRelays []string) {
	rewound := nostr.Timestamp(time.Now().Add(-refreshRewind).Unix())
	byRelay := GroupUsersByRelay(users, defaultRelays)

	for relayURL, relayUsers := range byRelay {
		if !containsString(relayUsers, pubkey) {
			continue
		}
		count := BatchCount(len(relayUsers))
		userBatch := UserToBatchID(pubkey, count)
		batches := BuildBatches(relayUsers)
		if len(batches[userBatch]) == 0 {
			continue
		}

		subID := BatchedSubscriptionID(relayURL, userBatch)
		s.relayer.Unsubscribe(subID)
		if err := s.relayer.EnsureRelaysConnected(ctx, []string{relayURL}); err != nil {
			s.logger.Warn("refresh failed for relay", "relay", relayURL, "error", err)
			continue
		}
		s.relayer.SubscribeWithIDTo(ctx, subID, []string{relayURL}, batchFilter(batches[userBatch], &rewound))
	}
}

func batchFilter(authors []string, since *nostr.Timestamp) nostrtypes.Filter {
	f := nostrtypes.Filter{
		Authors: authors,
		Kinds: []int{
			nostrtypes.KindMetadata,
			nostrtypes.KindRelayList,
			nostrtypes.KindInboxRelays,
			nostrtypes.KindMlsKeyPackageRelay,
		},
	}
	if since != nil {
		f.Since = since
	}
	return f
}

func dedupeRelays(sets ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, set := range sets {
		for _, r := range set {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	return out
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
