// ABOUTME: Nostr relay transport: pool wiring, publish, and subscribe.
// ABOUTME: Grounded on the nip17/nip59/SimplePool usage pattern in the pack.

package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip59"

	"github.com/whitenoise/core/internal/nostrtypes"
	"github.com/whitenoise/core/internal/secrets"
	"github.com/whitenoise/core/internal/werr"
)

// ProcessableEvent is the tagged union riding the event queue: either a raw
// Nostr event tied to the subscription that produced it, or an
// out-of-band relay status message. Modeled as an interface with two
// concrete variants rather than a class hierarchy.
type ProcessableEvent interface {
	isProcessableEvent()
}

// NostrEvent is an inbound event, optionally tagged with the subscription
// id it arrived on (empty for events the caller injects directly).
type NostrEvent struct {
	Event          nostrtypes.Event
	SubscriptionID string
}

func (NostrEvent) isProcessableEvent() {}

// RelayMessage is an out-of-band notice from a relay (EOSE, CLOSED, NOTICE).
type RelayMessage struct {
	Relay   string
	Summary string
}

func (RelayMessage) isProcessableEvent() {}

// notificationBuffer bounds how far the transport's output channel can lag
// a slow router before publishes start blocking the pool's read loop.
const notificationBuffer = 500

// Transport wraps a go-nostr SimplePool, fanning every subscription's
// events into one channel of ProcessableEvent and serializing publish-
// with-signer calls the way the client's single signer slot requires.
type Transport struct {
	pool        *nostr.SimplePool
	logger      *slog.Logger
	sessionSalt [16]byte

	signerMu sync.Mutex

	notifications chan ProcessableEvent

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

// New creates a Transport. logger may be nil for the default logger.
func New(logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, werr.New(werr.KindInitialization, "transport.New", err)
	}
	return &Transport{
		pool:          nostr.NewSimplePool(context.Background()),
		logger:        logger.With("component", "transport"),
		sessionSalt:   salt,
		notifications: make(chan ProcessableEvent, notificationBuffer),
		subs:          make(map[string]context.CancelFunc),
	}, nil
}

// SessionSalt returns the process-lifetime random salt used to derive
// subscription ids (internal/subscriptions.PubkeyHash).
func (t *Transport) SessionSalt() [16]byte { return t.sessionSalt }

// Notifications is the single channel every subscription's events and
// relay-status messages are multiplexed onto.
func (t *Transport) Notifications() <-chan ProcessableEvent {
	return t.notifications
}

// EnsureRelaysConnected connects to every relay in the set, tolerating
// individual failures; it returns werr.KindNoRelayConnections only if every
// candidate failed.
func (t *Transport) EnsureRelaysConnected(ctx context.Context, relays []string) error {
	if len(relays) == 0 {
		return nil
	}
	var (
		mu         sync.Mutex
		lastErr    error
		successful int
	)
	var wg sync.WaitGroup
	for _, url := range relays {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			if _, err := t.pool.EnsureRelay(url); err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
				t.logger.Warn("relay connect failed", "relay", url, "error", err)
				return
			}
			mu.Lock()
			successful++
			mu.Unlock()
		}(url)
	}
	wg.Wait()

	if successful == 0 {
		return werr.New(werr.KindNoRelayConnections, "transport.EnsureRelaysConnected", lastErr)
	}
	return nil
}

// SubscribeWithIDTo opens a subscription on the given relays with a
// caller-chosen subscription id, forwarding every received event onto the
// shared notifications channel as a NostrEvent. The subscription runs
// until ctx is cancelled.
func (t *Transport) SubscribeWithIDTo(ctx context.Context, subID string, relays []string, filter nostrtypes.Filter) {
	subCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if old, ok := t.subs[subID]; ok {
		old()
	}
	t.subs[subID] = cancel
	t.mu.Unlock()

	go func() {
		defer t.Unsubscribe(subID)
		for ie := range t.pool.SubMany(subCtx, relays, nostr.Filters{filter}) {
			select {
			case t.notifications <- NostrEvent{Event: *ie.Event, SubscriptionID: subID}:
			case <-subCtx.Done():
				return
			}
		}
		select {
		case t.notifications <- RelayMessage{Summary: "subscription ended"}:
		case <-subCtx.Done():
		}
	}()
}

// Unsubscribe cancels a previously opened subscription. Idempotent.
func (t *Transport) Unsubscribe(subID string) {
	t.mu.Lock()
	cancel, ok := t.subs[subID]
	if ok {
		delete(t.subs, subID)
	}
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

// PublishEventTo publishes an already-signed event to the given relays,
// tolerating per-relay failures; it returns an error only if every relay
// rejected the publish.
func (t *Transport) PublishEventTo(ctx context.Context, relays []string, evt nostrtypes.Event) error {
	var (
		mu   sync.Mutex
		ok   int
		last error
	)
	var wg sync.WaitGroup
	for _, url := range relays {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			r, err := t.pool.EnsureRelay(url)
			if err != nil {
				mu.Lock()
				last = err
				mu.Unlock()
				return
			}
			if err := r.Publish(ctx, evt); err != nil {
				mu.Lock()
				last = err
				mu.Unlock()
				return
			}
			mu.Lock()
			ok++
			mu.Unlock()
		}(url)
	}
	wg.Wait()

	if ok == 0 {
		if last == nil {
			last = fmt.Errorf("no relays given")
		}
		return werr.New(werr.KindNoRelayConnections, "transport.PublishEventTo", last)
	}
	return nil
}

// PublishEventBuilderWithSigner signs unsigned with signer and publishes
// the result to relays, recording a PublishedEvent row via markPublished so
// the tracker can suppress the process's own echo. Signer use is
// serialized: concurrent publish-with-signer calls would otherwise race a
// single mutable signer slot.
func (t *Transport) PublishEventBuilderWithSigner(ctx context.Context, relays []string, unsigned nostrtypes.Event, signer secrets.Signer, markPublished func(ctx context.Context, eventID string) error) (*nostrtypes.Event, error) {
	t.signerMu.Lock()
	defer t.signerMu.Unlock()

	if err := signer.SignEvent(ctx, &unsigned); err != nil {
		return nil, werr.New(werr.KindNostrKey, "transport.PublishEventBuilderWithSigner", err)
	}

	if err := t.PublishEventTo(ctx, relays, unsigned); err != nil {
		return nil, err
	}

	if markPublished != nil {
		if err := markPublished(ctx, unsigned.ID); err != nil {
			return nil, werr.New(werr.KindDatabase, "transport.PublishEventBuilderWithSigner", err)
		}
	}
	return &unsigned, nil
}

// giftwrapSinceRollback is the buffer subtracted from a resume-point
// timestamp before subscribing for gift wraps, since NIP-59 randomizes the
// outer event's created_at by up to a few days to thwart time analysis.
const giftwrapSinceRollback = 7 * 24 * time.Hour

// GiftwrapSince adjusts a resume-point timestamp for gift-wrap
// subscriptions, rolling back by giftwrapSinceRollback (floored at 0).
func GiftwrapSince(since nostr.Timestamp) nostr.Timestamp {
	adjusted := since - nostr.Timestamp(giftwrapSinceRollback.Seconds())
	if adjusted < 0 {
		return 0
	}
	return adjusted
}

// PublishGiftWrapWithSigner gift-wraps rumor for recipientPubkey using
// signer and publishes the wrapped event to relays.
func (t *Transport) PublishGiftWrapWithSigner(ctx context.Context, relays []string, rumor nostrtypes.Event, recipientPubkey string, signer secrets.Signer) error {
	t.signerMu.Lock()
	defer t.signerMu.Unlock()

	wrapped, err := nip59.GiftWrap(rumor, recipientPubkey,
		func(plaintext string) (string, error) {
			return signer.Encrypt(ctx, plaintext, recipientPubkey)
		},
		func(evt *nostr.Event) error {
			return signer.SignEvent(ctx, evt)
		},
		nil,
	)
	if err != nil {
		return werr.New(werr.KindNostrKey, "transport.PublishGiftWrapWithSigner", err)
	}

	return t.PublishEventTo(ctx, relays, wrapped)
}

// randomSubID generates a process-unique 16-hex-char id for ad-hoc
// subscriptions that aren't deterministically derived (internal/
// subscriptions covers the deterministic account/global ids).
func randomSubID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
