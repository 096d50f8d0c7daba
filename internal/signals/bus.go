// ABOUTME: In-memory fan-out bus for the core's UI-facing signals.
// ABOUTME: Subscribers register per named channel; publish is non-blocking.

package signals

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Names of the well-known signal channels the core emits.
const (
	MlsWelcomeReceived = "mls_welcome_received"
	MlsMessageReceived = "mls_message_received"
	MlsMessageSent     = "mls_message_sent"
)

// subscriberBufferSize matches the depth a slow UI consumer can lag by
// before signals for it start being dropped.
const subscriberBufferSize = 64

// WelcomeReceived is the payload of a mls_welcome_received signal.
type WelcomeReceived struct {
	AccountPubkey string
	EventID       string
	MlsGroupID    string
}

// MessageReceived is the payload of a mls_message_received signal.
type MessageReceived struct {
	AccountPubkey string
	MlsGroupID    string
	MessageID     string
}

// MessageSent is the payload of a mls_message_sent signal.
type MessageSent struct {
	AccountPubkey string
	MlsGroupID    string
	MessageID     string
}

// Bus is an in-process, named-channel fan-out registry. One instance is
// shared by the whole core; handlers publish, UI/FFI-layer consumers (out of
// scope here) would subscribe.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan any
	logger      *slog.Logger
}

// New creates a signal bus. Pass nil for the default logger.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]map[string]chan any),
		logger:      logger.With("component", "signals"),
	}
}

// Subscribe registers a subscriber on a named channel (one of the constants
// above, or any caller-chosen name for test fixtures). The subscription is
// torn down automatically when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, name string) (<-chan any, string) {
	subID := uuid.New().String()
	ch := make(chan any, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[name]; !ok {
		b.subscribers[name] = make(map[string]chan any)
	}
	b.subscribers[name][subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(name, subID)
	}()

	return ch, subID
}

// Publish fans payload out to every current subscriber of name. Delivery is
// non-blocking: a subscriber whose channel is full has the signal dropped
// for it rather than stalling the publisher.
func (b *Bus) Publish(name string, payload any) {
	b.mu.RLock()
	subs, ok := b.subscribers[name]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]chan any, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- payload:
		default:
			b.logger.Debug("dropped signal for slow subscriber", "channel", name)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// more than once for the same (name, subID).
func (b *Bus) Unsubscribe(name, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[name]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, name)
	}
}

// Close shuts the bus down, closing every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, subs := range b.subscribers {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(b.subscribers, name)
	}
}
