// ABOUTME: The event-processing loop: bounded queue, classification,
// ABOUTME: dedup/self-publish gates, dispatch, and per-event retry.

package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/whitenoise/core/internal/nostrtypes"
	"github.com/whitenoise/core/internal/store"
	"github.com/whitenoise/core/internal/subscriptions"
	"github.com/whitenoise/core/internal/tracker"
	"github.com/whitenoise/core/internal/transport"
	"github.com/whitenoise/core/internal/werr"
)

// DefaultQueueCapacity bounds the event queue; producers block when the
// processor lags this far behind.
const DefaultQueueCapacity = 500

// GlobalHandler is the dispatch surface for events from batched global
// subscriptions.
type GlobalHandler interface {
	HandleMetadata(ctx context.Context, evt *nostrtypes.Event) error
	HandleRelayList(ctx context.Context, evt *nostrtypes.Event) error
}

// AccountHandler is the dispatch surface for events scoped to a logged-in
// account.
type AccountHandler interface {
	HandleGiftwrap(ctx context.Context, account *store.Account, evt *nostrtypes.Event) error
	HandleContactList(ctx context.Context, account *store.Account, evt *nostrtypes.Event) error
	HandleGroupMessage(ctx context.Context, account *store.Account, evt *nostrtypes.Event) error
}

// AccountResolver maps a subscription id's pubkey-hash prefix back to the
// logged-in account it belongs to. Implemented by the top-level core,
// which knows the session salt and the set of active accounts.
type AccountResolver interface {
	AccountForSubscriptionPrefix(prefix string) (*store.Account, bool)
}

// queued pairs an event with its retry sidecar. Retry state never lives
// inside the event itself.
type queued struct {
	evt   transport.ProcessableEvent
	retry tracker.RetryInfo
}

// Config tunes the router's queue and retry policy.
type Config struct {
	QueueCapacity     int
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
}

// Router pulls ProcessableEvents off a bounded queue and dispatches them
// to the global or account handler set, consulting the tracker to drop
// self-published and already-processed events and requeueing retryable
// failures with exponential backoff.
type Router struct {
	cfg      Config
	tracker  *tracker.Tracker
	accounts AccountResolver
	global   GlobalHandler
	account  AccountHandler
	logger   *slog.Logger

	queue    chan queued
	shutdown chan struct{}
	once     sync.Once
	done     chan struct{}
}

// New builds a router. Pass nil for the default logger.
func New(cfg Config, tr *tracker.Tracker, accounts AccountResolver, global GlobalHandler, account AccountHandler, logger *slog.Logger) *Router {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:      cfg,
		tracker:  tr,
		accounts: accounts,
		global:   global,
		account:  account,
		logger:   logger.With("component", "whitenoise.router"),
		queue:    make(chan queued, cfg.QueueCapacity),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Enqueue puts an inbound event on the queue, blocking when it is full.
// Returns false after Shutdown.
func (r *Router) Enqueue(ctx context.Context, evt transport.ProcessableEvent) bool {
	item := queued{evt: evt, retry: tracker.NewRetryInfo(r.cfg.RetryMaxAttempts, r.cfg.RetryInitialDelay)}
	select {
	case <-r.shutdown:
		return false
	default:
	}
	select {
	case r.queue <- item:
		return true
	case <-r.shutdown:
		return false
	case <-ctx.Done():
		return false
	}
}

// Pump forwards a transport's notification stream into the queue until the
// stream closes or the router shuts down.
func (r *Router) Pump(ctx context.Context, notifications <-chan transport.ProcessableEvent) {
	for evt := range notifications {
		if !r.Enqueue(ctx, evt) {
			return
		}
	}
}

// Run is the single consumer loop. It drains the remaining queue after
// Shutdown is called, then returns.
func (r *Router) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case item := <-r.queue:
			r.process(ctx, item)
		case <-r.shutdown:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case item := <-r.queue:
					r.process(ctx, item)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown signals the processor to drain and exit, then waits for it.
// Requeue timers still pending when the signal lands are abandoned.
func (r *Router) Shutdown() {
	r.once.Do(func() { close(r.shutdown) })
	<-r.done
}

func (r *Router) process(ctx context.Context, item queued) {
	switch evt := item.evt.(type) {
	case transport.NostrEvent:
		r.processNostrEvent(ctx, evt, item.retry)
	case transport.RelayMessage:
		r.logger.Debug("relay message", "relay", evt.Relay, "summary", evt.Summary)
	default:
		r.logger.Warn("unknown processable event variant")
	}
}

func (r *Router) processNostrEvent(ctx context.Context, ne transport.NostrEvent, retry tracker.RetryInfo) {
	evt := &ne.Event
	class := subscriptions.Classify(ne.SubscriptionID)

	var account *store.Account
	if class.Scope == subscriptions.ScopeAccount {
		acct, ok := r.accounts.AccountForSubscriptionPrefix(class.PubkeyHashPrefix)
		if !ok {
			r.logger.Debug("event for unknown account subscription, dropping", "subscription", ne.SubscriptionID, "event_id", evt.ID)
			return
		}
		account = acct
	}

	var accountID *int64
	if account != nil {
		accountID = &account.ID
	}

	if dropped, err := r.shouldDrop(ctx, evt.ID, accountID); err != nil {
		r.logger.Error("tracker lookup failed", "event_id", evt.ID, "error", err)
		r.maybeRetry(ctx, ne, retry, err)
		return
	} else if dropped {
		return
	}

	if err := r.dispatch(ctx, account, evt); err != nil {
		kind := werr.KindOf(err)
		r.logger.Warn("handler failed", "event_id", evt.ID, "event_kind", evt.Kind, "error_kind", kind, "error", err)
		if werr.Retryable(err) {
			r.maybeRetry(ctx, ne, retry, err)
		}
		return
	}

	if err := r.tracker.MarkProcessed(ctx, evt.ID, accountID, evt.Kind); err != nil {
		r.logger.Error("marking event processed failed", "event_id", evt.ID, "error", err)
	}
}

// shouldDrop applies the self-publish and already-processed gates.
func (r *Router) shouldDrop(ctx context.Context, eventID string, accountID *int64) (bool, error) {
	if ok, err := r.tracker.IsSelfPublished(ctx, eventID, accountID); err != nil {
		return false, err
	} else if ok {
		return true, nil
	}
	if ok, err := r.tracker.AlreadyProcessed(ctx, eventID, accountID); err != nil {
		return false, err
	} else if ok {
		return true, nil
	}
	return false, nil
}

func (r *Router) dispatch(ctx context.Context, account *store.Account, evt *nostrtypes.Event) error {
	if account == nil {
		switch evt.Kind {
		case nostrtypes.KindMetadata:
			return r.global.HandleMetadata(ctx, evt)
		case nostrtypes.KindRelayList, nostrtypes.KindInboxRelays, nostrtypes.KindMlsKeyPackageRelay:
			return r.global.HandleRelayList(ctx, evt)
		default:
			r.logger.Debug("unhandled global event kind", "kind", evt.Kind, "event_id", evt.ID)
			return nil
		}
	}

	switch evt.Kind {
	case nostrtypes.KindContactList:
		return r.account.HandleContactList(ctx, account, evt)
	case nostrtypes.KindGiftWrap:
		return r.account.HandleGiftwrap(ctx, account, evt)
	case nostrtypes.KindMlsGroupMessage:
		return r.account.HandleGroupMessage(ctx, account, evt)
	default:
		r.logger.Debug("unhandled account event kind", "kind", evt.Kind, "event_id", evt.ID)
		return nil
	}
}

// maybeRetry requeues the event after its backoff delay if attempts
// remain; otherwise the failure is terminal and logged.
func (r *Router) maybeRetry(ctx context.Context, ne transport.NostrEvent, retry tracker.RetryInfo, cause error) {
	next := retry.Next()
	if next.Exhausted() {
		r.logger.Error("event dropped after retries exhausted", "event_id", ne.Event.ID, "attempts", next.Attempts, "error", cause)
		return
	}

	time.AfterFunc(retry.Backoff, func() {
		select {
		case r.queue <- queued{evt: ne, retry: next}:
		case <-r.shutdown:
		case <-ctx.Done():
		}
	})
}
