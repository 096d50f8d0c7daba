// ABOUTME: Top-level core: wires the store, transport, MLS facade, router,
// ABOUTME: and cache together behind the Initialize/DeleteAllData surface.

package whitenoise

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/whitenoise/core/internal/aggregator"
	"github.com/whitenoise/core/internal/cache"
	"github.com/whitenoise/core/internal/config"
	"github.com/whitenoise/core/internal/handlers"
	"github.com/whitenoise/core/internal/mls"
	"github.com/whitenoise/core/internal/nostrtypes"
	"github.com/whitenoise/core/internal/router"
	"github.com/whitenoise/core/internal/secrets"
	"github.com/whitenoise/core/internal/signals"
	"github.com/whitenoise/core/internal/store"
	"github.com/whitenoise/core/internal/subscriptions"
	"github.com/whitenoise/core/internal/tracker"
	"github.com/whitenoise/core/internal/transport"
	"github.com/whitenoise/core/internal/werr"
)

const databaseFile = "whitenoise.sqlite"

// Whitenoise is one running instance of the core: a database, a relay
// transport, an MLS facade, and the event-processing pipeline between
// them.
type Whitenoise struct {
	cfg     config.Config
	dataDir string
	logger  *slog.Logger
	logFile io.Closer

	store        store.Store
	secretsStore *secrets.FileStore
	signers      *secrets.Resolver
	transport    *transport.Transport
	scheduler    *subscriptions.Scheduler
	tracker      *tracker.Tracker
	engine       mls.Facade
	cache        *cache.Cache
	bus          *signals.Bus
	router       *router.Router

	runCtx context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	accountsByPrefix map[string]*store.Account
	groupsByAccount  map[string][]mls.GroupHandle
}

// Initialize opens (or creates) a core instance rooted at dataDir, logging
// to logsDir, with default configuration.
func Initialize(dataDir, logsDir string) (*Whitenoise, error) {
	return InitializeWithConfig(dataDir, logsDir, config.Default())
}

// InitializeWithConfig is Initialize with explicit configuration, used
// when a config file has been loaded.
func InitializeWithConfig(dataDir, logsDir string, cfg config.Config) (*Whitenoise, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, werr.New(werr.KindInitialization, "whitenoise.Initialize", err)
	}

	logger, logFile, err := setupLogging(logsDir, cfg.Logging)
	if err != nil {
		return nil, werr.New(werr.KindLoggingSetup, "whitenoise.Initialize", err)
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(dataDir, databaseFile)
	}
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, werr.New(werr.KindInitialization, "whitenoise.Initialize", err)
	}

	tp, err := transport.New(logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	w := &Whitenoise{
		cfg:              cfg,
		dataDir:          dataDir,
		logger:           logger.With("component", "whitenoise"),
		logFile:          logFile,
		store:            st,
		secretsStore:     secrets.NewFileStore(dataDir),
		transport:        tp,
		tracker:          tracker.New(st),
		engine:           mls.NewEngine(dataDir),
		bus:              signals.New(logger),
		accountsByPrefix: make(map[string]*store.Account),
		groupsByAccount:  make(map[string][]mls.GroupHandle),
	}
	w.signers = secrets.NewResolver(w.secretsStore, nil)
	w.scheduler = subscriptions.NewScheduler(tp, logger)
	w.cache = cache.New(st, aggregator.Config{
		NormalizeEmoji:     cfg.Aggregator.NormalizeEmoji,
		EnableDebugLogging: cfg.Aggregator.EnableDebugLogging,
	}, logger)

	global := handlers.NewGlobal(st, w, logger)
	account := handlers.NewAccount(st, w.signers, w.engine, w.cache, w.bus, w, logger)
	account.OnNewUsers = w.fetchNewUsers

	w.router = router.New(router.Config{
		QueueCapacity:     cfg.Subscriptions.EventQueueCapacity,
		RetryMaxAttempts:  cfg.Retry.MaxAttempts,
		RetryInitialDelay: cfg.Retry.InitialDelay,
	}, w.tracker, w, global, account, logger)

	ctx, cancel := context.WithCancel(context.Background())
	w.runCtx = ctx
	w.cancel = cancel
	go w.router.Run(ctx)
	go w.router.Pump(ctx, tp.Notifications())
	go w.watchWelcomes(ctx)

	w.logger.Info("whitenoise core initialized", "data_dir", dataDir)
	return w, nil
}

func setupLogging(logsDir string, cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var out io.Writer = os.Stderr
	var closer io.Closer
	if logsDir != "" {
		if err := os.MkdirAll(logsDir, 0o700); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(filepath.Join(logsDir, "whitenoise.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, err
		}
		out = f
		closer = f
	}

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler), closer, nil
}

// Signals exposes the UI-facing signal bus for subscribers.
func (w *Whitenoise) Signals() *signals.Bus { return w.bus }

// InjectEvent feeds an event into the processing queue as if it had
// arrived on the given subscription. Used by tests and embedders that
// source events outside the relay transport.
func (w *Whitenoise) InjectEvent(ctx context.Context, evt nostrtypes.Event, subscriptionID string) bool {
	return w.router.Enqueue(ctx, transport.NostrEvent{Event: evt, SubscriptionID: subscriptionID})
}

// Close shuts the pipeline down: drains the event queue, then releases
// every resource.
func (w *Whitenoise) Close() error {
	w.cancel()
	w.router.Shutdown()
	w.bus.Close()
	err := w.store.Close()
	if w.logFile != nil {
		_ = w.logFile.Close()
	}
	return err
}

// DeleteAllData wipes every durable artifact of this instance: database
// rows, per-account MLS storage, the secrets file, and the media cache.
// Idempotent; the instance stays usable afterwards.
func (w *Whitenoise) DeleteAllData(ctx context.Context) error {
	w.mu.Lock()
	accounts := make([]*store.Account, 0, len(w.accountsByPrefix))
	for _, a := range w.accountsByPrefix {
		accounts = append(accounts, a)
	}
	w.accountsByPrefix = make(map[string]*store.Account)
	w.mu.Unlock()

	for _, acct := range accounts {
		w.scheduler.TeardownAccountSubscriptions(acct.Pubkey)
		w.signers.Forget(acct.Pubkey)
	}

	if err := w.store.Wipe(ctx); err != nil {
		return werr.New(werr.KindDatabase, "whitenoise.DeleteAllData", err)
	}
	for _, sub := range []string{"mls", "media", "whitenoise_secrets.json"} {
		if err := os.RemoveAll(filepath.Join(w.dataDir, sub)); err != nil {
			return werr.New(werr.KindFilesystem, "whitenoise.DeleteAllData", err)
		}
	}
	w.logger.Info("all data deleted")
	return nil
}

// AccountForSubscriptionPrefix implements router.AccountResolver: map a
// subscription id's hash prefix back to the logged-in account.
func (w *Whitenoise) AccountForSubscriptionPrefix(prefix string) (*store.Account, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	acct, ok := w.accountsByPrefix[prefix]
	return acct, ok
}

// RefreshUser implements handlers.UserRefresher: rebuild the batched
// global subscriptions covering one user after their relay list changed.
func (w *Whitenoise) RefreshUser(ctx context.Context, pubkey string) {
	relays, err := w.store.ListUserRelays(ctx, pubkey, store.RelayListGeneral)
	if err != nil {
		w.logger.Warn("listing user relays for refresh failed", "pubkey", pubkey, "error", err)
		return
	}
	w.scheduler.RefreshUserSubscriptions(ctx, pubkey,
		[]subscriptions.UserRelays{{Pubkey: pubkey, Relays: relays}},
		w.cfg.Relays.Default)
}

// Rotate implements handlers.KeyPackageRotator: publish a fresh MLS key
// package after an invite consumed one.
func (w *Whitenoise) Rotate(ctx context.Context, account *store.Account) error {
	relays, err := w.store.ListUserRelays(ctx, account.Pubkey, store.RelayListKeyPkg)
	if err != nil {
		return werr.New(werr.KindDatabase, "whitenoise.Rotate", err)
	}
	if len(relays) == 0 {
		relays = w.cfg.Relays.Default
	}
	if len(relays) == 0 {
		w.logger.Debug("no key-package relays known, skipping rotation", "account", account.Pubkey)
		return nil
	}
	return w.publishKeyPackage(ctx, account, relays)
}

// fetchNewUsers is the background hook fired when a contact list reveals
// pubkeys never seen before: pull their metadata and relay lists into the
// batched global subscriptions.
func (w *Whitenoise) fetchNewUsers(pubkeys []string) {
	users := make([]subscriptions.UserRelays, 0, len(pubkeys))
	for _, pk := range pubkeys {
		users = append(users, subscriptions.UserRelays{Pubkey: pk})
	}
	go func() {
		// Subscriptions live on the instance context; no per-call
		// deadline is applied to the relay dials.
		if err := w.scheduler.SetupBatchedSubscriptions(w.runCtx, users, w.cfg.Relays.Default, nil); err != nil {
			w.logger.Warn("background user fetch failed", "users", len(users), "error", err)
		}
	}()
}

func errAccountNotFound(pubkey string) error {
	return werr.New(werr.KindAccountNotFound, "whitenoise", fmt.Errorf("no logged-in account with pubkey %s", pubkey))
}
