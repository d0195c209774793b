// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/cachekey"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/clock/system"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/config"
	collyfetcher "github.com/JakeFAU/fastcgi-cache-warden/internal/fetcher/colly"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/id/uuid"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/lease"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/lifecycle"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/notify"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/oplog"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/preload"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/process"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/progress"
	memorypublisher "github.com/JakeFAU/fastcgi-cache-warden/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/fastcgi-cache-warden/internal/publisher/pubsub"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/purge"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/storage"
	leveldbstore "github.com/JakeFAU/fastcgi-cache-warden/internal/storage/leveldb"
	memorystore "github.com/JakeFAU/fastcgi-cache-warden/internal/storage/memory"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/warden"
)

// Option customizes App construction.
type Option func(*options)

type options struct {
	background bool
	send       notify.SendFunc
	pubsubOpts []option.ClientOption
}

// WithBackgroundWait makes every full preload start a lifecycle wait in a
// goroutine owned by the App. serve uses it; one-shot commands do not.
func WithBackgroundWait() Option {
	return func(o *options) { o.background = true }
}

// WithMailSender overrides the SMTP send function.
func WithMailSender(send notify.SendFunc) Option {
	return func(o *options) { o.send = send }
}

// WithPubSubOptions passes client options to the Pub/Sub publisher.
func WithPubSubOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.pubsubOpts = append(o.pubsubOpts, opts...) }
}

type namedCloser struct {
	name string
	c    io.Closer
}

// App holds all the shared, long-lived services for the application.
// It is built once per process and handed to the CLI commands and the HTTP
// server.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	ops        *oplog.Writer
	lease      *lease.File
	supervisor *preload.Supervisor
	tracker    *progress.Tracker
	estimator  *progress.Estimator
	estimates  storage.TTLStore
	checker    *lifecycle.Checker
	lifecycle  lifecycleWaiter
	warmer     *collyfetcher.Fetcher
	service    *warden.Service
	closers    []namedCloser

	ctx        context.Context
	cancel     context.CancelFunc
	background bool
	waits      sync.WaitGroup
	waiting    atomic.Bool
	rearm      atomic.Bool
	closeOnce  sync.Once
}

// New creates and initializes an App from cfg. It fails fast if any
// collaborator cannot be built, releasing what was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger.Info("Initializing application services...")

	a = &App{cfg: cfg, logger: logger, background: o.background}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	clock := system.New()
	a.ops, err = oplog.Open(cfg.Logging.OpsLogPath, oplog.WithClock(clock))
	if err != nil {
		return a, err
	}

	extractor, err := cachekey.NewRegexpExtractor(cfg.Cache.KeyPattern)
	if err != nil {
		return a, fmt.Errorf("cache key pattern: %w", err)
	}
	engine := purge.New(cfg.Cache.Path, cachekey.NewMatcher(extractor), logger,
		purge.WithProtectedDirs(cfg.Cache.ProtectedDirSet()))

	a.lease = lease.NewFile(cfg.Preload.PIDFile, nil)
	launcher := process.NewExec(logger)
	a.supervisor = preload.NewSupervisor(
		preload.SettingsFromConfig(cfg),
		cfg.Site.URL,
		a.lease,
		launcher,
		logger,
		preload.WithClock(clock),
		preload.WithIDGenerator(uuid.New()),
		preload.WithStartupGrace(cfg.Preload.StartupGrace),
		preload.WithThrottler(process.NewCPULimit(cfg.Preload.CPULimitPath, launcher, logger)),
	)

	a.estimates, err = openEstimates(cfg.Estimator.StorePath, logger)
	if err != nil {
		return a, err
	}
	a.closers = append(a.closers, namedCloser{name: "estimate store", c: a.estimates})
	a.estimator = progress.NewEstimator(progress.EstimatorConfig{
		TTL:      cfg.Estimator.TTL,
		Fallback: cfg.Estimator.Fallback,
		Buffer:   cfg.Estimator.Buffer,
		Timeout:  cfg.Estimator.Timeout,
	}, cfg.Site.URL, a.estimates, logger)
	a.tracker = progress.NewTracker(cfg.Preload.LogFile, a.lease, a.estimator, logger)

	notifier, err := a.buildNotifier(ctx, o)
	if err != nil {
		return a, err
	}
	a.checker = lifecycle.New(lifecycle.Config{
		PollInterval:  cfg.Preload.PollInterval,
		MobileEnabled: cfg.Preload.MobileEnabled,
		TmpDir:        cfg.Cache.TmpDir,
		OpsLogPath:    cfg.Logging.OpsLogPath,
	}, a.lease, a.supervisor, notifier, a.ops, logger)
	a.lifecycle = a.checker

	a.warmer = collyfetcher.New(collyfetcher.Config{
		Timeout: cfg.Warmup.Timeout,
		RPS:     cfg.Warmup.RPS,
		Burst:   cfg.Warmup.Burst,
	}, logger)

	a.service = warden.New(warden.Settings{
		SiteURL:        cfg.Site.URL,
		TmpDir:         cfg.Cache.TmpDir,
		MobileEnabled:  cfg.Preload.MobileEnabled,
		AutoAfterPurge: cfg.Preload.AutoAfterPurge,
		RelatedPaths:   append([]string{"/"}, cfg.Warmup.ExtraPaths...),
	}, engine, a.supervisor, a.tracker, a.ops, logger,
		warden.WithWarmer(a.warmer),
		warden.WithStartHook(a.onPreloadStarted),
	)

	logger.Info("Application services initialized successfully.",
		zap.String("site", cfg.Site.URL),
		zap.String("cache_path", cfg.Cache.Path),
		zap.Bool("background_wait", o.background),
	)
	return a, nil
}

func openEstimates(path string, logger *zap.Logger) (storage.TTLStore, error) {
	if path == "" {
		logger.Info("Using in-memory estimate store. Estimates are recomputed after restart.")
		return memorystore.NewTTLStore(), nil
	}
	store, err := leveldbstore.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open estimate store: %w", err)
	}
	logger.Info("Using LevelDB estimate store", zap.String("path", path))
	return store, nil
}

func (a *App) buildNotifier(ctx context.Context, o options) (notify.Notifier, error) {
	cfg := a.cfg
	notifiers := notify.Multi{notify.NewLog(a.logger)}

	mailer := notify.NewMailer(cfg.Mail, cfg.Site.URL, o.send, a.logger)
	if mailer.Enabled() {
		notifiers = append(notifiers, mailer)
	} else {
		a.logger.Info("Completion mail disabled")
	}

	if cfg.PubSub.TopicName == "" || cfg.PubSub.ProjectID == "" {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return append(notifiers, notify.NewEvents(memorypublisher.New(), cfg.Site.URL)), nil
	}
	pub, err := gcppublisher.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName, o.pubsubOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize pubsub publisher: %w", err)
	}
	a.closers = append(a.closers, namedCloser{name: "pubsub publisher", c: pub})
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.PubSub.ProjectID),
		zap.String("topic", cfg.PubSub.TopicName),
	)
	return append(notifiers, notify.NewEvents(pub, cfg.Site.URL)), nil
}

// lifecycleWaiter is the part of the lifecycle checker background waits use.
type lifecycleWaiter interface {
	WaitAndFinalize(ctx context.Context) (lifecycle.Outcome, error)
}

// onPreloadStarted hands a freshly started full preload to a background
// lifecycle wait. Only one wait runs at a time; a start that arrives while a
// wait is in progress re-arms it, so the waiter runs again once the current
// wait returns.
func (a *App) onPreloadStarted(run preload.Run) {
	if !a.background {
		return
	}
	a.rearm.Store(true)
	if !a.waiting.CompareAndSwap(false, true) {
		a.logger.Debug("lifecycle wait already running", zap.String("run_id", run.ID))
		return
	}
	a.waits.Add(1)
	go a.runWaits(run.ID)
}

func (a *App) runWaits(runID string) {
	defer a.waits.Done()
	for {
		for a.rearm.Swap(false) {
			a.waitOnce(runID)
		}
		a.waiting.Store(false)
		// A start may have re-armed between the last Swap and the Store.
		if !a.rearm.Load() || !a.waiting.CompareAndSwap(false, true) {
			return
		}
	}
}

func (a *App) waitOnce(runID string) {
	out, err := a.lifecycle.WaitAndFinalize(a.ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("lifecycle wait failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	a.logger.Info("lifecycle wait ended",
		zap.String("run_id", runID),
		zap.String("state", string(out.State)),
		zap.String("elapsed", out.Elapsed),
		zap.Bool("mobile_started", out.MobileStarted),
	)
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Service returns the purge and preload orchestration service.
func (a *App) Service() *warden.Service { return a.service }

// Checker returns the lifecycle checker.
func (a *App) Checker() *lifecycle.Checker { return a.checker }

// Close stops background waits, lets pending warmups finish, and releases
// every resource. It is safe to call more than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.logger.Info("Shutting down application services...")
		if a.cancel != nil {
			a.cancel()
		}
		a.waits.Wait()
		if a.warmer != nil {
			a.warmer.Wait()
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			nc := a.closers[i]
			if err := nc.c.Close(); err != nil {
				a.logger.Warn("Error closing "+nc.name, zap.Error(err))
			}
		}
		if err := a.ops.Close(); err != nil {
			a.logger.Warn("Error closing ops log", zap.Error(err))
		}
		_ = a.logger.Sync()
	})
}
