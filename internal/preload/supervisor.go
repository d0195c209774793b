// Package preload starts and stops the external crawl that repopulates the
// cache, holding the PID lease for as long as the crawl lives.
package preload

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/lease"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/metrics"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/process"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/purge"
)

// Start failures.
var (
	ErrAlreadyRunning = errors.New("already_running")
	ErrSpawnFailed    = errors.New("spawn_failed")
)

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// IDGenerator names preload runs.
type IDGenerator interface {
	NewID() (string, error)
}

// Request selects what to crawl.
type Request struct {
	Pass    Pass
	SeedURL string
	// Single fetches one page and its requisites instead of mirroring.
	Single bool
}

// Run describes a started crawl.
type Run struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	Pass      Pass      `json:"pass"`
	SeedURL   string    `json:"seed_url"`
	Single    bool      `json:"single"`
	StartedAt time.Time `json:"started_at"`
	// Finished is set when a single-page crawl completed within the startup
	// grace period; no lease is held for it.
	Finished bool `json:"finished"`
}

// Supervisor owns the start sequence of the external crawl.
type Supervisor struct {
	mu        sync.Mutex
	settings  Settings
	siteURL   string
	lease     lease.Lease
	launcher  process.Launcher
	throttler process.Throttler
	clock     Clock
	ids       IDGenerator
	grace     time.Duration
	sleep     func(time.Duration)
	terminate func(int) error
	logger    *zap.Logger
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithClock overrides the time source.
func WithClock(c Clock) Option { return func(s *Supervisor) { s.clock = c } }

// WithIDGenerator overrides run ID generation.
func WithIDGenerator(g IDGenerator) Option { return func(s *Supervisor) { s.ids = g } }

// WithStartupGrace sets how long a fresh crawl must survive to count as
// spawned.
func WithStartupGrace(d time.Duration) Option { return func(s *Supervisor) { s.grace = d } }

// WithTerminator overrides how a losing crawl is stopped.
func WithTerminator(fn func(int) error) Option { return func(s *Supervisor) { s.terminate = fn } }

// WithThrottler sets the CPU throttler. Without one the crawl is unthrottled.
func WithThrottler(t process.Throttler) Option { return func(s *Supervisor) { s.throttler = t } }

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

type noIDs struct{}

func (noIDs) NewID() (string, error) { return "", nil }

// NewSupervisor wires a Supervisor.
func NewSupervisor(
	settings Settings,
	siteURL string,
	l lease.Lease,
	launcher process.Launcher,
	logger *zap.Logger,
	opts ...Option,
) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supervisor{
		settings:  settings,
		siteURL:   siteURL,
		lease:     l,
		launcher:  launcher,
		clock:     utcClock{},
		ids:       noIDs{},
		grace:     time.Second,
		sleep:     time.Sleep,
		terminate: process.Terminate,
		logger:    logger.Named("preload"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Running reports whether a live crawl holds the lease.
func (s *Supervisor) Running() (bool, error) {
	held, err := s.lease.IsHeld()
	if err != nil {
		return false, fmt.Errorf("check lease: %w", err)
	}
	return held, nil
}

// Start launches one crawl pass and returns without waiting for it.
//
// The lease is written only after the process has survived the startup
// grace period, so a failed spawn never leaves a lease behind.
func (s *Supervisor) Start(ctx context.Context, req Request) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Pass == "" {
		req.Pass = PassDesktop
	}
	seed := strings.TrimSpace(req.SeedURL)
	if seed == "" {
		seed = s.siteURL
	}
	if err := purge.ValidateURL(seed); err != nil {
		return Run{}, err
	}
	if req.Single && !sameHost(seed, s.siteURL) {
		return Run{}, fmt.Errorf("%w: %s is not on site %s", purge.ErrInvalidInput, seed, s.siteURL)
	}

	held, err := s.Running()
	if err != nil {
		return Run{}, err
	}
	if held {
		metrics.ObservePreloadStart(string(req.Pass), "already_running")
		return Run{}, ErrAlreadyRunning
	}

	cmd := process.Command{
		Path:      s.settings.WgetPath,
		Args:      BuildArgs(s.settings, req.Pass, seed, req.Single),
		LogPath:   s.settings.LogFile,
		AppendLog: req.Pass == PassMobile,
	}
	h, err := s.launcher.Launch(ctx, cmd)
	if err != nil {
		metrics.ObservePreloadStart(string(req.Pass), "spawn_failed")
		return Run{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	runID, err := s.ids.NewID()
	if err != nil {
		s.logger.Warn("run id generation failed", zap.Error(err))
	}
	run := Run{
		ID:        runID,
		PID:       h.PID(),
		Pass:      req.Pass,
		SeedURL:   seed,
		Single:    req.Single,
		StartedAt: s.clock.Now(),
	}
	logger := s.logger.With(zap.String("run_id", run.ID), zap.Int("pid", run.PID), zap.String("pass", string(run.Pass)))

	if s.grace > 0 {
		s.sleep(s.grace)
	}
	if !h.IsAlive() {
		if req.Single {
			run.Finished = true
			logger.Info("single page crawl finished during startup")
			metrics.ObservePreloadStart(string(req.Pass), "finished")
			return run, nil
		}
		metrics.ObservePreloadStart(string(req.Pass), "spawn_failed")
		return Run{}, fmt.Errorf("%w: crawl exited during startup", ErrSpawnFailed)
	}

	ok, err := s.lease.TryAcquire(run.PID)
	if err != nil || !ok {
		if terr := s.terminate(run.PID); terr != nil {
			logger.Warn("failed to stop unleased crawl", zap.Error(terr))
		}
		if err != nil {
			metrics.ObservePreloadStart(string(req.Pass), "spawn_failed")
			return Run{}, fmt.Errorf("%w: record lease: %v", ErrSpawnFailed, err)
		}
		metrics.ObservePreloadStart(string(req.Pass), "already_running")
		return Run{}, ErrAlreadyRunning
	}

	if s.throttler != nil {
		if err := s.throttler.Limit(ctx, run.PID, s.settings.CPULimit); err != nil {
			logger.Warn("cpu throttling not applied", zap.Error(err))
		}
	}
	metrics.ObservePreloadStart(string(req.Pass), "started")
	logger.Info("crawl started", zap.String("seed", seed))
	return run, nil
}

// Halt stops a running crawl and revokes its lease. It reports whether a
// live crawl was found.
func (s *Supervisor) Halt() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pid, err := s.lease.Holder()
	if errors.Is(err, lease.ErrNotHeld) {
		return false, nil
	}
	held, herr := s.lease.IsHeld()
	if herr != nil {
		return false, fmt.Errorf("check lease: %w", herr)
	}
	if err == nil && held {
		if terr := s.terminate(pid); terr != nil {
			return false, terr
		}
		s.logger.Info("crawl halted", zap.Int("pid", pid))
	}
	if rerr := s.lease.Revoke(); rerr != nil {
		return false, rerr
	}
	return held, nil
}

func sameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(ua.Hostname(), ub.Hostname())
}
