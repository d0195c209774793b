// Package lifecycle waits for a detached preload to end and performs the
// one-time cleanup that follows it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/lease"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/metrics"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/notify"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/oplog"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/preload"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/process"
)

// State is the checker's view of the crawl.
type State string

// Lifecycle states.
const (
	StateWaiting  State = "WAITING"
	StateFinished State = "FINISHED"
	StateAborted  State = "ABORTED"
)

// ElapsedUnavailable is reported when no start line is found in the ops log.
const ElapsedUnavailable = "unavailable"

// CompletionMessage is the body handed to notifiers.
const CompletionMessage = "The NGINX FastCGI Cache Preload operation has been completed"

// Outcome summarizes one WaitAndFinalize call.
type Outcome struct {
	State         State  `json:"state"`
	Elapsed       string `json:"elapsed,omitempty"`
	MobileStarted bool   `json:"mobile_started"`
}

// Starter launches a crawl pass.
type Starter interface {
	Start(ctx context.Context, req preload.Request) (preload.Run, error)
}

// Config holds the knobs the checker needs.
type Config struct {
	PollInterval  time.Duration
	MobileEnabled bool
	TmpDir        string
	OpsLogPath    string
}

// Checker polls the lease until the crawl ends.
type Checker struct {
	cfg      Config
	lease    lease.Lease
	alive    process.Checker
	starter  Starter
	notifier notify.Notifier
	ops      *oplog.Writer
	fs       afero.Fs
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
	logger   *zap.Logger
}

// Option customizes a Checker.
type Option func(*Checker)

// WithFs overrides the filesystem used to remove the tmp dir.
func WithFs(fs afero.Fs) Option { return func(c *Checker) { c.fs = fs } }

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option { return func(c *Checker) { c.now = now } }

// WithAfter overrides the poll timer.
func WithAfter(after func(time.Duration) <-chan time.Time) Option {
	return func(c *Checker) { c.after = after }
}

// WithLiveness overrides how holder PIDs are checked.
func WithLiveness(alive process.Checker) Option { return func(c *Checker) { c.alive = alive } }

// New wires a Checker. notifier and ops may be nil.
func New(
	cfg Config,
	l lease.Lease,
	starter Starter,
	notifier notify.Notifier,
	ops *oplog.Writer,
	logger *zap.Logger,
	opts ...Option,
) *Checker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Checker{
		cfg:      cfg,
		lease:    l,
		alive:    process.SystemChecker,
		starter:  starter,
		notifier: notifier,
		ops:      ops,
		fs:       afero.NewOsFs(),
		now:      time.Now,
		after:    time.After,
		logger:   logger.Named("lifecycle"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WaitAndFinalize blocks until the crawl ends. A revoked lease means the run
// was cancelled: the checker returns ABORTED without side effects. A
// finished desktop pass is followed by the mobile pass when enabled; after
// the last pass the checker cleans up once and returns FINISHED.
//
// The checker only ever releases the lease of the PID it saw die. When
// another live crawl holds the lease by then, the checker follows that crawl
// instead of finalizing under it.
func (c *Checker) WaitAndFinalize(ctx context.Context) (Outcome, error) {
	mobilePending := c.cfg.MobileEnabled
	out := Outcome{State: StateWaiting}

	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		pid, err := c.lease.Holder()
		if errors.Is(err, lease.ErrNotHeld) {
			c.logger.Info("lease revoked; preload cancelled")
			metrics.ObserveLifecycle(string(StateAborted))
			out.State = StateAborted
			return out, nil
		}
		if err == nil && c.alive.Alive(pid) {
			if werr := c.wait(ctx); werr != nil {
				return out, werr
			}
			continue
		}
		if err != nil {
			c.logger.Warn("unreadable lease treated as finished", zap.Error(err))
		}

		if mobilePending {
			mobilePending = false
			if c.startMobile(ctx, pid) {
				out.MobileStarted = true
				if werr := c.wait(ctx); werr != nil {
					return out, werr
				}
				continue
			}
		}

		if c.releaseAndCheckLive(pid) {
			if werr := c.wait(ctx); werr != nil {
				return out, werr
			}
			continue
		}
		out.State = StateFinished
		out.Elapsed = c.finalize(ctx)
		return out, nil
	}
}

func (c *Checker) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.after(c.cfg.PollInterval):
		return nil
	}
}

// releaseAndCheckLive drops the lease held by the dead pid and reports
// whether some other live crawl holds the lease now.
func (c *Checker) releaseAndCheckLive(pid int) bool {
	if err := c.lease.Release(pid); err != nil {
		c.logger.Warn("failed to release lease", zap.Int("pid", pid), zap.Error(err))
	}
	held, err := c.lease.IsHeld()
	if err != nil {
		c.logger.Warn("failed to check lease", zap.Error(err))
		return false
	}
	if held {
		c.logger.Info("another preload holds the lease; following it")
	}
	return held
}

// startMobile reports whether a mobile pass is now running under the lease.
func (c *Checker) startMobile(ctx context.Context, desktopPID int) bool {
	if err := c.lease.Release(desktopPID); err != nil {
		c.logger.Warn("failed to clear desktop lease", zap.Error(err))
	}
	if c.starter == nil {
		return false
	}
	run, err := c.starter.Start(ctx, preload.Request{Pass: preload.PassMobile})
	if err != nil {
		c.logger.Error("mobile preload failed to start", zap.Error(err))
		c.ops.Logf("ERROR: Mobile cache preload could not be started: %v", err)
		return false
	}
	if run.Finished {
		return false
	}
	c.logger.Info("mobile preload started", zap.Int("pid", run.PID))
	c.ops.Log("INFO: Mobile cache preloading has started in the background.")
	return true
}

// finalize runs the terminal cleanup and returns the formatted elapsed time.
// The lease must already be released.
func (c *Checker) finalize(ctx context.Context) string {
	if c.cfg.TmpDir != "" {
		if err := c.fs.RemoveAll(c.cfg.TmpDir); err != nil {
			c.logger.Warn("failed to remove tmp dir", zap.String("path", c.cfg.TmpDir), zap.Error(err))
		}
	}

	elapsed := ElapsedUnavailable
	entry, ok, err := oplog.LatestMatching(c.cfg.OpsLogPath, c.ops.Location(),
		oplog.MarkerPreloadStarted, oplog.MarkerAutoPreload)
	switch {
	case err != nil:
		c.logger.Warn("failed to read preload start time", zap.Error(err))
	case ok:
		d := c.now().Sub(entry.Time)
		elapsed = FormatElapsed(d)
		metrics.ObservePreloadDuration(d)
	}

	if c.notifier != nil {
		if err := c.notifier.Notify(ctx, CompletionMessage, elapsed); err != nil {
			c.logger.Warn("completion notification failed", zap.Error(err))
		}
	}
	c.ops.Log("SUCCESS: Cache preload is completed in " + elapsed)
	metrics.ObserveLifecycle(string(StateFinished))
	c.logger.Info("preload finished", zap.String("elapsed", elapsed))
	return elapsed
}

// FormatElapsed renders d as "H hours, M minutes, and S seconds". Hours are
// not wrapped at a day.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%d hours, %d minutes, and %d seconds", total/3600, (total%3600)/60, total%60)
}
