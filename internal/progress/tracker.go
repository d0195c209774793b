package progress

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/lease"
)

// Status is the coarse crawl state.
type Status string

// Crawl states.
const (
	StatusRunning Status = "running"
	StatusDone    Status = "done"
)

const maxLineSize = 1 << 20

var (
	urlLineRE   = regexp.MustCompile(`URL:(https?://[^\s]+).*?->`)
	wallClockRE = regexp.MustCompile(`(?i)Total wall clock time:\s*((?:\d+h\s*)?(?:\d+m\s*)?\d+(?:\.\d+)?s)`)
	finishedRE  = regexp.MustCompile(`^FINISHED\s+--([\d\-]+\s+[\d:]+)--$`)
)

// Snapshot is a point-in-time view of crawl progress.
type Snapshot struct {
	Status          Status        `json:"status"`
	Checked         int           `json:"checked"`
	Errors          int           `json:"errors"`
	LastURL         string        `json:"last_url"`
	Total           int           `json:"total"`
	Time            string        `json:"time"`
	Elapsed         time.Duration `json:"-"`
	LastPreloadTime string        `json:"last_preload_time"`
	LogFound        bool          `json:"log_found"`
}

// Totaler estimates how many URLs a full crawl visits.
type Totaler interface {
	Total(ctx context.Context) (int, error)
}

// Tracker builds Snapshots. It holds no state between calls.
type Tracker struct {
	logPath string
	lease   lease.Lease
	totals  Totaler
	logger  *zap.Logger
}

// NewTracker wires a Tracker. totals may be nil, in which case Total is 0.
func NewTracker(logPath string, l lease.Lease, totals Totaler, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{logPath: logPath, lease: l, totals: totals, logger: logger.Named("progress")}
}

// Snapshot reads the crawl log from the start. A missing log is reported
// through LogFound and is not an error.
func (t *Tracker) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Status: StatusDone}

	held, err := t.lease.IsHeld()
	if err != nil {
		return Snapshot{}, fmt.Errorf("check lease: %w", err)
	}
	if held {
		snap.Status = StatusRunning
	}

	f, err := os.Open(t.logPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Snapshot{}, fmt.Errorf("open crawl log: %w", err)
	default:
		snap.LogFound = true
		perr := ParseLog(f, &snap)
		_ = f.Close()
		if perr != nil {
			return Snapshot{}, perr
		}
	}

	if t.totals != nil {
		total, terr := t.totals.Total(ctx)
		if terr != nil {
			return Snapshot{}, terr
		}
		snap.Total = total
	}
	return snap, nil
}

// ParseLog accumulates crawl counters from r into snap.
func ParseLog(r io.Reader, snap *Snapshot) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if m := urlLineRE.FindStringSubmatch(line); m != nil {
			snap.Checked++
			snap.LastURL = m[1]
		}
		if strings.Contains(strings.ToUpper(line), "ERROR 404") {
			snap.Errors++
		}
		if m := wallClockRE.FindStringSubmatch(line); m != nil {
			snap.Time = strings.TrimSpace(m[1])
			if d, err := ParseWallClock(snap.Time); err == nil {
				snap.Elapsed = d
			}
		}
		if m := finishedRE.FindStringSubmatch(line); m != nil {
			snap.LastPreloadTime = strings.TrimSpace(m[1])
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan crawl log: %w", err)
	}
	return nil
}

// ParseWallClock turns wget's "1h 2m 3.5s" summary into a duration.
func ParseWallClock(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return 0, fmt.Errorf("parse wall clock %q: %w", s, err)
	}
	return d, nil
}
