// Package oplog writes and reads the operational log: the human-facing,
// append-only record of purge and preload outcomes.
//
// Every line has the form "[2006-01-02 15:04:05] MESSAGE". Messages carry a
// leading outcome prefix (SUCCESS, INFO, ERROR ...) that callers classify by
// substring. The lifecycle checker reads the log back to recover when the
// current preload started.
package oplog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TimeLayout is the timestamp layout used inside the square brackets.
const TimeLayout = "2006-01-02 15:04:05"

// Markers identifying the line that opened a preload run.
const (
	MarkerPreloadStarted = "Cache preloading has started in the background"
	MarkerAutoPreload    = "Auto preload initiated in the background"
)

var lineRE = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})\]\s+(.*)$`)

// Writer appends timestamped lines to the operational log.
type Writer struct {
	logger *zap.Logger
	closer io.Closer
	loc    *time.Location
}

// Option customizes a Writer.
type Option func(*options)

type options struct {
	clock zapcore.Clock
	loc   *time.Location
}

// WithClock overrides the time source used for timestamps.
func WithClock(clock zapcore.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithLocation sets the zone timestamps are rendered in. Defaults to time.Local.
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.loc = loc }
}

// Open creates the parent directory if needed and opens path for appending.
func Open(path string, opts ...Option) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ops log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ops log: %w", err)
	}
	w := New(zapcore.AddSync(f), opts...)
	w.closer = f
	return w, nil
}

// New builds a Writer on top of an arbitrary sink.
func New(ws zapcore.WriteSyncer, opts ...Option) *Writer {
	o := options{clock: zapcore.DefaultClock, loc: time.Local}
	for _, opt := range opts {
		opt(&o)
	}
	loc := o.loc
	encCfg := zapcore.EncoderConfig{
		TimeKey:    "ts",
		MessageKey: "msg",
		LineEnding: zapcore.DefaultLineEnding,
		EncodeTime: func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString("[" + t.In(loc).Format(TimeLayout) + "]")
		},
		ConsoleSeparator: " ",
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), ws, zapcore.DebugLevel)
	return &Writer{
		logger: zap.New(core, zap.WithClock(o.clock)),
		loc:    loc,
	}
}

// Log appends one message. Newlines are flattened so every entry stays on a
// single line.
func (w *Writer) Log(message string) {
	if w == nil {
		return
	}
	message = strings.ReplaceAll(strings.TrimSpace(message), "\n", " ")
	w.logger.Info(message)
}

// Logf formats and appends one message.
func (w *Writer) Logf(format string, args ...any) {
	w.Log(fmt.Sprintf(format, args...))
}

// Location returns the zone timestamps are written in.
func (w *Writer) Location() *time.Location {
	if w == nil || w.loc == nil {
		return time.Local
	}
	return w.loc
}

// Close flushes and closes the underlying file, if any.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	_ = w.logger.Sync()
	if w.closer == nil {
		return nil
	}
	if err := w.closer.Close(); err != nil {
		return fmt.Errorf("close ops log: %w", err)
	}
	return nil
}

// Entry is one parsed line of the operational log.
type Entry struct {
	Time    time.Time
	Message string
}

// LatestMatching scans the log at path and returns the most recent entry
// whose message contains any of markers. ok is false when the file is
// missing or no line matches.
func LatestMatching(path string, loc *time.Location, markers ...string) (Entry, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("open ops log: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	if loc == nil {
		loc = time.Local
	}
	var (
		latest Entry
		found  bool
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		m := lineRE.FindStringSubmatch(sc.Text())
		if m == nil || !containsAny(m[2], markers) {
			continue
		}
		ts, perr := time.ParseInLocation(TimeLayout, m[1], loc)
		if perr != nil {
			continue
		}
		if !found || !ts.Before(latest.Time) {
			latest = Entry{Time: ts, Message: m[2]}
			found = true
		}
	}
	if err := sc.Err(); err != nil {
		return Entry{}, false, fmt.Errorf("scan ops log: %w", err)
	}
	return latest, found, nil
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(s, m) {
			return true
		}
	}
	return false
}
