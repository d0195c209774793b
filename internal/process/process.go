// Package process launches detached helper processes and answers whether a
// recorded PID is still alive.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Command describes one detached process.
type Command struct {
	Path string
	Args []string
	// LogPath receives stdout and stderr. Empty discards output.
	LogPath string
	// AppendLog opens LogPath for appending instead of truncating it.
	AppendLog bool
	Dir       string
}

// Handle is a launched process.
type Handle interface {
	PID() int
	IsAlive() bool
}

// Launcher starts detached processes.
type Launcher interface {
	Launch(ctx context.Context, cmd Command) (Handle, error)
}

// Checker answers liveness questions about arbitrary PIDs.
type Checker interface {
	Alive(pid int) bool
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(pid int) bool

// Alive implements Checker.
func (f CheckerFunc) Alive(pid int) bool { return f(pid) }

// SystemChecker is the Checker backed by the running kernel.
var SystemChecker Checker = CheckerFunc(Alive)

// Alive reports whether pid names a running, non-zombie process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	return !isZombie(pid)
}

// Terminate asks pid to exit with SIGTERM. A process that is already gone is
// not an error.
func Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("terminate %d: %w", pid, err)
	}
	return nil
}

// Exec launches real processes in their own session so they outlive the
// caller's request and, if needed, the caller itself.
type Exec struct {
	logger *zap.Logger
}

// NewExec builds an Exec launcher.
func NewExec(logger *zap.Logger) *Exec {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exec{logger: logger.Named("process")}
}

// Launch implements Launcher. The context only bounds the start itself: a
// detached process is never killed when ctx ends.
func (e *Exec) Launch(ctx context.Context, c Command) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bin, err := exec.LookPath(c.Path)
	if err != nil {
		return nil, fmt.Errorf("locate %s: %w", c.Path, err)
	}

	out, err := openLog(c.LogPath, c.AppendLog)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(bin, c.Args...) //nolint:gosec // arguments are built from validated settings
	cmd.Dir = c.Dir
	cmd.Stdin = nil
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("start %s: %w", c.Path, err)
	}

	h := &execHandle{pid: cmd.Process.Pid, done: make(chan struct{})}
	// Reap the child so it never lingers as a zombie while this process
	// keeps running.
	go func() {
		werr := cmd.Wait()
		_ = out.Close()
		close(h.done)
		e.logger.Debug("process exited", zap.Int("pid", h.pid), zap.Error(werr))
	}()
	e.logger.Info("process started", zap.String("path", bin), zap.Int("pid", h.pid))
	return h, nil
}

func openLog(path string, appendLog bool) (*os.File, error) {
	if path == "" {
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", os.DevNull, err)
		}
		return f, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendLog {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return f, nil
}

type execHandle struct {
	pid  int
	done chan struct{}
}

func (h *execHandle) PID() int { return h.pid }

func (h *execHandle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
		return Alive(h.pid)
	}
}
