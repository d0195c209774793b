package process

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"go.uber.org/zap"
)

// Throttler caps the CPU share of a running process.
type Throttler interface {
	Limit(ctx context.Context, pid, percent int) error
}

// CPULimit throttles cooperatively by attaching the cpulimit tool to a PID.
// The limit is enforced with SIGSTOP/SIGCONT cycles, not a cgroup.
type CPULimit struct {
	path     string
	launcher Launcher
	logger   *zap.Logger
	lookPath func(string) (string, error)
}

// NewCPULimit builds a throttler that runs the cpulimit binary at path.
func NewCPULimit(path string, launcher Launcher, logger *zap.Logger) *CPULimit {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CPULimit{
		path:     path,
		launcher: launcher,
		logger:   logger.Named("cpulimit"),
		lookPath: exec.LookPath,
	}
}

// Limit attaches cpulimit to pid. When the tool is not installed the crawl
// runs unthrottled and a warning is logged.
func (c *CPULimit) Limit(ctx context.Context, pid, percent int) error {
	if percent <= 0 || percent >= 100 {
		return nil
	}
	if _, err := c.lookPath(c.path); err != nil {
		c.logger.Warn("cpulimit not available; crawl runs unthrottled", zap.String("path", c.path))
		return nil
	}
	_, err := c.launcher.Launch(ctx, Command{
		Path: c.path,
		Args: []string{"-p", strconv.Itoa(pid), "-l", strconv.Itoa(percent)},
	})
	if err != nil {
		return fmt.Errorf("attach cpulimit to %d: %w", pid, err)
	}
	c.logger.Info("cpu limit applied", zap.Int("pid", pid), zap.Int("percent", percent))
	return nil
}
