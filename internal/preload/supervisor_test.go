package preload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/lease"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/process"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/purge"
)

type fakeHandle struct {
	pid   int
	alive bool
}

func (h *fakeHandle) PID() int      { return h.pid }
func (h *fakeHandle) IsAlive() bool { return h.alive }

type fakeLauncher struct {
	mu     sync.Mutex
	handle *fakeHandle
	err    error
	calls  []process.Command
}

func (l *fakeLauncher) Launch(_ context.Context, cmd process.Command) (process.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, cmd)
	if l.err != nil {
		return nil, l.err
	}
	return l.handle, nil
}

type fakeLease struct {
	mu      sync.Mutex
	holder  int
	alive   bool
	err     error
	revoked int
	// steal makes TryAcquire lose as if another start won the race.
	steal bool
}

func (l *fakeLease) TryAcquire(pid int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if l.steal || (l.holder != 0 && l.alive) {
		return false, nil
	}
	l.holder, l.alive = pid, true
	return true, nil
}

func (l *fakeLease) Release(pid int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == pid {
		l.holder = 0
	}
	return nil
}

func (l *fakeLease) IsHeld() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder != 0 && l.alive, nil
}

func (l *fakeLease) Holder() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == 0 {
		return 0, lease.ErrNotHeld
	}
	return l.holder, nil
}

func (l *fakeLease) Revoke() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holder = 0
	l.revoked++
	return nil
}

type recordingThrottler struct {
	pid, percent int
}

func (r *recordingThrottler) Limit(_ context.Context, pid, percent int) error {
	r.pid, r.percent = pid, percent
	return nil
}

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "run-1", nil }

type terminations struct {
	mu   sync.Mutex
	pids []int
}

func (t *terminations) terminate(pid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pids = append(t.pids, pid)
	return nil
}

func testSettings() Settings {
	return Settings{
		WgetPath:    "wget",
		LimitRateKB: 1280,
		CPULimit:    50,
		RejectRegex: `"*.php*"`,
		TmpDir:      "/dev/shm/cache/tmp",
		LogFile:     "/var/log/cachewarden/nppp-wget.log",
	}
}

func newTestSupervisor(l lease.Lease, launcher process.Launcher, term *terminations, opts ...Option) *Supervisor {
	base := []Option{
		WithStartupGrace(0),
		WithIDGenerator(fixedIDs{}),
		WithTerminator(term.terminate),
	}
	return NewSupervisor(testSettings(), "https://example.com", l, launcher, zap.NewNop(), append(base, opts...)...)
}

func TestStartRecordsLeaseAfterSpawn(t *testing.T) {
	t.Parallel()

	l := &fakeLease{}
	launcher := &fakeLauncher{handle: &fakeHandle{pid: 42, alive: true}}
	throttle := &recordingThrottler{}
	s := newTestSupervisor(l, launcher, &terminations{}, WithThrottler(throttle))

	run, err := s.Start(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, "run-1", run.ID)
	require.Equal(t, 42, run.PID)
	require.Equal(t, PassDesktop, run.Pass)
	require.Equal(t, "https://example.com", run.SeedURL)
	require.False(t, run.Finished)

	holder, err := l.Holder()
	require.NoError(t, err)
	require.Equal(t, 42, holder)
	require.Equal(t, 42, throttle.pid)
	require.Equal(t, 50, throttle.percent)

	require.Len(t, launcher.calls, 1)
	cmd := launcher.calls[0]
	require.Equal(t, "wget", cmd.Path)
	require.Equal(t, "/var/log/cachewarden/nppp-wget.log", cmd.LogPath)
	require.False(t, cmd.AppendLog)
	require.Contains(t, cmd.Args, "-m")
}

func TestStartAlreadyRunningLeavesLeaseAlone(t *testing.T) {
	t.Parallel()

	l := &fakeLease{holder: 7, alive: true}
	launcher := &fakeLauncher{handle: &fakeHandle{pid: 42, alive: true}}
	s := newTestSupervisor(l, launcher, &terminations{})

	_, err := s.Start(context.Background(), Request{})
	require.ErrorIs(t, err, ErrAlreadyRunning)
	require.Empty(t, launcher.calls)
	holder, err := l.Holder()
	require.NoError(t, err)
	require.Equal(t, 7, holder)
}

func TestStartSpawnFailureWritesNoLease(t *testing.T) {
	t.Parallel()

	l := &fakeLease{}
	launcher := &fakeLauncher{err: errors.New("exec: \"wget\": executable file not found")}
	s := newTestSupervisor(l, launcher, &terminations{})

	_, err := s.Start(context.Background(), Request{})
	require.ErrorIs(t, err, ErrSpawnFailed)
	_, err = l.Holder()
	require.ErrorIs(t, err, lease.ErrNotHeld)
}

func TestStartEarlyExitIsSpawnFailure(t *testing.T) {
	t.Parallel()

	l := &fakeLease{}
	launcher := &fakeLauncher{handle: &fakeHandle{pid: 42, alive: false}}
	s := newTestSupervisor(l, launcher, &terminations{})

	_, err := s.Start(context.Background(), Request{})
	require.ErrorIs(t, err, ErrSpawnFailed)
	_, err = l.Holder()
	require.ErrorIs(t, err, lease.ErrNotHeld)
}

func TestStartSinglePageQuickExitCountsAsFinished(t *testing.T) {
	t.Parallel()

	l := &fakeLease{}
	launcher := &fakeLauncher{handle: &fakeHandle{pid: 42, alive: false}}
	s := newTestSupervisor(l, launcher, &terminations{})

	run, err := s.Start(context.Background(), Request{SeedURL: "https://example.com/hello/", Single: true})
	require.NoError(t, err)
	require.True(t, run.Finished)
	require.NotContains(t, launcher.calls[0].Args, "-m")
	_, err = l.Holder()
	require.ErrorIs(t, err, lease.ErrNotHeld)
}

func TestStartSinglePageRejectsForeignHost(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{handle: &fakeHandle{pid: 42, alive: true}}
	s := newTestSupervisor(&fakeLease{}, launcher, &terminations{})

	_, err := s.Start(context.Background(), Request{SeedURL: "https://other.example.org/", Single: true})
	require.ErrorIs(t, err, purge.ErrInvalidInput)
	require.Empty(t, launcher.calls)
}

func TestStartLostLeaseRaceStopsChild(t *testing.T) {
	t.Parallel()

	l := &fakeLease{steal: true}
	term := &terminations{}
	launcher := &fakeLauncher{handle: &fakeHandle{pid: 42, alive: true}}
	s := newTestSupervisor(l, launcher, term)

	_, err := s.Start(context.Background(), Request{})
	require.ErrorIs(t, err, ErrAlreadyRunning)
	require.Equal(t, []int{42}, term.pids)
}

func TestStartLeaseWriteErrorStopsChild(t *testing.T) {
	t.Parallel()

	l := &fakeLease{err: errors.New("read-only file system")}
	term := &terminations{}
	launcher := &fakeLauncher{handle: &fakeHandle{pid: 42, alive: true}}
	s := newTestSupervisor(l, launcher, term)

	_, err := s.Start(context.Background(), Request{})
	require.ErrorIs(t, err, ErrSpawnFailed)
	require.Equal(t, []int{42}, term.pids)
}

func TestStartMobilePassAppendsLog(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{handle: &fakeHandle{pid: 9, alive: true}}
	s := newTestSupervisor(&fakeLease{}, launcher, &terminations{})

	run, err := s.Start(context.Background(), Request{Pass: PassMobile})
	require.NoError(t, err)
	require.Equal(t, PassMobile, run.Pass)
	require.True(t, launcher.calls[0].AppendLog)
	require.Contains(t, launcher.calls[0].Args, PassMobile.UserAgent())
}

func TestStartWaitsStartupGrace(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{handle: &fakeHandle{pid: 9, alive: true}}
	s := newTestSupervisor(&fakeLease{}, launcher, &terminations{}, WithStartupGrace(1500*time.Millisecond))
	var slept time.Duration
	s.sleep = func(d time.Duration) { slept = d }

	_, err := s.Start(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, 1500*time.Millisecond, slept)
}

func TestHalt(t *testing.T) {
	t.Parallel()

	t.Run("running crawl is stopped", func(t *testing.T) {
		t.Parallel()
		l := &fakeLease{holder: 11, alive: true}
		term := &terminations{}
		s := newTestSupervisor(l, &fakeLauncher{}, term)

		held, err := s.Halt()
		require.NoError(t, err)
		require.True(t, held)
		require.Equal(t, []int{11}, term.pids)
		require.Equal(t, 1, l.revoked)
	})

	t.Run("stale lease is revoked without signalling", func(t *testing.T) {
		t.Parallel()
		l := &fakeLease{holder: 11, alive: false}
		term := &terminations{}
		s := newTestSupervisor(l, &fakeLauncher{}, term)

		held, err := s.Halt()
		require.NoError(t, err)
		require.False(t, held)
		require.Empty(t, term.pids)
		require.Equal(t, 1, l.revoked)
	})

	t.Run("no lease", func(t *testing.T) {
		t.Parallel()
		l := &fakeLease{}
		s := newTestSupervisor(l, &fakeLauncher{}, &terminations{})

		held, err := s.Halt()
		require.NoError(t, err)
		require.False(t, held)
		require.Zero(t, l.revoked)
	})
}
