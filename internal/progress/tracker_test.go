package progress

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/lease"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/process"
)

const sampleLog = `2025-05-01 10:00:01 URL:https://example.com/ [5120/5120] -> "/dev/shm/c/tmp/example.com/index.html" [1]
2025-05-01 10:00:02 URL:https://example.com/about/ [2048/2048] -> "/dev/shm/c/tmp/example.com/about/index.html" [1]
https://example.com/missing/:
2025-05-01 10:00:03 ERROR 404: Not Found.

2025-05-01 10:00:04 URL:https://example.com/blog/ [9000/9000] -> "/dev/shm/c/tmp/example.com/blog/index.html" [1]
FINISHED --2025-05-01 10:00:05--
Total wall clock time: 1m 4s
Downloaded: 3 files, 16K in 0.01s (1.5 MB/s)
`

type staticTotal int

func (s staticTotal) Total(context.Context) (int, error) { return int(s), nil }

func writeLease(t *testing.T, dir string, alive bool) lease.Lease {
	t.Helper()
	path := filepath.Join(dir, "cache_preload.pid")
	l := lease.NewFile(path, process.CheckerFunc(func(int) bool { return alive }))
	ok, err := l.TryAcquire(4321)
	require.NoError(t, err)
	require.True(t, ok)
	return l
}

func TestSnapshotParsesLog(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logPath := filepath.Join(dir, "nppp-wget.log")
	require.NoError(t, os.WriteFile(logPath, []byte(sampleLog), 0o600))

	tr := NewTracker(logPath, writeLease(t, dir, true), staticTotal(250), nil)
	snap, err := tr.Snapshot(context.Background())
	require.NoError(t, err)

	require.Equal(t, StatusRunning, snap.Status)
	require.True(t, snap.LogFound)
	require.Equal(t, 3, snap.Checked)
	require.Equal(t, 1, snap.Errors)
	require.Equal(t, "https://example.com/blog/", snap.LastURL)
	require.Equal(t, "1m 4s", snap.Time)
	require.Equal(t, 64*time.Second, snap.Elapsed)
	require.Equal(t, "2025-05-01 10:00:05", snap.LastPreloadTime)
	require.Equal(t, 250, snap.Total)

	again, err := tr.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, snap, again)
}

func TestSnapshotMissingLog(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := lease.NewFile(filepath.Join(dir, "none.pid"), nil)
	tr := NewTracker(filepath.Join(dir, "absent.log"), l, nil, nil)

	snap, err := tr.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, Snapshot{Status: StatusDone}, snap)
}

func TestSnapshotDeadHolderIsDone(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tr := NewTracker(filepath.Join(dir, "absent.log"), writeLease(t, dir, false), nil, nil)
	snap, err := tr.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusDone, snap.Status)
}

func TestParseLogHandlesLongLines(t *testing.T) {
	t.Parallel()

	long := "URL:https://example.com/" + strings.Repeat("a", 200*1024) + " [1/1] -> \"x\" [1]\n"
	var snap Snapshot
	require.NoError(t, ParseLog(strings.NewReader(long), &snap))
	require.Equal(t, 1, snap.Checked)
}

func TestParseWallClock(t *testing.T) {
	t.Parallel()

	cases := map[string]time.Duration{
		"4s":         4 * time.Second,
		"1m 4s":      64 * time.Second,
		"2h 0m 1.5s": 2*time.Hour + 1500*time.Millisecond,
		"12m 30s":    12*time.Minute + 30*time.Second,
	}
	for in, want := range cases {
		got, err := ParseWallClock(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseWallClock("soon")
	require.Error(t, err)
}
