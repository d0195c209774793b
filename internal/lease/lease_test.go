package lease

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/process"
)

func aliveSet(pids ...int) process.Checker {
	set := map[int]bool{}
	for _, p := range pids {
		set[p] = true
	}
	return process.CheckerFunc(func(pid int) bool { return set[pid] })
}

func TestTryAcquireAndRelease(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "run", "cache_preload.pid")
	l := NewFile(path, aliveSet(100, 200))

	ok, err := l.TryAcquire(100)
	require.NoError(t, err)
	require.True(t, ok)

	held, err := l.IsHeld()
	require.NoError(t, err)
	require.True(t, held)

	ok, err = l.TryAcquire(200)
	require.NoError(t, err)
	require.False(t, ok)
	holder, err := l.Holder()
	require.NoError(t, err)
	require.Equal(t, 100, holder)

	require.NoError(t, l.Release(200))
	_, err = os.Stat(path)
	require.NoError(t, err, "release by a non-holder must not remove the lease")

	require.NoError(t, l.Release(100))
	_, err = l.Holder()
	require.ErrorIs(t, err, ErrNotHeld)
}

func TestTryAcquireReplacesStaleLease(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache_preload.pid")
	require.NoError(t, os.WriteFile(path, []byte("999\n"), 0o600))
	l := NewFile(path, aliveSet(7))

	held, err := l.IsHeld()
	require.NoError(t, err)
	require.False(t, held, "dead holder must read as not running")

	ok, err := l.TryAcquire(7)
	require.NoError(t, err)
	require.True(t, ok)
	holder, err := l.Holder()
	require.NoError(t, err)
	require.Equal(t, 7, holder)
}

func TestGarbageLeaseIsStale(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache_preload.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o600))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))
	l := NewFile(path, aliveSet(5))

	held, err := l.IsHeld()
	require.NoError(t, err)
	require.False(t, held)

	ok, err := l.TryAcquire(5)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFreshEmptyLeaseIsNotStolen(t *testing.T) {
	t.Parallel()

	// An empty file is what another writer leaves between create and write.
	path := filepath.Join(t.TempDir(), "cache_preload.pid")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	l := NewFile(path, aliveSet(222))

	ok, err := l.TryAcquire(222)
	require.NoError(t, err)
	require.False(t, ok)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Empty(t, data, "the in-flight lease must be left alone")

	l.now = func() time.Time { return time.Now().Add(2 * staleAfter) }
	ok, err = l.TryAcquire(222)
	require.NoError(t, err)
	require.True(t, ok, "an abandoned empty lease is stale")
	holder, err := l.Holder()
	require.NoError(t, err)
	require.Equal(t, 222, holder)
}

func TestAcquireLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := NewFile(filepath.Join(dir, "cache_preload.pid"), aliveSet(1, 2))
	ok, err := l.TryAcquire(1)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = l.TryAcquire(2)
	require.NoError(t, err)
	require.False(t, ok)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "cache_preload.pid", entries[0].Name())

	info, err := os.Stat(filepath.Join(dir, "cache_preload.pid"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestRevokeIsIdempotent(t *testing.T) {
	t.Parallel()

	l := NewFile(filepath.Join(t.TempDir(), "p.pid"), aliveSet(1))
	require.NoError(t, l.Revoke())
	ok, err := l.TryAcquire(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.Revoke())
	require.NoError(t, l.Revoke())

	held, err := l.IsHeld()
	require.NoError(t, err)
	require.False(t, held)
}

func TestTryAcquireRejectsInvalidPID(t *testing.T) {
	t.Parallel()

	l := NewFile(filepath.Join(t.TempDir(), "p.pid"), nil)
	_, err := l.TryAcquire(0)
	require.Error(t, err)
}
