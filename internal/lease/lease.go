// Package lease implements the single-crawl mutex: a file holding the PID of
// the active preload. The lease is valid only while that PID is alive, so a
// file left behind by a crashed run never blocks the next one.
package lease

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/process"
)

// ErrNotHeld is returned by Holder when no lease file exists. Pollers treat
// it as the cancellation signal.
var ErrNotHeld = errors.New("lease not held")

// Lease is the lock service guarding preload runs.
type Lease interface {
	// TryAcquire records pid as the holder unless a live holder exists.
	TryAcquire(pid int) (bool, error)
	// Release removes the lease only if pid still holds it.
	Release(pid int) error
	// IsHeld reports whether a live process holds the lease.
	IsHeld() (bool, error)
	// Holder returns the recorded PID, alive or not.
	Holder() (int, error)
	// Revoke deletes the lease regardless of holder.
	Revoke() error
}

// staleAfter is how long an unparsable lease is presumed to be mid-write.
const staleAfter = time.Second

// File is a Lease stored at a filesystem path.
type File struct {
	path    string
	checker process.Checker
	now     func() time.Time
}

// NewFile builds a file-backed lease.
func NewFile(path string, checker process.Checker) *File {
	if checker == nil {
		checker = process.SystemChecker
	}
	return &File{path: path, checker: checker, now: time.Now}
}

// Path returns the lease file location.
func (f *File) Path() string {
	return f.path
}

// TryAcquire implements Lease. Creation is exclusive; a stale file is
// replaced once. A file whose PID cannot be parsed is stale only once it is
// older than staleAfter, so a lease written by other tooling is not stolen
// mid-write.
func (f *File) TryAcquire(pid int) (bool, error) {
	if pid <= 0 {
		return false, fmt.Errorf("invalid pid %d", pid)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return false, fmt.Errorf("create lease dir: %w", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := f.create(pid)
		if err != nil || ok {
			return ok, err
		}
		holder, herr := f.Holder()
		switch {
		case errors.Is(herr, ErrNotHeld):
			continue
		case herr == nil && f.checker.Alive(holder):
			return false, nil
		case herr != nil && f.fresh():
			return false, nil
		}
		// Stale: unparsable or dead holder.
		if rerr := os.Remove(f.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			return false, fmt.Errorf("remove stale lease: %w", rerr)
		}
	}
	return false, nil
}

// create publishes the lease with a hard link from a fully written temp
// file. Link fails if the lease exists, and readers never observe an empty
// or partial PID.
func (f *File) create(pid int) (bool, error) {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+filepath.Base(f.path)+".*")
	if err != nil {
		return false, fmt.Errorf("create lease temp: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // the link, if any, keeps the inode

	_, werr := tmp.WriteString(strconv.Itoa(pid) + "\n")
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		return false, fmt.Errorf("write lease: %w", errors.Join(werr, cerr))
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return false, fmt.Errorf("chmod lease: %w", err)
	}
	if err := os.Link(tmp.Name(), f.path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("publish lease: %w", err)
	}
	return true, nil
}

func (f *File) fresh() bool {
	info, err := os.Stat(f.path)
	if err != nil {
		return false
	}
	return f.now().Sub(info.ModTime()) < staleAfter
}

// Release implements Lease.
func (f *File) Release(pid int) error {
	holder, err := f.Holder()
	if errors.Is(err, ErrNotHeld) {
		return nil
	}
	if err == nil && holder != pid {
		return nil
	}
	return f.Revoke()
}

// IsHeld implements Lease.
func (f *File) IsHeld() (bool, error) {
	pid, err := f.Holder()
	if errors.Is(err, ErrNotHeld) {
		return false, nil
	}
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) {
			return false, nil
		}
		return false, err
	}
	return f.checker.Alive(pid), nil
}

// Holder implements Lease.
func (f *File) Holder() (int, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNotHeld
		}
		return 0, fmt.Errorf("read lease: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse lease: %w", err)
	}
	return pid, nil
}

// Revoke implements Lease.
func (f *File) Revoke() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lease: %w", err)
	}
	return nil
}
