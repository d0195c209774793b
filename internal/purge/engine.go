// Package purge deletes entries from the on-disk reverse-proxy cache, either
// the single entry answering a URL or the whole tree.
package purge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/cachekey"
)

// Outcome sentinels. Callers branch on them with errors.Is.
var (
	ErrInvalidInput       = errors.New("invalid_input")
	ErrPermission         = errors.New("permission_error")
	ErrDirectoryTraversal = errors.New("directory_traversal")
	ErrDirectoryNotFound  = errors.New("directory_not_found")
	ErrEmptyDirectory     = errors.New("empty_directory")
)

const (
	headSize    = 4096
	maxHeadSize = 32768
)

// errStop ends a walk early once a match is found.
var errStop = errors.New("stop walk")

// AccessFunc returns nil when path is both readable and writable.
type AccessFunc func(path string, info os.FileInfo) error

// Result describes a single-URL purge.
type Result struct {
	Found   bool
	Deleted bool
	Path    string
}

// CachedURL is one GET entry discovered in the cache.
type CachedURL struct {
	URL      string            `json:"url"`
	Path     string            `json:"file_path"`
	Category cachekey.Category `json:"category"`
}

// Engine walks and deletes cache entries under a single root.
type Engine struct {
	fs        afero.Fs
	root      string
	matcher   *cachekey.Matcher
	protected map[string]struct{}
	access    AccessFunc
	resolve   func(string) (string, error)
	logger    *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithFs swaps the filesystem. Non-OS filesystems get mode-bit access checks
// and lexical path resolution unless overridden.
func WithFs(fs afero.Fs) Option {
	return func(e *Engine) { e.fs = fs }
}

// WithAccessChecker overrides the read/write pre-flight check.
func WithAccessChecker(fn AccessFunc) Option {
	return func(e *Engine) { e.access = fn }
}

// WithProtectedDirs replaces the set of directory names that are never
// deleted or scanned.
func WithProtectedDirs(names map[string]struct{}) Option {
	return func(e *Engine) { e.protected = names }
}

// New builds an Engine rooted at root.
func New(root string, matcher *cachekey.Matcher, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		fs:        afero.NewOsFs(),
		root:      filepath.Clean(root),
		matcher:   matcher,
		protected: map[string]struct{}{},
		logger:    logger.Named("purge"),
	}
	for _, opt := range opts {
		opt(e)
	}
	_, onDisk := e.fs.(*afero.OsFs)
	if e.access == nil {
		if onDisk {
			e.access = unixAccess
		} else {
			e.access = modeAccess
		}
	}
	if e.resolve == nil {
		if onDisk {
			e.resolve = filepath.EvalSymlinks
		} else {
			e.resolve = func(p string) (string, error) { return filepath.Clean(p), nil }
		}
	}
	return e
}

// Root returns the cleaned cache root.
func (e *Engine) Root() string {
	return e.root
}

func unixAccess(path string, _ os.FileInfo) error {
	return unix.Access(path, unix.R_OK|unix.W_OK)
}

func modeAccess(path string, info os.FileInfo) error {
	if info.Mode().Perm()&0o600 != 0o600 {
		return fmt.Errorf("%s: mode %v lacks owner read/write", path, info.Mode().Perm())
	}
	return nil
}

// ValidateURL checks that raw is an absolute http(s) URL.
func ValidateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidInput, raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q is not an absolute http(s) URL", ErrInvalidInput, raw)
	}
	return nil
}

func (e *Engine) isProtected(name string) bool {
	_, ok := e.protected[name]
	return ok
}

func (e *Engine) checkRoot() error {
	info, err := e.fs.Stat(e.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrDirectoryNotFound, e.root)
		}
		return fmt.Errorf("%w: stat %s: %v", ErrPermission, e.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrDirectoryNotFound, e.root)
	}
	return nil
}

// within reports whether path resolves to a location under the resolved root.
func (e *Engine) within(path string) (bool, error) {
	root, err := e.resolve(e.root)
	if err != nil {
		return false, fmt.Errorf("resolve root: %w", err)
	}
	resolved, err := e.resolve(path)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", path, err)
	}
	return resolved == root || strings.HasPrefix(resolved, root+string(os.PathSeparator)), nil
}

// readHead returns the first block of a file, widening the read when the
// key line is not inside the first block.
func (e *Engine) readHead(path string) ([]byte, error) {
	f, err := e.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck // read-only

	buf := make([]byte, maxHeadSize)
	n, err := io.ReadFull(f, buf[:headSize])
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if n < headSize || cachekey.HasKeyLine(buf[:n]) {
		return buf[:n], nil
	}
	m, err := io.ReadFull(f, buf[headSize:])
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:headSize+m], nil
}

// candidate reports whether a walked entry is a file worth reading. Symlinks
// are followed so that the traversal guard gets to see where they point.
func (e *Engine) candidate(path string, info os.FileInfo) bool {
	if info.Mode().IsRegular() {
		return true
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return false
	}
	target, err := e.fs.Stat(path)
	return err == nil && target.Mode().IsRegular()
}

// walkFiles visits every candidate file outside protected directories.
func (e *Engine) walkFiles(ctx context.Context, visit func(path string, info os.FileInfo) error) error {
	return afero.Walk(e.fs, e.root, func(path string, info os.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == e.root {
				return err
			}
			e.logger.Debug("skipping unreadable entry", zap.String("path", path), zap.Error(err))
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			if path != e.root && e.isProtected(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !e.candidate(path, info) {
			return nil
		}
		return visit(path, info)
	})
}

// walkError classifies a failed walk. Cancellation is returned as is so a
// dropped request is not reported as a permission problem.
func (e *Engine) walkError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: walk %s: %v", ErrPermission, e.root, err)
}

// PurgeOne deletes the first cache entry whose key matches rawURL.
func (e *Engine) PurgeOne(ctx context.Context, rawURL string) (Result, error) {
	if err := ValidateURL(rawURL); err != nil {
		return Result{}, err
	}
	if err := e.checkRoot(); err != nil {
		return Result{}, err
	}

	var hit string
	err := e.walkFiles(ctx, func(path string, _ os.FileInfo) error {
		head, rerr := e.readHead(path)
		if rerr != nil {
			e.logger.Debug("read failed", zap.String("path", path), zap.Error(rerr))
			return nil
		}
		if e.matcher.Match(head, rawURL) {
			hit = path
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return Result{}, e.walkError(err)
	}
	if hit == "" {
		return Result{}, nil
	}

	ok, err := e.within(hit)
	if err != nil {
		return Result{Found: true, Path: hit}, fmt.Errorf("%w: %v", ErrDirectoryTraversal, err)
	}
	if !ok {
		return Result{Found: true, Path: hit}, fmt.Errorf("%w: %s escapes %s", ErrDirectoryTraversal, hit, e.root)
	}
	if err := e.fs.Remove(hit); err != nil {
		return Result{Found: true, Path: hit}, fmt.Errorf("%w: delete %s: %v", ErrPermission, hit, err)
	}
	e.logger.Info("purged cache entry", zap.String("url", rawURL), zap.String("path", hit))
	return Result{Found: true, Deleted: true, Path: hit}, nil
}

// PurgeAll empties the cache root except protected directories.
//
// Every entry is checked for read/write access before anything is deleted,
// so a permission problem leaves the tree untouched. A failure during the
// delete phase stops immediately and names the failing path; earlier
// deletions are not undone.
func (e *Engine) PurgeAll(ctx context.Context) error {
	if err := e.checkRoot(); err != nil {
		return err
	}
	resolved, err := e.resolve(e.root)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", ErrDirectoryTraversal, e.root, err)
	}
	if resolved != e.root && !strings.HasPrefix(resolved, e.root+string(os.PathSeparator)) {
		return fmt.Errorf("%w: %s resolves to %s", ErrDirectoryTraversal, e.root, resolved)
	}

	keep, err := e.preflight(ctx)
	if err != nil {
		return err
	}

	found := false
	err = e.walkFiles(ctx, func(path string, _ os.FileInfo) error {
		head, rerr := e.readHead(path)
		if rerr != nil {
			return fmt.Errorf("%w: read %s: %v", ErrPermission, path, rerr)
		}
		if cachekey.HasKeyLine(head) {
			found = true
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrEmptyDirectory, e.root)
	}

	removed, err := e.removeChildren(ctx, e.root, keep)
	if err != nil {
		return err
	}
	e.logger.Info("purged cache", zap.String("root", e.root), zap.Int("removed", removed))
	return nil
}

// preflight verifies access to every entry and returns the directories that
// must survive because they contain a protected directory.
func (e *Engine) preflight(ctx context.Context) (map[string]struct{}, error) {
	keep := map[string]struct{}{}
	err := afero.Walk(e.fs, e.root, func(path string, info os.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPermission, path, err)
		}
		if info.IsDir() && path != e.root && e.isProtected(info.Name()) {
			for dir := filepath.Dir(path); dir != e.root && len(dir) > len(e.root); dir = filepath.Dir(dir) {
				keep[dir] = struct{}{}
			}
			return filepath.SkipDir
		}
		if aerr := e.access(path, info); aerr != nil {
			return fmt.Errorf("%w: %s is not readable and writable: %v", ErrPermission, path, aerr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keep, nil
}

func (e *Engine) removeChildren(ctx context.Context, dir string, keep map[string]struct{}) (int, error) {
	entries, err := afero.ReadDir(e.fs, dir)
	if err != nil {
		return 0, fmt.Errorf("%w: list %s: %v", ErrPermission, dir, err)
	}
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if entry.IsDir() && e.isProtected(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if _, ok := keep[path]; ok {
			n, err := e.removeChildren(ctx, path, keep)
			removed += n
			if err != nil {
				return removed, err
			}
			continue
		}
		if err := e.fs.RemoveAll(path); err != nil {
			return removed, fmt.Errorf("%w: delete %s: %v", ErrPermission, path, err)
		}
		removed++
	}
	return removed, nil
}

// PurgePath deletes a single cache file identified by path.
func (e *Engine) PurgePath(_ context.Context, path string) error {
	if err := e.checkRoot(); err != nil {
		return err
	}
	clean := filepath.Clean(path)
	info, err := e.fs.Stat(clean)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s does not exist", ErrInvalidInput, path)
		}
		return fmt.Errorf("%w: stat %s: %v", ErrPermission, path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a cache file", ErrInvalidInput, path)
	}
	ok, err := e.within(clean)
	if err != nil || !ok {
		return fmt.Errorf("%w: %s is outside %s", ErrDirectoryTraversal, path, e.root)
	}
	if err := e.fs.Remove(clean); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrPermission, path, err)
	}
	return nil
}

// ListCached returns every cached GET entry with a recognizable key.
func (e *Engine) ListCached(ctx context.Context) ([]CachedURL, error) {
	if err := e.checkRoot(); err != nil {
		return nil, err
	}
	var out []CachedURL
	err := e.walkFiles(ctx, func(path string, _ os.FileInfo) error {
		head, rerr := e.readHead(path)
		if rerr != nil {
			return nil
		}
		rec, ok := e.matcher.Extract(head)
		if !ok {
			return nil
		}
		u := "https://" + rec.String()
		out = append(out, CachedURL{URL: u, Path: path, Category: cachekey.Categorize(u)})
		return nil
	})
	if err != nil {
		return nil, e.walkError(err)
	}
	return out, nil
}
