// Package warden owns the user-visible purge and preload flows. It turns
// engine results into the messages written to the ops log and returned to
// callers.
package warden

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/cachekey"
	collyfetcher "github.com/JakeFAU/fastcgi-cache-warden/internal/fetcher/colly"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/metrics"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/oplog"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/preload"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/progress"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/purge"
)

// Purger is the purge engine.
type Purger interface {
	PurgeOne(ctx context.Context, rawURL string) (purge.Result, error)
	PurgeAll(ctx context.Context) error
	ListCached(ctx context.Context) ([]purge.CachedURL, error)
	Root() string
}

// Supervisor starts and stops crawls.
type Supervisor interface {
	Start(ctx context.Context, req preload.Request) (preload.Run, error)
	Halt() (bool, error)
	Running() (bool, error)
}

// ProgressReader yields progress snapshots.
type ProgressReader interface {
	Snapshot(ctx context.Context) (progress.Snapshot, error)
}

// Warmer fires background warmup requests.
type Warmer interface {
	WarmAsync(targets []collyfetcher.Target)
}

// Settings are the knobs the service needs from configuration.
type Settings struct {
	SiteURL        string
	TmpDir         string
	MobileEnabled  bool
	AutoAfterPurge bool
	// RelatedPaths are purged and warmed after a single-URL purge. "/" is
	// the home page.
	RelatedPaths []string
}

// CachedList is the cached-URL listing.
type CachedList struct {
	Count int               `json:"count"`
	URLs  []purge.CachedURL `json:"urls"`
}

// Status summarizes the cache and crawl state.
type Status struct {
	SiteURL           string `json:"site_url"`
	CacheRoot         string `json:"cache_root"`
	PreloadInProgress bool   `json:"preload_in_progress"`
	CachedPages       int    `json:"cached_pages"`
	LastPreloadTime   string `json:"last_preload_time"`
}

// Service composes the engine components.
type Service struct {
	settings Settings
	purger   Purger
	sup      Supervisor
	tracker  ProgressReader
	warmer   Warmer
	ops      *oplog.Writer
	fs       afero.Fs
	onStart  func(preload.Run)
	logger   *zap.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithFs overrides the filesystem used to clear the crawl's tmp dir.
func WithFs(fs afero.Fs) Option { return func(s *Service) { s.fs = fs } }

// WithStartHook registers a callback for every full preload that starts.
// serve uses it to launch the background lifecycle wait.
func WithStartHook(fn func(preload.Run)) Option { return func(s *Service) { s.onStart = fn } }

// WithWarmer sets the warmer used after single-URL purges.
func WithWarmer(w Warmer) Option { return func(s *Service) { s.warmer = w } }

// New wires a Service. ops may be nil.
func New(
	settings Settings,
	purger Purger,
	sup Supervisor,
	tracker ProgressReader,
	ops *oplog.Writer,
	logger *zap.Logger,
	opts ...Option,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		settings: settings,
		purger:   purger,
		sup:      sup,
		tracker:  tracker,
		ops:      ops,
		fs:       afero.NewOsFs(),
		logger:   logger.Named("warden"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) record(o Outcome) Outcome {
	s.ops.Log(o.Message)
	switch o.Kind {
	case KindError:
		s.logger.Error(o.Message, zap.String("code", o.Code))
	default:
		s.logger.Info(o.Message, zap.String("code", o.Code))
	}
	return o
}

func (s *Service) running() bool {
	held, err := s.sup.Running()
	if err != nil {
		s.logger.Warn("lease check failed", zap.Error(err))
		return false
	}
	return held
}

// PurgeAll empties the cache. A running preload is stopped first, and then
// no auto preload follows.
func (s *Service) PurgeAll(ctx context.Context, t Trigger) Outcome {
	halted, err := s.sup.Halt()
	if err != nil {
		s.logger.Warn("failed to halt preload", zap.Error(err))
	}
	if halted {
		s.clearTmp()
	}

	err = s.purger.PurgeAll(ctx)
	code := Code(err)
	metrics.ObservePurge("all", code)

	var msg string
	switch {
	case err == nil && halted:
		msg = t.Success() + ": Ongoing preloading halted. All cache purged successfully."
	case err == nil:
		msg = t.Success() + ": All cache purged successfully."
	case errors.Is(err, ErrEmptyDirectory) && halted:
		msg = t.Success() + ": Ongoing preloading halted. Cache was already empty."
	case errors.Is(err, ErrEmptyDirectory):
		msg = "INFO: Cache purge attempted, but no cache found."
	case errors.Is(err, ErrPermission) && halted:
		msg = "ERROR PERMISSION: Ongoing preloading halted but cache purge failed due to permission issue."
	case errors.Is(err, ErrPermission):
		msg = "ERROR PERMISSION: Cache purge failed due to permission issue."
	default:
		msg = s.pathError(err, "purging the cache")
	}
	out := s.record(newOutcome(code, msg))

	if err == nil && !halted && s.settings.AutoAfterPurge {
		return s.autoPreload(ctx, t)
	}
	return out
}

func (s *Service) autoPreload(ctx context.Context, t Trigger) Outcome {
	run, err := s.sup.Start(ctx, preload.Request{Pass: preload.PassDesktop})
	if err != nil {
		return s.record(s.startFailure(err, ""))
	}
	s.ops.Log("INFO: " + oplog.MarkerAutoPreload + ".")
	out := newOutcome(CodeOK, t.Success()+": Cache purged successfully. Auto preload initiated in the background.")
	out.Run = &run
	s.handOff(run)
	s.logger.Info(out.Message, zap.Int("pid", run.PID))
	return out
}

// PurgeURL removes one page from the cache. While a preload runs the purge
// is refused, since the crawl would race it.
func (s *Service) PurgeURL(ctx context.Context, t Trigger, rawURL string) Outcome {
	if s.running() {
		return s.record(newOutcome(CodePreloadRunning,
			fmt.Sprintf("INFO: Cache purge for page %s skipped while cache preloading is in progress. Use Purge All to stop it.", rawURL)))
	}

	res, err := s.purger.PurgeOne(ctx, rawURL)
	code := Code(err)
	var msg string
	switch {
	case errors.Is(err, ErrInvalidInput):
		msg = fmt.Sprintf("ERROR URL: %q is not a valid page URL.", rawURL)
	case errors.Is(err, ErrPermission):
		msg = fmt.Sprintf("ERROR PERMISSION: Cache purge failed for page %s due to permission issue.", rawURL)
	case err != nil:
		msg = s.pathError(err, "purging page "+rawURL)
	case !res.Found:
		code = CodeNotFound
		msg = fmt.Sprintf("%s: Cache purge attempted, but the page %s is not currently found in the cache.", t.Info(), rawURL)
	default:
		msg = fmt.Sprintf("%s: Cache purged for page %s", t.Success(), rawURL)
	}
	metrics.ObservePurge("url", code)
	out := s.record(newOutcome(code, msg))
	if err == nil {
		out.Result = &res
	}
	if err != nil || !res.Deleted {
		return out
	}

	related := s.purgeRelated(ctx, t, rawURL)
	if s.settings.AutoAfterPurge {
		if run, perr := s.sup.Start(ctx, preload.Request{SeedURL: rawURL, Single: true}); perr != nil {
			s.logger.Warn("page preload after purge failed", zap.String("url", rawURL), zap.Error(perr))
		} else {
			out.Run = &run
		}
	}
	if s.warmer != nil && len(related) > 0 {
		s.warmer.WarmAsync(collyfetcher.Targets(related, s.settings.MobileEnabled))
	}
	return out
}

// purgeRelated silently purges the related pages of rawURL and returns them.
func (s *Service) purgeRelated(ctx context.Context, t Trigger, rawURL string) []string {
	urls := RelatedURLs(s.settings.SiteURL, rawURL, s.settings.RelatedPaths)
	for _, u := range urls {
		res, err := s.purger.PurgeOne(ctx, u)
		switch {
		case err != nil:
			s.logger.Warn("related page purge failed", zap.String("url", u), zap.Error(err))
		case res.Deleted:
			metrics.ObservePurge("related", CodeOK)
			s.ops.Logf("%s: Cache purged for related page %s", t.Success(), u)
		}
	}
	return urls
}

// RelatedURLs resolves paths against siteURL, dropping duplicates and the
// primary page itself.
func RelatedURLs(siteURL, primary string, paths []string) []string {
	base, err := url.Parse(siteURL)
	if err != nil || base.Host == "" {
		return nil
	}
	seen := map[string]struct{}{cachekey.Normalize(primary): {}}
	var out []string
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		ref, err := url.Parse(p)
		if err != nil {
			continue
		}
		abs := base.ResolveReference(ref)
		if !strings.EqualFold(abs.Hostname(), base.Hostname()) {
			continue
		}
		key := cachekey.Normalize(abs.String())
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, abs.String())
	}
	return out
}

// Preload purges the cache and starts a full desktop crawl.
func (s *Service) Preload(ctx context.Context, t Trigger) Outcome {
	if s.running() {
		return s.record(newOutcome(ErrAlreadyRunning.Error(),
			"INFO: Cache preloading is already running. If you want to stop it please use Purge All!"))
	}

	err := s.purger.PurgeAll(ctx)
	metrics.ObservePurge("preload", Code(err))
	switch {
	case err == nil, errors.Is(err, ErrEmptyDirectory):
	case errors.Is(err, ErrPermission):
		return s.record(newOutcome(Code(err),
			"ERROR PERMISSION: Cannot purge the cache to start cache preloading."))
	default:
		return s.record(newOutcome(Code(err), s.pathError(err, "preloading the cache")))
	}

	run, err := s.sup.Start(ctx, preload.Request{Pass: preload.PassDesktop})
	if err != nil {
		return s.record(s.startFailure(err, ""))
	}
	out := s.record(newOutcome(CodeOK,
		t.Success()+": "+oplog.MarkerPreloadStarted+". Please check the progress endpoint for updates."))
	out.Run = &run
	s.handOff(run)
	return out
}

// PreloadURL crawls a single page and its requisites.
func (s *Service) PreloadURL(ctx context.Context, t Trigger, rawURL string) Outcome {
	if s.running() {
		return s.record(newOutcome(ErrAlreadyRunning.Error(),
			"INFO: Cache preloading is already running. If you want to stop it please use Purge All!"))
	}
	run, err := s.sup.Start(ctx, preload.Request{Pass: preload.PassDesktop, SeedURL: rawURL, Single: true})
	if err != nil {
		return s.record(s.startFailure(err, rawURL))
	}
	msg := fmt.Sprintf("%s: Cache preloading has started for page %s", t.Success(), rawURL)
	if run.Finished {
		msg = fmt.Sprintf("%s: Cache preloaded for page %s", t.Success(), rawURL)
	}
	out := s.record(newOutcome(CodeOK, msg))
	out.Run = &run
	return out
}

// Progress returns the current crawl snapshot.
func (s *Service) Progress(ctx context.Context) (progress.Snapshot, error) {
	return s.tracker.Snapshot(ctx)
}

// Cached lists every cached page.
func (s *Service) Cached(ctx context.Context) (CachedList, error) {
	urls, err := s.purger.ListCached(ctx)
	if err != nil {
		return CachedList{}, err
	}
	if urls == nil {
		urls = []purge.CachedURL{}
	}
	return CachedList{Count: len(urls), URLs: urls}, nil
}

// Status reports whether a crawl runs, how many pages are cached, and when
// the last crawl finished.
func (s *Service) Status(ctx context.Context) (Status, error) {
	st := Status{
		SiteURL:           s.settings.SiteURL,
		CacheRoot:         s.purger.Root(),
		PreloadInProgress: s.running(),
	}
	urls, err := s.purger.ListCached(ctx)
	switch {
	case errors.Is(err, ErrDirectoryNotFound):
	case err != nil:
		return Status{}, err
	default:
		st.CachedPages = len(urls)
	}
	snap, err := s.tracker.Snapshot(ctx)
	if err != nil {
		return Status{}, err
	}
	st.LastPreloadTime = snap.LastPreloadTime
	return st, nil
}

func (s *Service) handOff(run preload.Run) {
	if s.onStart != nil {
		s.onStart(run)
	}
}

func (s *Service) clearTmp() {
	if s.settings.TmpDir == "" {
		return
	}
	if err := s.fs.RemoveAll(s.settings.TmpDir); err != nil {
		s.logger.Warn("failed to remove tmp dir", zap.String("path", s.settings.TmpDir), zap.Error(err))
	}
}

func (s *Service) startFailure(err error, page string) Outcome {
	code := Code(err)
	target := "cache preload"
	if page != "" {
		target = "cache preload for page " + page
	}
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		return newOutcome(code, "INFO: Cache preloading is already running. If you want to stop it please use Purge All!")
	case errors.Is(err, ErrInvalidInput):
		return newOutcome(code, fmt.Sprintf("ERROR URL: Cannot start %s. The URL must belong to %s.", target, s.settings.SiteURL))
	case errors.Is(err, ErrSpawnFailed):
		return newOutcome(code, fmt.Sprintf("ERROR COMMAND: Cannot start %s! Please check that wget is installed and the reject regex pattern is correct.", target))
	default:
		return newOutcome(code, fmt.Sprintf("ERROR CRITICAL: Cannot start %s: %v", target, err))
	}
}

func (s *Service) pathError(err error, action string) string {
	switch {
	case errors.Is(err, ErrDirectoryNotFound):
		return fmt.Sprintf("ERROR PATH: Your FastCGI cache PATH (%s) is not found. Please check your FastCGI cache path.", s.purger.Root())
	case errors.Is(err, ErrDirectoryTraversal):
		return fmt.Sprintf("ERROR PATH: The cache path (%s) resolves outside the cache root. Cannot continue!", s.purger.Root())
	default:
		return fmt.Sprintf("ERROR UNKNOWN: An unexpected error occurred while %s: %v", action, err)
	}
}
