package progress

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/metrics"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/storage"
)

// EstimateKeyPrefix namespaces cached estimates in the TTL store.
const EstimateKeyPrefix = "total_urls_estimate:"

// Estimator defaults.
const (
	DefaultEstimateTTL      = 365 * 24 * time.Hour
	DefaultEstimateFallback = 500
	DefaultEstimateBuffer   = 100
)

// EstimatorConfig tunes an Estimator.
type EstimatorConfig struct {
	TTL      time.Duration
	Fallback int
	Buffer   int
	Timeout  time.Duration
}

// Estimator counts sitemap entries to guess how many URLs a crawl visits.
type Estimator struct {
	cfg       EstimatorConfig
	siteURL   string
	store     storage.TTLStore
	transport http.RoundTripper
	logger    *zap.Logger

	// mu keeps concurrent misses from crawling the sitemap twice.
	mu sync.Mutex
}

// EstimatorOption customizes an Estimator.
type EstimatorOption func(*Estimator)

// WithTransport overrides the HTTP transport used for sitemap fetches.
func WithTransport(rt http.RoundTripper) EstimatorOption {
	return func(e *Estimator) { e.transport = rt }
}

// NewEstimator wires an Estimator for siteURL.
func NewEstimator(
	cfg EstimatorConfig,
	siteURL string,
	store storage.TTLStore,
	logger *zap.Logger,
	opts ...EstimatorOption,
) *Estimator {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultEstimateTTL
	}
	if cfg.Fallback <= 0 {
		cfg.Fallback = DefaultEstimateFallback
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = DefaultEstimateBuffer
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Estimator{
		cfg:       cfg,
		siteURL:   strings.TrimRight(siteURL, "/"),
		store:     store,
		transport: newHTTPTransport(),
		logger:    logger.Named("estimator"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Key returns the store key for this site.
func (e *Estimator) Key() string {
	return EstimateKeyPrefix + e.siteURL
}

// Total returns the cached estimate, computing and caching it on a miss.
// Sitemap failures produce the fallback value, which is cached as well.
func (e *Estimator) Total(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if v, ok, err := e.store.Get(e.Key()); err != nil {
		e.logger.Warn("estimate cache read failed", zap.Error(err))
	} else if ok {
		metrics.ObserveEstimate("cache")
		return v, nil
	}

	count, err := e.countURLs(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, ctxErr
	}
	total := count + e.cfg.Buffer
	source := "sitemap"
	if err != nil || count == 0 {
		if err != nil {
			e.logger.Info("sitemap unavailable, using fallback estimate", zap.Error(err))
		}
		total = e.cfg.Fallback
		source = "fallback"
	}
	if serr := e.store.Set(e.Key(), total, e.cfg.TTL); serr != nil {
		e.logger.Warn("estimate cache write failed", zap.Error(serr))
	}
	metrics.ObserveEstimate(source)
	return total, nil
}

// Invalidate drops the cached estimate so the next Total recomputes it.
func (e *Estimator) Invalidate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Delete(e.Key())
}

// countURLs walks sitemap.xml and any sitemaps it indexes, counting <url>
// entries in every document fetched. Only a failure of the root document is
// reported; broken sub-sitemaps are skipped.
func (e *Estimator) countURLs(ctx context.Context) (int, error) {
	root := e.siteURL + "/sitemap.xml"

	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(e.transport)
	c.SetRequestTimeout(e.cfg.Timeout)
	c.IgnoreRobotsTxt = true

	var (
		count   int
		rootErr error
	)
	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})
	c.OnXML("//sitemap/loc", func(x *colly.XMLElement) {
		loc := strings.TrimSpace(x.Text)
		if loc == "" {
			return
		}
		if err := x.Request.Visit(loc); err != nil {
			e.logger.Debug("sub-sitemap skipped", zap.String("url", loc), zap.Error(err))
		}
	})
	c.OnXML("//url", func(_ *colly.XMLElement) {
		count++
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.Request != nil && r.Request.URL.String() == root {
			rootErr = err
			return
		}
		e.logger.Debug("sub-sitemap fetch failed", zap.Error(err))
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(root)
	}()
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("sitemap estimate canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return 0, fmt.Errorf("visit %s: %w", root, err)
		}
		if rootErr != nil {
			return 0, fmt.Errorf("fetch %s: %w", root, rootErr)
		}
		return count, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 15 * time.Second,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}
}
