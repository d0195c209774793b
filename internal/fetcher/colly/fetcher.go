// Package collyfetcher warms cache entries by requesting pages through the
// caching server with the same user agents the preload crawl presents.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/config"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/metrics"
)

// Agent labels which user agent a warmup presents.
type Agent string

// Warmup agents.
const (
	AgentDesktop Agent = "desktop"
	AgentMobile  Agent = "mobile"
)

// UserAgent returns the header value for the agent.
func (a Agent) UserAgent() string {
	if a == AgentMobile {
		return config.MobileUserAgent
	}
	return config.DesktopUserAgent
}

// Target is one page to request.
type Target struct {
	URL   string
	Agent Agent
}

// Result records the outcome of one warmup request.
type Result struct {
	URL        string
	Agent      Agent
	StatusCode int
	Duration   time.Duration
	Err        error
}

// Config controls collector behavior.
type Config struct {
	Timeout time.Duration
	RPS     float64
	Burst   int
}

// Fetcher issues warmup GETs through a shared Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	limiter       *rate.Limiter
	logger        *zap.Logger
	wg            sync.WaitGroup
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. A zero RPS disables pacing.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	c.IgnoreRobotsTxt = true
	c.SetRequestTimeout(cfg.Timeout)

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		limiter:       rate.NewLimiter(limit, burst),
		logger:        logger.Named("warmup"),
	}
}

// WithTransport replaces the HTTP transport. It is meant for tests.
func (f *Fetcher) WithTransport(rt http.RoundTripper) *Fetcher {
	f.baseCollector.WithTransport(rt)
	return f
}

// Targets expands urls into desktop requests and, when mobile is set,
// matching mobile requests. Invalid and duplicate URLs are dropped.
func Targets(urls []string, mobile bool) []Target {
	seen := make(map[string]struct{}, len(urls))
	out := make([]Target, 0, len(urls)*2)
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			continue
		}
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		out = append(out, Target{URL: raw, Agent: AgentDesktop})
		if mobile {
			out = append(out, Target{URL: raw, Agent: AgentMobile})
		}
	}
	return out
}

// Warm requests every target in order, pacing with the rate limiter. A
// failed request does not stop the rest.
func (f *Fetcher) Warm(ctx context.Context, targets []Target) []Result {
	results := make([]Result, 0, len(targets))
	for _, t := range targets {
		if err := f.limiter.Wait(ctx); err != nil {
			results = append(results, Result{URL: t.URL, Agent: t.Agent, Err: err})
			break
		}
		results = append(results, f.fetch(ctx, t))
	}
	return results
}

// WarmAsync warms targets in the background, detached from the caller's
// context. Use Wait to block until pending warmups finish.
func (f *Fetcher) WarmAsync(targets []Target) {
	if len(targets) == 0 {
		return
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		budget := f.cfg.Timeout * time.Duration(len(targets)+1)
		ctx, cancel := context.WithTimeout(context.Background(), budget)
		defer cancel()
		for _, r := range f.Warm(ctx, targets) {
			if r.Err != nil {
				f.logger.Debug("warmup failed", zap.String("url", r.URL), zap.String("agent", string(r.Agent)), zap.Error(r.Err))
			}
		}
	}()
}

// Wait blocks until all WarmAsync calls have finished.
func (f *Fetcher) Wait() {
	f.wg.Wait()
}

func (f *Fetcher) fetch(ctx context.Context, t Target) Result {
	result := Result{URL: t.URL, Agent: t.Agent}
	start := time.Now()
	collector := f.baseCollector.Clone()
	collector.UserAgent = t.Agent.UserAgent()
	collector.SetRequestTimeout(f.cfg.Timeout)

	// The hooks write into visit, which is only read once Visit returns.
	var (
		visit    Result
		fetchErr error
	)
	configureCollectorHooks(collector, &visit, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(t.URL)
	}()

	select {
	case <-ctx.Done():
		result.Err = fmt.Errorf("warmup canceled: %w", ctx.Err())
	case err := <-done:
		result.StatusCode = visit.StatusCode
		switch {
		case fetchErr != nil:
			result.Err = fmt.Errorf("warmup response failed: %w", fetchErr)
		case err != nil:
			result.Err = fmt.Errorf("warmup visit failed: %w", err)
		}
	}
	result.Duration = time.Since(start)
	metrics.ObserveWarmup(string(t.Agent), result.StatusCode)
	return result
}

func configureCollectorHooks(hooks collectorHooks, result *Result, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		result.StatusCode = r.StatusCode
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.StatusCode = r.StatusCode
		}
		if err == nil {
			err = errors.New("unknown fetch error")
		}
		*fetchErr = err
	})
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
}
