// Package fetcher wraps HTTP access with a conditional-GET cache,
// in-flight deduplication, and global plus per-host concurrency caps.
// All outbound traffic, GETs and ping POSTs alike, passes through here.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"pushl/internal/cache"
	"pushl/internal/telemetry"
	"pushl/internal/urlutil"
)

// ErrHTTPStatus marks a completed request whose status was 4xx or 5xx.
var ErrHTTPStatus = errors.New("http error status")

const acceptHeader = "text/html, application/xhtml+xml, application/xml, */*;q=0.1"

// Config controls fetcher behavior.
type Config struct {
	UserAgent      string
	Timeout        time.Duration
	MaxConnections int
	MaxPerHost     int
	KeepAlive      bool
}

// Result is the outcome of a completed fetch.
type Result struct {
	// URL is the normalized URL the fetch was keyed on.
	URL string
	// FinalURL is the URL after the redirect chain.
	FinalURL string
	// Canonical is the URL from a Link rel=canonical response header, if any.
	Canonical string

	Status      int
	Headers     http.Header
	ContentType string
	Body        []byte

	// FromCache is true when the server answered 304 and the body was
	// served from the stored record.
	FromCache bool
	// Changed is true when the body differs from the cached copy (or there
	// was no cached copy).
	Changed bool
	// PreviousLinks is the outbound-link set stored on the prior fetch.
	PreviousLinks []string
}

// Source is the URL to advertise for this resource: the canonical URL when
// one was declared, the post-redirect URL otherwise.
func (r *Result) Source() string {
	if r.Canonical != "" {
		return r.Canonical
	}
	return r.FinalURL
}

// IsMarkup reports whether the content type is worth handing to a parser.
func (r *Result) IsMarkup() bool {
	ctype := strings.ToLower(r.ContentType)
	return strings.Contains(ctype, "html") ||
		strings.Contains(ctype, "xml") ||
		strings.Contains(ctype, "json") ||
		ctype == ""
}

// Fetcher performs cached, deduplicated, capped HTTP requests.
type Fetcher struct {
	cfg     Config
	store   *cache.Store
	log     *zap.Logger
	metrics *telemetry.Metrics

	base      *colly.Collector
	transport *http.Transport
	client    *http.Client

	global *semaphore.Weighted
	flight singleflight.Group

	hostMu sync.Mutex
	hosts  map[string]*semaphore.Weighted

	doneMu sync.Mutex
	done   map[string]*fetchOutcome
}

// fetchOutcome memoizes a completed fetch so a URL referenced by many
// tasks goes over the wire at most once per run.
type fetchOutcome struct {
	res *Result
	err error
}

// New builds a Fetcher over the given cache store.
func New(cfg Config, store *cache.Store, log *zap.Logger, metrics *telemetry.Metrics) *Fetcher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}

	transport := newHTTPTransport(!cfg.KeepAlive)

	base := colly.NewCollector(colly.Async(false))
	base.WithTransport(transport)

	return &Fetcher{
		cfg:       cfg,
		store:     store,
		log:       log,
		metrics:   metrics,
		base:      base,
		transport: transport,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		global: semaphore.NewWeighted(int64(cfg.MaxConnections)),
		hosts:  make(map[string]*semaphore.Weighted),
		done:   make(map[string]*fetchOutcome),
	}
}

// Fetch GETs a URL with conditional-request headers derived from the cache.
// A normalized URL goes over the wire at most once per run: concurrent
// calls share the in-flight request and later calls get the memoized
// outcome. For 4xx/5xx statuses the Result is returned alongside
// ErrHTTPStatus so callers can still see the status and the previously
// cached link set.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	norm, err := urlutil.Normalize(rawURL)
	if err != nil {
		return nil, err
	}

	v, err, _ := f.flight.Do(norm, func() (any, error) {
		f.doneMu.Lock()
		outcome, ok := f.done[norm]
		f.doneMu.Unlock()
		if ok {
			return outcome.res, outcome.err
		}

		res, err := f.doFetch(ctx, norm)
		f.doneMu.Lock()
		f.done[norm] = &fetchOutcome{res: res, err: err}
		f.doneMu.Unlock()
		return res, err
	})
	res, _ := v.(*Result)
	return res, err
}

// StoreLinks persists the derived outbound-link set for a URL.
func (f *Fetcher) StoreLinks(rawURL string, links []string) {
	norm, err := urlutil.Normalize(rawURL)
	if err != nil {
		return
	}
	f.store.SetLinks(norm, links)
}

func (f *Fetcher) doFetch(ctx context.Context, norm string) (*Result, error) {
	prev, hasPrev := f.store.Get(norm)

	release, err := f.acquire(ctx, norm)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := f.visit(ctx, norm, prev)
	if err != nil {
		// One retry after a short pause for transport-level failures.
		select {
		case <-time.After(250 * time.Millisecond):
		case <-ctx.Done():
			f.metrics.ObserveFetch("error")
			return nil, fmt.Errorf("fetch %s: %w", norm, ctx.Err())
		}
		res, err = f.visit(ctx, norm, prev)
	}
	if err != nil {
		f.metrics.ObserveFetch("error")
		return nil, fmt.Errorf("fetch %s: %w", norm, err)
	}

	return f.finish(norm, prev, hasPrev, res)
}

// finish folds the raw response and the cached record into a Result and
// writes the cache back.
func (f *Fetcher) finish(norm string, prev *cache.Record, hasPrev bool, res *Result) (*Result, error) {
	switch {
	case res.Status == http.StatusNotModified:
		if !hasPrev {
			f.metrics.ObserveFetch("error")
			return nil, fmt.Errorf("fetch %s: 304 without a cached copy", norm)
		}
		res.Status = prev.Status
		res.FinalURL = prev.FinalURL
		res.ContentType = prev.ContentType
		res.Body = prev.Body
		res.FromCache = true
		res.Changed = false
		res.PreviousLinks = prev.Links
		f.store.Touch(norm)
		f.metrics.ObserveFetch("cached")
		f.log.Debug("fetch served from cache", zap.String("url", norm))
		return res, nil

	case res.Status >= 200 && res.Status < 300, res.Status == http.StatusGone:
		digest := cache.Digest(res.Body)
		res.Changed = !hasPrev ||
			prev.Digest != digest ||
			prev.Status != res.Status
		if hasPrev {
			res.PreviousLinks = prev.Links
		}

		rec := &cache.Record{
			Status:       res.Status,
			FinalURL:     res.FinalURL,
			Etag:         res.Headers.Get("Etag"),
			LastModified: res.Headers.Get("Last-Modified"),
			ContentType:  res.ContentType,
			Body:         res.Body,
			Digest:       digest,
		}
		if hasPrev {
			// Carried forward until the caller derives the new set.
			rec.Links = prev.Links
		}
		if err := f.store.Put(norm, rec); err != nil {
			f.log.Warn("cache write failed", zap.String("url", norm), zap.Error(err))
		}
		f.metrics.ObserveFetch("network")
		if res.Status == http.StatusGone {
			return res, fmt.Errorf("fetch %s: %w: %d", norm, ErrHTTPStatus, res.Status)
		}
		return res, nil

	default:
		// Keep the cached body; bump the timestamp to throttle refetches.
		if hasPrev {
			res.PreviousLinks = prev.Links
			f.store.Touch(norm)
		}
		f.metrics.ObserveFetch("error")
		return res, fmt.Errorf("fetch %s: %w: %d", norm, ErrHTTPStatus, res.Status)
	}
}

// visit performs one HTTP exchange through a cloned collector.
func (f *Fetcher) visit(ctx context.Context, norm string, prev *cache.Record) (*Result, error) {
	collector := f.base.Clone()
	collector.UserAgent = f.cfg.UserAgent
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	collector.AllowURLRevisit = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)

	result := &Result{URL: norm}
	var fetchErr error

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", acceptHeader)
		if prev != nil && len(prev.Body) > 0 {
			if prev.Etag != "" {
				r.Headers.Set("If-None-Match", prev.Etag)
			}
			if prev.LastModified != "" {
				r.Headers.Set("If-Modified-Since", prev.LastModified)
			}
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		result.Status = r.StatusCode
		result.Headers = headers
		result.ContentType = headers.Get("Content-Type")
		result.Body = append([]byte(nil), r.Body...)
		result.FinalURL = r.Request.URL.String()
		result.Canonical = canonicalFromHeaders(headers, result.FinalURL)
	})

	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(norm)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, err
		}
		if fetchErr != nil {
			return nil, fetchErr
		}
		if result.Status == 0 {
			return nil, errors.New("no response received")
		}
		return result, nil
	}
}

// PostForm sends a form-encoded POST with the configured user agent and
// timeout, under the same concurrency caps as fetches. Retries are the
// caller's policy; this performs exactly one attempt.
func (f *Fetcher) PostForm(ctx context.Context, rawURL string, form url.Values) (int, []byte, error) {
	release, err := f.acquire(ctx, rawURL)
	if err != nil {
		return 0, nil, err
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("build post request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("post %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	return resp.StatusCode, body, nil
}

// Get performs a plain uncached GET, discarding the body. Used for
// fire-and-forget requests like Wayback Machine saves.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (int, error) {
	release, err := f.acquire(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build get request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	return resp.StatusCode, nil
}

// acquire takes one global slot and one slot for the URL's host, FIFO in
// both pools. The returned func releases both.
func (f *Fetcher) acquire(ctx context.Context, rawURL string) (func(), error) {
	if err := f.global.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire connection slot: %w", err)
	}

	host := f.hostPool(rawURL)
	if host == nil {
		return func() { f.global.Release(1) }, nil
	}
	if err := host.Acquire(ctx, 1); err != nil {
		f.global.Release(1)
		return nil, fmt.Errorf("acquire host slot: %w", err)
	}
	return func() {
		host.Release(1)
		f.global.Release(1)
	}, nil
}

func (f *Fetcher) hostPool(rawURL string) *semaphore.Weighted {
	if f.cfg.MaxPerHost <= 0 {
		return nil
	}
	key := urlutil.Host(rawURL)
	if key == "" {
		return nil
	}
	f.hostMu.Lock()
	defer f.hostMu.Unlock()
	pool, ok := f.hosts[key]
	if !ok {
		pool = semaphore.NewWeighted(int64(f.cfg.MaxPerHost))
		f.hosts[key] = pool
	}
	return pool
}

func canonicalFromHeaders(headers http.Header, finalURL string) string {
	for _, ref := range ParseLinkHeader(headers.Values("Link")) {
		if !ref.RelContains("canonical") || ref.URL == "" {
			continue
		}
		resolved, err := urlutil.Resolve(finalURL, ref.URL)
		if err != nil {
			continue
		}
		return resolved
	}
	return ""
}

func newHTTPTransport(disableKeepAlives bool) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		DisableKeepAlives:     disableKeepAlives,
	}
}
