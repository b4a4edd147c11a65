// Package engine drives a run: it seeds the task registry from the
// command line and implements the feed, entry, and ping tasks that grow
// the work graph until quiescence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pushl/internal/cache"
	"pushl/internal/config"
	"pushl/internal/entry"
	"pushl/internal/feed"
	"pushl/internal/fetcher"
	"pushl/internal/notify"
	"pushl/internal/registry"
	"pushl/internal/telemetry"
	"pushl/internal/urlutil"
)

// ErrTasksFailed is wrapped by Run when at least one task failed.
var ErrTasksFailed = errors.New("tasks failed")

// Engine owns one run's collaborators and configuration.
type Engine struct {
	cfg     config.Config
	log     *zap.Logger
	metrics *telemetry.Metrics
	reg     *registry.Registry
	fetch   *fetcher.Fetcher
	send    *notify.Sender

	entryOpts  entry.Options
	websubOnly []string

	mu          sync.Mutex
	feedDomains map[string]struct{}
}

// New wires an Engine from configuration. It fails fast when the cache
// directory is unusable.
func New(cfg config.Config, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}

	store, err := cache.New(cfg.CacheDir, log)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	metrics := telemetry.New()
	fetch := fetcher.New(fetcher.Config{
		UserAgent:      cfg.UserAgent,
		Timeout:        cfg.Timeout(),
		MaxConnections: cfg.MaxConnections,
		MaxPerHost:     cfg.MaxPerHost,
		KeepAlive:      cfg.KeepAlive,
	}, store, log, metrics)

	var websubOnly []string
	for _, u := range cfg.WebSubOnly {
		norm, err := urlutil.Normalize(u)
		if err != nil {
			return nil, fmt.Errorf("websub-only url: %w", err)
		}
		websubOnly = append(websubOnly, norm)
	}

	return &Engine{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		reg:     registry.New(log, metrics),
		fetch:   fetch,
		send:    notify.NewSender(fetch, log, metrics),
		entryOpts: entry.Options{
			RelWhitelist: cfg.RelWhitelistSet(),
			RelBlacklist: cfg.RelBlacklistSet(),
		},
		websubOnly:  websubOnly,
		feedDomains: make(map[string]struct{}),
	}, nil
}

// Run seeds the registry with the given feed and entry URLs plus the
// websub-only feeds, then blocks until every transitively spawned task is
// terminal. The returned error reflects cancellation or task failures.
func (e *Engine) Run(ctx context.Context, feedURLs, entryURLs []string) error {
	feeds, err := normalizeAll(feedURLs)
	if err != nil {
		return err
	}
	entries, err := normalizeAll(entryURLs)
	if err != nil {
		return err
	}

	e.log.Info("run starting",
		zap.String("run_id", uuid.NewString()),
		zap.Int("feeds", len(feeds)+len(e.websubOnly)),
		zap.Int("entries", len(entries)))

	stop := context.AfterFunc(ctx, e.reg.Stop)
	defer stop()

	for _, u := range feeds {
		e.submitFeed(ctx, u, !e.isWebSubOnly(u))
	}
	for _, u := range e.websubOnly {
		e.submitFeed(ctx, u, false)
	}
	for _, u := range entries {
		e.rememberDomain(u)
		e.submitEntry(ctx, u)
	}

	e.reg.Wait()
	e.metrics.LogSummary(e.log)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run cancelled: %w", err)
	}
	if n := e.reg.Failures(); n > 0 {
		return fmt.Errorf("%w: %d of %d", ErrTasksFailed, n, e.reg.Submitted())
	}
	return nil
}

func (e *Engine) submitFeed(ctx context.Context, rawURL string, sendMentions bool) {
	url, err := urlutil.Normalize(rawURL)
	if err != nil {
		e.log.Debug("skipping unusable feed url", zap.String("url", rawURL), zap.Error(err))
		return
	}
	e.rememberDomain(url)
	e.reg.Submit(ctx, registry.KindFeed, url, func(ctx context.Context) error {
		return e.processFeed(ctx, url, sendMentions)
	})
}

func (e *Engine) submitEntry(ctx context.Context, rawURL string) {
	url, err := urlutil.Normalize(rawURL)
	if err != nil {
		e.log.Debug("skipping unusable entry url", zap.String("url", rawURL), zap.Error(err))
		return
	}
	e.reg.Submit(ctx, registry.KindEntry, url, func(ctx context.Context) error {
		return e.processEntry(ctx, url)
	})
}

func (e *Engine) submitWebSub(ctx context.Context, hub, topic string) {
	e.reg.Submit(ctx, registry.KindWebSub, hub+"\x00"+topic, func(ctx context.Context) error {
		return e.send.WebSub(ctx, hub, topic)
	})
}

func (e *Engine) submitWebmention(ctx context.Context, source, target string) {
	e.reg.Submit(ctx, registry.KindWebmention, source+"\x00"+target, func(ctx context.Context) error {
		return e.send.Webmention(ctx, source, target)
	})
}

func (e *Engine) submitWayback(ctx context.Context, target string) {
	e.reg.Submit(ctx, registry.KindWayback, target, func(ctx context.Context) error {
		return e.send.Wayback(ctx, target)
	})
}

// processFeed implements one feed task: ping hubs on genuine updates,
// fan out entry tasks, and follow archive pages when enabled.
func (e *Engine) processFeed(ctx context.Context, url string, sendMentions bool) error {
	res, err := e.fetch.Fetch(ctx, url)
	if err != nil {
		return err
	}
	if !res.IsMarkup() {
		e.log.Debug("feed is not parseable content",
			zap.String("url", url), zap.String("content_type", res.ContentType))
		return nil
	}

	snap, err := feed.Parse(res.FinalURL, res.Body)
	if err != nil {
		e.log.Warn("feed parse failed", zap.String("url", url), zap.Error(err))
		return nil
	}

	// Hubs are pinged iff the fetch was a genuine (non-304) response.
	// Archive views are historical and never pinged.
	if !res.FromCache && !snap.IsArchive {
		for _, hub := range snap.Hubs {
			e.submitWebSub(ctx, hub, snap.Self)
		}
	}

	// Entries no longer in the feed still get processed so deletions are
	// noticed; the previous item set comes from the cache record.
	items := union(snap.Items, res.PreviousLinks)
	e.fetch.StoreLinks(url, snap.Items)

	if sendMentions {
		for _, item := range items {
			e.submitEntry(ctx, item)
		}
	} else {
		e.log.Debug("websub-only feed, skipping entries", zap.String("url", url))
	}

	if e.cfg.Archive {
		for _, archive := range snap.Archives {
			e.submitFeed(ctx, archive, sendMentions)
		}
	}
	return nil
}

// processEntry implements one entry task: diff the outgoing links against
// the cached set and fan out pings for the union.
func (e *Engine) processEntry(ctx context.Context, url string) error {
	res, err := e.fetch.Fetch(ctx, url)
	deleted := false
	switch {
	case err == nil:
	case errors.Is(err, fetcher.ErrHTTPStatus) && res != nil && res.Status == http.StatusGone:
		// The entry is gone; previously mentioned targets get a deletion
		// notice below.
		deleted = true
	default:
		return err
	}

	var (
		snap    *entry.Snapshot
		current []string
		source  string
	)
	if deleted {
		source = res.FinalURL
		e.log.Info("entry deleted", zap.String("url", url))
	} else {
		if res.FromCache || !res.Changed {
			e.log.Debug("entry unchanged", zap.String("url", url))
			return nil
		}
		if !res.IsMarkup() {
			return nil
		}
		snap, err = entry.Parse(res.FinalURL, res.Body, e.entryOpts)
		if err != nil {
			e.log.Warn("entry parse failed", zap.String("url", url), zap.Error(err))
			return nil
		}
		source = snap.Source
		if source == res.FinalURL && res.Canonical != "" {
			source = res.Canonical
		}
		for _, t := range snap.Targets {
			current = append(current, t.URL)
		}
		e.log.Info("processing entry",
			zap.String("url", url), zap.Int("targets", len(current)))
	}

	for _, target := range union(current, res.PreviousLinks) {
		if !e.cfg.SelfPings && urlutil.Domain(target) == urlutil.Domain(source) {
			e.log.Debug("skipping self ping", zap.String("target", target))
			continue
		}
		e.submitWebmention(ctx, source, target)
		if e.cfg.Wayback {
			e.submitWayback(ctx, target)
		}
	}
	e.fetch.StoreLinks(url, current)

	if snap == nil {
		return nil
	}
	for _, hub := range snap.Hubs {
		e.submitWebSub(ctx, hub, url)
	}
	if e.cfg.Recurse {
		for _, feedURL := range snap.Feeds {
			if !e.knownDomain(feedURL) {
				e.log.Info("ignoring non-local feed", zap.String("url", feedURL))
				continue
			}
			e.submitFeed(ctx, feedURL, true)
		}
	}
	return nil
}

// isWebSubOnly reports whether a seed URL falls under a websub-only prefix.
func (e *Engine) isWebSubOnly(url string) bool {
	for _, prefix := range e.websubOnly {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

func (e *Engine) rememberDomain(url string) {
	domain := urlutil.Domain(url)
	if domain == "" {
		return
	}
	e.mu.Lock()
	e.feedDomains[domain] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) knownDomain(url string) bool {
	domain := urlutil.Domain(url)
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.feedDomains[domain]
	return ok
}

func normalizeAll(urls []string) ([]string, error) {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		norm, err := urlutil.Normalize(u)
		if err != nil {
			return nil, fmt.Errorf("seed url %q: %w", u, err)
		}
		out = append(out, norm)
	}
	return out, nil
}

// union returns a ∪ b preserving a's order first, without duplicates.
func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
