// Package notify sends the outbound notifications: Webmention pings,
// WebSub hub publishes, and Wayback Machine save requests.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"pushl/internal/fetcher"
	"pushl/internal/telemetry"
	"pushl/internal/urlutil"
)

// defaultWaybackBase is the Save Page Now prefix; the target URL is appended.
const defaultWaybackBase = "https://web.archive.org/save/"

// retryBackoff is the pause before the single retry of a transient
// ping failure.
const retryBackoff = time.Second

// Sender performs endpoint discovery and the ping POSTs. All HTTP goes
// through the shared fetcher, inheriting its user agent, timeout, and
// concurrency caps.
type Sender struct {
	fetch   *fetcher.Fetcher
	log     *zap.Logger
	metrics *telemetry.Metrics

	// WaybackBase is the save-endpoint prefix, overridable for tests.
	WaybackBase string
}

// NewSender builds a Sender over the shared fetcher.
func NewSender(fetch *fetcher.Fetcher, log *zap.Logger, metrics *telemetry.Metrics) *Sender {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sender{
		fetch:       fetch,
		log:         log,
		metrics:     metrics,
		WaybackBase: defaultWaybackBase,
	}
}

// Webmention notifies target that source links to it. The target is probed
// (through the cache) for an advertised endpoint; a target without one is
// a successful no-op.
func (s *Sender) Webmention(ctx context.Context, source, target string) error {
	probe := urlutil.StripFragment(target)

	res, err := s.fetch.Fetch(ctx, probe)
	if err != nil {
		if errors.Is(err, fetcher.ErrHTTPStatus) && res != nil && res.Status < 500 {
			// Nonexistent or forbidden target; nothing to notify.
			s.log.Warn("webmention target rejected probe",
				zap.String("target", target), zap.Int("status", res.Status))
			s.metrics.ObservePing("webmention", "no-endpoint")
			return nil
		}
		s.metrics.ObservePing("webmention", "failed")
		return fmt.Errorf("probe webmention target: %w", err)
	}

	endpoint, found := discoverEndpoint(res)
	if !found {
		s.log.Debug("no webmention endpoint", zap.String("target", target))
		s.metrics.ObservePing("webmention", "no-endpoint")
		return nil
	}

	resolved, err := urlutil.Resolve(res.FinalURL, endpoint)
	if err != nil {
		s.metrics.ObservePing("webmention", "failed")
		return fmt.Errorf("resolve webmention endpoint: %w", err)
	}

	s.log.Info("sending webmention",
		zap.String("source", source),
		zap.String("target", target),
		zap.String("endpoint", resolved))
	return s.postWithRetry(ctx, "webmention", resolved, url.Values{
		"source": {source},
		"target": {target},
	})
}

// WebSub tells a hub that the topic feed was updated.
func (s *Sender) WebSub(ctx context.Context, hub, topic string) error {
	s.log.Info("sending websub publish",
		zap.String("hub", hub), zap.String("topic", topic))
	return s.postWithRetry(ctx, "websub", hub, url.Values{
		"hub.mode": {"publish"},
		"hub.url":  {topic},
	})
}

// Wayback asks the Wayback Machine to archive target. Any 2xx or 3xx
// counts as success and there is no retry.
func (s *Sender) Wayback(ctx context.Context, target string) error {
	status, err := s.fetch.Get(ctx, s.WaybackBase+target)
	if err != nil {
		s.metrics.ObservePing("wayback", "failed")
		return fmt.Errorf("wayback save: %w", err)
	}
	if status >= 400 {
		s.metrics.ObservePing("wayback", "failed")
		return fmt.Errorf("wayback save %s: status %d", target, status)
	}
	s.metrics.ObservePing("wayback", "sent")
	return nil
}

// postWithRetry POSTs a form. Any 2xx is success. 4xx is permanent. 5xx
// and transport errors get one retry after a short backoff.
func (s *Sender) postWithRetry(ctx context.Context, kind, endpoint string, form url.Values) error {
	status, body, err := s.fetch.PostForm(ctx, endpoint, form)

	if transient(status, err) {
		select {
		case <-time.After(retryBackoff):
		case <-ctx.Done():
			s.metrics.ObservePing(kind, "failed")
			return fmt.Errorf("%s ping: %w", kind, ctx.Err())
		}
		status, body, err = s.fetch.PostForm(ctx, endpoint, form)
	}

	switch {
	case err != nil:
		s.metrics.ObservePing(kind, "failed")
		return fmt.Errorf("%s ping: %w", kind, err)
	case status >= 200 && status < 300:
		s.metrics.ObservePing(kind, "sent")
		return nil
	default:
		s.metrics.ObservePing(kind, "failed")
		return fmt.Errorf("%s ping to %s: status %d: %s",
			kind, endpoint, status, truncate(body, 200))
	}
}

func transient(status int, err error) bool {
	return err != nil || status >= 500
}

// discoverEndpoint finds the advertised Webmention endpoint: first in the
// Link response header, then the first <link> with rel=webmention, then the
// first <a> with rel=webmention. An empty href is a valid endpoint (the target URL
// itself), so presence is reported separately.
func discoverEndpoint(res *fetcher.Result) (string, bool) {
	for _, ref := range fetcher.ParseLinkHeader(res.Headers.Values("Link")) {
		if ref.RelContains("webmention") {
			return ref.URL, true
		}
	}

	if !res.IsMarkup() {
		return "", false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
	if err != nil {
		return "", false
	}

	// <link> elements take priority over <a> anywhere in the document.
	for _, tag := range []string{"link", "a"} {
		endpoint, found := firstEndpoint(doc, tag)
		if found {
			return endpoint, true
		}
	}
	return "", false
}

func firstEndpoint(doc *goquery.Document, tag string) (string, bool) {
	var (
		endpoint string
		found    bool
	)
	doc.Find(tag).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if !relContains(sel, "webmention") {
			return true
		}
		href, ok := sel.Attr("href")
		if !ok {
			return true
		}
		endpoint = href
		found = true
		return false
	})
	return endpoint, found
}

func relContains(sel *goquery.Selection, want string) bool {
	rel, ok := sel.Attr("rel")
	if !ok {
		return false
	}
	for _, word := range bytes.Fields([]byte(rel)) {
		if string(word) == want {
			return true
		}
	}
	return false
}

func truncate(body []byte, limit int) string {
	if len(body) > limit {
		body = body[:limit]
	}
	return string(body)
}
