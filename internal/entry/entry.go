// Package entry parses fetched entry pages: the mention source URL, the
// outgoing-link targets, and any autodiscoverable feeds and hubs.
package entry

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"pushl/internal/urlutil"
)

// defaultRelBlacklist names the rels that never produce a webmention, in
// addition to any rel containing "nav".
var defaultRelBlacklist = map[string]struct{}{
	"author":   {},
	"self":     {},
	"nofollow": {},
	"nonotify": {},
}

// feedTypes are the alternate-link MIME types treated as feeds.
var feedTypes = map[string]struct{}{
	"text/xml":              {},
	"application/xml":       {},
	"application/rdf+xml":   {},
	"application/rss+xml":   {},
	"application/atom+xml":  {},
	"application/feed+json": {},
	"application/json":      {},
}

// Options tunes target selection.
type Options struct {
	// RelWhitelist, when non-nil, restricts targets to links whose rel set
	// intersects it. Links without any rel do not qualify.
	RelWhitelist map[string]struct{}
	// RelBlacklist extends the built-in blacklist.
	RelBlacklist map[string]struct{}
}

// Target is one outgoing link from an entry.
type Target struct {
	// URL is the absolute target, fragment preserved.
	URL string
}

// Snapshot is the transient parse result for one entry page.
type Snapshot struct {
	// Source is the URL to advertise as the webmention source: the
	// document's rel=canonical when present, the final URL otherwise.
	Source string
	// Targets are the outgoing links inside the entry container.
	Targets []Target
	// Feeds are autodiscovered feed URLs from rel=alternate links.
	Feeds []string
	// Hubs are WebSub hubs advertised by the page itself.
	Hubs []string
}

// Parse builds a Snapshot from a fetched entry body. finalURL is the
// post-redirect URL: the fallback source and the base for <link> elements.
// Anchor targets resolve against the source, which is the canonical URL
// when one is declared.
func Parse(finalURL string, body []byte, opts Options) (*Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse entry html: %w", err)
	}

	snap := &Snapshot{Source: finalURL}

	if canonical := findCanonical(doc, finalURL); canonical != "" {
		snap.Source = canonical
	}

	for _, container := range findContainers(doc) {
		container.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			if !mentionable(a, opts) {
				return
			}
			href := strings.TrimSpace(a.AttrOr("href", ""))
			if href == "" {
				return
			}
			resolved, err := urlutil.Resolve(snap.Source, href)
			if err != nil {
				return
			}
			target, err := urlutil.NormalizeRef(resolved)
			if err != nil {
				return
			}
			snap.Targets = append(snap.Targets, Target{URL: target})
		})
	}
	snap.Targets = dedupe(snap.Targets)

	doc.Find("link").Each(func(_ int, link *goquery.Selection) {
		href := strings.TrimSpace(link.AttrOr("href", ""))
		if href == "" {
			return
		}
		resolved, err := urlutil.Resolve(finalURL, href)
		if err != nil {
			return
		}
		switch {
		case relContains(link, "alternate") && isFeedType(link.AttrOr("type", "")):
			snap.Feeds = append(snap.Feeds, resolved)
		case relContains(link, "hub"):
			snap.Hubs = append(snap.Hubs, resolved)
		}
	})

	return snap, nil
}

// findContainers returns the elements whose links count as entry content,
// in priority order: h-entry, then article, then .entry, then the whole
// document.
func findContainers(doc *goquery.Document) []*goquery.Selection {
	for _, selector := range []string{".h-entry", "article", ".entry"} {
		found := doc.Find(selector)
		if found.Length() > 0 {
			var out []*goquery.Selection
			found.Each(func(_ int, sel *goquery.Selection) {
				out = append(out, sel)
			})
			return out
		}
	}
	return []*goquery.Selection{doc.Selection}
}

func findCanonical(doc *goquery.Document, finalURL string) string {
	var canonical string
	doc.Find("link").EachWithBreak(func(_ int, link *goquery.Selection) bool {
		if !relContains(link, "canonical") {
			return true
		}
		href := strings.TrimSpace(link.AttrOr("href", ""))
		if href == "" {
			return true
		}
		if resolved, err := urlutil.Resolve(finalURL, href); err == nil {
			canonical = resolved
			return false
		}
		return true
	})
	return canonical
}

// mentionable applies the rel whitelist and blacklist to an anchor.
func mentionable(a *goquery.Selection, opts Options) bool {
	rels := relWords(a)

	for _, rel := range rels {
		if _, banned := defaultRelBlacklist[rel]; banned {
			return false
		}
		if _, banned := opts.RelBlacklist[rel]; banned {
			return false
		}
		if strings.Contains(rel, "nav") {
			return false
		}
	}

	if opts.RelWhitelist != nil {
		for _, rel := range rels {
			if _, ok := opts.RelWhitelist[rel]; ok {
				return true
			}
		}
		return false
	}
	return true
}

func relWords(sel *goquery.Selection) []string {
	rel, ok := sel.Attr("rel")
	if !ok {
		return nil
	}
	words := strings.Fields(strings.ToLower(rel))
	return words
}

func relContains(sel *goquery.Selection, want string) bool {
	for _, word := range relWords(sel) {
		if word == want {
			return true
		}
	}
	return false
}

func isFeedType(ctype string) bool {
	_, ok := feedTypes[strings.ToLower(strings.TrimSpace(ctype))]
	return ok
}

func dedupe(targets []Target) []Target {
	seen := make(map[string]struct{}, len(targets))
	out := targets[:0]
	for _, t := range targets {
		if _, dup := seen[t.URL]; dup {
			continue
		}
		seen[t.URL] = struct{}{}
		out = append(out, t)
	}
	return out
}
