// Package feed parses fetched feed bodies into the link sets the engine
// fans out over: hubs, items, and RFC 5005 archive pages. Bodies a feed
// parser rejects fall back to h-feed extraction from HTML.
package feed

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/xmlquery"
	"github.com/mmcdole/gofeed"

	"pushl/internal/urlutil"
)

// historyNS is the RFC 5005 feed-history namespace.
const historyNS = "http://purl.org/syndication/history/1.0"

// archiveRels are the pagination rels traversed in archive mode.
var archiveRels = map[string]struct{}{
	"prev-archive": {},
	"next-archive": {},
	"prev-page":    {},
	"next-page":    {},
}

// Snapshot is the transient parse result for one feed body.
type Snapshot struct {
	// URL the feed was fetched from (post-redirect).
	URL string
	// Self is the feed's advertised rel=self URL, or URL when absent.
	Self string
	// Hubs are WebSub hub URLs from rel=hub links.
	Hubs []string
	// Items are the entry URLs, absolute.
	Items []string
	// Archives are RFC 5005 pagination URLs, absolute.
	Archives []string
	// IsArchive reports whether the feed declares itself an archive view,
	// in which case its hub is never pinged.
	IsArchive bool
}

// Parse builds a Snapshot from a fetched feed body. baseURL is the final
// fetched URL used to resolve relative references.
func Parse(baseURL string, body []byte) (*Snapshot, error) {
	snap := &Snapshot{URL: baseURL, Self: baseURL}

	parsed, feedErr := gofeed.NewParser().Parse(bytes.NewReader(body))
	if feedErr != nil {
		// Not a feed the parser accepts; try HTML with h-entry items.
		if err := snap.fromHFeed(body); err != nil {
			return nil, fmt.Errorf("parse feed: %w", feedErr)
		}
		return snap, nil
	}

	for _, item := range parsed.Items {
		link := itemLink(item)
		if link == "" {
			continue
		}
		if resolved, err := urlutil.Resolve(baseURL, link); err == nil {
			snap.Items = append(snap.Items, resolved)
		}
	}

	snap.scanRelLinks(body)

	if snap.Self == baseURL && parsed.FeedLink != "" {
		if resolved, err := urlutil.Resolve(baseURL, parsed.FeedLink); err == nil {
			snap.Self = resolved
		}
	}
	return snap, nil
}

// itemLink prefers the explicit link, falling back to a GUID that looks
// like a URL.
func itemLink(item *gofeed.Item) string {
	if item == nil {
		return ""
	}
	if item.Link != "" {
		return item.Link
	}
	if strings.HasPrefix(item.GUID, "http") {
		return item.GUID
	}
	return ""
}

// scanRelLinks walks the raw XML for <link rel=...> elements, which gofeed
// flattens away: hubs, self, current, and archive pagination.
func (s *Snapshot) scanRelLinks(body []byte) {
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return
	}

	var current []string
	var selfLinks []string
	for _, node := range xmlquery.Find(doc, "//*[local-name()='link']") {
		rel := strings.ToLower(strings.TrimSpace(node.SelectAttr("rel")))
		href := strings.TrimSpace(node.SelectAttr("href"))
		if rel == "" || href == "" {
			continue
		}
		resolved, err := urlutil.Resolve(s.URL, href)
		if err != nil {
			continue
		}
		switch {
		case rel == "hub":
			s.Hubs = append(s.Hubs, resolved)
		case rel == "self":
			selfLinks = append(selfLinks, resolved)
		case rel == "current":
			current = append(current, resolved)
		default:
			if _, ok := archiveRels[rel]; ok {
				s.Archives = append(s.Archives, resolved)
			}
		}
	}

	if len(selfLinks) > 0 {
		s.Self = selfLinks[0]
	}
	s.IsArchive = s.detectArchive(doc, selfLinks, current)
}

// detectArchive prefers the RFC 5005 markers and falls back to a
// rel=current that differs from rel=self.
func (s *Snapshot) detectArchive(doc *xmlquery.Node, selfLinks, current []string) bool {
	for _, node := range xmlquery.Find(doc, "//*[local-name()='archive']") {
		if node.NamespaceURI == historyNS || node.NamespaceURI == "" {
			return true
		}
	}
	if len(current) == 0 {
		return false
	}
	for _, c := range current {
		for _, self := range selfLinks {
			if c == self {
				return false
			}
		}
	}
	return true
}

// fromHFeed extracts items from an HTML document of h-entry microformats.
// Each h-entry with a u-url is an item; entries without one are ignored.
func (s *Snapshot) fromHFeed(body []byte) error {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}
	if doc.Find(".h-entry").Length() == 0 {
		return fmt.Errorf("no h-entry items found")
	}

	doc.Find(".h-entry").Each(func(_ int, entry *goquery.Selection) {
		href := entry.Find(".u-url").First().AttrOr("href", "")
		if href == "" {
			return
		}
		if resolved, err := urlutil.Resolve(s.URL, href); err == nil {
			s.Items = append(s.Items, resolved)
		}
	})

	doc.Find("link, a").Each(func(_ int, sel *goquery.Selection) {
		if !relContains(sel, "hub") {
			return
		}
		href := sel.AttrOr("href", "")
		if href == "" {
			return
		}
		if resolved, err := urlutil.Resolve(s.URL, href); err == nil {
			s.Hubs = append(s.Hubs, resolved)
		}
	})
	return nil
}

func relContains(sel *goquery.Selection, want string) bool {
	rel, ok := sel.Attr("rel")
	if !ok {
		return false
	}
	for _, word := range strings.Fields(rel) {
		if strings.EqualFold(word, want) {
			return true
		}
	}
	return false
}
