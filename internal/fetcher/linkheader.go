package fetcher

import "strings"

// LinkRef is one target parsed from an HTTP Link header.
type LinkRef struct {
	URL  string
	Rels []string
}

// ParseLinkHeader parses the subset of RFC 8288 needed here: `<url>`
// targets with their space-separated rel values, across one or more
// header values. Malformed segments are skipped.
func ParseLinkHeader(values []string) []LinkRef {
	var refs []LinkRef
	for _, value := range values {
		for _, segment := range splitOnUnquotedComma(value) {
			if ref, ok := parseSegment(segment); ok {
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

// RelContains reports whether any parsed rel equals want (case-insensitive).
func (l LinkRef) RelContains(want string) bool {
	for _, rel := range l.Rels {
		if strings.EqualFold(rel, want) {
			return true
		}
	}
	return false
}

func parseSegment(segment string) (LinkRef, bool) {
	parts := strings.Split(segment, ";")
	target := strings.TrimSpace(parts[0])
	if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
		return LinkRef{}, false
	}
	ref := LinkRef{URL: strings.TrimSpace(target[1 : len(target)-1])}

	for _, param := range parts[1:] {
		key, value, found := strings.Cut(param, "=")
		if !found {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(key), "rel") {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		for _, rel := range strings.Fields(value) {
			ref.Rels = append(ref.Rels, strings.ToLower(rel))
		}
	}
	return ref, true
}

// splitOnUnquotedComma splits a header value on commas that sit outside
// <...> targets and quoted strings.
func splitOnUnquotedComma(s string) []string {
	var (
		out      []string
		start    int
		inAngle  bool
		inQuotes bool
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<':
			if !inQuotes {
				inAngle = true
			}
		case '>':
			if !inQuotes {
				inAngle = false
			}
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inAngle && !inQuotes {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}
