// Package cachekey recognizes which URL a raw cache file belongs to.
//
// The cache server writes a "KEY: ..." line into every entry recording the
// request it answered. Matching a file to a URL means pulling host and path
// out of that line with a configurable two-group pattern and comparing the
// result byte-for-byte with a normalized form of the URL.
package cachekey

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidPattern is returned when an extraction pattern cannot be used.
var ErrInvalidPattern = errors.New("invalid key extraction pattern")

// Record is the host/path pair recovered from a cache entry.
type Record struct {
	Host string
	Path string
}

// String joins the trimmed host and path, the form compared against targets.
func (r Record) String() string {
	return strings.TrimSpace(r.Host) + strings.TrimSpace(r.Path)
}

// Extractor recovers a Record from raw cache file content.
type Extractor interface {
	Extract(content []byte) (Record, bool)
}

// RegexpExtractor extracts host and path from the first two capture groups
// of a compiled pattern.
type RegexpExtractor struct {
	re *regexp.Regexp
}

// NewRegexpExtractor compiles pattern and checks it has exactly two groups.
func NewRegexpExtractor(pattern string) (*RegexpExtractor, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	if re.NumSubexp() != 2 {
		return nil, fmt.Errorf("%w: want 2 capture groups, got %d", ErrInvalidPattern, re.NumSubexp())
	}
	return &RegexpExtractor{re: re}, nil
}

// Extract implements Extractor.
func (e *RegexpExtractor) Extract(content []byte) (Record, bool) {
	m := e.re.FindSubmatch(content)
	if m == nil {
		return Record{}, false
	}
	return Record{Host: string(m[1]), Path: string(m[2])}, true
}

var (
	keyLineRE = regexp.MustCompile(`(?m)^KEY:\s([^\r\n]*)`)
	// The first entry covers nginx's "Status:" header copy and the second
	// covers a raw upstream status line.
	redirectREs = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^Status:\s*3\d\d\b`),
		regexp.MustCompile(`(?m)^HTTP/\d(?:\.\d)?\s+3\d\d\b`),
	}
)

// IsRedirect reports whether the entry stores a 3xx response.
func IsRedirect(content []byte) bool {
	for _, re := range redirectREs {
		if re.Match(content) {
			return true
		}
	}
	return false
}

// HasKeyLine reports whether content carries any cache key marker.
func HasKeyLine(content []byte) bool {
	return keyLineRE.Match(content)
}

// KeyLine returns the value of the first KEY: line.
func KeyLine(content []byte) (string, bool) {
	m := keyLineRE.FindSubmatch(content)
	if m == nil {
		return "", false
	}
	return string(m[1]), true
}

// Matcher decides whether cache file content belongs to a target URL.
type Matcher struct {
	extractor Extractor
}

// NewMatcher builds a Matcher around an extraction strategy.
func NewMatcher(extractor Extractor) *Matcher {
	return &Matcher{extractor: extractor}
}

// Extract returns the record for a GET, non-redirect entry.
func (m *Matcher) Extract(content []byte) (Record, bool) {
	if IsRedirect(content) {
		return Record{}, false
	}
	key, ok := KeyLine(content)
	if !ok || !strings.Contains(key, "GET") {
		return Record{}, false
	}
	return m.extractor.Extract(content)
}

// Match reports whether content is the cached response for targetURL.
func (m *Matcher) Match(content []byte, targetURL string) bool {
	rec, ok := m.Extract(content)
	if !ok {
		return false
	}
	return rec.String() == Normalize(targetURL)
}

// Normalize strips the scheme and ensures exactly one trailing slash on the
// path. URLs carrying a query string are left without a slash after the
// query.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "https://"):
		s = s[len("https://"):]
	case strings.HasPrefix(lower, "http://"):
		s = s[len("http://"):]
	}
	if strings.Contains(s, "?") {
		return s
	}
	return strings.TrimRight(s, "/") + "/"
}
