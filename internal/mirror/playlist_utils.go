package mirror

import (
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

const (
	// PlaylistFileName is the published manifest inside a session directory.
	PlaylistFileName = "playlist.m3u8"
	// SegmentExt is the extension of every localized segment file.
	SegmentExt = ".ts"
	// SegmentPrefix starts every localized segment file name.
	SegmentPrefix = "chunk-"

	directiveMarker = "#"
	tempPrefix      = ".mirror-"
	tempSuffix      = ".tmp"
)

var segmentCounter atomic.Uint64

// ExtractSegmentURIs returns the distinct absolute http(s) URIs of a manifest
// in first-seen order. Directive lines and blank lines are never candidates.
func ExtractSegmentURIs(text string) []string {
	var uris []string
	seen := make(map[string]struct{})
	for _, line := range strings.Split(text, "\n") {
		uri, ok := uriLine(line)
		if !ok {
			continue
		}
		if _, dup := seen[uri]; dup {
			continue
		}
		seen[uri] = struct{}{}
		uris = append(uris, uri)
	}
	return uris
}

// RewriteManifest substitutes URI lines found in replacements and leaves every
// other byte, including line endings and surrounding whitespace, as it was.
// The result does not depend on the order replacements were collected in.
func RewriteManifest(text string, replacements map[string]string) string {
	if len(replacements) == 0 {
		return text
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		uri, ok := uriLine(line)
		if !ok {
			continue
		}
		local, ok := replacements[uri]
		if !ok {
			continue
		}
		start := strings.Index(line, uri)
		lines[i] = line[:start] + local + line[start+len(uri):]
	}
	return strings.Join(lines, "\n")
}

// uriLine reports whether line is a segment URI candidate and returns it trimmed.
func uriLine(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, directiveMarker) {
		return "", false
	}
	if !isAbsoluteHTTP(trimmed) {
		return "", false
	}
	return trimmed, true
}

func isAbsoluteHTTP(s string) bool {
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return false
	}
	u, err := url.Parse(s)
	return err == nil && u.Host != ""
}

// newSegmentName returns a collision-free segment file name. The token is
// the wall clock in nanoseconds plus a process-wide counter.
func newSegmentName(now time.Time) string {
	return fmt.Sprintf("%s%d_%d%s", SegmentPrefix, now.UnixNano(), segmentCounter.Add(1), SegmentExt)
}

// IsSegmentFile reports whether name is a localized segment file name.
func IsSegmentFile(name string) bool {
	return strings.HasPrefix(name, SegmentPrefix) && strings.HasSuffix(name, SegmentExt) &&
		!strings.ContainsAny(name, `/\`)
}

func isTempFile(name string) bool {
	return strings.HasPrefix(name, tempPrefix) && strings.HasSuffix(name, tempSuffix)
}
