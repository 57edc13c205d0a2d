package resolver

import (
	"context"
	"errors"
	"strings"
)

const DefaultSearchLimit = 5

var ErrNoResults = errors.New("no results")

// Candidate is one search hit. Locator is what FetchAudio expects.
type Candidate struct {
	Title           string
	DurationSeconds *int
	Thumbnails      []string
	Locator         string
}

// Audio is a downloaded file owned by the caller, who must remove it.
type Audio struct {
	Path  string
	Title string
}

// Gateway talks to the media extractor. Both calls block for seconds and
// must not run on an event-handling goroutine.
type Gateway interface {
	Search(ctx context.Context, query string, limit int) ([]Candidate, error)
	FetchAudio(ctx context.Context, locator string) (Audio, error)
}

var DefaultLinkHosts = []string{"youtube.com", "youtu.be"}

// IsLink reports whether text should bypass search and be fetched directly.
func IsLink(text string, hosts []string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return false
	}
	if len(hosts) == 0 {
		hosts = DefaultLinkHosts
	}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" && strings.Contains(text, h) {
			return true
		}
	}
	return false
}

// ExtractLink returns the first whitespace-separated token of text that
// contains one of hosts, unchanged. Text without such a token is returned
// trimmed.
func ExtractLink(text string, hosts []string) string {
	text = strings.TrimSpace(text)
	for _, field := range strings.Fields(text) {
		if IsLink(field, hosts) {
			return field
		}
	}
	return text
}
