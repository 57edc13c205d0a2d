package outputfmt

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	absoluteURLInTextRE = regexp.MustCompile(`https?://[^\s"'<>]+`)
	botTokenPathRE      = regexp.MustCompile(`/bot\d+:[A-Za-z0-9_-]+`)
	ansiEscapeRE        = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)
	extractorTagRE      = regexp.MustCompile(`^\[[^\]]+\]\s*(?:[A-Za-z0-9_-]+:\s*)?`)
)

// FormatErrorForDisplay turns an error into a single line that is safe to
// send to a chat: hosts and bot tokens are removed, extractor noise is
// trimmed.
func FormatErrorForDisplay(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeErrorText(err.Error())
}

func SanitizeErrorText(raw string) string {
	raw = ansiEscapeRE.ReplaceAllString(raw, "")
	raw = strings.Join(strings.Fields(raw), " ")
	if raw == "" {
		return ""
	}
	raw = absoluteURLInTextRE.ReplaceAllStringFunc(raw, sanitizeURLInText)
	raw = botTokenPathRE.ReplaceAllString(raw, "/bot[redacted]")
	return stripExtractorNoise(raw)
}

// stripExtractorNoise drops the "ERROR: [youtube] abc123: " prefix yt-dlp
// puts in front of the useful part of its messages.
func stripExtractorNoise(s string) string {
	for _, sep := range []string{"ERROR: ", "ERROR:"} {
		if i := strings.LastIndex(s, sep); i >= 0 {
			s = s[i+len(sep):]
			break
		}
	}
	s = extractorTagRE.ReplaceAllString(strings.TrimSpace(s), "")
	return strings.TrimSpace(s)
}

func sanitizeURLInText(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	out := u.EscapedPath()
	if out == "" {
		out = "/"
	}
	if q := redactSensitiveQuery(u.Query()); q != "" {
		out += "?" + q
	}
	if frag := u.EscapedFragment(); frag != "" {
		out += "#" + frag
	}
	return out
}

func redactSensitiveQuery(q url.Values) string {
	for k := range q {
		if isSensitiveQueryKey(k) {
			q.Set(k, "[redacted]")
		}
	}
	return q.Encode()
}

func isSensitiveQueryKey(key string) bool {
	n := strings.ToLower(strings.TrimSpace(key))
	n = strings.NewReplacer("-", "", "_", "").Replace(n)
	if n == "" {
		return false
	}
	if n == "key" || n == "sig" || n == "signature" {
		return true
	}
	for _, s := range []string{"apikey", "authorization", "token", "secret", "password", "cookie"} {
		if strings.Contains(n, s) {
			return true
		}
	}
	return false
}
