// Package present formats search candidates and bot replies. Nothing here
// performs I/O.
package present

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/quailyquaily/musedown/internal/resolver"
)

const SelectLabel = "Select"

const (
	GreetingText = "🎶 Hello! Send me a song name or YouTube link and I will get the audio for you."
	HelpText     = "📌 How to use:\n" +
		"- Send a YouTube link → I’ll download it.\n" +
		"- Send a song name → I’ll show you top 5 results with thumbnails and buttons."
	DownloadingText      = "🎵 Downloading, please wait..."
	NoResultsText        = "❌ No results found."
	NoActiveSearchText   = "❌ Sorry, no active search found."
	InvalidSelectionText = "❌ Invalid selection, please pick one of the listed results."
	BusyText             = "⏳ Still working on your previous request, please wait."
	UnauthorizedText     = "unauthorized"
)

const maxErrorTextRunes = 300

// Button is one inline keyboard button; Data is returned in the callback.
type Button struct {
	Text string
	Data string
}

// Keyboard is rows of inline buttons.
type Keyboard [][]Button

// FormatDuration renders seconds as m:ss, truncating; nil is "N/A".
func FormatDuration(seconds *int) string {
	if seconds == nil {
		return "N/A"
	}
	s := *seconds
	if s < 0 {
		s = 0
	}
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}

// BuildCaption renders "<index+1>. <title> (<duration>)".
func BuildCaption(index int, c resolver.Candidate) string {
	return fmt.Sprintf("%d. %s (%s)", index+1, c.Title, FormatDuration(c.DurationSeconds))
}

// ChooseThumbnail returns the first .jpg thumbnail. Other formats (webp,
// missing extension) are skipped because the chat transport may not render
// them as photos.
func ChooseThumbnail(c resolver.Candidate) (string, bool) {
	for _, u := range c.Thumbnails {
		u = strings.TrimSpace(u)
		if strings.HasSuffix(u, ".jpg") {
			return u, true
		}
	}
	return "", false
}

// SelectKeyboard is the single-button row attached to candidate index.
func SelectKeyboard(index int) Keyboard {
	return Keyboard{{{Text: SelectLabel, Data: strconv.Itoa(index)}}}
}

// ParseSelection reads a callback payload produced by SelectKeyboard.
func ParseSelection(data string) (int, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return 0, fmt.Errorf("empty selection payload")
	}
	idx, err := strconv.Atoi(data)
	if err != nil {
		return 0, fmt.Errorf("selection payload %q is not an index", data)
	}
	return idx, nil
}

func DownloadingTitle(title string) string {
	return "🎵 Downloading: " + title
}

// ErrorText is the user-facing failure line. reason should already be
// sanitized for display.
func ErrorText(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown error"
	}
	if r := []rune(reason); len(r) > maxErrorTextRunes {
		reason = string(r[:maxErrorTextRunes]) + "…"
	}
	return "❌ Error: " + reason
}
