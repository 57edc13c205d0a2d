package present

import (
	"strings"
	"testing"

	"github.com/quailyquaily/musedown/internal/resolver"
)

func intPtr(v int) *int { return &v }

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		in   *int
		want string
	}{
		{in: nil, want: "N/A"},
		{in: intPtr(0), want: "0:00"},
		{in: intPtr(59), want: "0:59"},
		{in: intPtr(65), want: "1:05"},
		{in: intPtr(125), want: "2:05"},
		{in: intPtr(3599), want: "59:59"},
		{in: intPtr(3600), want: "60:00"},
	}
	for _, tc := range cases {
		if got := FormatDuration(tc.in); got != tc.want {
			t.Fatalf("FormatDuration(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBuildCaption(t *testing.T) {
	got := BuildCaption(0, resolver.Candidate{Title: "Song A", DurationSeconds: intPtr(65)})
	if got != "1. Song A (1:05)" {
		t.Fatalf("BuildCaption() = %q", got)
	}
	got = BuildCaption(4, resolver.Candidate{Title: "Live"})
	if got != "5. Live (N/A)" {
		t.Fatalf("BuildCaption() = %q", got)
	}
}

func TestChooseThumbnail(t *testing.T) {
	c := resolver.Candidate{Thumbnails: []string{
		"https://i.ytimg.com/a.webp",
		"https://i.ytimg.com/b.jpg",
		"https://i.ytimg.com/c.jpg",
	}}
	got, ok := ChooseThumbnail(c)
	if !ok || got != "https://i.ytimg.com/b.jpg" {
		t.Fatalf("ChooseThumbnail() = %q, %v", got, ok)
	}
	if _, ok := ChooseThumbnail(resolver.Candidate{Thumbnails: []string{"https://x/a.webp", "https://x/b.jpg?sqp=1"}}); ok {
		t.Fatalf("ChooseThumbnail() accepted a non-.jpg url")
	}
	if _, ok := ChooseThumbnail(resolver.Candidate{}); ok {
		t.Fatalf("ChooseThumbnail() on empty candidate returned a url")
	}
}

func TestSelectKeyboardRoundTrip(t *testing.T) {
	for i := 0; i < 5; i++ {
		kb := SelectKeyboard(i)
		if len(kb) != 1 || len(kb[0]) != 1 || kb[0][0].Text != "Select" {
			t.Fatalf("SelectKeyboard(%d) = %#v", i, kb)
		}
		got, err := ParseSelection(kb[0][0].Data)
		if err != nil || got != i {
			t.Fatalf("ParseSelection(%q) = %d, %v, want %d", kb[0][0].Data, got, err, i)
		}
	}
}

func TestParseSelectionRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "  ", "abc", "1.5"} {
		if _, err := ParseSelection(in); err == nil {
			t.Fatalf("ParseSelection(%q) expected error", in)
		}
	}
}

func TestErrorText(t *testing.T) {
	if got := ErrorText("boom"); got != "❌ Error: boom" {
		t.Fatalf("ErrorText() = %q", got)
	}
	if got := ErrorText(""); got != "❌ Error: unknown error" {
		t.Fatalf("ErrorText(empty) = %q", got)
	}
	long := ErrorText(strings.Repeat("x", 1000))
	if !strings.HasSuffix(long, "…") || len([]rune(long)) > 320 {
		t.Fatalf("ErrorText() did not truncate: %d runes", len([]rune(long)))
	}
}
