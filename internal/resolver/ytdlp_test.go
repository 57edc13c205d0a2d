package resolver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

const fakeSearchJSON = `{"_type":"playlist","entries":[
 {"id":"a1","title":"Song A","duration":65.4,"url":"https://www.youtube.com/watch?v=a1","thumbnails":[{"url":"https://i.ytimg.com/vi/a1/hq.webp"},{"url":"https://i.ytimg.com/vi/a1/hq.jpg"}]},
 {"id":"b2","title":"Song B","duration":null,"url":"https://www.youtube.com/watch?v=b2"},
 {"id":"","title":"broken","url":""}
]}`

func writeFakeYTDLP(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake is unix only")
	}
	path := filepath.Join(t.TempDir(), "yt-dlp")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake yt-dlp: %v", err)
	}
	return path
}

func newTestYTDLP(t *testing.T, body string) (*YTDLP, string) {
	t.Helper()
	outDir := t.TempDir()
	y, err := NewYTDLP(YTDLPOptions{
		Binary:    writeFakeYTDLP(t, body),
		OutputDir: outDir,
		Timeout:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewYTDLP() error = %v", err)
	}
	return y, outDir
}

const fakeDownloadBody = `out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "--output" ]; then out="$a"; fi
  prev="$a"
done
file=$(printf '%s' "$out" | sed 's/%(ext)s/mp3/')
printf 'ID3\003\000\000\000\000\000\000' > "$file"
head -c 512 /dev/zero >> "$file"
echo "$file"
echo "Test Song"`

func TestParseSearchOutput(t *testing.T) {
	got, err := parseSearchOutput([]byte(fakeSearchJSON), 5)
	if err != nil {
		t.Fatalf("parseSearchOutput() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("candidates = %d, want 2", len(got))
	}
	if got[0].Title != "Song A" || got[0].Locator != "https://www.youtube.com/watch?v=a1" {
		t.Fatalf("first candidate = %#v", got[0])
	}
	if got[0].DurationSeconds == nil || *got[0].DurationSeconds != 65 {
		t.Fatalf("duration = %v, want 65", got[0].DurationSeconds)
	}
	if len(got[0].Thumbnails) != 2 {
		t.Fatalf("thumbnails = %#v, want 2", got[0].Thumbnails)
	}
	if got[1].DurationSeconds != nil {
		t.Fatalf("missing duration should stay nil, got %v", *got[1].DurationSeconds)
	}
}

func TestParseSearchOutputRespectsLimit(t *testing.T) {
	got, err := parseSearchOutput([]byte(fakeSearchJSON), 1)
	if err != nil {
		t.Fatalf("parseSearchOutput() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("candidates = %d, want 1", len(got))
	}
}

func TestParseSearchOutputRejectsGarbage(t *testing.T) {
	if _, err := parseSearchOutput([]byte("not json"), 5); err == nil {
		t.Fatalf("parseSearchOutput() expected error")
	}
}

func TestParseFetchOutput(t *testing.T) {
	got, err := parseFetchOutput([]byte("\n/tmp/x.m4a\nTest Song\n"))
	if err != nil {
		t.Fatalf("parseFetchOutput() error = %v", err)
	}
	if got.Path != "/tmp/x.m4a" || got.Title != "Test Song" {
		t.Fatalf("parseFetchOutput() = %#v", got)
	}
	if _, err := parseFetchOutput([]byte("only-one-line")); err == nil {
		t.Fatalf("parseFetchOutput() expected error for short output")
	}
}

func TestYTDLPSearch(t *testing.T) {
	y, _ := newTestYTDLP(t, "cat <<'JSON'\n"+fakeSearchJSON+"\nJSON")
	got, err := y.Search(context.Background(), "test song", 5)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Search() = %d candidates, want 2", len(got))
	}
}

func TestYTDLPSearchEmptyIsNoResults(t *testing.T) {
	y, _ := newTestYTDLP(t, `echo '{"entries":[]}'`)
	_, err := y.Search(context.Background(), "nothing", 5)
	if !errors.Is(err, ErrNoResults) {
		t.Fatalf("Search() error = %v, want ErrNoResults", err)
	}
}

func TestYTDLPSearchSurfacesStderr(t *testing.T) {
	y, _ := newTestYTDLP(t, "echo 'ERROR: unable to download webpage' >&2\nexit 1")
	_, err := y.Search(context.Background(), "x", 5)
	if err == nil || !strings.Contains(err.Error(), "unable to download webpage") {
		t.Fatalf("Search() error = %v, want stderr reason", err)
	}
}

func TestYTDLPFetchAudio(t *testing.T) {
	y, outDir := newTestYTDLP(t, fakeDownloadBody)
	got, err := y.FetchAudio(context.Background(), "https://youtu.be/abc")
	if err != nil {
		t.Fatalf("FetchAudio() error = %v", err)
	}
	if got.Title != "Test Song" {
		t.Fatalf("title = %q, want Test Song", got.Title)
	}
	if filepath.Dir(got.Path) != outDir {
		t.Fatalf("path = %q, want inside %q", got.Path, outDir)
	}
	if _, err := os.Stat(got.Path); err != nil {
		t.Fatalf("downloaded file missing: %v", err)
	}
}

func TestYTDLPFetchAudioRejectsNonMedia(t *testing.T) {
	body := strings.Replace(fakeDownloadBody,
		`printf 'ID3\003\000\000\000\000\000\000' > "$file"`,
		`printf '<html><body>blocked</body></html>' > "$file"`, 1)
	y, outDir := newTestYTDLP(t, body)
	_, err := y.FetchAudio(context.Background(), "https://youtu.be/abc")
	if err == nil || !strings.Contains(err.Error(), "not audio") {
		t.Fatalf("FetchAudio() error = %v, want not audio", err)
	}
	entries, _ := os.ReadDir(outDir)
	if len(entries) != 0 {
		t.Fatalf("rejected download should be removed, found %d files", len(entries))
	}
}

func TestYTDLPFetchAudioTimeout(t *testing.T) {
	outDir := t.TempDir()
	y, err := NewYTDLP(YTDLPOptions{
		Binary:    writeFakeYTDLP(t, "exec sleep 5"),
		OutputDir: outDir,
		Timeout:   100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewYTDLP() error = %v", err)
	}
	_, err = y.FetchAudio(context.Background(), "https://youtu.be/abc")
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("FetchAudio() error = %v, want timeout", err)
	}
}

func TestNewYTDLPRequiresOutputDir(t *testing.T) {
	if _, err := NewYTDLP(YTDLPOptions{}); err == nil {
		t.Fatalf("NewYTDLP() expected error")
	}
}
