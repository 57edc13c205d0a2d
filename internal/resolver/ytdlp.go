package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const (
	DefaultBinary      = "yt-dlp"
	DefaultAudioFormat = "bestaudio[ext=m4a]/bestaudio/best"
	DefaultTimeout     = 10 * time.Minute

	maxStderrBytes = 8 * 1024
)

type YTDLPOptions struct {
	Binary    string
	OutputDir string
	Format    string
	Timeout   time.Duration
	Logger    *slog.Logger
}

// YTDLP is a Gateway backed by the yt-dlp command line tool.
type YTDLP struct {
	binary    string
	outputDir string
	format    string
	timeout   time.Duration
	logger    *slog.Logger
}

func NewYTDLP(opts YTDLPOptions) (*YTDLP, error) {
	outputDir := strings.TrimSpace(opts.OutputDir)
	if outputDir == "" {
		return nil, fmt.Errorf("output dir is required")
	}
	binary := strings.TrimSpace(opts.Binary)
	if binary == "" {
		binary = DefaultBinary
	}
	format := strings.TrimSpace(opts.Format)
	if format == "" {
		format = DefaultAudioFormat
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &YTDLP{
		binary:    binary,
		outputDir: outputDir,
		format:    format,
		timeout:   timeout,
		logger:    logger,
	}, nil
}

type ytdlpThumbnail struct {
	URL string `json:"url"`
}

type ytdlpEntry struct {
	ID         string           `json:"id"`
	Title      string           `json:"title"`
	Duration   *float64         `json:"duration"`
	URL        string           `json:"url"`
	WebpageURL string           `json:"webpage_url"`
	Thumbnail  string           `json:"thumbnail"`
	Thumbnails []ytdlpThumbnail `json:"thumbnails"`
}

type ytdlpPlaylist struct {
	Entries []ytdlpEntry `json:"entries"`
}

func (y *YTDLP) Search(ctx context.Context, query string, limit int) ([]Candidate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrNoResults
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	args := []string{
		"--flat-playlist",
		"--dump-single-json",
		"--skip-download",
		"--no-playlist",
		"--no-warnings",
		"--quiet",
		fmt.Sprintf("ytsearch%d:%s", limit, query),
	}
	stdout, err := y.run(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	out, err := parseSearchOutput(stdout, limit)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	y.logger.Debug("resolver_search_done", "query_len", len(query), "results", len(out))
	if len(out) == 0 {
		return nil, ErrNoResults
	}
	return out, nil
}

func parseSearchOutput(raw []byte, limit int) ([]Candidate, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	var pl ytdlpPlaylist
	if err := json.Unmarshal(raw, &pl); err != nil {
		return nil, fmt.Errorf("decode yt-dlp output: %w", err)
	}
	out := make([]Candidate, 0, len(pl.Entries))
	for _, e := range pl.Entries {
		c, ok := candidateFromEntry(e)
		if !ok {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func candidateFromEntry(e ytdlpEntry) (Candidate, bool) {
	locator := strings.TrimSpace(e.URL)
	if locator == "" {
		locator = strings.TrimSpace(e.WebpageURL)
	}
	if locator == "" && strings.TrimSpace(e.ID) != "" {
		locator = "https://www.youtube.com/watch?v=" + strings.TrimSpace(e.ID)
	}
	if locator == "" {
		return Candidate{}, false
	}
	title := strings.TrimSpace(e.Title)
	if title == "" {
		title = "Unknown Title"
	}
	c := Candidate{Title: title, Locator: locator}
	if e.Duration != nil && *e.Duration >= 0 && !math.IsInf(*e.Duration, 0) && !math.IsNaN(*e.Duration) {
		secs := int(*e.Duration)
		c.DurationSeconds = &secs
	}
	for _, t := range e.Thumbnails {
		if u := strings.TrimSpace(t.URL); u != "" {
			c.Thumbnails = append(c.Thumbnails, u)
		}
	}
	if u := strings.TrimSpace(e.Thumbnail); u != "" {
		c.Thumbnails = append(c.Thumbnails, u)
	}
	return c, true
}

func (y *YTDLP) FetchAudio(ctx context.Context, locator string) (Audio, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return Audio{}, fmt.Errorf("locator is required")
	}
	name := uuid.NewString()
	args := []string{
		"--format", y.format,
		"--no-playlist",
		"--no-warnings",
		"--quiet",
		"--no-progress",
		"--output", filepath.Join(y.outputDir, name+".%(ext)s"),
		"--print", "after_move:filepath",
		"--print", "after_move:title",
		"--", locator,
	}
	stdout, err := y.run(ctx, args)
	if err != nil {
		y.removePartials(name)
		return Audio{}, fmt.Errorf("download: %w", err)
	}
	audio, err := parseFetchOutput(stdout)
	if err != nil {
		y.removePartials(name)
		return Audio{}, fmt.Errorf("download: %w", err)
	}
	if err := checkAudioFile(audio.Path); err != nil {
		_ = os.Remove(audio.Path)
		return Audio{}, fmt.Errorf("download: %w", err)
	}
	return audio, nil
}

func parseFetchOutput(raw []byte) (Audio, error) {
	var lines []string
	for _, line := range strings.Split(string(raw), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) < 2 {
		return Audio{}, fmt.Errorf("yt-dlp printed no file path")
	}
	path := lines[len(lines)-2]
	title := lines[len(lines)-1]
	if title == "" || title == "NA" {
		title = "Unknown Title"
	}
	return Audio{Path: path, Title: title}, nil
}

// checkAudioFile rejects missing, empty or non-media downloads (an HTML error
// page saved under an audio extension, for instance).
func checkAudioFile(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	if st.IsDir() {
		return fmt.Errorf("path is a directory: %s", path)
	}
	if st.Size() == 0 {
		return fmt.Errorf("downloaded file is empty")
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return err
	}
	if !IsMediaMIME(mt) {
		return fmt.Errorf("downloaded file is not audio (%s)", mt.String())
	}
	return nil
}

// IsMediaMIME accepts audio and video containers; audio-only webm is
// reported as video/webm.
func IsMediaMIME(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		s := m.String()
		if strings.HasPrefix(s, "audio/") || strings.HasPrefix(s, "video/") || s == "application/ogg" {
			return true
		}
	}
	return false
}

func (y *YTDLP) removePartials(name string) {
	matches, _ := filepath.Glob(filepath.Join(y.outputDir, name+".*"))
	for _, m := range matches {
		_ = os.Remove(m)
	}
}

func (y *YTDLP) run(ctx context.Context, args []string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, y.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, y.binary, args...)
	var stdout bytes.Buffer
	stderr := &limitedBuffer{max: maxStderrBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second
	start := time.Now()
	err := cmd.Run()
	y.logger.Debug("resolver_exec", "binary", y.binary, "duration_ms", time.Since(start).Milliseconds(), "ok", err == nil)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s timed out after %s", y.binary, y.timeout)
		}
		if msg := lastLine(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s", msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// limitedBuffer keeps the last max bytes written; yt-dlp prints the error
// that matters at the end.
type limitedBuffer struct {
	buf []byte
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; b.max > 0 && over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return string(b.buf)
}
