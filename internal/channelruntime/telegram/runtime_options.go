package telegram

import (
	"sort"
	"strings"
	"time"

	"github.com/quailyquaily/musedown/internal/resolver"
)

type RunOptions struct {
	BotToken       string
	BaseURL        string
	AllowedChatIDs []int64
	PollTimeout    time.Duration
	RequestTimeout time.Duration
	UploadTimeout  time.Duration
	MaxConcurrency int

	ResolverBinary     string
	ResolverFormat     string
	ResolverTimeout    time.Duration
	ResolverMaxWorkers int
	SearchLimit        int
	LinkHosts          []string

	FileCacheDir           string
	FileCacheMaxAge        time.Duration
	FileCacheMaxFiles      int
	FileCacheMaxTotalBytes int64

	SessionTTL       time.Duration
	SweepInterval    time.Duration
	SupersedeCleanup bool

	HealthListen    string
	ShutdownTimeout time.Duration
}

type runtimeLoopOptions RunOptions

func resolveRuntimeLoopOptionsFromRunOptions(opts RunOptions) runtimeLoopOptions {
	return normalizeRuntimeLoopOptions(runtimeLoopOptions(opts))
}

func normalizeRuntimeLoopOptions(opts runtimeLoopOptions) runtimeLoopOptions {
	opts.BotToken = strings.TrimSpace(opts.BotToken)
	opts.BaseURL = strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	opts.AllowedChatIDs = normalizeAllowedChatIDs(opts.AllowedChatIDs)
	opts.ResolverBinary = strings.TrimSpace(opts.ResolverBinary)
	opts.ResolverFormat = strings.TrimSpace(opts.ResolverFormat)
	opts.LinkHosts = normalizeHosts(opts.LinkHosts)
	opts.FileCacheDir = strings.TrimSpace(opts.FileCacheDir)
	opts.HealthListen = strings.TrimSpace(opts.HealthListen)

	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 5 * time.Minute
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 8
	}
	if opts.ResolverBinary == "" {
		opts.ResolverBinary = resolver.DefaultBinary
	}
	if opts.ResolverFormat == "" {
		opts.ResolverFormat = resolver.DefaultAudioFormat
	}
	if opts.ResolverTimeout <= 0 {
		opts.ResolverTimeout = resolver.DefaultTimeout
	}
	if opts.ResolverMaxWorkers <= 0 {
		opts.ResolverMaxWorkers = 2
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = resolver.DefaultSearchLimit
	}
	if len(opts.LinkHosts) == 0 {
		opts.LinkHosts = append([]string(nil), resolver.DefaultLinkHosts...)
	}
	if opts.FileCacheDir == "" {
		opts.FileCacheDir = "~/.cache/musedown"
	}
	if opts.FileCacheMaxAge <= 0 {
		opts.FileCacheMaxAge = 24 * time.Hour
	}
	if opts.FileCacheMaxFiles <= 0 {
		opts.FileCacheMaxFiles = 200
	}
	if opts.FileCacheMaxTotalBytes <= 0 {
		opts.FileCacheMaxTotalBytes = int64(1024 * 1024 * 1024)
	}
	if opts.SessionTTL < 0 {
		opts.SessionTTL = 0
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	return opts
}

func normalizeAllowedChatIDs(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func normalizeHosts(hosts []string) []string {
	seen := make(map[string]bool, len(hosts))
	var out []string
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}
