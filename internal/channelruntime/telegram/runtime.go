package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quailyquaily/musedown/internal/cachedir"
	"github.com/quailyquaily/musedown/internal/channelruntime/worker"
	"github.com/quailyquaily/musedown/internal/healthcheck"
	"github.com/quailyquaily/musedown/internal/resolver"
	"github.com/quailyquaily/musedown/internal/retrieval"
	"github.com/quailyquaily/musedown/internal/session"
)

type Dependencies struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
	// Gateway replaces the yt-dlp resolver when set.
	Gateway resolver.Gateway
}

// Run polls the Bot API until ctx ends, then drains in-flight jobs for at
// most ShutdownTimeout.
func Run(ctx context.Context, d Dependencies, opts RunOptions) error {
	return runTelegramLoop(ctx, d, resolveRuntimeLoopOptionsFromRunOptions(opts))
}

func runTelegramLoop(ctx context.Context, d Dependencies, opts runtimeLoopOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.BotToken == "" {
		return fmt.Errorf("missing telegram.bot_token (set via --telegram-bot-token, TELEGRAM_BOT_TOKEN or MUSEDOWN_TELEGRAM_BOT_TOKEN)")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	downloadDir, err := prepareDownloadDir(logger, opts)
	if err != nil {
		return err
	}

	gateway := d.Gateway
	if gateway == nil {
		gateway, err = resolver.NewYTDLP(resolver.YTDLPOptions{
			Binary:    opts.ResolverBinary,
			OutputDir: downloadDir,
			Format:    opts.ResolverFormat,
			Timeout:   opts.ResolverTimeout,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("init resolver: %w", err)
		}
	}

	httpClient := d.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	api := newTelegramAPI(httpClient, opts.BaseURL, opts.BotToken)

	if listen := healthcheck.NormalizeListen(opts.HealthListen); listen != "" {
		healthServer, err := healthcheck.StartServer(ctx, logger, listen, "telegram")
		if err != nil {
			logger.Warn("telegram_health_server_start_error", "addr", listen, "error", err.Error())
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_ = healthServer.Shutdown(shutdownCtx)
				cancel()
			}()
		}
	}

	me, ok := waitForBot(ctx, logger, api)
	if !ok {
		logger.Info("telegram_stop", "reason", "context_canceled")
		return nil
	}
	logger.Info("telegram_start", "bot_id", me.ID, "username", me.Username, "base_url", opts.BaseURL, "allowed_chats", len(opts.AllowedChatIDs))

	// Jobs and lanes outlive ctx so that work accepted before shutdown can
	// finish and clean up.
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWork()
	pool := worker.NewPool(workCtx, opts.ResolverMaxWorkers)
	store := session.NewStore()
	manager, err := retrieval.New(workCtx, retrieval.Dependencies{
		Store:     store,
		Pool:      pool,
		Gateway:   gateway,
		Transport: newBotTransport(api),
		Logger:    logger,
	}, retrieval.Options{
		SearchLimit:      opts.SearchLimit,
		LinkHosts:        opts.LinkHosts,
		AllowedChatIDs:   opts.AllowedChatIDs,
		SupersedeCleanup: opts.SupersedeCleanup,
		SessionTTL:       opts.SessionTTL,
		SweepInterval:    opts.SweepInterval,
		RequestTimeout:   opts.RequestTimeout,
		UploadTimeout:    opts.UploadTimeout,
		MaxConcurrency:   opts.MaxConcurrency,
	})
	if err != nil {
		return err
	}
	logger.Info("telegram_ready", "resolver_workers", pool.Size(), "max_concurrency", opts.MaxConcurrency, "session_ttl", opts.SessionTTL)
	go manager.RunSweeper(ctx)

	pollUpdates(ctx, logger, api, manager, opts.PollTimeout)

	logger.Info("telegram_stop", "reason", "context_canceled")
	drainManager(logger, manager, opts.ShutdownTimeout)
	stopWork()
	pool.Close()
	return nil
}

// prepareDownloadDir makes the private download directory under the file
// cache dir and prunes files left behind by earlier runs.
func prepareDownloadDir(logger *slog.Logger, opts runtimeLoopOptions) (string, error) {
	if err := cachedir.EnsureSecure(opts.FileCacheDir); err != nil {
		return "", fmt.Errorf("file cache dir: %w", err)
	}
	dir, err := cachedir.EnsureChild(opts.FileCacheDir, "downloads")
	if err != nil {
		return "", fmt.Errorf("download cache subdir: %w", err)
	}
	stats, err := cachedir.Prune(dir, cachedir.Limits{
		MaxAge:        opts.FileCacheMaxAge,
		MaxFiles:      opts.FileCacheMaxFiles,
		MaxTotalBytes: opts.FileCacheMaxTotalBytes,
	})
	if err != nil {
		logger.Warn("file_cache_cleanup_error", "dir", dir, "error", err.Error())
	} else if stats.Removed > 0 {
		logger.Info("file_cache_cleanup", "dir", dir, "removed", stats.Removed, "removed_bytes", stats.RemovedBytes)
	}
	return dir, nil
}

// waitForBot retries getMe until it succeeds or ctx ends.
func waitForBot(ctx context.Context, logger *slog.Logger, api *telegramAPI) (*telegramUser, bool) {
	for {
		me, err := api.getMe(ctx)
		if err == nil {
			return me, true
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, false
		}
		logger.Warn("telegram_get_me_error", "error", err.Error())
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(2 * time.Second):
		}
	}
}

func pollUpdates(ctx context.Context, logger *slog.Logger, api *telegramAPI, manager *retrieval.Manager, pollTimeout time.Duration) {
	var offset int64
	for {
		updates, nextOffset, err := api.getUpdates(ctx, offset, pollTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			if isTelegramPollTimeoutError(err) {
				logger.Debug("telegram_get_updates_timeout", "error", err.Error())
			} else {
				logger.Warn("telegram_get_updates_error", "error", err.Error())
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		offset = nextOffset

		for _, u := range updates {
			ev, ok := eventFromUpdate(u)
			if !ok {
				logger.Debug("telegram_update_ignored", "update_id", u.UpdateID)
				continue
			}
			if err := manager.Dispatch(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("telegram_dispatch_error", "chat_id", int64(ev.ConversationID), "update_id", u.UpdateID, "error", err.Error())
			}
		}
	}
}

func drainManager(logger *slog.Logger, manager *retrieval.Manager, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		manager.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("telegram_drained")
	case <-time.After(timeout):
		logger.Warn("telegram_drain_timeout", "timeout", timeout.String())
	}
}
