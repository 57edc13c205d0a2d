package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/quailyquaily/musedown/internal/channelruntime/telegram"
	"github.com/quailyquaily/musedown/internal/logutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTelegramCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telegram",
		Short: "Run the Telegram bot (long polling)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := telegramRunOptions(cmd)
			if err != nil {
				return err
			}
			logger, closer, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return telegram.Run(ctx, telegram.Dependencies{Logger: logger}, opts)
		},
	}

	cmd.Flags().String("telegram-bot-token", "", "Telegram bot token (or TELEGRAM_BOT_TOKEN).")
	cmd.Flags().String("telegram-base-url", "https://api.telegram.org", "Telegram Bot API base URL.")
	cmd.Flags().StringArray("telegram-allowed-chat-id", nil, "Only serve these chat ids (repeatable). Empty serves every chat.")
	cmd.Flags().Duration("telegram-poll-timeout", 0, "Long polling timeout for getUpdates.")
	cmd.Flags().Duration("telegram-request-timeout", 0, "Timeout for each outbound Bot API call.")
	cmd.Flags().Duration("telegram-upload-timeout", 0, "Timeout for uploading one audio file.")
	cmd.Flags().Int("telegram-max-concurrency", 0, "Max conversations handled at the same time.")
	cmd.Flags().String("resolver-binary", "", "yt-dlp executable.")
	cmd.Flags().String("resolver-format", "", "yt-dlp --format selector for audio downloads.")
	cmd.Flags().Duration("resolver-timeout", 0, "Timeout for one yt-dlp invocation.")
	cmd.Flags().Int("resolver-max-workers", 0, "Max yt-dlp invocations running at once.")
	cmd.Flags().Int("search-limit", 0, "Candidates offered per search.")
	cmd.Flags().StringArray("link-host", nil, "Hosts treated as direct links (repeatable).")
	cmd.Flags().String("file-cache-dir", "", "Directory for downloads in flight.")
	cmd.Flags().Duration("session-ttl", 0, "Expire unanswered candidate lists after this long (0 disables).")
	cmd.Flags().Bool("supersede-cleanup", true, "Delete the previous candidate messages when a new search replaces them.")
	cmd.Flags().String("health-listen", "", "Health and metrics listen address (e.g. 127.0.0.1:8080). Empty disables.")

	return cmd
}

func telegramRunOptions(cmd *cobra.Command) (telegram.RunOptions, error) {
	allowed, err := parseChatIDs(flagOrViperStringArray(cmd, "telegram-allowed-chat-id", "telegram.allowed_chat_ids"))
	if err != nil {
		return telegram.RunOptions{}, err
	}
	return telegram.RunOptions{
		BotToken:               flagOrViperString(cmd, "telegram-bot-token", "telegram.bot_token"),
		BaseURL:                flagOrViperString(cmd, "telegram-base-url", "telegram.base_url"),
		AllowedChatIDs:         allowed,
		PollTimeout:            flagOrViperDuration(cmd, "telegram-poll-timeout", "telegram.poll_timeout"),
		RequestTimeout:         flagOrViperDuration(cmd, "telegram-request-timeout", "telegram.request_timeout"),
		UploadTimeout:          flagOrViperDuration(cmd, "telegram-upload-timeout", "telegram.upload_timeout"),
		MaxConcurrency:         flagOrViperInt(cmd, "telegram-max-concurrency", "telegram.max_concurrency"),
		ResolverBinary:         flagOrViperString(cmd, "resolver-binary", "resolver.binary"),
		ResolverFormat:         flagOrViperString(cmd, "resolver-format", "resolver.format"),
		ResolverTimeout:        flagOrViperDuration(cmd, "resolver-timeout", "resolver.timeout"),
		ResolverMaxWorkers:     flagOrViperInt(cmd, "resolver-max-workers", "resolver.max_workers"),
		SearchLimit:            flagOrViperInt(cmd, "search-limit", "resolver.search_limit"),
		LinkHosts:              flagOrViperStringArray(cmd, "link-host", "resolver.link_hosts"),
		FileCacheDir:           flagOrViperString(cmd, "file-cache-dir", "file_cache_dir"),
		FileCacheMaxAge:        viper.GetDuration("file_cache.max_age"),
		FileCacheMaxFiles:      viper.GetInt("file_cache.max_files"),
		FileCacheMaxTotalBytes: viper.GetInt64("file_cache.max_total_bytes"),
		SessionTTL:             flagOrViperDuration(cmd, "session-ttl", "session.ttl"),
		SweepInterval:          viper.GetDuration("session.sweep_interval"),
		SupersedeCleanup:       flagOrViperBool(cmd, "supersede-cleanup", "session.supersede_cleanup"),
		HealthListen:           flagOrViperString(cmd, "health-listen", "health.listen"),
		ShutdownTimeout:        viper.GetDuration("telegram.shutdown_timeout"),
	}, nil
}

// parseChatIDs accepts repeated values as well as comma separated lists, the
// form environment variables arrive in.
func parseChatIDs(raw []string) ([]int64, error) {
	var out []int64
	for _, item := range raw {
		for _, field := range strings.Split(item, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			id, err := strconv.ParseInt(field, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid telegram chat id %q: %w", field, err)
			}
			out = append(out, id)
		}
	}
	return out, nil
}
