package main

import (
	"time"

	"github.com/quailyquaily/musedown/internal/resolver"
	"github.com/spf13/viper"
)

func initViperDefaults() {
	// Telegram
	viper.SetDefault("telegram.bot_token", "")
	viper.SetDefault("telegram.base_url", "https://api.telegram.org")
	viper.SetDefault("telegram.allowed_chat_ids", []string{})
	viper.SetDefault("telegram.poll_timeout", 30*time.Second)
	viper.SetDefault("telegram.request_timeout", 30*time.Second)
	viper.SetDefault("telegram.upload_timeout", 5*time.Minute)
	viper.SetDefault("telegram.max_concurrency", 8)
	viper.SetDefault("telegram.shutdown_timeout", 30*time.Second)

	// Resolver (yt-dlp)
	viper.SetDefault("resolver.binary", resolver.DefaultBinary)
	viper.SetDefault("resolver.format", resolver.DefaultAudioFormat)
	viper.SetDefault("resolver.timeout", resolver.DefaultTimeout)
	viper.SetDefault("resolver.max_workers", 2)
	viper.SetDefault("resolver.search_limit", resolver.DefaultSearchLimit)
	viper.SetDefault("resolver.link_hosts", resolver.DefaultLinkHosts)

	// Downloads
	viper.SetDefault("file_cache_dir", "~/.cache/musedown")
	viper.SetDefault("file_cache.max_age", 24*time.Hour)
	viper.SetDefault("file_cache.max_files", 200)
	viper.SetDefault("file_cache.max_total_bytes", int64(1024*1024*1024))

	// Sessions
	viper.SetDefault("session.ttl", 30*time.Minute)
	viper.SetDefault("session.sweep_interval", time.Minute)
	viper.SetDefault("session.supersede_cleanup", true)

	viper.SetDefault("health.listen", "")

	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.add_source", false)
	viper.SetDefault("trace", false)
}
