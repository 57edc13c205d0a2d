package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/quailyquaily/musedown/internal/clifmt"
	"github.com/quailyquaily/musedown/internal/logutil"
	"github.com/quailyquaily/musedown/internal/present"
	"github.com/quailyquaily/musedown/internal/resolver"
	"github.com/spf13/cobra"
)

// newSearchGateway is replaced in tests.
var newSearchGateway = func(opts resolver.YTDLPOptions) (resolver.Gateway, error) {
	return resolver.NewYTDLP(opts)
}

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run one search through the resolver and print the candidates",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.TrimSpace(strings.Join(args, " "))
			if query == "" {
				return fmt.Errorf("empty query")
			}
			logger, closer, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			defer closer.Close()

			timeout := flagOrViperDuration(cmd, "resolver-timeout", "resolver.timeout")
			gw, err := newSearchGateway(resolver.YTDLPOptions{
				Binary:    flagOrViperString(cmd, "resolver-binary", "resolver.binary"),
				OutputDir: os.TempDir(),
				Timeout:   timeout,
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			limit := flagOrViperInt(cmd, "search-limit", "resolver.search_limit")
			if limit <= 0 {
				limit = resolver.DefaultSearchLimit
			}

			start := time.Now()
			candidates, err := gw.Search(cmd.Context(), query, limit)
			if err != nil && !errors.Is(err, resolver.ErrNoResults) {
				return err
			}
			logger.Debug("search_done", "query", query, "results", len(candidates), "took", time.Since(start))

			rows := make([]clifmt.Row, 0, len(candidates))
			for i, c := range candidates {
				rows = append(rows, clifmt.Row{
					Name:   fmt.Sprintf("%d. %s", i+1, present.FormatDuration(c.DurationSeconds)),
					Detail: c.Title + " " + c.Locator,
				})
			}
			clifmt.PrintTable(cmd.OutOrStdout(), clifmt.TableOptions{
				Title:        "Candidates",
				Rows:         rows,
				EmptyText:    "No results.",
				NameHeader:   "#",
				DetailHeader: "TITLE / LOCATOR",
			})
			return nil
		},
	}

	cmd.Flags().String("resolver-binary", "", "yt-dlp executable.")
	cmd.Flags().Duration("resolver-timeout", 0, "Timeout for the yt-dlp invocation.")
	cmd.Flags().Int("search-limit", 0, "Candidates to print.")
	return cmd
}
