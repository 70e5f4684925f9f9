package cmd

import (
	"encoding/json"
	"fmt"
	"github.com/anikow/rankbot/rankbot"
	"github.com/spf13/cobra"
	"log/slog"
)

var ranksJSON bool

var ranksCmd = &cobra.Command{
	Use:   "ranks GUILD_ID",
	Short: "Print the stored ranks for a guild",
	Long: "Print the stored ranks for a guild, as they appear in the rank " +
		"list message. Reads the database directly; the bot doesn't need " +
		"to be running.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := rankbot.CreateDB(
			ctx,
			cfg.DatabaseType,
			cfg.Database,
			cliLogHandler(cfg.DatabaseLogLevel),
			cfg.DatabaseSlowThreshold,
		)
		if err != nil {
			return fmt.Errorf("error opening database: %w", err)
		}
		if sqlDB, e := db.DB(); e == nil {
			defer func() {
				_ = sqlDB.Close()
			}()
		}

		store := rankbot.NewDatabase(db, slog.New(cliLogHandler(cfg.DatabaseLogLevel)), false)
		ranks, err := store.ListRanks(ctx, args[0])
		if err != nil {
			return fmt.Errorf("error listing ranks: %w", err)
		}

		out := cmd.OutOrStdout()
		if ranksJSON {
			if ranks == nil {
				ranks = []rankbot.RankEntry{}
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(ranks)
		}
		_, err = fmt.Fprintln(out, rankbot.RenderRankList(ranks))
		return err
	},
}

//nolint:gochecknoinits // cobra wiring
func init() {
	ranksCmd.Flags().BoolVar(&ranksJSON, "json", false, "Print rank entries as JSON")
	rootCmd.AddCommand(ranksCmd)
}
