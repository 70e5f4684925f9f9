package cmd

import (
	"fmt"
	"github.com/anikow/rankbot/rankbot"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"log/slog"
	"os"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database and migrate the schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.DatabaseType == "" || cfg.Database == "" {
			return fmt.Errorf(
				"%w: database and database_type must be set (%s_DATABASE, %s_DATABASE_TYPE)",
				rankbot.ErrConfigMissing,
				rankbot.DefaultEnvPrefix,
				rankbot.DefaultEnvPrefix,
			)
		}
		db, err := rankbot.CreateDB(
			cmd.Context(),
			cfg.DatabaseType,
			cfg.Database,
			cliLogHandler(cfg.DatabaseLogLevel),
			cfg.DatabaseSlowThreshold,
		)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		if sqlDB, e := db.DB(); e == nil {
			defer func() {
				_ = sqlDB.Close()
			}()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "database initialized (%s)\n", cfg.DatabaseType)
		return nil
	},
}

// cliLogHandler logs to stderr, keeping stdout for command output
func cliLogHandler(level *slog.LevelVar) slog.Handler {
	var leveler slog.Leveler = slog.LevelWarn
	if level != nil {
		leveler = level
	}
	return tint.NewHandler(os.Stderr, &tint.Options{Level: leveler})
}

//nolint:gochecknoinits // cobra wiring
func init() {
	rootCmd.AddCommand(initCmd)
}
