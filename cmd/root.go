package cmd

import (
	"context"
	"fmt"
	"github.com/anikow/rankbot/rankbot"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = rankbot.DefaultConfig()
	configFile string
)

// levelKeys are the settings holding a *slog.LevelVar
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"api.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"discord.webhook_server.log_level",
}

var rootCmd = &cobra.Command{
	Use:           "rankbot [flags]",
	Short:         "Discord bot for assigning member ranks",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.Unmarshal(cfg, viper.DecodeHook(decodeHook()))
	},
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		LevelToStringHookFunc(),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes level names ("DEBUG", "info", "WARN+2")
// into a *slog.LevelVar.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		_ reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if t != reflect.TypeOf(&slog.LevelVar{}) {
			return data, nil
		}
		switch v := data.(type) {
		case *slog.LevelVar:
			return v, nil
		case string:
			lvl, err := getLogLevel(v)
			if err != nil {
				return nil, err
			}
			lvlVar := &slog.LevelVar{}
			lvlVar.Set(lvl)
			return lvlVar, nil
		}
		return data, nil
	}
}

// Execute runs the root command, canceling its context on SIGINT or
// SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGHUP,
	)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else if err := godotenv.Load(configFile); err != nil {
		log.Printf("error loading env file %q: %v", configFile, err)
	}

	viper.SetDefault("database", rankbot.DefaultDatabase)
	viper.SetDefault("database_type", rankbot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", rankbot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", rankbot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("development", false)

	viper.SetDefault("authorized_role", "")
	viper.SetDefault("rank_channel_name", "")
	viper.SetDefault("enforce_interval", rankbot.DefaultEnforceInterval)

	viper.SetDefault("log_level", rankbot.DefaultLogLevel.String())
	viper.SetDefault("log_file.path", "")
	viper.SetDefault("log_file.max_size_mb", rankbot.DefaultLogFileMaxSizeMB)
	viper.SetDefault("log_file.max_backups", rankbot.DefaultLogFileMaxBackups)
	viper.SetDefault("log_file.max_age_days", rankbot.DefaultLogFileMaxAgeDays)
	viper.SetDefault("log_file.compress", false)

	viper.SetDefault("startup_timeout", rankbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", rankbot.DefaultShutdownTimeout)

	viper.SetDefault("worker.idle_timeout", rankbot.DefaultWorkerIdleTimeout)
	viper.SetDefault("worker.queue_size", rankbot.DefaultWorkerQueueSize)
	viper.SetDefault("worker.command_timeout", rankbot.DefaultWorkerCommandTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", rankbot.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", rankbot.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", int(rankbot.DefaultDiscordGatewayIntent))
	viper.SetDefault("discord.custom_status", rankbot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.retry_delay", rankbot.DefaultDiscordRetryDelay)
	viper.SetDefault("discord.enforce_workers", rankbot.DefaultDiscordEnforceWorkers)

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault("discord.webhook_server.listen", rankbot.DefaultDiscordWebhookServerListen)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault("discord.webhook_server.read_timeout", rankbot.DefaultReadTimeout)
	viper.SetDefault(
		"discord.webhook_server.read_header_timeout",
		rankbot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("discord.webhook_server.write_timeout", rankbot.DefaultWriteTimeout)
	viper.SetDefault("discord.webhook_server.idle_timeout", rankbot.DefaultIdleTimeout)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		rankbot.DefaultDiscordWebhookLogLevel.String(),
	)
	viper.SetDefault("discord.webhook_server.ssl.cert", "")
	viper.SetDefault("discord.webhook_server.ssl.key", "")
	viper.SetDefault(
		"discord.webhook_server.ssl.tls_min_version",
		rankbot.DefaultDiscordWebhookServerTLSminVersion,
	)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", rankbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", rankbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", rankbot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", rankbot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", rankbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", rankbot.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", rankbot.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", rankbot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", rankbot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", rankbot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", rankbot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", rankbot.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(rankbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = rankbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// the required settings are also read without the prefix
	fatalErr(
		viper.BindEnv(
			"discord.token",
			rankbot.EnvDiscordBotToken,
			envPrefix+"_DISCORD_TOKEN",
		),
	)
	fatalErr(
		viper.BindEnv(
			"authorized_role",
			rankbot.EnvAuthorizedRole,
			envPrefix+"_AUTHORIZED_ROLE",
		),
	)
	fatalErr(
		viper.BindEnv(
			"rank_channel_name",
			rankbot.EnvRankChannelName,
			envPrefix+"_RANK_CHANNEL_NAME",
		),
	)

	// Convert values to correct types
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range levelKeys {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits // cobra wiring
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load settings from (defaults to .env)",
	)
}
