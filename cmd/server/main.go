package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/duochat/internal/app"
	"github.com/vovakirdan/duochat/internal/auth"
	"github.com/vovakirdan/duochat/internal/config"
	"github.com/vovakirdan/duochat/internal/conversation"
	"github.com/vovakirdan/duochat/internal/log"
	"github.com/vovakirdan/duochat/internal/participants"
	"github.com/vovakirdan/duochat/internal/store/sqlite"
	"github.com/vovakirdan/duochat/internal/utils"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "duochat",
		Short:         "One-to-one chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(newServeCmd(&configPath), newTokenCmd(&configPath), newVersionCmd())
	return root
}

func loadConfig(configPath string, overrides config.Config) (config.Config, error) {
	bootLogger := log.New("info", "console")
	cfg, path, err := config.Load(bootLogger, configPath)
	if err != nil {
		return cfg, err
	}
	cfg.UpdateFrom(overrides)
	bootLogger.Debug().Str("path", path).Msg("config loaded")
	return cfg, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	var overrides config.Config

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath, overrides)
			if err != nil {
				return err
			}
			logger := log.New(cfg.LogLevel, cfg.LogFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(&cfg, logger)
			if err != nil {
				return err
			}
			if err := application.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("server exited with error")
				return err
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&overrides.Addr, "addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&overrides.DatabasePath, "db", "", "SQLite database path")
	cmd.Flags().StringVar(&overrides.Notifier, "notifier", "", "change notifier (memory, nats)")
	return cmd
}

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		id   string
		name string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Register a participant and print a token for it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath, config.Config{})
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("jwt_secret is not configured")
			}
			if id == "" {
				id = utils.NewID()
			}
			if err := conversation.ValidateID(id); err != nil {
				return fmt.Errorf("participant id %q: %w", id, err)
			}

			st, err := sqlite.New(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			if name != "" {
				if _, err := participants.New(st).SaveProfile(context.Background(), id, name, ""); err != nil {
					return fmt.Errorf("save profile: %w", err)
				}
			}

			token, err := auth.GenerateToken(app.JWTConfig(&cfg, ttl), id, name)
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "participant: %s\ntoken: %s\n", id, token)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "participant ID (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
