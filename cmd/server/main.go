package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/org/admingate/internal/api"
	"github.com/org/admingate/internal/audit"
	"github.com/org/admingate/internal/auth"
	"github.com/org/admingate/internal/cli"
	"github.com/org/admingate/internal/config"
	"github.com/org/admingate/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "admingate",
		Short:        "Authorization gateway for the administrative API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", config.File(), "Path to the YAML config file")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	})
	cmd.AddCommand(tokenCmd(), routesCmd())
	return cmd
}

func loadConfig() (config.Config, func(), error) {
	cfg, found, err := config.Load(cfgFile)
	closeLogs := setupLogging(cfg)
	if err != nil {
		return cfg, closeLogs, err
	}
	if !found {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}
	return cfg, closeLogs, nil
}

// setupLogging sends human-readable output to stderr and, with log_file
// set, JSON lines to a rotated file.
func setupLogging(cfg config.Config) func() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	console := zerolog.ConsoleWriter{Out: os.Stderr}

	closeLogs := func() {}
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, file)).With().Timestamp().Logger()
		closeLogs = func() { _ = file.Close() }
	} else {
		log.Logger = log.Output(console)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return closeLogs
}

// openBackend connects to Postgres and applies migrations, or falls back to
// the in-memory store when no database is configured.
func openBackend(ctx context.Context, cfg config.Config) (storage.Backend, error) {
	if cfg.DBUrl == "" {
		log.Warn().Msg("db_url not configured, tokens and audit entries are kept in memory only")
		return storage.NewMemoryBackend(cfg.Audit.MemoryCapacity), nil
	}

	store, err := storage.NewPostgresBackend(ctx, cfg.DBUrl)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
		store.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info().Msg("migrations applied")
	return store, nil
}

func newTokenService(store storage.TokenBackend, cfg config.Config) *auth.TokenService {
	if cfg.TokenPepper == "" {
		log.Warn().Msg("token_pepper not set, secret digests are unkeyed")
	}
	return auth.NewTokenService(store, auth.WithPepper(cfg.TokenPepper))
}

func runServe() error {
	cfg, closeLogs, err := loadConfig()
	defer closeLogs()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return err
	}

	routes, err := cfg.RouteTable()
	if err != nil {
		log.Error().Err(err).Msg("invalid route table")
		return err
	}
	log.Info().Int("rules", routes.Len()).Msg("route table loaded")

	ctx := context.Background()
	store, err := openBackend(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to open storage")
		return err
	}
	defer store.Close()

	tokens := newTokenService(store, cfg)
	if err := bootstrapToken(ctx, tokens, cfg.Bootstrap); err != nil {
		log.Error().Err(err).Msg("failed to issue bootstrap token")
		return err
	}

	auditor := audit.NewLogger(store, audit.Config{
		BufferSize:   cfg.Audit.BufferSize,
		LogDecisions: cfg.Audit.LogDecisions,
	})
	defer auditor.Close()

	srv, err := api.NewServer(tokens, routes, auditor, api.Config{
		ListenAddr:        cfg.ListenAddr,
		TLSCertFile:       cfg.TLSCertFile,
		TLSKeyFile:        cfg.TLSKeyFile,
		UpstreamURL:       cfg.UpstreamURL,
		PropagateIdentity: cfg.PropagateIdentity,
		RateLimitRPS:      cfg.RateLimit.RPS,
		RateLimitBurst:    cfg.RateLimit.Burst,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create server")
		return err
	}
	if cfg.UpstreamURL == "" {
		log.Warn().Msg("upstream_url not configured, allowed business requests will get 502")
	}

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	errc := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-quit:
	case err := <-errc:
		log.Error().Err(err).Msg("server failed")
		return err
	}

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
	return nil
}

// bootstrapToken issues the configured first token when no token is active,
// so a fresh deployment can reach the token endpoints at all. The secret is
// written to stderr once and never logged.
func bootstrapToken(ctx context.Context, tokens *auth.TokenService, b config.Bootstrap) error {
	if b.Owner == "" {
		return nil
	}
	n, err := tokens.CountActive(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Debug().Int64("active", n).Msg("active tokens present, skipping bootstrap")
		return nil
	}
	issued, err := tokens.Issue(ctx, b.Owner, b.Scopes)
	if err != nil {
		return err
	}
	log.Info().Str("token_id", issued.ID).Str("owner", issued.Owner).Msg("bootstrap token issued")
	fmt.Fprintf(os.Stderr, "\nBootstrap token for %s (shown once):\n\n    %s\n\n", issued.Owner, issued.Secret)
	return nil
}

// --- token ---

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Manage tokens directly in storage"}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a token without going through the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			scopes, _ := cmd.Flags().GetStringSlice("scope")

			cfg, closeLogs, err := loadConfig()
			defer closeLogs()
			if err != nil {
				return err
			}
			if cfg.DBUrl == "" {
				return errors.New("db_url must be configured (or DATABASE_URL env var) to issue tokens offline")
			}
			ctx := context.Background()
			store, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			issued, err := newTokenService(store, cfg).Issue(ctx, owner, scopes)
			if err != nil {
				return err
			}
			return cli.PrintKeyValues(cmd.OutOrStdout(), [][2]any{
				{"id", issued.ID},
				{"owner", issued.Owner},
				{"scopes", strings.Join(issued.Scopes, ", ")},
				{"secret", issued.Secret},
			})
		},
	}
	issueCmd.Flags().String("owner", "", "Token owner")
	issueCmd.Flags().StringSlice("scope", nil, "Scope to grant (repeatable, resource:action)")
	_ = issueCmd.MarkFlagRequired("owner")
	_ = issueCmd.MarkFlagRequired("scope")

	cmd.AddCommand(issueCmd)
	return cmd
}

// --- routes ---

func routesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Validate and print the effective route table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLogs, err := loadConfig()
			defer closeLogs()
			if err != nil {
				return err
			}
			table, err := cfg.RouteTable()
			if err != nil {
				return err
			}
			var rows [][]any
			for i, rule := range table.Rules() {
				for _, m := range slices.Sorted(maps.Keys(rule.Methods)) {
					rows = append(rows, []any{i + 1, rule.Pattern, m, rule.Methods[m]})
				}
			}
			return cli.PrintTable(cmd.OutOrStdout(), []string{"#", "Pattern", "Method", "Scope"}, rows)
		},
	}
}
