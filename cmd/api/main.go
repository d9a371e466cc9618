// Command api serves the knowledge suggestion HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"muse/api/internal/activity"
	"muse/api/internal/app"
	"muse/api/internal/blob"
	"muse/api/internal/config"
	"muse/api/internal/logging"
	"muse/api/internal/metrics"
	"muse/api/internal/search"
	"muse/api/internal/store"
)

var (
	configPath string
	revert     bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "api",
	Short: "Knowledge suggestion API",
	Long: `api records agent-proposed knowledge changes, gates them on review,
applies approved changes and rolls them back on request.

Configuration is read from an optional YAML file, then MUSE_* environment
variables.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (default)",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long: `Apply pending database migrations and exit.

Examples:
  # Apply all pending migrations
  api migrate --config muse.yaml

  # Revert every applied migration
  api migrate --down`,
	RunE: runMigrate,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("MUSE_CONFIG"), "path to a YAML config file")
	migrateCmd.Flags().BoolVar(&revert, "down", false, "revert applied migrations instead of applying them")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	db, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if revert {
		if err := store.RevertMigrations(ctx, db, store.Migrations()); err != nil {
			return fmt.Errorf("revert migrations: %w", err)
		}
		logger.Info("migrations reverted")
		return nil
	}
	if err := store.ApplyMigrations(ctx, db, store.Migrations()); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("migrations applied")
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.MigrateOnStart {
		if err := store.ApplyMigrations(ctx, db, store.Migrations()); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}

	deps := app.Deps{
		Store:   store.NewPostgresStore(db),
		Metrics: metrics.New(),
		Logger:  logger,
	}

	if cfg.RedisURL != "" {
		stream, err := activity.NewRedisStream(cfg.RedisURL, cfg.ActivityStream, cfg.ActivityStreamMaxLen)
		if err != nil {
			return fmt.Errorf("connect activity stream: %w", err)
		}
		defer stream.Close()
		deps.Sinks = append(deps.Sinks, stream)
		deps.Feed = stream
		logger.Info("activity stream enabled", zap.String("stream", cfg.ActivityStream))
	}

	var meili *search.Meili
	if cfg.MeiliURL != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
	}
	var embedded *search.Embedded
	if cfg.EmbeddedIndex {
		embedded, err = search.NewEmbedded()
		if err != nil {
			return fmt.Errorf("create embedded index: %w", err)
		}
	}
	if meili != nil || embedded != nil {
		deps.Search = search.NewService(meili, embedded, logger)
	}

	if cfg.MinioEndpoint != "" {
		blobs, err := blob.NewMinio(blob.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Secure:    cfg.MinioSecure,
		})
		if err != nil {
			return err
		}
		if err := blobs.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure blob bucket: %w", err)
		}
		deps.Blobs = blobs
	}

	service := app.New(cfg, deps)
	if err := service.ReindexMemories(ctx); err != nil {
		logger.Warn("memory reindex failed", zap.Error(err))
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info("api stopped")
		return nil
	})
	return g.Wait()
}
