package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourusername/reel-forge/internal/auth"
	"github.com/yourusername/reel-forge/internal/config"
	"github.com/yourusername/reel-forge/internal/jobs"
	"github.com/yourusername/reel-forge/internal/lock"
	"github.com/yourusername/reel-forge/internal/logging"
)

const shutdownTimeout = 30 * time.Second

var (
	runWorkers bool
	tokenTTL   time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "reel-forge",
	Short:         "Video generation job gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd, tokenCmd)

	serveCmd.Flags().BoolVar(&runWorkers, "workers", true, "also run asynq workers in this process (QUEUE_DRIVER=asynq)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the dispatcher and the expiry sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			a.close(shutdownCtx)
		}()

		if a.queue != nil && runWorkers {
			if err := a.queue.StartWorkers(); err != nil {
				return err
			}
		}
		a.recoverJobs(ctx)
		if err := a.sweeper.Start(ctx); err != nil {
			return err
		}

		gin.SetMode(cfg.GinMode)
		server := &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           newRouter(a),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("starting API server", zap.String("addr", server.Addr), zap.String("mode", cfg.GinMode))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}
		case <-ctx.Done():
		}

		logger.Info("shutting down API server")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		return server.Shutdown(shutdownCtx)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run asynq dispatch workers without the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		if cfg.QueueDriver != "asynq" {
			return errors.New("worker requires QUEUE_DRIVER=asynq")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			a.close(shutdownCtx)
		}()

		if err := a.queue.StartWorkers(); err != nil {
			return err
		}
		logger.Info("worker started", zap.Int("concurrency", cfg.WorkerConcurrency))
		<-ctx.Done()
		logger.Info("worker stopping")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres job store migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required")
		}
		ctx := cmd.Context()
		store, err := jobs.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer store.Close()

		// Redis があれば複数レプリカからの同時適用を防ぐ
		if cfg.NeedsRedis() {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("parse REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			defer rdb.Close()
			lease, err := lock.NewRedisLocker(rdb).Lock(ctx, "migrate", 5*time.Minute, time.Minute)
			if err != nil {
				return fmt.Errorf("acquire migrate lock: %w", err)
			}
			defer lease.Release(context.WithoutCancel(ctx)) //nolint:errcheck
		}

		if err := store.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("job store migrated")
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <tenant>",
	Short: "Issue a bearer token for AUTH_MODE=jwt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.JWTSecret == "" {
			return errors.New("JWT_SECRET is required")
		}
		token, err := auth.IssueToken(cfg.JWTSecret, args[0], tokenTTL, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, logging.InitLog(cfg.LogLevel), nil
}
