package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/reel-forge/internal/auth"
	"github.com/yourusername/reel-forge/internal/backend"
	"github.com/yourusername/reel-forge/internal/config"
	"github.com/yourusername/reel-forge/internal/dispatch"
	"github.com/yourusername/reel-forge/internal/jobs"
	"github.com/yourusername/reel-forge/internal/lock"
	"github.com/yourusername/reel-forge/internal/storage"
	"github.com/yourusername/reel-forge/internal/sweeper"
	"github.com/yourusername/reel-forge/internal/video"
)

// redisTTLMargin は Redis 上のジョブ記録を猶予期間より少し長く残すための余裕です。
const redisTTLMargin = 10 * time.Minute

// app は設定に応じて選んだ各コンポーネントをまとめます。
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	rdb        *redis.Client
	store      jobs.Store
	blobs      storage.Blobs
	backend    backend.Client
	locker     lock.Locker
	dispatcher *dispatch.Dispatcher
	scheduler  dispatch.Scheduler
	local      *dispatch.LocalScheduler
	queue      *dispatch.AsynqScheduler
	sweeper    *sweeper.Sweeper
	auth       *auth.Manager
	videos     *video.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if cfg.NeedsRedis() {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.rdb = redis.NewClient(opt)
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	if a.store, err = newStore(ctx, cfg, a.rdb); err != nil {
		return nil, err
	}
	if a.blobs, err = newBlobs(ctx, cfg); err != nil {
		return nil, err
	}
	if a.backend, err = newBackend(cfg); err != nil {
		return nil, err
	}
	if a.rdb != nil {
		a.locker = lock.NewRedisLocker(a.rdb)
	} else {
		a.locker = lock.NewLocalLocker()
	}

	a.dispatcher = dispatch.New(a.store, a.blobs, a.backend, a.locker, dispatch.Options{
		PollInterval: cfg.PollInterval,
		Timeout:      cfg.JobTimeout,
		MaxRetries:   cfg.BackendMaxRetries,
		RetryBase:    cfg.BackendRetryBase,
	}, logger)

	switch cfg.QueueDriver {
	case "asynq":
		a.queue, err = dispatch.NewAsynqScheduler(cfg.RedisURL, cfg.WorkerConcurrency, cfg.JobTimeout, a.dispatcher.Run, logger)
		if err != nil {
			return nil, err
		}
		a.scheduler = a.queue
	default:
		a.local = dispatch.NewLocalScheduler(a.dispatcher.Run, cfg.WorkerConcurrency, logger)
		a.scheduler = a.local
	}

	a.sweeper = sweeper.New(a.store, a.blobs, a.locker, sweeper.Options{
		Interval: cfg.SweepInterval,
		Grace:    cfg.ExpiredGrace,
	}, logger)

	if a.auth, err = auth.NewManager(cfg, logger); err != nil {
		return nil, err
	}
	a.videos = video.NewService(a.store, a.blobs, a.scheduler, video.Limits{
		MaxReferenceBytes: cfg.MaxReferenceBytes,
		MaxMetadataBytes:  cfg.MaxMetadataBytes,
		MaxSeconds:        cfg.MaxSeconds,
		Retention:         cfg.RetentionWindow,
	}, logger)
	return a, nil
}

func newStore(ctx context.Context, cfg *config.Config, rdb *redis.Client) (jobs.Store, error) {
	switch cfg.StoreDriver {
	case "redis":
		return jobs.NewRedisStore(rdb, cfg.RetentionWindow+cfg.ExpiredGrace+redisTTLMargin), nil
	case "postgres":
		s, err := jobs.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return jobs.NewMemoryStore(), nil
	}
}

func newBlobs(ctx context.Context, cfg *config.Config) (storage.Blobs, error) {
	switch cfg.BlobDriver {
	case "minio":
		return storage.NewMinioStore(ctx,
			storage.WithEndpoint(cfg.S3Endpoint),
			storage.WithBucket(cfg.S3Bucket),
			storage.WithCredentials(cfg.S3AccessKey, cfg.S3SecretKey),
			storage.WithSSL(cfg.S3UseSSL),
		)
	default:
		return storage.NewLocalStore(cfg.BlobRoot)
	}
}

func newBackend(cfg *config.Config) (backend.Client, error) {
	switch cfg.BackendDriver {
	case "http":
		return backend.NewHTTPClient(cfg.BackendURL, cfg.BackendAPIKey, cfg.BackendTimeout)
	default:
		return backend.NewSimulator(backend.SimulatorOptions{
			Duration:     cfg.SimulatorDuration,
			BlockedTerms: cfg.SimulatorBlockedTerms,
			FailingTerms: cfg.SimulatorFailingTerms,
		}), nil
	}
}

// recoverJobs は前回のプロセスで終わらなかったジョブを再予約します。
func (a *app) recoverJobs(ctx context.Context) {
	n, err := a.dispatcher.Recover(ctx, a.scheduler)
	if err != nil {
		a.logger.Error("failed to recover jobs", zap.Error(err))
		return
	}
	if n > 0 {
		a.logger.Info("rescheduled unfinished jobs", zap.Int("count", n))
	}
}

func (a *app) close(ctx context.Context) {
	var errs []error
	if a.sweeper != nil {
		errs = append(errs, a.sweeper.Stop(ctx))
	}
	if a.local != nil {
		errs = append(errs, a.local.Shutdown(ctx))
	}
	if a.queue != nil {
		errs = append(errs, a.queue.Shutdown(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown finished with errors", zap.Error(err))
	}
}
