// Package sweeper は保持期限を過ぎたジョブを expired にし、ブロブと記録を回収します。
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/yourusername/reel-forge/internal/jobs"
	"github.com/yourusername/reel-forge/internal/lock"
	"github.com/yourusername/reel-forge/internal/metrics"
	"github.com/yourusername/reel-forge/internal/storage"
)

const lockName = "sweeper"

// Result は 1 回のスイープで処理した件数です。
type Result struct {
	Expired   int
	Reclaimed int
	Purged    int
	Failed    int
}

// Options はスイーパーの動作設定です。
type Options struct {
	// Interval はスイープの実行間隔です。
	Interval time.Duration
	// Grace は期限切れ後に記録を残しておく期間です。
	Grace time.Duration
}

// Sweeper は期限切れジョブの後始末を定期実行します。
type Sweeper struct {
	store  jobs.Store
	blobs  storage.Blobs
	locker lock.Locker
	opts   Options
	logger *zap.Logger
	now    func() time.Time
	cron   *cron.Cron
}

// New は Sweeper を作成します。
func New(store jobs.Store, blobs storage.Blobs, locker lock.Locker, opts Options, logger *zap.Logger) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Grace < 0 {
		opts.Grace = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:  store,
		blobs:  blobs,
		locker: locker,
		opts:   opts,
		logger: logger.Named("sweeper"),
		now:    time.Now,
	}
}

// Start はリクエストとは独立にスイープを定期実行します。前回の実行が終わっていなければ次回は飛ばします。
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{s.logger}), cron.SkipIfStillRunning(cronLogger{s.logger})))
	_, err := c.AddFunc(fmt.Sprintf("@every %s", s.opts.Interval), func() {
		if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("sweeper started", zap.Duration("interval", s.opts.Interval), zap.Duration("grace", s.opts.Grace))
	return nil
}

// Stop は定期実行を止め、実行中のスイープの完了を待ちます。
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep は期限切れジョブを 1 巡処理します。
// 別プロセスがスイープ中であれば何もせずに戻ります。
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	lease, err := s.locker.TryLock(ctx, lockName, s.opts.Interval+time.Minute)
	if errors.Is(err, lock.ErrNotAcquired) {
		s.logger.Debug("another sweeper is running")
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("acquire sweeper lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release sweeper lock", zap.Error(err))
		}
	}()

	now := s.now()
	ids, err := s.store.ListExpiring(ctx, now)
	if err != nil {
		return res, fmt.Errorf("list expiring jobs: %w", err)
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.sweepOne(ctx, id, now, &res); err != nil {
			res.Failed++
			s.logger.Warn("failed to sweep job", zap.String("job_id", id), zap.Error(err))
		}
	}

	metrics.IncSweeper("expired", res.Expired)
	metrics.IncSweeper("reclaimed", res.Reclaimed)
	metrics.IncSweeper("purged", res.Purged)
	if res.Expired+res.Reclaimed+res.Purged+res.Failed > 0 {
		s.logger.Info("sweep finished",
			zap.Int("expired", res.Expired),
			zap.Int("reclaimed", res.Reclaimed),
			zap.Int("purged", res.Purged),
			zap.Int("failed", res.Failed),
		)
	}
	return res, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, id string, now time.Time, res *Result) error {
	job, err := s.store.Update(ctx, id, func(j *jobs.Job) error {
		return j.MarkExpired(now)
	})
	switch {
	case err == nil:
		res.Expired++
	case errors.Is(err, jobs.ErrTerminal):
		// 既に expired。回収が終わっていなければ続きを行う
		job, err = s.store.Get(ctx, id)
		if err != nil {
			return ignoreNotFound(err)
		}
	case errors.Is(err, jobs.ErrNotFound):
		return nil
	default:
		return err
	}

	if !job.Reclaimed {
		if err := s.reclaim(ctx, job); err != nil {
			return err
		}
		if _, err := s.store.Update(ctx, id, func(j *jobs.Job) error {
			return j.MarkReclaimed(now)
		}); err != nil {
			return ignoreNotFound(err)
		}
		res.Reclaimed++
	}

	if !now.Before(job.ExpiresAt.Add(s.opts.Grace)) {
		if err := s.store.Delete(ctx, id); err != nil {
			return ignoreNotFound(err)
		}
		res.Purged++
	}
	return nil
}

// reclaim はジョブが所有するブロブを削除します。
// クラッシュで参照が失われた成果物も回収するため、既定の成果物キーも必ず削除します。
func (s *Sweeper) reclaim(ctx context.Context, job *jobs.Job) error {
	keys := make([]string, 0, len(job.Reclaim)+1)
	for _, ref := range job.Reclaim {
		keys = append(keys, ref.Key)
	}
	keys = append(keys, jobs.ArtifactKey(job.ID))

	var errs []error
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if err := s.blobs.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotExist) {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func ignoreNotFound(err error) error {
	if errors.Is(err, jobs.ErrNotFound) {
		return nil
	}
	return err
}

// cronLogger は cron のログを zap に流します。
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
