// Package dispatch は queued のジョブを合成バックエンドへ渡し、結果をジョブストアへ反映します。
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/yourusername/reel-forge/internal/backend"
	"github.com/yourusername/reel-forge/internal/jobs"
	"github.com/yourusername/reel-forge/internal/lock"
	"github.com/yourusername/reel-forge/internal/metrics"
	"github.com/yourusername/reel-forge/internal/storage"
)

const (
	// defaultLockTTL はディスパッチロックの TTL です。実行中は TTL の 1/3 ごとに延長します。
	defaultLockTTL = 30 * time.Second
	// settleTimeout は実行コンテキスト終了後に失敗を書き込むための猶予です。
	settleTimeout = 10 * time.Second

	timeoutMessage     = "timeout"
	unavailableMessage = "The video backend is currently unavailable. Please try again later."
	internalMessage    = "The server had an error while processing your request."
)

// errLeaseLost は実行中にディスパッチロックを失ったことを示します。
var errLeaseLost = errors.New("dispatch lock lost")

// Options は Dispatcher の動作設定です。
type Options struct {
	PollInterval time.Duration
	Timeout      time.Duration
	MaxRetries   int
	RetryBase    time.Duration
	// LockTTL はディスパッチロックの TTL で、別のワーカーが残したロックを待つ上限も兼ねます。
	LockTTL time.Duration
}

// Scheduler はジョブのディスパッチを非同期に予約します。
type Scheduler interface {
	Schedule(ctx context.Context, jobID string) error
}

// Dispatcher はジョブ 1 件のバックエンドとのやり取りを管理します。
type Dispatcher struct {
	store   jobs.Store
	blobs   storage.Blobs
	backend backend.Client
	locker  lock.Locker
	opts    Options
	logger  *zap.Logger
	now     func() time.Time
}

// New は Dispatcher を作成します。
func New(store jobs.Store, blobs storage.Blobs, client backend.Client, locker lock.Locker, opts Options, logger *zap.Logger) *Dispatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Minute
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:   store,
		blobs:   blobs,
		backend: client,
		locker:  locker,
		opts:    opts,
		logger:  logger.Named("dispatch"),
		now:     time.Now,
	}
}

// Run はジョブ 1 件を終端状態まで進めます。
// ロックが取れない場合は LockTTL まで待ち、それでも別のワーカーが保持していれば何もしません。
// ctx がキャンセルされた場合（シャットダウン）はジョブを現在の状態のまま残し、Recover で再開させます。
func (d *Dispatcher) Run(ctx context.Context, jobID string) error {
	var lease *lock.Lease
	err := d.retryStore(ctx, "lock", func(ctx context.Context) error {
		l, err := d.locker.Lock(ctx, "dispatch:"+jobID, d.opts.LockTTL, d.opts.LockTTL)
		lease = l
		return err
	})
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		d.logger.Debug("dispatch already in progress", zap.String("job_id", jobID))
		return nil
	case err != nil && ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		d.fail(jobID, jobs.ErrorInfo{Message: internalMessage, Type: jobs.ErrorTypeServer})
		return fmt.Errorf("failed to lock job %s: %w", jobID, err)
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			d.logger.Warn("failed to release dispatch lock", zap.String("job_id", jobID), zap.Error(err))
		}
	}()

	var job *jobs.Job
	err = d.retryStore(ctx, "get", func(ctx context.Context) error {
		j, err := d.store.Get(ctx, jobID)
		job = j
		return err
	})
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		d.logger.Warn("job vanished before dispatch", zap.String("job_id", jobID))
		return nil
	case err != nil && ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		d.fail(jobID, jobs.ErrorInfo{Message: internalMessage, Type: jobs.ErrorTypeServer})
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if job.Status.IsTerminal() {
		return nil
	}

	leaseCtx, loseLease := context.WithCancelCause(ctx)
	heartbeat := make(chan struct{})
	go func() {
		defer close(heartbeat)
		d.keepLease(leaseCtx, loseLease, lease, jobID)
	}()
	defer func() {
		loseLease(nil)
		<-heartbeat
	}()

	runCtx, cancel := context.WithTimeout(leaseCtx, d.opts.Timeout)
	defer cancel()

	start := time.Now()
	err = d.drive(runCtx, job)
	switch {
	case err == nil:
		metrics.ObserveDispatch("completed", time.Since(start))
		return nil
	case ctx.Err() != nil:
		metrics.ObserveDispatch("interrupted", time.Since(start))
		d.logger.Info("dispatch interrupted", zap.String("job_id", jobID), zap.Error(ctx.Err()))
		return ctx.Err()
	case errors.Is(context.Cause(leaseCtx), errLeaseLost):
		metrics.ObserveDispatch("interrupted", time.Since(start))
		d.logger.Warn("dispatch abandoned after losing its lock", zap.String("job_id", jobID))
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		metrics.ObserveDispatch("timeout", time.Since(start))
		d.fail(jobID, jobs.ErrorInfo{Message: timeoutMessage, Type: jobs.ErrorTypeServer})
		return nil
	default:
		metrics.ObserveDispatch("failed", time.Since(start))
		d.logger.Warn("dispatch failed", zap.String("job_id", jobID), zap.Error(err))
		d.fail(jobID, classify(err))
		return nil
	}
}

// keepLease は ctx が終わるまでロックを延長し続けます。
// 所有権を失った場合は errLeaseLost で lost を呼びます。
func (d *Dispatcher) keepLease(ctx context.Context, lost context.CancelCauseFunc, lease *lock.Lease, jobID string) {
	ticker := time.NewTicker(d.opts.LockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := lease.Extend(ctx, d.opts.LockTTL)
		switch {
		case err == nil:
		case errors.Is(err, lock.ErrNotAcquired):
			d.logger.Warn("dispatch lock lost", zap.String("job_id", jobID))
			lost(errLeaseLost)
			return
		case ctx.Err() != nil:
			return
		default:
			d.logger.Warn("failed to extend dispatch lock", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}

// Recover は起動時に未完了のジョブを再予約します。
// processing のジョブは保存済みのバックエンドハンドルでポーリングを再開します。
func (d *Dispatcher) Recover(ctx context.Context, s Scheduler) (int, error) {
	active, err := d.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active jobs: %w", err)
	}
	scheduled := 0
	for _, job := range active {
		if err := s.Schedule(ctx, job.ID); err != nil {
			d.logger.Error("failed to reschedule job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		scheduled++
	}
	return scheduled, nil
}

func (d *Dispatcher) drive(ctx context.Context, job *jobs.Job) error {
	backendID := job.BackendID
	if backendID == "" {
		req, err := d.buildRequest(ctx, job)
		if err != nil {
			return err
		}
		err = d.withRetry(ctx, "submit", func(ctx context.Context) error {
			id, err := d.backend.Submit(ctx, req)
			backendID = id
			return err
		})
		if err != nil {
			return err
		}
		if _, err := d.store.Update(ctx, job.ID, func(j *jobs.Job) error {
			return j.MarkProcessing(d.now(), backendID)
		}); err != nil {
			return d.settledOr(job.ID, err)
		}
		d.logger.Info("job accepted by backend", zap.String("job_id", job.ID), zap.String("backend_id", backendID))
	}
	return d.watch(ctx, job.ID, backendID)
}

func (d *Dispatcher) watch(ctx context.Context, jobID, backendID string) error {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		var state *backend.State
		err := d.withRetry(ctx, "poll", func(ctx context.Context) error {
			s, err := d.backend.Poll(ctx, backendID)
			state = s
			return err
		})
		if err != nil {
			return err
		}

		switch state.Status {
		case backend.StatusSucceeded:
			return d.complete(ctx, jobID, backendID)
		case backend.StatusFailed:
			if state.Failure != nil {
				return state.Failure
			}
			return &backend.Error{Kind: backend.KindFailed, Message: "video generation failed"}
		default:
			if _, err := d.store.Update(ctx, jobID, func(j *jobs.Job) error {
				return j.SetProgress(d.now(), state.Progress)
			}); err != nil {
				return d.settledOr(jobID, err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// complete は成果物をブロブストレージへ転送してから succeeded を記録します。
// 記録できなかった成果物はその場で削除します。
func (d *Dispatcher) complete(ctx context.Context, jobID, backendID string) error {
	var (
		body io.ReadCloser
		size int64
	)
	err := d.withRetry(ctx, "download", func(ctx context.Context) error {
		rc, n, err := d.backend.Download(ctx, backendID)
		body, size = rc, n
		return err
	})
	if err != nil {
		return err
	}
	defer body.Close()

	key := jobs.ArtifactKey(jobID)
	written, err := d.blobs.Put(ctx, key, body, size, "video/mp4")
	if err != nil {
		d.discard(key)
		return fmt.Errorf("failed to store artifact: %w", err)
	}

	_, err = d.store.Update(ctx, jobID, func(j *jobs.Job) error {
		return j.MarkSucceeded(d.now(), jobs.BlobRef{Key: key, ContentType: "video/mp4", Size: written})
	})
	if err != nil {
		d.discard(key)
		return d.settledOr(jobID, err)
	}
	metrics.IncJobsSettled(string(jobs.StatusSucceeded), "")
	d.logger.Info("job succeeded", zap.String("job_id", jobID), zap.Int64("bytes", written))
	return nil
}

func (d *Dispatcher) buildRequest(ctx context.Context, job *jobs.Job) (backend.Request, error) {
	req := backend.Request{
		Prompt:   job.Prompt,
		Model:    job.Model,
		Seconds:  job.Seconds,
		Size:     job.Size,
		Metadata: job.Metadata,
	}
	if job.ReferenceImage == nil {
		return req, nil
	}
	rc, _, err := d.blobs.Open(ctx, job.ReferenceImage.Key)
	if err != nil {
		return req, fmt.Errorf("failed to open reference image: %w", err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return req, fmt.Errorf("failed to read reference image: %w", err)
	}
	req.Reference = buf.Bytes()
	req.ReferenceType = job.ReferenceImage.ContentType
	return req, nil
}

// withRetry は一時的な障害だけを指数バックオフで再試行します。
func (d *Dispatcher) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(uint64(d.opts.MaxRetries), retry.NewExponential(d.opts.RetryBase))
	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if attempt > 0 {
			metrics.IncBackendRetry(op)
		}
		attempt++
		err := fn(ctx)
		if errors.Is(err, backend.ErrUnavailable) {
			d.logger.Debug("backend unavailable", zap.String("operation", op), zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
}

// retryStore はストアやロックの一時的な障害を指数バックオフで再試行します。
// ErrNotFound と ErrNotAcquired は再試行しません。
func (d *Dispatcher) retryStore(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(uint64(d.opts.MaxRetries), retry.NewExponential(d.opts.RetryBase))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil || ctx.Err() != nil || errors.Is(err, jobs.ErrNotFound) || errors.Is(err, lock.ErrNotAcquired) {
			return err
		}
		d.logger.Debug("store operation failed", zap.String("operation", op), zap.Error(err))
		return retry.RetryableError(err)
	})
}

// settledOr は既に決着済みのジョブへの書き込み失敗を正常終了として扱います。
func (d *Dispatcher) settledOr(jobID string, err error) error {
	if jobs.IsSettled(err) || errors.Is(err, jobs.ErrNotFound) {
		d.logger.Info("job settled elsewhere, stopping dispatch", zap.String("job_id", jobID), zap.Error(err))
		return nil
	}
	return err
}

func (d *Dispatcher) fail(jobID string, info jobs.ErrorInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	_, err := d.store.Update(ctx, jobID, func(j *jobs.Job) error {
		return j.MarkFailed(d.now(), info)
	})
	if err != nil {
		if !jobs.IsSettled(err) && !errors.Is(err, jobs.ErrNotFound) {
			d.logger.Error("failed to record job failure", zap.String("job_id", jobID), zap.Error(err))
		}
		return
	}
	metrics.IncJobsSettled(string(jobs.StatusFailed), info.Type)
	d.logger.Info("job failed", zap.String("job_id", jobID), zap.String("error_type", info.Type), zap.String("message", info.Message))
}

func (d *Dispatcher) discard(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := d.blobs.Delete(ctx, key); err != nil {
		d.logger.Error("failed to delete orphaned artifact", zap.String("key", key), zap.Error(err))
	}
}

// classify はディスパッチのエラーをジョブに記録するエラー情報へ変換します。
func classify(err error) jobs.ErrorInfo {
	if be, ok := backend.AsError(err); ok {
		if be.CallerFixable() {
			return jobs.ErrorInfo{Message: be.Message, Type: jobs.ErrorTypeInvalidRequest}
		}
		return jobs.ErrorInfo{Message: be.Message, Type: jobs.ErrorTypeServer}
	}
	if errors.Is(err, backend.ErrUnavailable) {
		return jobs.ErrorInfo{Message: unavailableMessage, Type: jobs.ErrorTypeServer}
	}
	return jobs.ErrorInfo{Message: internalMessage, Type: jobs.ErrorTypeServer}
}
