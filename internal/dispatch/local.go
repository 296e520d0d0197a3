package dispatch

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// RunFunc はジョブ 1 件を処理する関数です。
type RunFunc func(ctx context.Context, jobID string) error

// ErrSchedulerClosed はシャットダウン後の予約に返されます。
var ErrSchedulerClosed = errors.New("scheduler is shut down")

// LocalScheduler はジョブごとにゴルーチンを起動するプロセス内スケジューラーです。
// 同じジョブの予約が重なった場合は 1 つにまとめます。
type LocalScheduler struct {
	run    RunFunc
	logger *zap.Logger
	sem    chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewLocalScheduler は同時実行数 concurrency の LocalScheduler を作成します。
func NewLocalScheduler(run RunFunc, concurrency int, logger *zap.Logger) *LocalScheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalScheduler{
		run:      run,
		logger:   logger.Named("scheduler"),
		sem:      make(chan struct{}, concurrency),
		baseCtx:  ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}
}

// Schedule はジョブを非同期に実行します。呼び出し元のコンテキストには依存しません。
func (s *LocalScheduler) Schedule(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	if _, ok := s.inflight[jobID]; ok {
		return nil
	}
	s.inflight[jobID] = struct{}{}
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, jobID)
			s.mu.Unlock()
		}()

		select {
		case s.sem <- struct{}{}:
		case <-s.baseCtx.Done():
			return
		}
		defer func() { <-s.sem }()

		if err := s.run(s.baseCtx, jobID); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("job run failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}()
	return nil
}

// Shutdown は新規予約を止め、実行中のジョブにキャンセルを伝えて終了を待ちます。
func (s *LocalScheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
