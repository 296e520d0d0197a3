package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	// TaskTypeDispatch は動画ジョブのディスパッチタスクです。
	TaskTypeDispatch = "video:dispatch"
	queueName        = "video"
	// taskMargin はロック待ちとストアの再試行のためにタスクの上限へ足す余裕です。
	taskMargin = 2 * time.Minute
)

// TaskPayload はディスパッチタスクのペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// AsynqScheduler は Asynq (Redis) 経由でジョブを予約・実行します。
// タスク ID をジョブ ID にすることで、同じジョブの重複投入をキュー側でまとめます。
type AsynqScheduler struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	server    *asynq.Server
	mux       *asynq.ServeMux
	run       RunFunc
	timeout   time.Duration
	logger    *zap.Logger
}

// NewAsynqScheduler は AsynqScheduler を初期化します。timeout はタスク 1 件の上限です。
func NewAsynqScheduler(redisURL string, concurrency int, timeout time.Duration, run RunFunc, logger *zap.Logger) (*AsynqScheduler, error) {
	if run == nil {
		return nil, errors.New("run func is nil")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	s := &AsynqScheduler{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		server: asynq.NewServer(
			opt,
			asynq.Config{
				Concurrency: concurrency,
				Queues: map[string]int{
					queueName: 1,
				},
				Logger: logger.Named("asynq").Sugar(),
			},
		),
		mux:     asynq.NewServeMux(),
		run:     run,
		timeout: timeout + taskMargin,
		logger:  logger.Named("scheduler"),
	}
	s.mux.HandleFunc(TaskTypeDispatch, s.handleDispatchTask)
	return s, nil
}

// Schedule はディスパッチタスクを投入します。同じジョブのタスクが待機中か実行中であれば何もしません。
// アーカイブ済みのタスクが ID を塞いでいる場合は削除してから投入し直します。
func (s *AsynqScheduler) Schedule(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	body, err := json.Marshal(&TaskPayload{JobID: jobID})
	if err != nil {
		return err
	}
	err = s.enqueue(ctx, jobID, body)
	if !errors.Is(err, asynq.ErrTaskIDConflict) {
		return err
	}

	info, err := s.inspector.GetTaskInfo(queueName, jobID)
	switch {
	case errors.Is(err, asynq.ErrTaskNotFound):
		return s.enqueue(ctx, jobID, body)
	case err != nil:
		return fmt.Errorf("failed to inspect dispatch task %s: %w", jobID, err)
	case !reusable(info.State):
		s.logger.Debug("dispatch task already queued", zap.String("job_id", jobID), zap.String("state", info.State.String()))
		return nil
	}
	if err := s.inspector.DeleteTask(queueName, jobID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return fmt.Errorf("failed to delete finished dispatch task %s: %w", jobID, err)
	}
	s.logger.Info("replacing finished dispatch task", zap.String("job_id", jobID), zap.String("state", info.State.String()))
	return s.enqueue(ctx, jobID, body)
}

func (s *AsynqScheduler) enqueue(ctx context.Context, jobID string, body []byte) error {
	task := asynq.NewTask(TaskTypeDispatch, body, asynq.Queue(queueName))
	_, err := s.client.EnqueueContext(ctx, task,
		asynq.TaskID(jobID),
		asynq.MaxRetry(0),
		asynq.Timeout(s.timeout),
	)
	return err
}

// reusable はタスク ID を新しいタスクに使い回してよい状態かを返します。
func reusable(state asynq.TaskState) bool {
	return state == asynq.TaskStateArchived || state == asynq.TaskStateCompleted
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
// シグナル処理は呼び出し側が行い、終了時に Shutdown を呼びます。
func (s *AsynqScheduler) StartWorkers() error {
	if err := s.server.Start(s.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Shutdown はサーバーとクライアントを閉じます。
func (s *AsynqScheduler) Shutdown(ctx context.Context) error {
	s.server.Shutdown()
	return errors.Join(s.inspector.Close(), s.client.Close())
}

func (s *AsynqScheduler) handleDispatchTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if payload.JobID == "" {
		return fmt.Errorf("%w: missing jobId in payload", asynq.SkipRetry)
	}
	return s.run(ctx, payload.JobID)
}
