package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsynqDispatchTaskHandler(t *testing.T) {
	var got string
	s, err := NewAsynqScheduler("redis://127.0.0.1:6379/0", 1, time.Minute, func(ctx context.Context, jobID string) error {
		got = jobID
		return nil
	}, nil)
	require.NoError(t, err)
	defer s.client.Close()
	defer s.inspector.Close()

	require.NoError(t, s.handleDispatchTask(context.Background(), asynq.NewTask(TaskTypeDispatch, []byte(`{"jobId":"video_1"}`))))
	assert.Equal(t, "video_1", got)

	err = s.handleDispatchTask(context.Background(), asynq.NewTask(TaskTypeDispatch, []byte(`not-json`)))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	err = s.handleDispatchTask(context.Background(), asynq.NewTask(TaskTypeDispatch, []byte(`{}`)))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestNewAsynqSchedulerRejectsBadURL(t *testing.T) {
	_, err := NewAsynqScheduler("://nope", 1, time.Minute, func(ctx context.Context, jobID string) error { return nil }, nil)
	assert.Error(t, err)
}

func TestFinishedTasksReleaseTheirID(t *testing.T) {
	assert.True(t, reusable(asynq.TaskStateArchived), "an archived run must not block rescheduling")
	assert.True(t, reusable(asynq.TaskStateCompleted))
	for _, state := range []asynq.TaskState{asynq.TaskStatePending, asynq.TaskStateActive, asynq.TaskStateScheduled, asynq.TaskStateRetry} {
		assert.False(t, reusable(state), state.String())
	}
}
