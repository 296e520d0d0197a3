// Package jobs は動画生成ジョブの状態機械と永続化を提供します。
package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	idPrefix = "video_"

	// DefaultQuality は品質指定がない場合の値です。
	DefaultQuality = "standard"
)

var (
	// ErrNotFound はジョブが存在しない場合に返されます。
	ErrNotFound = errors.New("job not found")
	// ErrConflict は同じ ID のジョブが既に存在する場合に返されます。
	ErrConflict = errors.New("job already exists")
	// ErrTerminal は終端状態のジョブへの遷移要求に返されます。書き込みは行われません。
	ErrTerminal = errors.New("job is already settled")
	// ErrExpired は保持期限を過ぎたジョブへの遷移要求に返されます。
	ErrExpired = errors.New("job has expired")
	// ErrInvalidTransition は状態機械にない遷移要求に返されます。
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// IsSettled は遷移が既に決着済みで無視してよいエラーかを判定します。
func IsSettled(err error) bool {
	return errors.Is(err, ErrTerminal) || errors.Is(err, ErrExpired)
}

// NewID は新しいジョブ ID を払い出します。
func NewID() string {
	return idPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewJob は queued 状態のジョブを作成します。
func NewJob(id string, now time.Time, retention time.Duration) *Job {
	now = now.UTC()
	return &Job{
		ID:        id,
		Quality:   DefaultQuality,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(retention),
	}
}

// ArtifactKey は完成動画のブロブキーを返します。
func ArtifactKey(id string) string {
	return fmt.Sprintf("videos/%s/video.mp4", id)
}

// ReferenceKey は参照画像のブロブキーを返します。
func ReferenceKey(id, ext string) string {
	return fmt.Sprintf("videos/%s/reference%s", id, ext)
}

func (j *Job) guard(now time.Time) error {
	if j.Status.IsTerminal() {
		return ErrTerminal
	}
	if !now.Before(j.ExpiresAt) {
		return ErrExpired
	}
	return nil
}

// MarkProcessing はバックエンドに受理されたジョブを processing にします。
// 既に processing の場合はハンドルだけ補完します。
func (j *Job) MarkProcessing(now time.Time, backendID string) error {
	if err := j.guard(now); err != nil {
		return err
	}
	if j.Status != StatusQueued && j.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	j.Status = StatusProcessing
	if backendID != "" {
		j.BackendID = backendID
	}
	j.UpdatedAt = now.UTC()
	return nil
}

// SetProgress は進捗を更新します。値は減少せず、完了前は 99 で頭打ちです。
func (j *Job) SetProgress(now time.Time, progress int) error {
	if err := j.guard(now); err != nil {
		return err
	}
	if j.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	if progress > 99 {
		progress = 99
	}
	if progress > j.Progress {
		j.Progress = progress
		j.UpdatedAt = now.UTC()
	}
	return nil
}

// MarkSucceeded は processing のジョブに成果物を紐付けて succeeded にします。
func (j *Job) MarkSucceeded(now time.Time, artifact BlobRef) error {
	if err := j.guard(now); err != nil {
		return err
	}
	if j.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	if artifact.Key == "" {
		return errors.New("artifact key is required")
	}
	j.Status = StatusSucceeded
	j.Progress = 100
	j.Artifact = &artifact
	j.Error = nil
	j.settle(now)
	return nil
}

// MarkFailed はエラー情報を付けて failed にします。進捗はその時点の値で固定されます。
func (j *Job) MarkFailed(now time.Time, info ErrorInfo) error {
	if err := j.guard(now); err != nil {
		return err
	}
	if info.Type == "" {
		info.Type = ErrorTypeServer
	}
	j.Status = StatusFailed
	j.Error = &info
	j.Artifact = nil
	j.settle(now)
	return nil
}

// MarkExpired は保持期限を過ぎたジョブを expired にします。
// 所有ブロブは Reclaim に移され、スイーパーが削除します。
func (j *Job) MarkExpired(now time.Time) error {
	if j.Status == StatusExpired {
		return ErrTerminal
	}
	if now.Before(j.ExpiresAt) {
		return fmt.Errorf("%w: job %s expires at %s", ErrInvalidTransition, j.ID, j.ExpiresAt.Format(time.RFC3339))
	}
	if j.Artifact != nil {
		j.Reclaim = append(j.Reclaim, *j.Artifact)
		j.Artifact = nil
	}
	if j.ReferenceImage != nil {
		j.Reclaim = append(j.Reclaim, *j.ReferenceImage)
		j.ReferenceImage = nil
	}
	j.Status = StatusExpired
	j.Error = nil
	if j.CompletedAt == nil {
		j.settle(now)
	} else {
		j.UpdatedAt = now.UTC()
	}
	return nil
}

// MarkReclaimed は Reclaim のブロブ削除が完了したことを記録します。
func (j *Job) MarkReclaimed(now time.Time) error {
	if j.Status != StatusExpired {
		return ErrInvalidTransition
	}
	j.Reclaim = nil
	j.Reclaimed = true
	j.UpdatedAt = now.UTC()
	return nil
}

func (j *Job) settle(now time.Time) {
	t := now.UTC()
	j.CompletedAt = &t
	j.UpdatedAt = t
}
