package jobs

import (
	"context"
	"time"
)

// Mutator はジョブを書き換える関数です。エラーを返した場合は何も保存されません。
type Mutator func(job *Job) error

// Store はジョブの永続化を抽象化します。
// Update は同一ジョブに対して直列化され、途中状態が他から見えることはありません。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, id string, mutate Mutator) (*Job, error)
	// ListExpiring は expires_at が before 以前のジョブ ID を返します。
	ListExpiring(ctx context.Context, before time.Time) ([]string, error)
	// ListActive は queued / processing のジョブを返します。
	ListActive(ctx context.Context) ([]*Job, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

func isActive(s Status) bool {
	return s == StatusQueued || s == StatusProcessing
}
