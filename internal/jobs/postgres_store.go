package jobs

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore はジョブ状態を PostgreSQL に保存します。
// 更新は SELECT ... FOR UPDATE で行ロックを取ったトランザクション内で行います。
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore は接続プールを作成し、疎通を確認します。
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate は埋め込まれたマイグレーションを適用します。
func (s *PostgresStore) Migrate(ctx context.Context) error {
	goose.SetLogger(&gooseLogger{})
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	return goose.UpContext(ctx, db, "migrations")
}

// Create はジョブを挿入します。
func (s *PostgresStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO video_jobs (id, tenant, status, expires_at, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		job.ID, job.Tenant, string(job.Status), job.ExpiresAt, payload, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// Get はジョブを取得します。
func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM video_jobs WHERE id = $1`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeJob(payload)
}

// Update は行ロック下で mutate を適用します。
func (s *PostgresStore) Update(ctx context.Context, id string, mutate Mutator) (*Job, error) {
	var updated *Job
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var payload []byte
		err := tx.QueryRow(ctx, `SELECT payload FROM video_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&payload)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		job, err := decodeJob(payload)
		if err != nil {
			return err
		}
		if err := mutate(job); err != nil {
			return err
		}
		next, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE video_jobs SET status = $2, payload = $3, updated_at = $4 WHERE id = $1`,
			id, string(job.Status), next, job.UpdatedAt); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListExpiring は期限が before 以前のジョブ ID を返します。
func (s *PostgresStore) ListExpiring(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM video_jobs WHERE expires_at <= $1 ORDER BY expires_at`, before)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ListActive は queued / processing のジョブを返します。
func (s *PostgresStore) ListActive(ctx context.Context) ([]*Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT payload FROM video_jobs WHERE status = ANY($1) ORDER BY created_at`,
		[]string{string(StatusQueued), string(StatusProcessing)})
	if err != nil {
		return nil, err
	}
	payloads, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(payloads))
	for _, p := range payloads {
		job, err := decodeJob(p)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// Delete はジョブを削除します。
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM video_jobs WHERE id = $1`, id)
	return err
}

// Ping はデータベースへの疎通を確認します。
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close は接続プールを閉じます。
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type gooseLogger struct{}

func (l *gooseLogger) Printf(format string, v ...interface{}) { zap.S().Infof(format, v...) }
func (l *gooseLogger) Fatalf(format string, v ...interface{}) { zap.S().Fatalf(format, v...) }
