package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix   = "video:job:"
	expiryIndexKey = "video:jobs:expiry"

	maxTxAttempts = 16
	mgetBatchSize = 100
)

// RedisStore はジョブ状態を Redis に保存します。
// 更新は WATCH/MULTI による楽観的トランザクションで直列化します。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore は RedisStore を作成します。
// ttl はキー自体の保険的な寿命で、0 の場合は無期限です。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
	}
}

// Create はジョブを新規保存し、期限インデックスに登録します。
func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	key := jobKey(job.ID)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			pipe.ZAdd(ctx, expiryIndexKey, redis.Z{
				Score:  float64(job.ExpiresAt.UnixMilli()),
				Member: job.ID,
			})
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeJob(data)
}

// Update は WATCH したキーに対して mutate を適用し、競合時は再試行します。
func (s *RedisStore) Update(ctx context.Context, id string, mutate Mutator) (*Job, error) {
	key := jobKey(id)
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		var updated *Job
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrNotFound
				}
				return err
			}
			job, err := decodeJob(data)
			if err != nil {
				return err
			}
			if err := mutate(job); err != nil {
				return err
			}
			payload, err := json.Marshal(job)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, redis.KeepTTL)
				return nil
			})
			updated = job
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update job %s: too much contention", id)
}

// ListExpiring は期限インデックスから before 以前のジョブ ID を返します。
func (s *RedisStore) ListExpiring(ctx context.Context, before time.Time) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
}

// ListActive は queued / processing のジョブを返します。
func (s *RedisStore) ListActive(ctx context.Context) ([]*Job, error) {
	ids, err := s.rdb.ZRange(ctx, expiryIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []*Job
	var stale []any
	for start := 0; start < len(ids); start += mgetBatchSize {
		end := min(start+mgetBatchSize, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, jobKey(id))
		}
		values, err := s.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				stale = append(stale, ids[start+i])
				continue
			}
			job, err := decodeJob([]byte(raw))
			if err != nil {
				return nil, err
			}
			if isActive(job.Status) {
				out = append(out, job)
			}
		}
	}
	if len(stale) > 0 {
		// TTL で消えたキーのインデックスを掃除する
		_ = s.rdb.ZRem(ctx, expiryIndexKey, stale...).Err()
	}
	return out, nil
}

// Delete はジョブとインデックスを削除します。
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, jobKey(id))
		pipe.ZRem(ctx, expiryIndexKey, id)
		return nil
	})
	return err
}

// Ping は Redis への疎通を確認します。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close はクライアントを閉じます。
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func decodeJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &job, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
