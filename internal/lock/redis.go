package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "video:lock:"

// releaseScript は所有トークンが一致する場合のみキーを削除します。
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// extendScript は所有トークンが一致する場合のみ TTL を延ばします。
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// RedisLocker は SET NX PX によるロックです。
type RedisLocker struct {
	rdb *redis.Client
}

// NewRedisLocker は RedisLocker を作成します。
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

// TryLock は待たずにロック取得を試みます。
func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	key := keyPrefix + name
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lease{
		release: func(ctx context.Context) error {
			return releaseScript.Run(ctx, l.rdb, []string{key}, token).Err()
		},
		extend: func(ctx context.Context, ttl time.Duration) error {
			n, err := extendScript.Run(ctx, l.rdb, []string{key}, token, ttl.Milliseconds()).Int64()
			if err != nil {
				return err
			}
			if n == 0 {
				return ErrNotAcquired
			}
			return nil
		},
	}, nil
}

// Lock は wait の間ロック取得を繰り返します。
func (l *RedisLocker) Lock(ctx context.Context, name string, ttl, wait time.Duration) (*Lease, error) {
	return waitFor(ctx, l.TryLock, name, ttl, wait)
}
