// Package lock は名前付きの排他ロックを提供します。
// Redis が設定されていれば複数プロセス間で、なければプロセス内で排他します。
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired はロックが他者に保持されている場合に返されます。
var ErrNotAcquired = errors.New("lock is held by another owner")

// pollInterval は待機付き取得での再試行間隔です。
const pollInterval = 100 * time.Millisecond

// Lease は取得済みのロックです。
type Lease struct {
	release func(ctx context.Context) error
	extend  func(ctx context.Context, ttl time.Duration) error
}

// Release はロックを解放します。所有者でなくなっていれば何もしません。
func (l *Lease) Release(ctx context.Context) error {
	return l.release(ctx)
}

// Extend は TTL を now+ttl に延長します。所有者でなくなっていれば ErrNotAcquired を返します。
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	return l.extend(ctx, ttl)
}

// Locker は名前付きロックの取得を提供します。
type Locker interface {
	// TryLock は待たずに取得を試みます。
	TryLock(ctx context.Context, name string, ttl time.Duration) (*Lease, error)
	// Lock は wait の間、取得を繰り返し試みます。
	Lock(ctx context.Context, name string, ttl, wait time.Duration) (*Lease, error)
}

type tryFunc func(ctx context.Context, name string, ttl time.Duration) (*Lease, error)

func waitFor(ctx context.Context, try tryFunc, name string, ttl, wait time.Duration) (*Lease, error) {
	deadline := time.Now().Add(wait)
	for {
		lease, err := try(ctx, name, ttl)
		if !errors.Is(err, ErrNotAcquired) {
			return lease, err
		}
		if !time.Now().Before(deadline) {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
