package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type localEntry struct {
	token     string
	expiresAt time.Time
}

// LocalLocker はプロセス内でのみ有効なロックです。Redis がない構成で使います。
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]localEntry
	now     func() time.Time
}

// NewLocalLocker は LocalLocker を作成します。
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		entries: make(map[string]localEntry),
		now:     time.Now,
	}
}

// TryLock は待たずにロック取得を試みます。TTL を過ぎたロックは奪えます。
func (l *LocalLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)
	if _, ok := l.entries[name]; ok {
		return nil, ErrNotAcquired
	}
	token := uuid.NewString()
	l.entries[name] = localEntry{token: token, expiresAt: now.Add(ttl)}

	return &Lease{
		release: func(ctx context.Context) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			if e, ok := l.entries[name]; ok && e.token == token {
				delete(l.entries, name)
			}
			return nil
		},
		extend: func(ctx context.Context, ttl time.Duration) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			now := l.now()
			e, ok := l.entries[name]
			if !ok || e.token != token || !now.Before(e.expiresAt) {
				return ErrNotAcquired
			}
			l.entries[name] = localEntry{token: token, expiresAt: now.Add(ttl)}
			return nil
		},
	}, nil
}

// Lock は wait の間ロック取得を繰り返します。
func (l *LocalLocker) Lock(ctx context.Context, name string, ttl, wait time.Duration) (*Lease, error) {
	return waitFor(ctx, l.TryLock, name, ttl, wait)
}

// pruneLocked は期限切れのエントリを取り除きます。l.mu を保持して呼びます。
func (l *LocalLocker) pruneLocked(now time.Time) {
	for name, e := range l.entries {
		if !now.Before(e.expiresAt) {
			delete(l.entries, name)
		}
	}
}

func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return len(l.entries)
}
