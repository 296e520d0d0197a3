package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryEntry struct {
	mu  sync.Mutex
	job *Job
}

// MemoryStore はプロセス内でジョブを保持する Store 実装です。
// マップ全体とジョブごとの 2 段のロックで直列化します。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

// Create はジョブを登録します。
func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[job.ID]; ok {
		return ErrConflict
	}
	s.entries[job.ID] = &memoryEntry{job: job.Clone()}
	return nil
}

// Get はジョブのコピーを返します。
func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	entry := s.entry(id)
	if entry == nil {
		return nil, ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.job == nil {
		return nil, ErrNotFound
	}
	return entry.job.Clone(), nil
}

// Update はジョブ単位のロックを取ったうえで mutate を適用します。
func (s *MemoryStore) Update(ctx context.Context, id string, mutate Mutator) (*Job, error) {
	entry := s.entry(id)
	if entry == nil {
		return nil, ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.job == nil {
		return nil, ErrNotFound
	}
	working := entry.job.Clone()
	if err := mutate(working); err != nil {
		return nil, err
	}
	entry.job = working
	return working.Clone(), nil
}

// ListExpiring は期限が before 以前のジョブ ID を返します。
func (s *MemoryStore) ListExpiring(ctx context.Context, before time.Time) ([]string, error) {
	var ids []string
	s.each(func(job *Job) {
		if !job.ExpiresAt.After(before) {
			ids = append(ids, job.ID)
		}
	})
	return ids, nil
}

// ListActive は処理中のジョブを返します。
func (s *MemoryStore) ListActive(ctx context.Context) ([]*Job, error) {
	var out []*Job
	s.each(func(job *Job) {
		if isActive(job.Status) {
			out = append(out, job.Clone())
		}
	})
	return out, nil
}

// Delete はジョブを削除します。存在しない場合も成功扱いです。
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	entry, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if ok {
		// 削除と並行する Update が古いエントリを書き戻しても見えないようにする
		entry.mu.Lock()
		entry.job = nil
		entry.mu.Unlock()
	}
	return nil
}

// Ping は常に成功します。
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close は何もしません。
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) entry(id string) *memoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

func (s *MemoryStore) each(fn func(job *Job)) {
	s.mu.RLock()
	entries := make([]*memoryEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.job != nil {
			fn(e.job)
		}
		e.mu.Unlock()
	}
}
