package backend

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SimulatorOptions はシミュレーターの挙動を決めます。
type SimulatorOptions struct {
	// Duration は投入から完了までの時間です。
	Duration time.Duration
	// BlockedTerms を含むプロンプトは投入時にポリシー違反として拒否されます。
	BlockedTerms []string
	// FailingTerms を含むプロンプトは処理の途中で失敗します。
	FailingTerms []string
}

// generationRetention は完了した生成をダウンロード用に残しておく時間です。
const generationRetention = time.Hour

type generation struct {
	req       Request
	startedAt time.Time
	fail      bool
}

// Simulator はプロセス内で動画生成を模倣するバックエンドです。
// 開発環境とテストで外部の合成基盤の代わりに使います。
type Simulator struct {
	opts SimulatorOptions
	now  func() time.Time

	mu   sync.Mutex
	gens map[string]*generation
}

// NewSimulator は Simulator を作成します。
func NewSimulator(opts SimulatorOptions) *Simulator {
	if opts.Duration <= 0 {
		opts.Duration = 10 * time.Second
	}
	return &Simulator{
		opts: opts,
		now:  time.Now,
		gens: make(map[string]*generation),
	}
}

// Submit は生成を受け付けます。
func (s *Simulator) Submit(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prompt := strings.ToLower(req.Prompt)
	for _, term := range s.opts.BlockedTerms {
		if term != "" && strings.Contains(prompt, strings.ToLower(term)) {
			return "", &Error{Kind: KindPolicy, Message: "Your request was blocked by our content policy."}
		}
	}
	fail := false
	for _, term := range s.opts.FailingTerms {
		if term != "" && strings.Contains(prompt, strings.ToLower(term)) {
			fail = true
		}
	}

	id := "gen_" + uuid.NewString()
	now := s.now()
	s.mu.Lock()
	s.evictLocked(now)
	s.gens[id] = &generation{req: req, startedAt: now, fail: fail}
	s.mu.Unlock()
	return id, nil
}

// evictLocked は完了から generationRetention を過ぎた生成を捨てます。s.mu を保持して呼びます。
func (s *Simulator) evictLocked(now time.Time) {
	for id, gen := range s.gens {
		if now.Sub(gen.startedAt) > s.opts.Duration+generationRetention {
			delete(s.gens, id)
		}
	}
}

// Poll は経過時間から進捗を計算します。
func (s *Simulator) Poll(ctx context.Context, id string) (*State, error) {
	gen, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	elapsed := s.now().Sub(gen.startedAt)
	if elapsed >= s.opts.Duration {
		if gen.fail {
			return &State{
				Status:   StatusFailed,
				Progress: 50,
				Failure:  &Error{Kind: KindFailed, Message: "video generation failed"},
			}, nil
		}
		return &State{Status: StatusSucceeded, Progress: 100}, nil
	}
	progress := int(elapsed * 100 / s.opts.Duration)
	if gen.fail && progress > 50 {
		progress = 50
	}
	status := StatusRunning
	if progress == 0 {
		status = StatusPending
	}
	return &State{Status: status, Progress: progress}, nil
}

// Download は完成した疑似 MP4 を返します。
func (s *Simulator) Download(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	gen, err := s.lookup(id)
	if err != nil {
		return nil, 0, err
	}
	if s.now().Sub(gen.startedAt) < s.opts.Duration || gen.fail {
		return nil, 0, &Error{Kind: KindFailed, Message: "video is not available"}
	}
	data := fakeMP4(gen.req)
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (s *Simulator) lookup(id string) (*generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.gens[id]
	if !ok {
		return nil, &Error{Kind: KindFailed, Message: fmt.Sprintf("generation %s not found", id)}
	}
	return gen, nil
}

// fakeMP4 は ftyp と mdat の 2 ボックスだけを持つ最小のコンテナを組み立てます。
func fakeMP4(req Request) []byte {
	var buf bytes.Buffer
	box := func(kind string, payload []byte) {
		_ = binary.Write(&buf, binary.BigEndian, uint32(8+len(payload)))
		buf.WriteString(kind)
		buf.Write(payload)
	}
	box("ftyp", []byte("isom\x00\x00\x02\x00isomiso2mp41"))
	box("mdat", []byte(fmt.Sprintf("%s|%s|%ds|%s", req.Model, req.Size, req.Seconds, req.Prompt)))
	return buf.Bytes()
}
