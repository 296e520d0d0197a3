// Package backend は外部の動画合成バックエンドとのやり取りを抽象化します。
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Status はバックエンド側の生成状態です。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// IsTerminal は生成が終わっているかを返します。
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Request はバックエンドへの投入内容です。
type Request struct {
	Prompt        string          `json:"prompt"`
	Model         string          `json:"model"`
	Seconds       int             `json:"seconds"`
	Size          string          `json:"size"`
	Reference     []byte          `json:"reference,omitempty"`
	ReferenceType string          `json:"reference_type,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// State はポーリング結果です。Failure は StatusFailed の場合のみ設定されます。
type State struct {
	Status   Status
	Progress int
	Failure  *Error
}

// Client は動画合成バックエンドのクライアントです。
type Client interface {
	// Submit は生成を投入し、バックエンド側のハンドルを返します。
	Submit(ctx context.Context, req Request) (string, error)
	// Poll は生成状態を返します。
	Poll(ctx context.Context, id string) (*State, error)
	// Download は完成した動画を開きます。サイズが不明なら -1 を返します。
	Download(ctx context.Context, id string) (io.ReadCloser, int64, error)
}

// ErrUnavailable はバックエンドに一時的に到達できない場合に返されます。再試行対象です。
var ErrUnavailable = errors.New("video backend unavailable")

// Kind はバックエンドが報告したエラーの分類です。
type Kind string

const (
	// KindPolicy はコンテンツポリシー違反です。
	KindPolicy Kind = "content_policy_violation"
	// KindInvalid はリクエスト内容の拒否です。
	KindInvalid Kind = "invalid_request"
	// KindFailed は生成処理そのものの失敗です。
	KindFailed Kind = "generation_failed"
)

// Error はバックエンドが返した恒久的なエラーです。
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// CallerFixable は呼び出し側で直せる種類のエラーかを返します。
func (e *Error) CallerFixable() bool {
	return e.Kind == KindPolicy || e.Kind == KindInvalid
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, fmt.Sprintf(format, args...))
}
