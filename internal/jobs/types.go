package jobs

import (
	"encoding/json"
	"time"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// IsTerminal は以降の遷移が許されない状態かどうかを返します。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// エラー種別。API のエラーボディにそのまま出ます。
const (
	ErrorTypeInvalidRequest = "invalid_request_error"
	ErrorTypeServer         = "server_error"
)

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// BlobRef はブロブストレージ上のオブジェクトへの参照です。
type BlobRef struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// Job は動画生成リクエスト 1 件の現在状態を表します。
type Job struct {
	ID             string          `json:"id"`
	Tenant         string          `json:"tenant"`
	Model          string          `json:"model"`
	Prompt         string          `json:"prompt"`
	Seconds        int             `json:"seconds"`
	Size           string          `json:"size"`
	Quality        string          `json:"quality"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	ReferenceImage *BlobRef        `json:"referenceImage,omitempty"`
	RemixedFrom    string          `json:"remixedFrom,omitempty"`

	Status   Status     `json:"status"`
	Progress int        `json:"progress"`
	Artifact *BlobRef   `json:"artifact,omitempty"`
	Error    *ErrorInfo `json:"error,omitempty"`

	// BackendID はバックエンド側のジョブハンドルです。外部には出しません。
	BackendID string `json:"backendId,omitempty"`

	// Reclaim は期限切れ後に削除待ちのブロブです。
	Reclaim   []BlobRef `json:"reclaim,omitempty"`
	Reclaimed bool      `json:"reclaimed,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Clone は共有状態を持たないコピーを返します。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.Metadata != nil {
		out.Metadata = append(json.RawMessage(nil), j.Metadata...)
	}
	if j.ReferenceImage != nil {
		ref := *j.ReferenceImage
		out.ReferenceImage = &ref
	}
	if j.Artifact != nil {
		art := *j.Artifact
		out.Artifact = &art
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.Reclaim != nil {
		out.Reclaim = append([]BlobRef(nil), j.Reclaim...)
	}
	return &out
}
