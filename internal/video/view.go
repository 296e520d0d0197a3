package video

import (
	"strconv"
	"time"

	"github.com/yourusername/reel-forge/internal/jobs"
)

const objectVideo = "video"

// CreatedView は POST /v1/videos の 201 レスポンスです。
type CreatedView struct {
	ID        string      `json:"id"`
	Object    string      `json:"object"`
	Model     string      `json:"model"`
	CreatedAt int64       `json:"created_at"`
	Status    jobs.Status `json:"status"`
	Progress  int         `json:"progress"`
}

// View は GET /v1/videos/{id} のレスポンスです。
type View struct {
	ID                 string          `json:"id"`
	Object             string          `json:"object"`
	Model              string          `json:"model"`
	Status             jobs.Status     `json:"status"`
	Progress           int             `json:"progress"`
	CreatedAt          int64           `json:"created_at"`
	CompletedAt        *int64          `json:"completed_at"`
	ExpiresAt          int64           `json:"expires_at"`
	Size               string          `json:"size"`
	Seconds            string          `json:"seconds"`
	Quality            string          `json:"quality"`
	URL                *string         `json:"url"`
	RemixedFromVideoID *string         `json:"remixed_from_video_id"`
	Error              *jobs.ErrorInfo `json:"error"`
}

// NewCreatedView は作成直後のジョブからレスポンスを組み立てます。
func NewCreatedView(job *jobs.Job) CreatedView {
	return CreatedView{
		ID:        job.ID,
		Object:    objectVideo,
		Model:     job.Model,
		CreatedAt: job.CreatedAt.Unix(),
		Status:    job.Status,
		Progress:  job.Progress,
	}
}

// NewView はジョブの外部表現を組み立てます。
// 保持期限を過ぎたジョブはスイーパーの処理前でも expired として見せます。
func NewView(job *jobs.Job, now time.Time) View {
	status := effectiveStatus(job, now)
	v := View{
		ID:        job.ID,
		Object:    objectVideo,
		Model:     job.Model,
		Status:    status,
		Progress:  job.Progress,
		CreatedAt: job.CreatedAt.Unix(),
		ExpiresAt: job.ExpiresAt.Unix(),
		Size:      job.Size,
		Seconds:   strconv.Itoa(job.Seconds),
		Quality:   job.Quality,
	}
	if job.CompletedAt != nil {
		ts := job.CompletedAt.Unix()
		v.CompletedAt = &ts
	}
	if job.RemixedFrom != "" {
		src := job.RemixedFrom
		v.RemixedFromVideoID = &src
	}
	switch status {
	case jobs.StatusSucceeded:
		u := ContentPath(job.ID)
		v.URL = &u
	case jobs.StatusFailed:
		if job.Error != nil {
			e := *job.Error
			v.Error = &e
		}
	}
	return v
}

// ContentPath は成果物のダウンロードパスを返します。
func ContentPath(id string) string {
	return "/v1/videos/" + id + "/content"
}

func effectiveStatus(job *jobs.Job, now time.Time) jobs.Status {
	if job.Status != jobs.StatusExpired && !now.Before(job.ExpiresAt) {
		return jobs.StatusExpired
	}
	return job.Status
}

// contentFilename は Content-Disposition 用のファイル名 video_<id>.mp4 を返します。
func contentFilename(id string) string {
	return "video_" + id + ".mp4"
}
