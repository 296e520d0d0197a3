package video

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/yourusername/reel-forge/internal/dispatch"
	"github.com/yourusername/reel-forge/internal/jobs"
	"github.com/yourusername/reel-forge/internal/metrics"
	"github.com/yourusername/reel-forge/internal/storage"
)

const (
	// VariantMP4 は唯一サポートするコンテナ形式です。
	VariantMP4       = "mp4"
	contentTypeMP4   = "video/mp4"
	scheduleFailure  = "The video could not be queued for generation. Please try again later."
	storageFailure   = "The server had an error while storing your request."
	contentFailure   = "The server had an error while retrieving the video content."
	defaultRetention = time.Hour
)

var allowedReferenceTypes = []string{"image/png", "image/jpeg", "image/webp"}

// Limits は入力サイズなどの上限です。
type Limits struct {
	MaxReferenceBytes int64
	MaxMetadataBytes  int
	MaxSeconds        int
	Retention         time.Duration
}

// CreateRequest は multipart フォームから取り出した作成要求です。
type CreateRequest struct {
	Prompt    string
	Model     string
	Seconds   string
	Size      string
	Metadata  string
	Reference *multipart.FileHeader
}

// Content は配信する成果物のストリームです。呼び出し側が Body を閉じます。
type Content struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
	Filename    string
}

// Service は動画ジョブの作成・参照・成果物取得を提供します。
type Service struct {
	store     jobs.Store
	blobs     storage.Blobs
	scheduler dispatch.Scheduler
	limits    Limits
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

// NewService は Service を作成します。
func NewService(store jobs.Store, blobs storage.Blobs, scheduler dispatch.Scheduler, limits Limits, logger *zap.Logger) *Service {
	if limits.MaxReferenceBytes <= 0 {
		limits.MaxReferenceBytes = 10 << 20
	}
	if limits.MaxMetadataBytes <= 0 {
		limits.MaxMetadataBytes = 16 << 10
	}
	if limits.MaxSeconds <= 0 {
		limits.MaxSeconds = 25
	}
	if limits.Retention <= 0 {
		limits.Retention = defaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		blobs:     blobs,
		scheduler: scheduler,
		limits:    limits,
		logger:    logger.Named("video"),
		now:       time.Now,
		newID:     jobs.NewID,
	}
}

// Create は入力を検証してジョブを登録し、ディスパッチを予約します。
// 検証エラーはストアへ書き込む前に返します。
func (s *Service) Create(ctx context.Context, tenant string, req CreateRequest) (*jobs.Job, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, invalidRequest("prompt is required")
	}
	params, err := resolveParams(req.Model, req.Seconds, req.Size, s.limits.MaxSeconds)
	if err != nil {
		return nil, invalidRequest("%s", err.Error())
	}
	metadata, err := s.normalizeMetadata(req.Metadata)
	if err != nil {
		return nil, err
	}
	reference, err := s.readReference(req.Reference)
	if err != nil {
		return nil, err
	}

	id := s.newID()
	job := jobs.NewJob(id, s.now(), s.limits.Retention)
	job.Tenant = tenant
	job.Model = params.model.ID
	job.Prompt = prompt
	job.Seconds = params.seconds
	job.Size = params.size
	job.Metadata = metadata

	if reference != nil {
		ref, err := s.storeReference(ctx, id, reference)
		if err != nil {
			return nil, err
		}
		job.ReferenceImage = ref
	}

	if err := s.store.Create(ctx, job); err != nil {
		s.discard(job.ReferenceImage)
		s.logger.Error("failed to create job", zap.String("job_id", id), zap.Error(err))
		return nil, serverError(storageFailure)
	}
	metrics.IncJobsCreated(job.Model)

	if err := s.scheduler.Schedule(ctx, id); err != nil {
		s.logger.Error("failed to schedule dispatch", zap.String("job_id", id), zap.Error(err))
		info := jobs.ErrorInfo{Message: scheduleFailure, Type: jobs.ErrorTypeServer}
		_, markErr := s.store.Update(context.WithoutCancel(ctx), id, func(j *jobs.Job) error {
			return j.MarkFailed(s.now(), info)
		})
		switch {
		case markErr == nil:
			metrics.IncJobsSettled(string(jobs.StatusFailed), info.Type)
		case !jobs.IsSettled(markErr):
			s.logger.Error("failed to mark unscheduled job", zap.String("job_id", id), zap.Error(markErr))
		}
		return nil, serverError(scheduleFailure)
	}

	s.logger.Info("job created",
		zap.String("job_id", id),
		zap.String("tenant", tenant),
		zap.String("model", job.Model),
		zap.Int("seconds", job.Seconds),
		zap.String("size", job.Size),
		zap.Bool("reference", job.ReferenceImage != nil),
	)
	return job, nil
}

// Get はテナントが所有するジョブを返します。他テナントのジョブは存在しないものとして扱います。
func (s *Service) Get(ctx context.Context, tenant, id string) (*jobs.Job, error) {
	job, err := s.store.Get(ctx, id)
	if errors.Is(err, jobs.ErrNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		s.logger.Error("failed to load job", zap.String("job_id", id), zap.Error(err))
		return nil, serverError(storageFailure)
	}
	if job.Tenant != tenant {
		return nil, notFound(id)
	}
	return job, nil
}

// View は Get の結果を外部表現に変換して返します。
func (s *Service) View(ctx context.Context, tenant, id string) (View, error) {
	job, err := s.Get(ctx, tenant, id)
	if err != nil {
		return View{}, err
	}
	return NewView(job, s.now()), nil
}

// OpenContent は成功したジョブの成果物を開きます。
func (s *Service) OpenContent(ctx context.Context, tenant, id, variant string) (*Content, error) {
	job, err := s.Get(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	switch effectiveStatus(job, s.now()) {
	case jobs.StatusExpired:
		return nil, expired(id)
	case jobs.StatusSucceeded:
	default:
		return nil, invalidRequest("Video with id '%s' is not ready: status is %s.", id, job.Status)
	}
	if variant == "" {
		variant = VariantMP4
	}
	if variant != VariantMP4 {
		return nil, invalidRequest("variant %q is not supported; use %q", variant, VariantMP4)
	}
	if job.Artifact == nil {
		s.logger.Error("succeeded job has no artifact", zap.String("job_id", id))
		return nil, serverError(contentFailure)
	}

	body, size, err := s.blobs.Open(ctx, job.Artifact.Key)
	if err != nil {
		s.logger.Error("failed to open artifact",
			zap.String("job_id", id),
			zap.String("key", job.Artifact.Key),
			zap.Error(err),
		)
		return nil, serverError(contentFailure)
	}
	return &Content{
		Body:        body,
		Size:        size,
		ContentType: contentTypeMP4,
		Filename:    contentFilename(id),
	}, nil
}

func (s *Service) normalizeMetadata(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if len(raw) > s.limits.MaxMetadataBytes {
		return nil, invalidRequest("metadata must not exceed %d bytes", s.limits.MaxMetadataBytes)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return nil, invalidRequest("metadata must be valid JSON: %v", err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

type referenceImage struct {
	data      []byte
	mediaType string
	ext       string
}

func (s *Service) readReference(fh *multipart.FileHeader) (*referenceImage, error) {
	if fh == nil {
		return nil, nil
	}
	if fh.Size > s.limits.MaxReferenceBytes {
		return nil, invalidRequest("input_reference must not exceed %d bytes", s.limits.MaxReferenceBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, invalidRequest("input_reference could not be read")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.limits.MaxReferenceBytes+1))
	if err != nil {
		return nil, invalidRequest("input_reference could not be read")
	}
	if int64(len(data)) > s.limits.MaxReferenceBytes {
		return nil, invalidRequest("input_reference must not exceed %d bytes", s.limits.MaxReferenceBytes)
	}
	if len(data) == 0 {
		return nil, invalidRequest("input_reference is empty")
	}

	mt := mimetype.Detect(data)
	if !mimetype.EqualsAny(mt.String(), allowedReferenceTypes...) {
		return nil, invalidRequest("input_reference must be one of %s, got %s", strings.Join(allowedReferenceTypes, ", "), mt.String())
	}
	return &referenceImage{data: data, mediaType: mt.String(), ext: mt.Extension()}, nil
}

func (s *Service) storeReference(ctx context.Context, id string, ref *referenceImage) (*jobs.BlobRef, error) {
	key := jobs.ReferenceKey(id, ref.ext)
	n, err := s.blobs.Put(ctx, key, bytes.NewReader(ref.data), int64(len(ref.data)), ref.mediaType)
	if err != nil {
		s.logger.Error("failed to store reference image", zap.String("job_id", id), zap.Error(err))
		return nil, serverError(storageFailure)
	}
	return &jobs.BlobRef{Key: key, ContentType: ref.mediaType, Size: n}, nil
}

func (s *Service) discard(ref *jobs.BlobRef) {
	if ref == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.blobs.Delete(ctx, ref.Key); err != nil {
		s.logger.Warn("failed to discard reference image", zap.String("key", ref.Key), zap.Error(err))
	}
}
