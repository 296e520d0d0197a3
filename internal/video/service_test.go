package video

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/reel-forge/internal/jobs"
	"github.com/yourusername/reel-forge/internal/storage"
)

var (
	pngBytes  = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 32)...)
	jpegBytes = append([]byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}, make([]byte, 32)...)
)

type recordingScheduler struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (s *recordingScheduler) Schedule(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.ids = append(s.ids, jobID)
	return nil
}

func (s *recordingScheduler) scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

type fixture struct {
	svc   *Service
	store *jobs.MemoryStore
	blobs *storage.LocalStore
	sched *recordingScheduler
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	blobs, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	f := &fixture{
		store: jobs.NewMemoryStore(),
		blobs: blobs,
		sched: &recordingScheduler{},
		now:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.store, f.blobs, f.sched, Limits{
		MaxReferenceBytes: 1024,
		MaxMetadataBytes:  64,
		MaxSeconds:        25,
		Retention:         time.Hour,
	}, nil)
	f.svc.now = func() time.Time { return f.now }
	return f
}

// fileHeader は multipart を経由して FileHeader を作ります。
func fileHeader(t *testing.T, field, name string, data []byte) *multipart.FileHeader {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(1<<20))
	t.Cleanup(func() { _ = req.MultipartForm.RemoveAll() })
	return req.MultipartForm.File[field][0]
}

func assertAPIError(t *testing.T, err error, status int, typ string) *APIError {
	t.Helper()
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "expected APIError, got %v", err)
	assert.Equal(t, status, apiErr.Status)
	assert.Equal(t, typ, apiErr.Type)
	return apiErr
}

func TestCreateAppliesDefaults(t *testing.T) {
	f := newFixture(t)
	job, err := f.svc.Create(context.Background(), "acme", CreateRequest{Prompt: "  a cat on a skateboard  "})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(job.ID, "video_"))
	assert.Equal(t, "a cat on a skateboard", job.Prompt)
	assert.Equal(t, "sora-2", job.Model)
	assert.Equal(t, 4, job.Seconds)
	assert.Equal(t, "720x1280", job.Size)
	assert.Equal(t, jobs.StatusQueued, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Equal(t, f.now.Add(time.Hour), job.ExpiresAt)
	assert.Equal(t, []string{job.ID}, f.sched.scheduled())

	stored, err := f.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", stored.Tenant)
}

func TestCreateFixedVariantFillsSecondsAndSize(t *testing.T) {
	f := newFixture(t)
	job, err := f.svc.Create(context.Background(), "acme", CreateRequest{Prompt: "p", Model: "sora-2-pro-landscape-25s"})
	require.NoError(t, err)
	assert.Equal(t, 25, job.Seconds)
	assert.Equal(t, "1280x720", job.Size)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	cases := map[string]CreateRequest{
		"empty prompt":         {Prompt: "   "},
		"unknown model":        {Prompt: "p", Model: "sora-9"},
		"malformed size":       {Prompt: "p", Size: "abcxdef"},
		"zero size":            {Prompt: "p", Size: "0x720"},
		"oversized dimension":  {Prompt: "p", Size: "8192x720"},
		"non numeric seconds":  {Prompt: "p", Seconds: "four"},
		"seconds out of range": {Prompt: "p", Seconds: "60"},
		"seconds conflict":     {Prompt: "p", Model: "sora-2-portrait-10s", Seconds: "15"},
		"orientation conflict": {Prompt: "p", Model: "sora-2-portrait-10s", Size: "1280x720"},
		"metadata not json":    {Prompt: "p", Metadata: "{broken"},
		"metadata too large":   {Prompt: "p", Metadata: `{"k":"` + strings.Repeat("x", 100) + `"}`},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Create(context.Background(), "acme", req)
			assertAPIError(t, err, http.StatusBadRequest, jobs.ErrorTypeInvalidRequest)
			assert.Empty(t, f.sched.scheduled(), "validation failures must not dispatch")
			ids, listErr := f.store.ListExpiring(context.Background(), f.now.Add(24*time.Hour))
			require.NoError(t, listErr)
			assert.Empty(t, ids, "validation failures must not create jobs")
		})
	}
}

func TestCreateStoresReferenceImage(t *testing.T) {
	f := newFixture(t)
	job, err := f.svc.Create(context.Background(), "acme", CreateRequest{
		Prompt:    "p",
		Reference: fileHeader(t, "input_reference", "ref.bin", pngBytes),
		Metadata:  ` { "campaign" : "spring" } `,
	})
	require.NoError(t, err)
	require.NotNil(t, job.ReferenceImage)
	assert.Equal(t, jobs.ReferenceKey(job.ID, ".png"), job.ReferenceImage.Key)
	assert.Equal(t, "image/png", job.ReferenceImage.ContentType)
	assert.JSONEq(t, `{"campaign":"spring"}`, string(job.Metadata))

	rc, size, err := f.blobs.Open(context.Background(), job.ReferenceImage.Key)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, int64(len(pngBytes)), size)
	assert.Equal(t, pngBytes, got)
}

func TestCreateRejectsBadReference(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), "acme", CreateRequest{
		Prompt:    "p",
		Reference: fileHeader(t, "input_reference", "ref.png", []byte("plain text pretending to be an image")),
	})
	assertAPIError(t, err, http.StatusBadRequest, jobs.ErrorTypeInvalidRequest)

	_, err = f.svc.Create(context.Background(), "acme", CreateRequest{
		Prompt:    "p",
		Reference: fileHeader(t, "input_reference", "big.jpg", append(jpegBytes, make([]byte, 2048)...)),
	})
	assertAPIError(t, err, http.StatusBadRequest, jobs.ErrorTypeInvalidRequest)
	assert.Empty(t, f.sched.scheduled())
}

func TestCreateScheduleFailureMarksJobFailed(t *testing.T) {
	f := newFixture(t)
	f.sched.err = errors.New("queue down")
	f.svc.newID = func() string { return "video_fixed" }

	_, err := f.svc.Create(context.Background(), "acme", CreateRequest{Prompt: "p"})
	assertAPIError(t, err, http.StatusInternalServerError, jobs.ErrorTypeServer)

	job, err := f.store.Get(context.Background(), "video_fixed")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, jobs.ErrorTypeServer, job.Error.Type)
}

func TestCreateIDsAreUnique(t *testing.T) {
	f := newFixture(t)
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		job, err := f.svc.Create(context.Background(), "acme", CreateRequest{Prompt: "p"})
		require.NoError(t, err)
		_, dup := seen[job.ID]
		require.False(t, dup, "duplicate id %s", job.ID)
		seen[job.ID] = struct{}{}
	}
}

func TestGetHidesOtherTenants(t *testing.T) {
	f := newFixture(t)
	job, err := f.svc.Create(context.Background(), "acme", CreateRequest{Prompt: "p"})
	require.NoError(t, err)

	_, err = f.svc.Get(context.Background(), "globex", job.ID)
	assertAPIError(t, err, http.StatusNotFound, jobs.ErrorTypeInvalidRequest)

	_, err = f.svc.Get(context.Background(), "acme", "video_missing")
	assertAPIError(t, err, http.StatusNotFound, jobs.ErrorTypeInvalidRequest)
}

// succeed は成果物を保存してジョブを succeeded にします。
func (f *fixture) succeed(t *testing.T, id string, payload []byte) {
	t.Helper()
	ctx := context.Background()
	key := jobs.ArtifactKey(id)
	n, err := f.blobs.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), contentTypeMP4)
	require.NoError(t, err)
	_, err = f.store.Update(ctx, id, func(j *jobs.Job) error {
		if err := j.MarkProcessing(f.now, "gen_1"); err != nil {
			return err
		}
		return j.MarkSucceeded(f.now, jobs.BlobRef{Key: key, ContentType: contentTypeMP4, Size: n})
	})
	require.NoError(t, err)
}

func TestOpenContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.svc.Create(ctx, "acme", CreateRequest{Prompt: "p"})
	require.NoError(t, err)

	_, err = f.svc.OpenContent(ctx, "acme", job.ID, "")
	assertAPIError(t, err, http.StatusBadRequest, jobs.ErrorTypeInvalidRequest)

	payload := []byte("\x00\x00\x00\x18ftypmp42 fake movie")
	f.succeed(t, job.ID, payload)

	_, err = f.svc.OpenContent(ctx, "acme", job.ID, "webm")
	assertAPIError(t, err, http.StatusBadRequest, jobs.ErrorTypeInvalidRequest)

	for i := 0; i < 2; i++ {
		content, err := f.svc.OpenContent(ctx, "acme", job.ID, "mp4")
		require.NoError(t, err)
		got, err := io.ReadAll(content.Body)
		require.NoError(t, err)
		require.NoError(t, content.Body.Close())
		assert.Equal(t, payload, got)
		assert.Equal(t, int64(len(payload)), content.Size)
		assert.Equal(t, "video/mp4", content.ContentType)
		assert.Equal(t, "video_"+job.ID+".mp4", content.Filename)
	}

	_, err = f.svc.OpenContent(ctx, "globex", job.ID, "mp4")
	assertAPIError(t, err, http.StatusNotFound, jobs.ErrorTypeInvalidRequest)
}

func TestOpenContentAfterExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.svc.Create(ctx, "acme", CreateRequest{Prompt: "p"})
	require.NoError(t, err)
	f.succeed(t, job.ID, []byte("movie"))

	f.now = job.ExpiresAt
	_, err = f.svc.OpenContent(ctx, "acme", job.ID, "mp4")
	apiErr := assertAPIError(t, err, http.StatusNotFound, jobs.ErrorTypeInvalidRequest)
	assert.Contains(t, apiErr.Message, "expired")

	view, err := f.svc.View(ctx, "acme", job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusExpired, view.Status)
	assert.Nil(t, view.URL)
}

func TestOpenContentMissingBlobIsServerError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.svc.Create(ctx, "acme", CreateRequest{Prompt: "p"})
	require.NoError(t, err)
	f.succeed(t, job.ID, []byte("movie"))
	require.NoError(t, f.blobs.Delete(ctx, jobs.ArtifactKey(job.ID)))

	_, err = f.svc.OpenContent(ctx, "acme", job.ID, "mp4")
	assertAPIError(t, err, http.StatusInternalServerError, jobs.ErrorTypeServer)
}
