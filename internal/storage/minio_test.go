package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const noSuchKeyBody = `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`

// fakeS3 は既知のキーだけを返し、それ以外には NoSuchKey を返す S3 互換サーバーです。
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
	paths   []string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, r.Method+" "+r.URL.Path)

	body, ok := f.objects[r.URL.Path]
	switch {
	case r.Method == http.MethodDelete && ok:
		delete(f.objects, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	case !ok:
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, noSuchKeyBody)
	default:
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("ETag", `"etag"`)
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = io.WriteString(w, body)
		}
	}
}

func newFakeMinio(t *testing.T, objects map[string]string) (*MinioStore, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: objects}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	client, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4("access", "secret", ""),
		Secure: false,
		Region: "us-east-1",
	})
	require.NoError(t, err)
	return &MinioStore{cfg: &minioConfig{bucket: "videos"}, client: client}, fake
}

func TestMinioOpenMissingObjectIsErrNotExist(t *testing.T) {
	s, _ := newFakeMinio(t, map[string]string{})

	_, _, err := s.Open(context.Background(), "videos/video_1/video.mp4")
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestMinioOpenReadsObject(t *testing.T) {
	s, fake := newFakeMinio(t, map[string]string{"/videos/videos/video_1/video.mp4": "mp4-bytes"})

	rc, size, err := s.Open(context.Background(), "/videos/video_1/video.mp4")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "mp4-bytes", string(data))
	assert.Equal(t, int64(len("mp4-bytes")), size)
	assert.Contains(t, fake.paths, "GET /videos/videos/video_1/video.mp4", "leading slash is stripped from the key")
}

func TestMinioDeleteIgnoresMissingObject(t *testing.T) {
	s, fake := newFakeMinio(t, map[string]string{"/videos/videos/video_1/video.mp4": "x"})
	ctx := context.Background()

	require.NoError(t, s.Delete(ctx, "videos/video_1/video.mp4"))
	require.NoError(t, s.Delete(ctx, "videos/video_1/video.mp4"), "deleting twice is not an error")
	assert.Empty(t, fake.objects)
}

func TestMinioRejectsTraversalKeys(t *testing.T) {
	s, fake := newFakeMinio(t, map[string]string{})
	ctx := context.Background()

	_, _, err := s.Open(ctx, "../secrets")
	assert.Error(t, err)
	assert.Error(t, s.Delete(ctx, "  "))
	_, err = s.Put(ctx, "..", strings.NewReader("x"), 1, "video/mp4")
	assert.Error(t, err)
	assert.Empty(t, fake.paths, "invalid keys never reach the server")
}

func TestTranslateMinioErr(t *testing.T) {
	assert.ErrorIs(t, translateMinioErr(minio.ErrorResponse{Code: "NoSuchKey"}), ErrNotExist)

	denied := minio.ErrorResponse{Code: "AccessDenied"}
	assert.Equal(t, error(denied), translateMinioErr(denied))

	other := errors.New("connection refused")
	assert.Equal(t, other, translateMinioErr(other))
}
