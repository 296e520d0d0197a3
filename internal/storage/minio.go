package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioOpts は MinioStore の設定を変更します。
type MinioOpts func(c *minioConfig)

type minioConfig struct {
	endpoint        string
	bucket          string
	accessKey       string
	secretAccessKey string
	useSSL          bool
}

// WithEndpoint は接続先を指定します。
func WithEndpoint(endpoint string) MinioOpts {
	return func(c *minioConfig) { c.endpoint = endpoint }
}

// WithBucket はバケット名を指定します。
func WithBucket(bucket string) MinioOpts {
	return func(c *minioConfig) { c.bucket = bucket }
}

// WithCredentials は静的クレデンシャルを指定します。
func WithCredentials(accessKey, secretAccessKey string) MinioOpts {
	return func(c *minioConfig) {
		c.accessKey = accessKey
		c.secretAccessKey = secretAccessKey
	}
}

// WithSSL は TLS 接続を有効にします。
func WithSSL(useSSL bool) MinioOpts {
	return func(c *minioConfig) { c.useSSL = useSSL }
}

// MinioStore は S3 互換オブジェクトストレージにブロブを保存します。
type MinioStore struct {
	cfg    *minioConfig
	client *minio.Client
}

// NewMinioStore はクライアントを作成し、バケットがなければ作成します。
func NewMinioStore(ctx context.Context, opts ...MinioOpts) (*MinioStore, error) {
	cfg := &minioConfig{}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.endpoint == "" || cfg.bucket == "" {
		return nil, fmt.Errorf("storage: minio endpoint and bucket are required")
	}

	client, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretAccessKey, ""),
		Secure: cfg.useSSL,
	})
	if err != nil {
		return nil, err
	}

	exists, err := client.BucketExists(ctx, cfg.bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket %s: %w", cfg.bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket %s: %w", cfg.bucket, err)
		}
	}
	return &MinioStore{cfg: cfg, client: client}, nil
}

// Put はオブジェクトをアップロードします。
func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error) {
	clean, err := sanitizeKey(key)
	if err != nil {
		return 0, err
	}
	info, err := s.client.PutObject(ctx, s.cfg.bucket, clean, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return 0, fmt.Errorf("storage: upload %s: %w", key, err)
	}
	return info.Size, nil
}

// Open はオブジェクトを読み出し用に開きます。
func (s *MinioStore) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	clean, err := sanitizeKey(key)
	if err != nil {
		return nil, 0, err
	}
	object, err := s.client.GetObject(ctx, s.cfg.bucket, clean, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, translateMinioErr(err)
	}
	info, err := object.Stat()
	if err != nil {
		object.Close()
		return nil, 0, translateMinioErr(err)
	}
	return object, info.Size, nil
}

// Delete はオブジェクトを削除します。
func (s *MinioStore) Delete(ctx context.Context, key string) error {
	clean, err := sanitizeKey(key)
	if err != nil {
		return err
	}
	err = s.client.RemoveObject(ctx, s.cfg.bucket, clean, minio.RemoveObjectOptions{})
	if err != nil && !errors.Is(translateMinioErr(err), ErrNotExist) {
		return err
	}
	return nil
}

// translateMinioErr は存在しないオブジェクトのエラーを ErrNotExist に揃えます。
func translateMinioErr(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ErrNotExist
	}
	return err
}
