package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// mirrorObjectName はミラー先での成果物名です。ジョブごとに最新の PDF だけを保持します。
const mirrorObjectName = "output.pdf"

// Mirror は完成した PDF をローカル以外にも複製する先です。
type Mirror interface {
	Put(ctx context.Context, jobID, localPath string) error
	Remove(ctx context.Context, jobID string) error
}

// NopMirror は何もしない Mirror です。
type NopMirror struct{}

func (NopMirror) Put(context.Context, string, string) error { return nil }
func (NopMirror) Remove(context.Context, string) error      { return nil }

// MinioConfig は MinIO 接続設定です。
type MinioConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	BasePath        string
	MaxRetries      int
}

// MinioMirror は PDF を MinIO (S3 互換) バケットに複製します。
type MinioMirror struct {
	client   *minio.Client
	bucket   string
	basePath string
}

// NewMinioMirror はクライアントを作成し、バケットが無ければ作成します。
// 起動直後は MinIO が立ち上がっていないことがあるため、指数バックオフで再試行します。
func NewMinioMirror(ctx context.Context, cfg MinioConfig) (*MinioMirror, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty MinIO endpoint")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("empty MinIO bucket")
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 5
	}

	var lastErr error
	interval := time.Second
	for attempt := range retries {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("context canceled before MinIO init: %w", ctx.Err())
		}
		client, err := minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
			Secure: cfg.UseSSL,
		})
		if err != nil {
			lastErr = fmt.Errorf("create MinIO client: %w", err)
		} else if err := ensureBucket(ctx, client, cfg.Bucket); err != nil {
			lastErr = err
		} else {
			return &MinioMirror{client: client, bucket: cfg.Bucket, basePath: basePrefix(cfg.BasePath)}, nil
		}

		if attempt < retries-1 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("context canceled while waiting to retry MinIO: %w", ctx.Err())
			case <-time.After(interval):
				interval = min(interval*2, 30*time.Second)
			}
		}
	}
	return nil, fmt.Errorf("init MinIO failed after %d attempts: %w", retries, lastErr)
}

// Put はローカルの PDF をアップロードします。
func (m *MinioMirror) Put(ctx context.Context, jobID, localPath string) error {
	_, err := m.client.FPutObject(ctx, m.bucket, m.objectName(jobID), localPath, minio.PutObjectOptions{
		ContentType: "application/pdf",
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// Remove は複製を削除します。存在しない場合もエラーにはなりません。
func (m *MinioMirror) Remove(ctx context.Context, jobID string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, m.objectName(jobID), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

func (m *MinioMirror) objectName(jobID string) string {
	return m.basePath + path.Join(jobID, mirrorObjectName)
}

func basePrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}
