package storage

import (
	"context"
	"fmt"
	"path"
	"path/filepath"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"shiftwatch/internal/notify"
)

// Config holds MinIO connection settings
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// objectPutter is the subset of *miniogo.Client used for uploads
type objectPutter interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts miniogo.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts miniogo.PutObjectOptions) (miniogo.UploadInfo, error)
}

// ClipUploader copies finished clips to object storage.
// Objects are keyed <run id>/<clip file name>.
type ClipUploader struct {
	client objectPutter
	bucket string
}

// NewClipUploader connects to MinIO
func NewClipUploader(cfg Config) (*ClipUploader, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &ClipUploader{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the clip bucket when missing
func (u *ClipUploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", u.bucket, err)
	}
	if exists {
		return nil
	}
	if err := u.client.MakeBucket(ctx, u.bucket, miniogo.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", u.bucket, err)
	}
	return nil
}

// ObjectKey returns the key a clip is stored under
func ObjectKey(runID, clipPath string) string {
	name := filepath.Base(clipPath)
	if runID == "" {
		return name
	}
	return path.Join(runID, name)
}

func (u *ClipUploader) Name() string { return "minio" }

// Send uploads the summary's clip file
func (u *ClipUploader) Send(ctx context.Context, s notify.Summary) error {
	if s.ClipPath == "" {
		return fmt.Errorf("event %d has no clip", s.EventID)
	}

	key := ObjectKey(s.RunID, s.ClipPath)
	_, err := u.client.FPutObject(ctx, u.bucket, key, s.ClipPath, miniogo.PutObjectOptions{
		ContentType: "video/mp4",
		UserMetadata: map[string]string{
			"event-id": fmt.Sprintf("%d", s.EventID),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload clip %s: %w", key, err)
	}
	return nil
}

var _ notify.Sink = (*ClipUploader)(nil)
