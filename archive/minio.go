// Package archive stores rendered exports in an S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Daniel865692/energy-management-platform/config"
)

// ObjectStore is the part of the minio client the uploader uses
type ObjectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Uploader writes exports under a Hive style partitioned path
type Uploader struct {
	store    ObjectStore
	bucket   string
	basePath string

	mu          sync.Mutex
	bucketReady bool
}

// NewMinIO connects to the endpoint of cfg
func NewMinIO(cfg config.ArchiveConfig) (*Uploader, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return NewUploader(mc, cfg.Bucket, cfg.BasePath), nil
}

func NewUploader(store ObjectStore, bucket, basePath string) *Uploader {
	return &Uploader{store: store, bucket: bucket, basePath: basePath}
}

// EnsureBucket creates the bucket when it does not exist yet
func (u *Uploader) EnsureBucket(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.bucketReady {
		return nil
	}

	exists, err := u.store.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", u.bucket, err)
	}
	if !exists {
		if err := u.store.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", u.bucket, err)
		}
		log.Printf("Created archive bucket %s", u.bucket)
	}
	u.bucketReady = true
	return nil
}

// Archive uploads data and returns the object name. The file name is
// prefixed with the upload time so repeated exports do not overwrite.
func (u *Uploader) Archive(ctx context.Context, deviceID, filename string, at time.Time, data []byte) (string, error) {
	if err := u.EnsureBucket(ctx); err != nil {
		return "", err
	}

	object := BuildObjectPath(u.basePath, deviceID, at, at.UTC().Format("150405")+"_"+filename)
	_, err := u.store.PutObject(ctx, u.bucket, object, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "text/csv",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", object, err)
	}

	log.Printf("Archived export of %s to %s/%s (%d bytes)", deviceID, u.bucket, object, len(data))
	return object, nil
}

// BuildObjectPath partitions objects by device and UTC day
func BuildObjectPath(basePath, deviceID string, t time.Time, file string) string {
	t = t.UTC()
	return fmt.Sprintf("%s/device=%s/year=%04d/month=%02d/day=%02d/%s",
		basePath, deviceID, t.Year(), t.Month(), t.Day(), file)
}
