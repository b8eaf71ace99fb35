// Package backup provides S3-compatible upload and restore of the local
// cache database. When backup is not configured (disabled or empty
// bucket), the NoopBackup is used and all operations are skipped,
// keeping the cache in local-only mode.
package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/syncstore/internal/config"
)

// ErrNotConfigured is returned when backup storage is not configured.
var ErrNotConfigured = errors.New("backup storage not configured")

// Backup uploads the cache database and restores it on bootstrap.
type Backup interface {
	// Upload uploads the cache file at filePath under the given name.
	Upload(ctx context.Context, name string, filePath string) error

	// Restore downloads the named cache file to destPath.
	// Returns ErrNotConfigured when backup storage is not configured.
	Restore(ctx context.Context, name string, destPath string) error
}

// s3Client defines the minimal minio.Client operations used by S3Backup.
// This interface enables testing with mock implementations.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string) error
	FGetObject(ctx context.Context, bucket, objectName, filePath string) error
}

// minioClientWrapper wraps *minio.Client to satisfy the s3Client
// interface with the concrete option types pinned down.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	putOpts := minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}
	_, err := w.client.FPutObject(ctx, bucket, objectName, filePath, putOpts)
	return err
}

func (w *minioClientWrapper) FGetObject(ctx context.Context, bucket, objectName, filePath string) error {
	return w.client.FGetObject(ctx, bucket, objectName, filePath, minio.GetObjectOptions{})
}

// S3Backup uploads cache files to S3-compatible storage.
type S3Backup struct {
	client s3Client
	bucket string
}

// Upload uploads the cache file at filePath under the given name.
func (b *S3Backup) Upload(ctx context.Context, name string, filePath string) error {
	key := objectKey(name)
	if err := b.client.FPutObject(ctx, b.bucket, key, filePath); err != nil {
		return fmt.Errorf("upload cache backup: %w", err)
	}
	return nil
}

// Restore downloads the named cache file to destPath.
func (b *S3Backup) Restore(ctx context.Context, name string, destPath string) error {
	key := objectKey(name)
	if err := b.client.FGetObject(ctx, b.bucket, key, destPath); err != nil {
		return fmt.Errorf("restore cache backup: %w", err)
	}
	return nil
}

// NoopBackup is used when backup storage is not configured.
// Upload is a no-op and Restore returns ErrNotConfigured.
type NoopBackup struct{}

// Upload is a no-op when backup is not configured.
func (b *NoopBackup) Upload(ctx context.Context, name string, filePath string) error {
	return nil
}

// Restore returns ErrNotConfigured when backup is not configured.
func (b *NoopBackup) Restore(ctx context.Context, name string, destPath string) error {
	return ErrNotConfigured
}

// New creates the appropriate Backup based on configuration.
// Returns NoopBackup when backup is disabled or no bucket is set.
func New(cfg config.BackupConfig) (Backup, error) {
	if !cfg.Enabled || cfg.Bucket == "" {
		return &NoopBackup{}, nil
	}

	useSSL := cfg.UseSSL
	endpoint := stripScheme(cfg.Endpoint, &useSSL)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create backup client: %w", err)
	}

	return &S3Backup{
		client: &minioClientWrapper{client: client},
		bucket: cfg.Bucket,
	}, nil
}

// stripScheme removes an http:// or https:// prefix from the endpoint,
// adjusting ssl to match. minio.New expects a bare host:port.
func stripScheme(endpoint string, ssl *bool) string {
	if after, ok := strings.CutPrefix(endpoint, "https://"); ok {
		*ssl = true
		return after
	}
	if after, ok := strings.CutPrefix(endpoint, "http://"); ok {
		*ssl = false
		return after
	}
	return endpoint
}

// objectKey returns the object key for a named cache backup.
// Convention: {name}/cache/current.db
func objectKey(name string) string {
	return name + "/cache/current.db"
}
