package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperengineering/syncstore/internal/config"
)

// --- NoopBackup Tests ---

func TestNoopBackup_Upload_IsNoOp(t *testing.T) {
	b := &NoopBackup{}
	err := b.Upload(context.Background(), "default", "/some/path")
	if err != nil {
		t.Errorf("NoopBackup.Upload() should not error, got %v", err)
	}
}

func TestNoopBackup_Restore_ReturnsErrNotConfigured(t *testing.T) {
	b := &NoopBackup{}
	err := b.Restore(context.Background(), "default", "/some/path")
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("NoopBackup.Restore() should return ErrNotConfigured, got %v", err)
	}
}

// --- New factory tests ---

func TestNew_Disabled_ReturnsNoopBackup(t *testing.T) {
	cfg := config.BackupConfig{
		Enabled: false,
		Bucket:  "test-bucket",
	}

	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, ok := b.(*NoopBackup); !ok {
		t.Errorf("expected *NoopBackup, got %T", b)
	}
}

func TestNew_EmptyBucket_ReturnsNoopBackup(t *testing.T) {
	cfg := config.BackupConfig{
		Enabled: true,
		Bucket:  "",
	}

	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, ok := b.(*NoopBackup); !ok {
		t.Errorf("expected *NoopBackup, got %T", b)
	}
}

func TestNew_WithBucket_ReturnsS3Backup(t *testing.T) {
	cfg := config.BackupConfig{
		Enabled:   true,
		Bucket:    "test-bucket",
		Endpoint:  "localhost:9000",
		UseSSL:    true,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	}

	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	s3b, ok := b.(*S3Backup)
	if !ok {
		t.Fatalf("expected *S3Backup, got %T", b)
	}
	if s3b.bucket != "test-bucket" {
		t.Errorf("bucket = %q, want %q", s3b.bucket, "test-bucket")
	}
}

// --- S3Backup with mock client tests ---

// mockS3Client implements s3Client for testing.
type mockS3Client struct {
	uploadCalled   bool
	uploadErr      error
	restoreCalled  bool
	restoreErr     error
	lastBucket     string
	lastObjectName string
	lastFilePath   string
}

func (m *mockS3Client) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	m.uploadCalled = true
	m.lastBucket = bucket
	m.lastObjectName = objectName
	m.lastFilePath = filePath
	return m.uploadErr
}

func (m *mockS3Client) FGetObject(ctx context.Context, bucket, objectName, filePath string) error {
	m.restoreCalled = true
	m.lastBucket = bucket
	m.lastObjectName = objectName
	m.lastFilePath = filePath
	return m.restoreErr
}

func TestS3Backup_Upload_Success(t *testing.T) {
	tmpDir := t.TempDir()
	filePath := filepath.Join(tmpDir, "current.db")
	if err := os.WriteFile(filePath, []byte("test data"), 0644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	mock := &mockS3Client{}
	b := &S3Backup{client: mock, bucket: "test-bucket"}

	err := b.Upload(context.Background(), "my-cache", filePath)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if !mock.uploadCalled {
		t.Error("expected FPutObject to be called")
	}
	if mock.lastBucket != "test-bucket" {
		t.Errorf("bucket = %q, want %q", mock.lastBucket, "test-bucket")
	}
	if mock.lastObjectName != "my-cache/cache/current.db" {
		t.Errorf("objectName = %q, want %q", mock.lastObjectName, "my-cache/cache/current.db")
	}
	if mock.lastFilePath != filePath {
		t.Errorf("filePath = %q, want %q", mock.lastFilePath, filePath)
	}
}

func TestS3Backup_Upload_Error(t *testing.T) {
	mock := &mockS3Client{
		uploadErr: errors.New("network timeout"),
	}
	b := &S3Backup{client: mock, bucket: "test-bucket"}

	err := b.Upload(context.Background(), "my-cache", "/path/to/file.db")
	if err == nil {
		t.Fatal("Upload() expected error, got nil")
	}
	if !errors.Is(err, mock.uploadErr) {
		t.Errorf("expected wrapped network timeout error, got %v", err)
	}
}

func TestS3Backup_Restore_Success(t *testing.T) {
	mock := &mockS3Client{}
	b := &S3Backup{client: mock, bucket: "test-bucket"}

	err := b.Restore(context.Background(), "my-cache", "/dest/current.db")
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	if !mock.restoreCalled {
		t.Error("expected FGetObject to be called")
	}
	if mock.lastObjectName != "my-cache/cache/current.db" {
		t.Errorf("objectName = %q, want %q", mock.lastObjectName, "my-cache/cache/current.db")
	}
	if mock.lastFilePath != "/dest/current.db" {
		t.Errorf("filePath = %q, want %q", mock.lastFilePath, "/dest/current.db")
	}
}

func TestS3Backup_Restore_Error(t *testing.T) {
	mock := &mockS3Client{
		restoreErr: errors.New("access denied"),
	}
	b := &S3Backup{client: mock, bucket: "test-bucket"}

	err := b.Restore(context.Background(), "my-cache", "/dest/current.db")
	if err == nil {
		t.Fatal("Restore() expected error, got nil")
	}
}

func TestStripScheme(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		wantHost string
		wantSSL  bool
	}{
		{"bare host", "s3.example.com", "s3.example.com", true},
		{"bare host:port", "minio:9000", "minio:9000", true},
		{"https URL", "https://s3.example.com", "s3.example.com", true},
		{"http URL", "http://minio:9000", "minio:9000", false},
		{"https with port", "https://s3.example.com:443", "s3.example.com:443", true},
		{"http with port", "http://localhost:9000", "localhost:9000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ssl := true
			got := stripScheme(tt.endpoint, &ssl)
			if got != tt.wantHost {
				t.Errorf("stripScheme(%q) host = %q, want %q", tt.endpoint, got, tt.wantHost)
			}
			if ssl != tt.wantSSL {
				t.Errorf("stripScheme(%q) ssl = %v, want %v", tt.endpoint, ssl, tt.wantSSL)
			}
		})
	}
}

func TestObjectKey_Format(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"default", "default/cache/current.db"},
		{"my-project", "my-project/cache/current.db"},
	}

	for _, tt := range tests {
		got := objectKey(tt.name)
		if got != tt.want {
			t.Errorf("objectKey(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
