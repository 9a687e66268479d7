package snapshot

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/clearledger/syncd/internal/config"
)

type mockS3Client struct {
	putBucket string
	putKey    string
	putPath   string
	putErr    error

	presignURL *url.URL
	presignErr error
}

func (m *mockS3Client) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	m.putBucket = bucket
	m.putKey = objectName
	m.putPath = filePath
	return m.putErr
}

func (m *mockS3Client) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	return m.presignURL, m.presignErr
}

func TestS3Uploader_Upload(t *testing.T) {
	client := &mockS3Client{}
	u := &S3Uploader{client: client, bucket: "snapshots", urlExpiry: presignExpiry}

	if err := u.Upload(context.Background(), "user-1", "/tmp/cache.db.snapshot"); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if client.putBucket != "snapshots" {
		t.Errorf("expected bucket snapshots, got %q", client.putBucket)
	}
	if client.putKey != "user-1/cache/current.db" {
		t.Errorf("unexpected object key %q", client.putKey)
	}
	if client.putPath != "/tmp/cache.db.snapshot" {
		t.Errorf("unexpected file path %q", client.putPath)
	}
}

func TestS3Uploader_UploadError(t *testing.T) {
	client := &mockS3Client{putErr: errors.New("access denied")}
	u := &S3Uploader{client: client, bucket: "snapshots", urlExpiry: presignExpiry}

	if err := u.Upload(context.Background(), "user-1", "/tmp/x"); err == nil {
		t.Error("expected upload error")
	}
}

func TestS3Uploader_PresignedURL(t *testing.T) {
	signed, _ := url.Parse("https://s3.example.com/snapshots/user-1/cache/current.db?sig=abc")
	client := &mockS3Client{presignURL: signed}
	u := &S3Uploader{client: client, bucket: "snapshots", urlExpiry: presignExpiry}

	got, expiry, err := u.PresignedURL(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("PresignedURL() error = %v", err)
	}
	if got != signed.String() {
		t.Errorf("unexpected URL %q", got)
	}
	if until := time.Until(expiry); until <= 0 || until > presignExpiry {
		t.Errorf("expiry out of range: %v", until)
	}
}

func TestNoopUploader(t *testing.T) {
	u := &NoopUploader{}

	if err := u.Upload(context.Background(), "user-1", "/tmp/x"); err != nil {
		t.Errorf("Upload() error = %v", err)
	}
	if _, _, err := u.PresignedURL(context.Background(), "user-1"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestNewUploader_DisabledReturnsNoop(t *testing.T) {
	u, err := NewUploader(config.SnapshotConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewUploader() error = %v", err)
	}
	if _, ok := u.(*NoopUploader); !ok {
		t.Errorf("expected NoopUploader, got %T", u)
	}
}

func TestNewUploader_EnabledBuildsS3(t *testing.T) {
	u, err := NewUploader(config.SnapshotConfig{
		Enabled:   true,
		Endpoint:  "s3.example.com",
		Bucket:    "snapshots",
		UseSSL:    true,
		AccessKey: "ak",
		SecretKey: "sk",
	})
	if err != nil {
		t.Fatalf("NewUploader() error = %v", err)
	}
	if _, ok := u.(*S3Uploader); !ok {
		t.Errorf("expected S3Uploader, got %T", u)
	}
}
