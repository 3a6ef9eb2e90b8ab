package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalStore_UploadCopiesFileAndReturnsURL(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStore(LocalConfig{Dir: root, BaseURL: "http://localhost:8080/artifacts/"})
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	src := filepath.Join(t.TempDir(), "shot.png")
	if err := os.WriteFile(src, []byte("png-bytes"), 0o600); err != nil {
		t.Fatal(err)
	}

	url, err := store.Upload(context.Background(), src, "runs/r1/screenshots/000-s1.png")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if want := "http://localhost:8080/artifacts/runs/r1/screenshots/000-s1.png"; url != want {
		t.Errorf("url = %q, want %q", url, want)
	}

	got, err := os.ReadFile(filepath.Join(root, "runs", "r1", "screenshots", "000-s1.png"))
	if err != nil {
		t.Fatalf("reading uploaded object: %v", err)
	}
	if string(got) != "png-bytes" {
		t.Errorf("object content = %q", got)
	}
}

func TestLocalStore_RejectsEscapingNames(t *testing.T) {
	store, err := NewLocalStore(LocalConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"", "   ", "../etc/passwd", "runs/../../x"} {
		if _, err := store.PublicURL(context.Background(), name); !errors.Is(err, ErrInvalidObjectName) {
			t.Errorf("PublicURL(%q) = %v, want ErrInvalidObjectName", name, err)
		}
	}
}

func TestLocalStore_UploadMissingSource(t *testing.T) {
	store, err := NewLocalStore(LocalConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Upload(context.Background(), filepath.Join(t.TempDir(), "nope"), "a.png"); err == nil {
		t.Fatal("expected error for missing source file")
	}
}

func TestObjectNames(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{ScreenshotObject("r1", 2, "after click"), "runs/r1/screenshots/002-after_click.png"},
		{ScreenshotObject("r1", 0, ""), "runs/r1/screenshots/000-screenshot.png"},
		{VideoObject("r1", ""), "runs/r1/video.webm"},
		{TraceObject("r1", ".zip"), "runs/r1/trace.zip"},
		{ResolveKey("/prefix/", "/runs/a"), "prefix/runs/a"},
		{ResolveKey("", "runs/a"), "runs/a"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestNormalizeBackend(t *testing.T) {
	tests := map[string]string{"": "local", "FS": "local", "minio": "s3", "AWS": "s3", "gcs": "gcs"}
	for in, want := range tests {
		if got := NormalizeBackend(in); got != want {
			t.Errorf("NormalizeBackend(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestS3Store_PublicBaseURL(t *testing.T) {
	store, err := NewS3Store(context.Background(), S3Config{
		Bucket:        "artifacts",
		Prefix:        "petalrun",
		Region:        "us-west-2",
		AccessKey:     "AKIDEXAMPLE",
		SecretKey:     "secret",
		PublicBaseURL: "https://cdn.example.com/",
	})
	if err != nil {
		t.Fatalf("NewS3Store: %v", err)
	}
	url, err := store.PublicURL(context.Background(), "runs/r1/video.webm")
	if err != nil {
		t.Fatalf("PublicURL: %v", err)
	}
	if want := "https://cdn.example.com/petalrun/runs/r1/video.webm"; url != want {
		t.Errorf("url = %q, want %q", url, want)
	}
}

func TestS3Store_PresignedURL(t *testing.T) {
	store, err := NewS3Store(context.Background(), S3Config{
		Bucket:    "artifacts",
		Region:    "us-west-2",
		Endpoint:  "http://127.0.0.1:9000",
		PathStyle: true,
		AccessKey: "AKIDEXAMPLE",
		SecretKey: "secret",
	})
	if err != nil {
		t.Fatalf("NewS3Store: %v", err)
	}
	url, err := store.PublicURL(context.Background(), "runs/r1/trace.json")
	if err != nil {
		t.Fatalf("PublicURL: %v", err)
	}
	if !strings.HasPrefix(url, "http://127.0.0.1:9000/artifacts/runs/r1/trace.json?") {
		t.Errorf("url = %q, want path-style presigned URL", url)
	}
	if !strings.Contains(url, "X-Amz-Signature=") {
		t.Errorf("url %q is not signed", url)
	}
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	if _, err := NewS3Store(context.Background(), S3Config{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}
