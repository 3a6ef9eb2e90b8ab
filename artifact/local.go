package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalConfig configures a filesystem-backed store.
type LocalConfig struct {
	// Dir is the root directory objects are copied into.
	Dir string
	// BaseURL prefixes object names in returned URLs (default "/artifacts").
	BaseURL string
}

// LocalStore keeps artifacts on the local filesystem. The API server
// exposes Dir under BaseURL.
type LocalStore struct {
	dir     string
	baseURL string
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(cfg LocalConfig) (*LocalStore, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("artifact local store dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact local store: create dir: %w", err)
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "/artifacts"
	}
	return &LocalStore{dir: filepath.Clean(dir), baseURL: baseURL}, nil
}

// Dir returns the root directory.
func (s *LocalStore) Dir() string {
	return s.dir
}

// Upload copies localPath into the store.
func (s *LocalStore) Upload(ctx context.Context, localPath, objectName string) (string, error) {
	name, err := cleanObjectName(objectName)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	src, err := os.Open(localPath) // #nosec G304 -- path produced by the executor
	if err != nil {
		return "", fmt.Errorf("artifact local store: open %s: %w", localPath, err)
	}
	defer src.Close()

	dst := filepath.Join(s.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("artifact local store: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("artifact local store: create temp: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("artifact local store: copy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("artifact local store: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("artifact local store: rename: %w", err)
	}
	return joinURL(s.baseURL, name), nil
}

// PublicURL returns BaseURL joined with objectName.
func (s *LocalStore) PublicURL(_ context.Context, objectName string) (string, error) {
	name, err := cleanObjectName(objectName)
	if err != nil {
		return "", err
	}
	return joinURL(s.baseURL, name), nil
}

var _ Store = (*LocalStore)(nil)
