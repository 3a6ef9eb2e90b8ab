// Package artifact uploads run artifacts (screenshots, videos, traces) to
// object storage and resolves the URLs clients use to fetch them.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrInvalidObjectName is returned for empty or escaping object names.
var ErrInvalidObjectName = errors.New("invalid object name")

// Store is an object store for run artifacts.
type Store interface {
	// Upload copies the file at localPath to objectName and returns the URL
	// clients should use to fetch it.
	Upload(ctx context.Context, localPath, objectName string) (string, error)
	// PublicURL resolves the fetch URL for an already uploaded object.
	PublicURL(ctx context.Context, objectName string) (string, error)
}

// Config describes which backend to build.
type Config struct {
	// Backend is "local" (default) or "s3".
	Backend string
	Local   LocalConfig
	S3      S3Config
}

// New creates a Store for cfg.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch NormalizeBackend(cfg.Backend) {
	case "local":
		return NewLocalStore(cfg.Local)
	case "s3":
		return NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported artifact backend: %s", cfg.Backend)
	}
}

// NormalizeBackend maps known aliases to backend names.
func NormalizeBackend(value string) string {
	backend := strings.ToLower(strings.TrimSpace(value))
	switch backend {
	case "", "local", "file", "fs":
		return "local"
	case "aws", "s3", "minio":
		return "s3"
	default:
		return backend
	}
}

// ScreenshotObject is the object name for a step screenshot.
func ScreenshotObject(runID string, index int, name string) string {
	return fmt.Sprintf("runs/%s/screenshots/%03d-%s.png", runID, index, sanitize(name))
}

// VideoObject is the object name for a run recording.
func VideoObject(runID, ext string) string {
	if ext == "" {
		ext = ".webm"
	}
	return "runs/" + runID + "/video" + ext
}

// TraceObject is the object name for a run trace.
func TraceObject(runID, ext string) string {
	if ext == "" {
		ext = ".json"
	}
	return "runs/" + runID + "/trace" + ext
}

// ResolveKey joins a base prefix with a key without introducing double slashes.
func ResolveKey(prefix string, key string) string {
	cleanPrefix := strings.TrimPrefix(prefix, "/")
	cleanKey := strings.TrimPrefix(key, "/")
	if cleanPrefix == "" {
		return cleanKey
	}
	if cleanKey == "" {
		return cleanPrefix
	}
	if strings.HasSuffix(cleanPrefix, "/") {
		return cleanPrefix + cleanKey
	}
	return cleanPrefix + "/" + cleanKey
}

// cleanObjectName rejects names that would escape the store root.
func cleanObjectName(name string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(name), "/")
	if trimmed == "" {
		return "", ErrInvalidObjectName
	}
	clean := path.Clean(trimmed)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidObjectName, name)
	}
	return clean, nil
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "screenshot"
	}
	return b.String()
}

// joinURL appends an object name to a base URL.
func joinURL(base, objectName string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(objectName, "/")
}
