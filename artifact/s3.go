package artifact

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const defaultPresignTTL = 24 * time.Hour

// S3Config configures an S3 (or S3-compatible) artifact store.
type S3Config struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	SessionToken string
	PathStyle    bool
	// PublicBaseURL, when set, is used for fetch URLs instead of presigned
	// GET requests (for example a CDN in front of the bucket).
	PublicBaseURL string
	// PresignTTL is the lifetime of presigned URLs (default 24h).
	PresignTTL time.Duration
}

// S3Store uploads artifacts with the S3 multipart uploader.
type S3Store struct {
	cfg      S3Config
	client   *s3.Client
	presign  *s3.PresignClient
	uploader *manager.Uploader
}

// NewS3Store loads AWS configuration and builds the client.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("artifact s3 store bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = defaultPresignTTL
	}

	options := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" || cfg.SessionToken != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("artifact s3 store: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		cfg:      cfg,
		client:   client,
		presign:  s3.NewPresignClient(client),
		uploader: manager.NewUploader(client),
	}, nil
}

// Upload streams localPath to the bucket under Prefix/objectName.
func (s *S3Store) Upload(ctx context.Context, localPath, objectName string) (string, error) {
	name, err := cleanObjectName(objectName)
	if err != nil {
		return "", err
	}
	key := ResolveKey(s.cfg.Prefix, name)

	file, err := os.Open(localPath) // #nosec G304 -- path produced by the executor
	if err != nil {
		return "", fmt.Errorf("artifact s3 store: open %s: %w", localPath, err)
	}
	defer file.Close()

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   file,
	}
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return "", fmt.Errorf("artifact s3 store: upload %s: %w", key, err)
	}
	return s.PublicURL(ctx, name)
}

// PublicURL returns PublicBaseURL/key when configured, otherwise a
// presigned GET URL.
func (s *S3Store) PublicURL(ctx context.Context, objectName string) (string, error) {
	name, err := cleanObjectName(objectName)
	if err != nil {
		return "", err
	}
	key := ResolveKey(s.cfg.Prefix, name)
	if base := strings.TrimSpace(s.cfg.PublicBaseURL); base != "" {
		return joinURL(base, key), nil
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.cfg.PresignTTL))
	if err != nil {
		return "", fmt.Errorf("artifact s3 store: presign %s: %w", key, err)
	}
	return req.URL, nil
}

var _ Store = (*S3Store)(nil)
