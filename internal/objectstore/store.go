package objectstore

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"litingest/internal/config"
)

// Store mirrors a downloaded file somewhere durable and reports where it lives.
type Store interface {
	Put(ctx context.Context, localPath, name, contentType string) (string, error)
}

// Local keeps files where the acquirer wrote them.
type Local struct{}

func (Local) Put(ctx context.Context, localPath, name, contentType string) (string, error) {
	_ = ctx
	if _, err := os.Stat(localPath); err != nil {
		return "", fmt.Errorf("stat %s: %w", localPath, err)
	}
	return localPath, nil
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type S3 struct {
	uploader uploader
	bucket   string
	prefix   string
}

func NewS3(ctx context.Context, cfg config.Config) (*S3, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("LITINGEST_S3_BUCKET not set")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3{uploader: manager.NewUploader(client), bucket: cfg.S3Bucket, prefix: cfg.S3Prefix}, nil
}

func (s *S3) Put(ctx context.Context, localPath, name, contentType string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	key := path.Join(strings.Trim(s.prefix, "/"), name)
	ctxUpload, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if _, err := s.uploader.Upload(ctxUpload, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	}); err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

// New picks the store named by LITINGEST_OBJECT_STORE.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.ObjectStore)) {
	case "", "local":
		return Local{}, nil
	case "s3":
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported object store: %s", cfg.ObjectStore)
	}
}
