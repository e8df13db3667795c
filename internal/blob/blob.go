// Package blob is the client side of the external object store that holds
// attachment bytes.
package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"huddle/api/internal/logger"
)

// Object identifies a stored blob.
type Object struct {
	Bucket      string
	Name        string
	Size        int64
	ContentType string
}

// Store puts blobs and resolves a durable URL for them.
type Store interface {
	Put(ctx context.Context, name string, body io.Reader, size int64, contentType string) (Object, error)
	URL(ctx context.Context, obj Object) (string, error)
}

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	UseSSL        bool
	Region        string
	PublicBaseURL string
	// PresignTTL bounds signed URLs when no public base URL is configured.
	PresignTTL time.Duration
}

// MinioStore implements Store on any S3-compatible endpoint.
type MinioStore struct {
	client     *minio.Client
	bucket     string
	publicBase string
	presignTTL time.Duration
}

func NewMinio(cfg Config) (*MinioStore, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	ttl := cfg.PresignTTL
	if ttl <= 0 || ttl > 7*24*time.Hour {
		ttl = 7 * 24 * time.Hour
	}
	return &MinioStore{
		client:     client,
		bucket:     cfg.Bucket,
		publicBase: strings.TrimRight(cfg.PublicBaseURL, "/"),
		presignTTL: ttl,
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	logger.Info("blob_bucket_created", "bucket", s.bucket)
	return nil
}

func (s *MinioStore) Put(ctx context.Context, name string, body io.Reader, size int64, contentType string) (Object, error) {
	info, err := s.client.PutObject(ctx, s.bucket, name, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return Object{}, fmt.Errorf("put object %s: %w", name, err)
	}
	return Object{Bucket: s.bucket, Name: name, Size: info.Size, ContentType: contentType}, nil
}

// URL returns the public URL when a public base is configured, otherwise a
// presigned GET URL.
func (s *MinioStore) URL(ctx context.Context, obj Object) (string, error) {
	if s.publicBase != "" {
		return publicURL(s.publicBase, obj), nil
	}
	signed, err := s.client.PresignedGetObject(ctx, obj.Bucket, obj.Name, s.presignTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign object %s: %w", obj.Name, err)
	}
	return signed.String(), nil
}

func publicURL(base string, obj Object) string {
	return base + "/" + url.PathEscape(obj.Bucket) + "/" + url.PathEscape(obj.Name)
}
