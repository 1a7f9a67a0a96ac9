package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// MinioOptions configures an S3-compatible bucket.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL overrides the scheme://endpoint prefix of returned URLs.
	PublicURL string
}

// MinioStore persists assets to an S3-compatible bucket.
type MinioStore struct {
	client    *minio.Client
	bucket    string
	publicURL string
	logger    zerolog.Logger
}

// NewMinioStore builds the client without touching the network.
func NewMinioStore(opts MinioOptions, logger zerolog.Logger) (*MinioStore, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, errors.New("storage: minio endpoint and bucket are required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: minio client: %w", err)
	}
	public := strings.TrimRight(opts.PublicURL, "/")
	if public == "" {
		scheme := "http"
		if opts.UseSSL {
			scheme = "https"
		}
		public = scheme + "://" + opts.Endpoint
	}
	return &MinioStore{client: client, bucket: opts.Bucket, publicURL: public, logger: logger}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("storage: check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("storage: create bucket %s: %w", s.bucket, err)
	}
	s.logger.Info().Str("bucket", s.bucket).Msg("storage: bucket created")
	return nil
}

// Upload compresses localPath, puts it under key and removes the local file.
func (s *MinioStore) Upload(ctx context.Context, localPath, key string) (string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	data, err := compressPNG(localPath)
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, s.bucket, cleanKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  "image/png",
		CacheControl: "public, max-age=31536000, immutable",
	})
	if err != nil {
		return "", fmt.Errorf("storage: put %s: %w", cleanKey, err)
	}
	if err := removeLocal(localPath); err != nil {
		s.logger.Warn().Err(err).Str("key", cleanKey).Msg("storage: local cleanup failed")
	}
	return s.URL(cleanKey), nil
}

// URL returns the public address of an object key.
func (s *MinioStore) URL(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return s.publicURL + "/" + url.PathEscape(s.bucket) + "/" + strings.Join(parts, "/")
}

var _ Store = (*MinioStore)(nil)
