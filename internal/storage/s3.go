package storage

import (
	"context"
	"net/http"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// S3Options configure an S3Store
type S3Options struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Secure    bool
	// Region skips the bucket location lookup when set
	Region string
}

// S3Store is a content addressed store on S3 or MinIO. Objects are keyed by their sha1.
type S3Store struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// NewS3Store creates a store client. No request is made until first use.
func NewS3Store(opts S3Options, logger *zap.Logger) (*S3Store, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create s3 client")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Store{client: client, bucket: opts.Bucket, logger: logger}, nil
}

// Exists reports whether an object with this hash is already stored
func (s *S3Store) Exists(ctx context.Context, hash string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, hash, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, errors.Wrap(err, "stat object")
}

// Upload stores the file under its sha1 and returns the hash
func (s *S3Store) Upload(ctx context.Context, path string) (string, error) {
	hash, _, err := HashFile(path)
	if err != nil {
		return "", err
	}

	info, err := s.client.FPutObject(ctx, s.bucket, hash, path, minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{"file-name": filepath.Base(path)},
	})
	if err != nil {
		return "", errors.Wrap(err, "put object")
	}

	s.logger.Debug("stored object", zap.String("hash", hash), zap.Int64("size", info.Size))
	return hash, nil
}
