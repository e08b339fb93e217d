package cloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store is a content-addressed blob tier backed by AWS S3. Grounded on
// pkg/artifacts/s3_store.go, adapted to key blobs by canon.Hash rather
// than a bare hex string.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config configures an S3Store.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, MinIO/LocalStack compatibility
	Prefix   string
}

// NewS3Store creates a new S3-backed blob store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("cloud: load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3Store) key(h canon.Hash) string {
	hex := h.String()[len("sha256:"):]
	return s.prefix + hex + ".blob"
}

func (s *S3Store) PutBlob(ctx context.Context, data []byte) (canon.Hash, error) {
	h := canon.HashBytes(data)
	key := s.key(h)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err == nil {
		return h, nil // already present, idempotent
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return canon.Hash{}, fmt.Errorf("cloud: s3 put %s: %w", key, err)
	}
	return h, nil
}

func (s *S3Store) GetBlob(ctx context.Context, h canon.Hash) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(h))})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("cloud: blob %s: %w", h, errNotFound)
		}
		return nil, fmt.Errorf("cloud: s3 get %s: %w", h, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Store) HasBlob(ctx context.Context, h canon.Hash) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(h))})
	if err != nil {
		return false, nil
	}
	return true, nil
}

var errNotFound = errors.New("not found")
