package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/agentoshq/agentos/pkg/canon"
)

// GCSStore is a content-addressed blob tier backed by Google Cloud
// Storage. Grounded on pkg/artifacts/gcs_store.go, adapted to key blobs
// by canon.Hash.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig configures a GCSStore.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a new GCS-backed blob store (uses ADC by default).
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloud: create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) key(h canon.Hash) string {
	hex := h.String()[len("sha256:"):]
	return s.prefix + hex + ".blob"
}

func (s *GCSStore) object(h canon.Hash) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.key(h))
}

func (s *GCSStore) PutBlob(ctx context.Context, data []byte) (canon.Hash, error) {
	h := canon.HashBytes(data)
	obj := s.object(h)

	if _, err := obj.Attrs(ctx); err == nil {
		return h, nil // already present, idempotent
	}

	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return canon.Hash{}, fmt.Errorf("cloud: gcs write %s: %w", s.key(h), err)
	}
	if err := w.Close(); err != nil {
		return canon.Hash{}, fmt.Errorf("cloud: gcs close %s: %w", s.key(h), err)
	}
	return h, nil
}

func (s *GCSStore) GetBlob(ctx context.Context, h canon.Hash) ([]byte, error) {
	r, err := s.object(h).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("cloud: blob %s: %w", h, errNotFound)
		}
		return nil, fmt.Errorf("cloud: gcs read %s: %w", h, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *GCSStore) HasBlob(ctx context.Context, h canon.Hash) (bool, error) {
	_, err := s.object(h).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
