// Package cloud provides cloud-backed blob store tiers (S3, GCS) behind
// the same interface as pkg/store's in-memory and filesystem backends.
// Grounded on pkg/artifacts/{s3_store.go,gcs_store.go,factory.go}.
package cloud

import (
	"context"
	"fmt"

	"github.com/agentoshq/agentos/pkg/canon"
)

// BlobStore is the subset of store.Store that a cloud tier implements.
// Cloud backends serve as an optional blob tier; node storage (schemas,
// manifests, etc.) stays on the local CAS backend.
type BlobStore interface {
	PutBlob(ctx context.Context, data []byte) (canon.Hash, error)
	GetBlob(ctx context.Context, h canon.Hash) ([]byte, error)
	HasBlob(ctx context.Context, h canon.Hash) (bool, error)
}

// BackendKind selects which cloud backend NewFromConfig constructs.
type BackendKind string

const (
	BackendS3  BackendKind = "s3"
	BackendGCS BackendKind = "gcs"
)

// Config mirrors the env-driven factory in pkg/artifacts/factory.go,
// generalized to carry both S3 and GCS settings so either can be selected
// by BackendKind without two separate config types.
type Config struct {
	Kind     BackendKind
	Bucket   string
	Prefix   string
	Region   string // S3 only
	Endpoint string // S3 only; MinIO/LocalStack compatibility
}

// NewFromConfig constructs the selected cloud-backed BlobStore.
func NewFromConfig(ctx context.Context, cfg Config) (BlobStore, error) {
	switch cfg.Kind {
	case BackendS3:
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case BackendGCS:
		return NewGCSStore(ctx, GCSConfig{
			Bucket: cfg.Bucket,
			Prefix: cfg.Prefix,
		})
	default:
		return nil, fmt.Errorf("cloud: unsupported backend kind %q", cfg.Kind)
	}
}
