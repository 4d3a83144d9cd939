// Package storage holds the dispatcher's assets: data and function payloads
// served to workers in chunks, and task outputs uploaded by workers.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrNotFound is returned when an asset does not exist.
var ErrNotFound = errors.New("asset not found")

// Asset kinds. An asset's key is "<kind>/<code>".
const (
	KindData     = "data"
	KindFunction = "function"
	KindOutput   = "output"
)

// signatureSuffix names the sidecar object holding a function's signature.
const signatureSuffix = ".sig"

// Ref identifies one stored asset.
type Ref struct {
	Kind string
	Code string
}

// Key returns the storage key for this asset.
func (r Ref) Key(prefix string) string {
	return fmt.Sprintf("%s%s/%s", prefix, r.Kind, r.Code)
}

// SignatureKey returns the key of the asset's signature sidecar.
func (r Ref) SignatureKey(prefix string) string {
	return r.Key(prefix) + signatureSuffix
}

// Validate rejects refs that would escape their kind directory.
func (r Ref) Validate() error {
	switch r.Kind {
	case KindData, KindFunction, KindOutput:
	default:
		return fmt.Errorf("unknown asset kind %q", r.Kind)
	}
	if r.Code == "" || strings.Contains(r.Code, "..") || strings.ContainsAny(r.Code, `/\`) {
		return fmt.Errorf("invalid asset code %q", r.Code)
	}
	return nil
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ETag    string // MD5 for S3/GCS, empty for local
	ModTime time.Time
}

// AssetStore is the keyed byte store behind chunk serving and uploads.
type AssetStore interface {
	// Head returns metadata about an asset. Returns ErrNotFound when absent.
	Head(ctx context.Context, ref Ref) (*ObjectInfo, error)

	// ReadRange reads length bytes starting at offset. A range running past
	// the end is truncated.
	ReadRange(ctx context.Context, ref Ref, offset, length int64) ([]byte, error)

	// Open streams the whole asset.
	Open(ctx context.Context, ref Ref) (io.ReadCloser, error)

	// Signature returns the signature sidecar, or ErrNotFound.
	Signature(ctx context.Context, ref Ref) (string, error)

	// WriteTemp stores r at a temporary key and returns it.
	WriteTemp(ctx context.Context, ref Ref, r io.Reader) (tempKey string, err error)

	// Finalize moves a temp key to the asset's canonical location.
	// For object stores this is copy+delete; for local filesystem it's rename.
	Finalize(ctx context.Context, ref Ref, tempKey string) error

	// Abort removes a temp key without publishing.
	Abort(ctx context.Context, tempKey string) error

	// List returns all asset keys of a kind.
	List(ctx context.Context, kind string) ([]string, error)

	// URI returns the canonical URI for the given asset.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(ref Ref) string

	// Close releases any resources.
	Close() error
}

// Put writes data as an asset through the temp/finalize path.
func Put(ctx context.Context, store AssetStore, ref Ref, r io.Reader) error {
	tempKey, err := store.WriteTemp(ctx, ref, r)
	if err != nil {
		return err
	}
	if err := store.Finalize(ctx, ref, tempKey); err != nil {
		store.Abort(ctx, tempKey)
		return err
	}
	return nil
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string // "local" | "gcs" | "s3" | "blob"

	// Local filesystem
	LocalDir string

	// GCS
	GCSBucket string

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string
	S3Endpoint string // custom endpoint for B2/MinIO/R2
	S3Region   string

	// Any gocloud URL, e.g. mem:// or file:///var/assets
	BlobURL string

	// Common
	Prefix string // path prefix within bucket or local dir
}

// NewAssetStore creates a storage backend based on configuration.
func NewAssetStore(cfg StorageConfig) (AssetStore, error) {
	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("GCSBucket required for gcs backend")
		}
		return NewGCSStore(cfg.GCSBucket, cfg.Prefix)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3Bucket required for s3 backend")
		}
		return NewS3Store(cfg.S3Bucket, cfg.Prefix, cfg.S3Endpoint, cfg.S3Region)
	case "blob":
		if cfg.BlobURL == "" {
			return nil, fmt.Errorf("BlobURL required for blob backend")
		}
		return OpenBlobStore(context.Background(), cfg.BlobURL, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
