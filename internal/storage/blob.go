package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"
)

// BlobStore keeps assets in any gocloud bucket.
type BlobStore struct {
	bucket  *blob.Bucket
	uriBase string
	prefix  string
}

// OpenBlobStore opens a bucket from a gocloud URL.
func OpenBlobStore(ctx context.Context, bucketURL, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	base := bucketURL
	if i := strings.Index(base, "?"); i >= 0 {
		base = base[:i]
	}
	return NewBlobStore(bucket, strings.TrimSuffix(base, "/"), prefix), nil
}

// NewBlobStore wraps an open bucket. uriBase prefixes keys in URI.
func NewBlobStore(bucket *blob.Bucket, uriBase, prefix string) *BlobStore {
	return &BlobStore{bucket: bucket, uriBase: uriBase, prefix: prefix}
}

// NewS3Store creates a new S3-compatible store.
// Works with AWS S3, Backblaze B2, Cloudflare R2, and MinIO.
func NewS3Store(bucketName, prefix, endpoint, region string) (*BlobStore, error) {
	bucketURL := fmt.Sprintf("s3://%s", bucketName)

	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}

	return OpenBlobStore(context.Background(), bucketURL, prefix)
}

// NewGCSStore creates a new GCS store.
func NewGCSStore(bucketName, prefix string) (*BlobStore, error) {
	return OpenBlobStore(context.Background(), fmt.Sprintf("gs://%s", bucketName), prefix)
}

func notFound(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}

// Head returns metadata about a stored asset.
func (s *BlobStore) Head(ctx context.Context, ref Ref) (*ObjectInfo, error) {
	key := ref.Key(s.prefix)
	attrs, err := s.bucket.Attributes(ctx, key)
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attributes for %s: %w", key, err)
	}

	return &ObjectInfo{
		Key:     key,
		Size:    attrs.Size,
		ETag:    attrs.ETag,
		ModTime: attrs.ModTime,
	}, nil
}

// ReadRange reads a byte range with a ranged reader.
func (s *BlobStore) ReadRange(ctx context.Context, ref Ref, offset, length int64) ([]byte, error) {
	key := ref.Key(s.prefix)
	r, err := s.bucket.NewRangeReader(ctx, key, offset, length, nil)
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open range %s@%d: %w", key, offset, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read range %s@%d: %w", key, offset, err)
	}
	return data, nil
}

// Open streams the whole asset.
func (s *BlobStore) Open(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	key := ref.Key(s.prefix)
	r, err := s.bucket.NewReader(ctx, key, nil)
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return r, nil
}

// Signature reads the asset's signature sidecar.
func (s *BlobStore) Signature(ctx context.Context, ref Ref) (string, error) {
	data, err := s.bucket.ReadAll(ctx, ref.SignatureKey(s.prefix))
	if notFound(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read signature: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteTemp streams r to a temporary key.
func (s *BlobStore) WriteTemp(ctx context.Context, ref Ref, r io.Reader) (string, error) {
	tempKey := ref.Key(s.prefix) + ".tmp." + uuid.New().String()

	w, err := s.bucket.NewWriter(ctx, tempKey, nil)
	if err != nil {
		return "", fmt.Errorf("create writer for %s: %w", tempKey, err)
	}

	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		s.bucket.Delete(ctx, tempKey)
		return "", fmt.Errorf("write data to %s: %w", tempKey, err)
	}

	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer for %s: %w", tempKey, err)
	}

	return tempKey, nil
}

// Finalize copies the temp object into place and deletes it.
func (s *BlobStore) Finalize(ctx context.Context, ref Ref, tempKey string) error {
	finalKey := ref.Key(s.prefix)
	if err := s.bucket.Copy(ctx, finalKey, tempKey, nil); err != nil {
		s.Abort(ctx, tempKey)
		return fmt.Errorf("finalize %s -> %s: %w", tempKey, finalKey, err)
	}
	s.bucket.Delete(ctx, tempKey) // ignore errors
	return nil
}

// Abort removes a temporary object without publishing.
func (s *BlobStore) Abort(ctx context.Context, tempKey string) error {
	if err := s.bucket.Delete(ctx, tempKey); err != nil && !notFound(err) {
		return err
	}
	return nil
}

// List returns all asset keys of a kind.
func (s *BlobStore) List(ctx context.Context, kind string) ([]string, error) {
	var keys []string

	iter := s.bucket.List(&blob.ListOptions{
		Prefix: s.prefix + kind + "/",
	})

	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", kind, err)
		}
		// Skip temp files and sidecars
		if obj.IsDir || strings.Contains(obj.Key, ".tmp.") || strings.HasSuffix(obj.Key, signatureSuffix) {
			continue
		}
		keys = append(keys, obj.Key)
	}

	return keys, nil
}

// URI returns the canonical URI for the given asset.
func (s *BlobStore) URI(ref Ref) string {
	return s.uriBase + "/" + ref.Key(s.prefix)
}

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// Verify BlobStore implements AssetStore.
var _ AssetStore = (*BlobStore)(nil)
