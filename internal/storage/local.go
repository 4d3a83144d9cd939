package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LocalStore keeps assets on the local filesystem.
type LocalStore struct {
	baseDir string
	prefix  string
}

// NewLocalStore creates a new local filesystem store.
func NewLocalStore(baseDir, prefix string) (*LocalStore, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}

	return &LocalStore{
		baseDir: baseDir,
		prefix:  prefix,
	}, nil
}

func (s *LocalStore) path(ref Ref) string {
	return filepath.Join(s.baseDir, ref.Key(s.prefix))
}

// Head returns metadata about a stored asset.
func (s *LocalStore) Head(ctx context.Context, ref Ref) (*ObjectInfo, error) {
	info, err := os.Stat(s.path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", ref.Key(s.prefix), err)
	}
	return &ObjectInfo{
		Key:     ref.Key(s.prefix),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// ReadRange reads a byte range of an asset.
func (s *LocalStore) ReadRange(ctx context.Context, ref Ref, offset, length int64) ([]byte, error) {
	f, err := os.Open(s.path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", ref.Key(s.prefix), err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s at %d: %w", ref.Key(s.prefix), offset, err)
	}
	return buf[:n], nil
}

// Open streams the whole asset.
func (s *LocalStore) Open(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	f, err := os.Open(s.path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", ref.Key(s.prefix), err)
	}
	return f, nil
}

// Signature reads the asset's signature sidecar.
func (s *LocalStore) Signature(ctx context.Context, ref Ref) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, ref.SignatureKey(s.prefix)))
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read signature: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteTemp writes r next to the final path under a unique temp name.
func (s *LocalStore) WriteTemp(ctx context.Context, ref Ref, r io.Reader) (string, error) {
	path := s.path(ref)

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}

	tempPath := path + ".tmp." + uuid.New().String()
	f, err := os.Create(tempPath)
	if err != nil {
		return "", fmt.Errorf("create temp file %s: %w", tempPath, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tempPath)
		return "", fmt.Errorf("write temp file %s: %w", tempPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("close temp file %s: %w", tempPath, err)
	}
	return tempPath, nil
}

// Finalize renames the temp file into place.
func (s *LocalStore) Finalize(ctx context.Context, ref Ref, tempKey string) error {
	path := s.path(ref)
	if err := os.Rename(tempKey, path); err != nil {
		// Clean up temp file on rename failure
		os.Remove(tempKey)
		return fmt.Errorf("rename %s to %s: %w", tempKey, path, err)
	}
	return nil
}

// Abort removes a temp file.
func (s *LocalStore) Abort(ctx context.Context, tempKey string) error {
	if err := os.Remove(tempKey); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns all asset keys of a kind, skipping temp files and sidecars.
func (s *LocalStore) List(ctx context.Context, kind string) ([]string, error) {
	root := filepath.Join(s.baseDir, s.prefix+kind)
	var keys []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.Contains(name, ".tmp.") || strings.HasSuffix(name, signatureSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	return keys, nil
}

// URI returns the canonical URI for the given asset.
func (s *LocalStore) URI(ref Ref) string {
	absPath := filepath.Join(s.baseDir, ref.Key(s.prefix))
	return "file://" + absPath
}

// Close is a no-op for local storage.
func (s *LocalStore) Close() error {
	return nil
}

// Verify LocalStore implements AssetStore.
var _ AssetStore = (*LocalStore)(nil)
