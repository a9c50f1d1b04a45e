package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// LocalStore implements Store on the local filesystem. With a max age set,
// blobs older than it read as missing and are removed by Prune.
type LocalStore struct {
	root   string
	maxAge time.Duration
	now    func() time.Time
}

// LocalOption configures a LocalStore.
type LocalOption func(*LocalStore)

// WithMaxAge expires blobs older than d. Zero keeps blobs forever.
func WithMaxAge(d time.Duration) LocalOption {
	return func(s *LocalStore) { s.maxAge = d }
}

// NewLocalStore creates a store rooted at root. The directory is created on
// first write.
func NewLocalStore(root string, opts ...LocalOption) *LocalStore {
	s := &LocalStore{root: root, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LocalStore) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean[1:])), nil
}

func (s *LocalStore) expired(info fs.FileInfo) bool {
	return s.maxAge > 0 && s.now().Sub(info.ModTime()) > s.maxAge
}

// Put writes through a temp file and a rename, so readers never see a
// partial blob.
func (s *LocalStore) Put(ctx context.Context, key string, reader io.Reader) error {
	fullPath, err := s.path(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tempFile, err := os.CreateTemp(dir, "temp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempName := tempFile.Name()
	fail := func(err error) error {
		tempFile.Close()
		os.Remove(tempName)
		return err
	}

	if _, err := io.Copy(tempFile, reader); err != nil {
		return fail(fmt.Errorf("failed to write blob %s: %w", key, err))
	}
	if err := tempFile.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync blob %s: %w", key, err))
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("failed to close blob %s: %w", key, err)
	}
	if err := os.Rename(tempName, fullPath); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("failed to rename temp file to %s: %w", fullPath, err)
	}
	return nil
}

func (s *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	fullPath, err := s.path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to open blob %s: %w", key, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat blob %s: %w", key, err)
	}
	if s.expired(info) {
		file.Close()
		return nil, fmt.Errorf("%w: %s expired", ErrNotFound, key)
	}
	return file, nil
}

// List returns slash-separated keys under prefix, skipping in-flight temp
// files. A missing prefix lists nothing.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	root := s.root
	if prefix != "" {
		p, err := s.path(prefix)
		if err != nil {
			return nil, err
		}
		root = p
	}

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), "temp-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list blobs with prefix %s: %w", prefix, err)
	}
	return keys, nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	fullPath, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	return nil
}

// Prune deletes expired blobs and returns how many were removed.
func (s *LocalStore) Prune(ctx context.Context) (int, error) {
	if s.maxAge <= 0 {
		return 0, nil
	}
	keys, err := s.List(ctx, "")
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		fullPath, err := s.path(key)
		if err != nil {
			continue
		}
		info, err := os.Stat(fullPath)
		if err != nil || !s.expired(info) {
			continue
		}
		if err := s.Delete(ctx, key); err == nil {
			removed++
		}
	}
	return removed, nil
}

var _ Store = (*LocalStore)(nil)
