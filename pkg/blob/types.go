// Package blob stores opaque byte blobs, such as map tiles, under
// slash-separated keys.
package blob

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned for missing or expired blobs.
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidKey is returned for keys that are empty or escape the root.
	ErrInvalidKey = errors.New("invalid blob key")
)

type Store interface {
	// Put writes content under key, replacing any previous blob.
	Put(ctx context.Context, key string, reader io.Reader) error

	// Get opens the blob stored under key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns the keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes a blob.
	Delete(ctx context.Context, key string) error
}
