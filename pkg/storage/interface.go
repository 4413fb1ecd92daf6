package storage

import (
	"context"
	"io"
	"time"
)

// FileInfo represents metadata about a stored object.
type FileInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Storage defines the interface for object storage operations.
type Storage interface {
	// EnsureBucket creates the backing bucket if it does not exist.
	// Calling it on an existing bucket is a no-op.
	EnsureBucket(ctx context.Context) error

	// Write stores content from the reader with the given key.
	// The size parameter is the expected content size (-1 if unknown).
	Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Read retrieves content for the given key.
	// The caller is responsible for closing the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns information about all objects with keys starting with the given prefix.
	List(ctx context.Context, prefix string) ([]FileInfo, error)

	// GetURL returns a presigned URL for accessing the object,
	// valid for the specified duration.
	GetURL(ctx context.Context, key string, expires time.Duration) (string, error)

	// Bucket returns the bucket name.
	Bucket() string
}
