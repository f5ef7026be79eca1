package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when no blob exists at the given path.
var ErrNotFound = errors.New("blob not found")

// ErrLengthMismatch is returned by AppendAt when the blob's actual length
// disagrees with the caller's expected length. Callers treat this as a
// storage desync: it means a second writer touched the blob outside the
// per-session serialization discipline.
var ErrLengthMismatch = errors.New("blob length mismatch")

// BlobStorage defines the interface for upload blob storage
type BlobStorage interface {
	// CreateEmpty allocates a zero-length blob at the given path
	CreateEmpty(ctx context.Context, path string) error

	// AppendAt appends content to the blob, after verifying that the blob's
	// current length equals expectedLength. Returns the new blob length.
	// On failure the blob is rolled back to expectedLength so the same
	// append can be retried.
	AppendAt(ctx context.Context, path string, expectedLength int64, content io.Reader) (int64, error)

	// Retrieve gets the full content of the blob
	Retrieve(ctx context.Context, path string) (io.ReadCloser, error)

	// ReadRange gets length bytes of the blob starting at offset
	ReadRange(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error)

	// Truncate shortens the blob to the given length
	Truncate(ctx context.Context, path string, length int64) error

	// Delete removes the blob at the given path
	Delete(ctx context.Context, path string) error

	// Exists checks if a blob exists at the given path
	Exists(ctx context.Context, path string) (bool, error)

	// GetSize returns the current length of the blob
	GetSize(ctx context.Context, path string) (int64, error)
}
