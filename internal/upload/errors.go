package upload

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no session exists for the given id.
	ErrNotFound = errors.New("upload session not found")

	// ErrReferenceNotFound is returned at creation when the owning transfer
	// does not exist or has already expired.
	ErrReferenceNotFound = errors.New("referenced transfer not found")

	// ErrSessionComplete is returned when a write or cancel targets a session
	// that already reached its declared size.
	ErrSessionComplete = errors.New("upload session already complete")

	// ErrSizeExceeded is returned when a chunk would push the offset past the
	// declared size. The offset is not advanced.
	ErrSizeExceeded = errors.New("chunk exceeds declared upload size")

	// ErrDeclaredSizeTooLarge is returned at creation when the declared size
	// exceeds the configured ceiling.
	ErrDeclaredSizeTooLarge = errors.New("declared size exceeds configured maximum")

	// ErrStorageDesync means the blob's length disagrees with the recorded
	// offset. It indicates a broken serialization discipline or storage
	// corruption and is never retried.
	ErrStorageDesync = errors.New("storage desync: blob length disagrees with recorded offset")
)

// OffsetMismatchError is returned when a client's claimed offset disagrees
// with the authoritative one. It carries the authoritative offset so the
// client can resynchronize and resend from the right position. This is the
// designed-for recovery path after a lost acknowledgment, not a failure.
type OffsetMismatchError struct {
	Claimed int64
	Current int64
}

func (e *OffsetMismatchError) Error() string {
	return fmt.Sprintf("offset mismatch: claimed %d, current %d", e.Claimed, e.Current)
}
