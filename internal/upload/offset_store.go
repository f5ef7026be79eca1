package upload

import (
	"context"
	"time"
)

// Record is the persisted state of one upload session. The offset is the
// single source of truth for resume decisions: it only ever advances, and
// only after the corresponding bytes are durably in the blob.
type Record struct {
	ID           string            `json:"id"`
	DeclaredSize int64             `json:"declared_size"`
	Offset       int64             `json:"offset"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Complete reports whether every declared byte has been accepted.
func (r *Record) Complete() bool {
	return r.Offset == r.DeclaredSize
}

// OffsetStore persists one Record per session id. A Put must be observable
// by any subsequent Get before the corresponding append returns success;
// that ordering is what makes resumption safe after a crash between writing
// bytes and acknowledging the client.
type OffsetStore interface {
	// Create persists a new record. Fails if the id already exists.
	Create(ctx context.Context, rec *Record) error

	// Get returns the record for the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// Put durably overwrites the offset for the given id.
	Put(ctx context.Context, id string, offset int64) error

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error
}
