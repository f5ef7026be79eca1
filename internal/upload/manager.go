package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/droppoint/droppoint/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Binder is the upload core's only view of transfer-owned state. AttachUpload
// registers a file record stub under the owning transfer, MarkComplete flips
// it once the upload reaches its declared size, and DetachUpload removes the
// stub when a session is cancelled before completing.
type Binder interface {
	AttachUpload(ctx context.Context, transferID, sessionID, name string, declaredSize int64, contentType string) error
	MarkComplete(ctx context.Context, sessionID string, finalSize int64) error
	DetachUpload(ctx context.Context, sessionID string) error
}

// Session is the handle returned to protocol callers.
type Session struct {
	ID           string            `json:"id"`
	Offset       int64             `json:"offset"`
	DeclaredSize int64             `json:"declared_size"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Complete reports whether the session has accepted every declared byte.
func (s *Session) Complete() bool {
	return s.Offset == s.DeclaredSize
}

// BlobPath returns the storage path of a session's raw bytes. File records
// reference the session id, so the download path uses the same key.
func BlobPath(sessionID string) string {
	return path.Join("uploads", sessionID)
}

// Manager drives the resumable upload state machine: creation, chunked
// append with exact-offset verification, completion detection, cancellation.
// Every operation reloads session state from the offset store; a keyed mutex
// serializes writers per session id while unrelated sessions run in parallel.
type Manager struct {
	offsets         OffsetStore
	blobs           storage.BlobStorage
	binder          Binder
	locks           *sessionLocks
	maxDeclaredSize int64
}

// NewManager creates a new upload session manager. maxDeclaredSize of zero
// disables the creation ceiling.
func NewManager(offsets OffsetStore, blobs storage.BlobStorage, binder Binder, maxDeclaredSize int64) *Manager {
	return &Manager{
		offsets:         offsets,
		blobs:           blobs,
		binder:          binder,
		locks:           newSessionLocks(),
		maxDeclaredSize: maxDeclaredSize,
	}
}

// Create allocates a new upload session bound to the transfer named in the
// metadata. When initial is non-nil its bytes are appended as the first
// chunk before the handle is returned; a failure there tears the session
// down again so the caller never sees a half-created upload.
func (m *Manager) Create(ctx context.Context, declaredSize int64, metadata map[string]string, initial io.Reader) (*Session, error) {
	if declaredSize < 0 {
		return nil, fmt.Errorf("declared size must be non-negative, got %d", declaredSize)
	}
	if m.maxDeclaredSize > 0 && declaredSize > m.maxDeclaredSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrDeclaredSizeTooLarge, declaredSize, m.maxDeclaredSize)
	}

	transferID := metadata[MetaTransferID]
	if transferID == "" {
		return nil, fmt.Errorf("%w: metadata missing %q", ErrReferenceNotFound, MetaTransferID)
	}

	sessionID := uuid.New().String()
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	if err := m.binder.AttachUpload(ctx, transferID, sessionID, metadata[MetaFilename], declaredSize, metadata[MetaContentType]); err != nil {
		return nil, err
	}

	rec := &Record{
		ID:           sessionID,
		DeclaredSize: declaredSize,
		Metadata:     copyMetadata(metadata),
		CreatedAt:    time.Now().UTC(),
	}

	if err := m.offsets.Create(ctx, rec); err != nil {
		m.detach(ctx, sessionID)
		return nil, fmt.Errorf("failed to persist session record: %w", err)
	}

	if err := m.blobs.CreateEmpty(ctx, BlobPath(sessionID)); err != nil {
		m.offsets.Delete(ctx, sessionID)
		m.detach(ctx, sessionID)
		return nil, fmt.Errorf("failed to create backing blob: %w", err)
	}

	if initial != nil {
		newOffset, err := m.appendLocked(ctx, rec, initial)
		if err != nil {
			m.blobs.Delete(ctx, BlobPath(sessionID))
			m.offsets.Delete(ctx, sessionID)
			m.detach(ctx, sessionID)
			return nil, err
		}
		rec.Offset = newOffset
	}

	// A zero-length upload is born complete.
	if declaredSize == 0 {
		if err := m.binder.MarkComplete(ctx, sessionID, 0); err != nil {
			m.blobs.Delete(ctx, BlobPath(sessionID))
			m.offsets.Delete(ctx, sessionID)
			m.detach(ctx, sessionID)
			return nil, fmt.Errorf("failed to mark empty upload complete: %w", err)
		}
	}

	log.Info().
		Str("session_id", sessionID).
		Str("transfer_id", transferID).
		Int64("declared_size", declaredSize).
		Int64("offset", rec.Offset).
		Msg("upload session created")

	return sessionFromRecord(rec), nil
}

// Append accepts one chunk at the claimed offset. The claimed offset must
// equal the authoritative one exactly; anything else fails with
// OffsetMismatchError carrying the offset to resend from. The new offset is
// durable before Append returns success.
func (m *Manager) Append(ctx context.Context, sessionID string, claimedOffset int64, chunk io.Reader) (int64, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	rec, err := m.offsets.Get(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	if rec.Complete() {
		return 0, fmt.Errorf("%w: %s", ErrSessionComplete, sessionID)
	}

	if claimedOffset != rec.Offset {
		log.Debug().
			Str("session_id", sessionID).
			Int64("claimed_offset", claimedOffset).
			Int64("current_offset", rec.Offset).
			Msg("append rejected, offset mismatch")
		return 0, &OffsetMismatchError{Claimed: claimedOffset, Current: rec.Offset}
	}

	if chunk == nil {
		return rec.Offset, nil
	}

	return m.appendLocked(ctx, rec, chunk)
}

// appendLocked writes a chunk at rec.Offset and advances the durable offset.
// Callers must hold the session lock.
func (m *Manager) appendLocked(ctx context.Context, rec *Record, chunk io.Reader) (int64, error) {
	guard := &limitGuardReader{r: chunk, remaining: rec.DeclaredSize - rec.Offset}

	newOffset, err := m.blobs.AppendAt(ctx, BlobPath(rec.ID), rec.Offset, guard)
	if err != nil {
		switch {
		case errors.Is(err, ErrSizeExceeded):
			return 0, fmt.Errorf("%w: declared %d, offset %d", ErrSizeExceeded, rec.DeclaredSize, rec.Offset)
		case errors.Is(err, storage.ErrLengthMismatch):
			log.Error().Err(err).
				Str("session_id", rec.ID).
				Int64("recorded_offset", rec.Offset).
				Msg("blob length disagrees with recorded offset")
			return 0, fmt.Errorf("%w: %v", ErrStorageDesync, err)
		default:
			return 0, err
		}
	}

	// Empty chunk: a status probe, nothing to persist.
	if newOffset == rec.Offset {
		return rec.Offset, nil
	}

	if err := m.offsets.Put(ctx, rec.ID, newOffset); err != nil {
		// The bytes landed but were never acknowledged. Roll the blob back
		// so the client's retry at the old offset still lines up.
		if terr := m.blobs.Truncate(ctx, BlobPath(rec.ID), rec.Offset); terr != nil {
			log.Error().Err(terr).
				Str("session_id", rec.ID).
				Int64("offset", rec.Offset).
				Msg("failed to roll back blob after offset persist failure")
			return 0, fmt.Errorf("%w: offset persist failed (%v), rollback failed (%v)", ErrStorageDesync, err, terr)
		}
		return 0, fmt.Errorf("failed to persist offset: %w", err)
	}

	log.Debug().
		Str("session_id", rec.ID).
		Int64("chunk_size", newOffset-rec.Offset).
		Int64("offset", newOffset).
		Msg("chunk accepted")

	if newOffset == rec.DeclaredSize {
		if err := m.binder.MarkComplete(ctx, rec.ID, newOffset); err != nil {
			log.Error().Err(err).
				Str("session_id", rec.ID).
				Int64("final_size", newOffset).
				Msg("upload finished but file record could not be marked complete")
			return 0, fmt.Errorf("failed to mark file record complete: %w", err)
		}
		log.Info().
			Str("session_id", rec.ID).
			Int64("size", newOffset).
			Msg("upload session complete")
	}

	return newOffset, nil
}

// Status returns the current offset and declared size for a session.
func (m *Manager) Status(ctx context.Context, sessionID string) (*Session, error) {
	rec, err := m.offsets.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sessionFromRecord(rec), nil
}

// Cancel deletes an in-progress session: its offset record, backing blob,
// and file record stub. Cancelling a session that no longer exists is not an
// error. Completed sessions cannot be cancelled; their bytes belong to the
// transfer now and only retention may remove them.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	rec, err := m.offsets.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	if rec.Complete() {
		return fmt.Errorf("%w: %s cannot be cancelled", ErrSessionComplete, sessionID)
	}

	if err := m.blobs.Delete(ctx, BlobPath(sessionID)); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	if err := m.offsets.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete offset record: %w", err)
	}
	if err := m.binder.DetachUpload(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to detach file record: %w", err)
	}

	log.Info().Str("session_id", sessionID).Int64("offset", rec.Offset).Msg("upload session cancelled")
	return nil
}

// Purge removes a session's blob and offset record regardless of completion
// state. It exists for the retention sweeper, which deletes the owning
// transfer's rows itself. Idempotent.
func (m *Manager) Purge(ctx context.Context, sessionID string) error {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	if err := m.blobs.Delete(ctx, BlobPath(sessionID)); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	if err := m.offsets.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete offset record: %w", err)
	}

	log.Debug().Str("session_id", sessionID).Msg("upload session purged")
	return nil
}

func (m *Manager) detach(ctx context.Context, sessionID string) {
	if err := m.binder.DetachUpload(ctx, sessionID); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to detach file record during cleanup")
	}
}

func sessionFromRecord(rec *Record) *Session {
	return &Session{
		ID:           rec.ID,
		Offset:       rec.Offset,
		DeclaredSize: rec.DeclaredSize,
		Metadata:     rec.Metadata,
		CreatedAt:    rec.CreatedAt,
	}
}

// limitGuardReader lets exactly `remaining` bytes through and fails the copy
// with ErrSizeExceeded on the first byte past it, so the blob writer rolls
// the whole chunk back before the offset ever moves.
type limitGuardReader struct {
	r         io.Reader
	remaining int64
}

func (g *limitGuardReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if g.remaining <= 0 {
		n, err := g.r.Read(p[:1])
		if n > 0 {
			return 0, ErrSizeExceeded
		}
		return 0, err
	}

	if int64(len(p)) > g.remaining {
		p = p[:g.remaining]
	}
	n, err := g.r.Read(p)
	g.remaining -= int64(n)
	return n, err
}
