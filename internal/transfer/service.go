package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/droppoint/droppoint/internal/common"
	"github.com/droppoint/droppoint/internal/storage"
	"github.com/droppoint/droppoint/internal/upload"
	"github.com/droppoint/droppoint/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a transfer does not exist or has expired.
var ErrNotFound = errors.New("transfer not found")

// ErrFileNotAvailable is returned when a download targets a file whose
// upload has not completed.
var ErrFileNotAvailable = errors.New("file not available for download")

// ErrRangeNotSatisfiable is returned when a requested byte range falls
// outside the file.
var ErrRangeNotSatisfiable = errors.New("requested range not satisfiable")

const cacheTTL = 30 * time.Second

// Service manages transfers and their file records. It implements
// upload.Binder: AttachUpload, MarkComplete and DetachUpload are the only
// ways the upload core touches transfer-owned state.
type Service struct {
	DB      *common.Database
	Storage storage.BlobStorage
	Cache   *common.Cache // optional; nil disables caching

	defaultTTL time.Duration
	maxTTL     time.Duration
}

// NewService creates a new transfer service
func NewService(db *common.Database, blobs storage.BlobStorage, cache *common.Cache, defaultTTL, maxTTL time.Duration) *Service {
	return &Service{
		DB:         db,
		Storage:    blobs,
		Cache:      cache,
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
	}
}

// Create allocates a new transfer. A non-positive ttl falls back to the
// default; anything above the configured maximum is clamped.
func (s *Service) Create(ctx context.Context, name string, ttl time.Duration) (*types.Transfer, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if s.maxTTL > 0 && ttl > s.maxTTL {
		ttl = s.maxTTL
	}

	transfer := &types.Transfer{
		Name:      name,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}

	if err := s.DB.WithContext(ctx).Create(transfer).Error; err != nil {
		return nil, fmt.Errorf("failed to create transfer: %w", err)
	}

	log.Info().
		Str("transfer_id", transfer.ID.String()).
		Time("expires_at", transfer.ExpiresAt).
		Msg("transfer created")

	return transfer, nil
}

// Get returns a transfer with its file records. Expired transfers report
// ErrNotFound just like missing ones.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*types.Transfer, error) {
	if s.Cache != nil {
		var cached types.Transfer
		if err := s.Cache.Get(ctx, cacheKey(id), &cached); err == nil {
			if cached.Expired(time.Now().UTC()) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return &cached, nil
		}
	}

	var transfer types.Transfer
	if err := s.DB.WithContext(ctx).Preload("Files").First(&transfer, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}

	if transfer.Expired(time.Now().UTC()) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if s.Cache != nil {
		if err := s.Cache.Set(ctx, cacheKey(id), &transfer, cacheTTL); err != nil {
			log.Warn().Err(err).Str("transfer_id", id.String()).Msg("failed to cache transfer")
		}
	}

	return &transfer, nil
}

// AttachUpload registers a file record stub for a new upload session. It is
// the upload core's reference check: a missing or expired transfer fails
// with upload.ErrReferenceNotFound and no session is created.
func (s *Service) AttachUpload(ctx context.Context, transferID, sessionID, name string, declaredSize int64, contentType string) error {
	id, err := uuid.Parse(transferID)
	if err != nil {
		return fmt.Errorf("%w: %q is not a transfer id", upload.ErrReferenceNotFound, transferID)
	}

	var transfer types.Transfer
	if err := s.DB.WithContext(ctx).First(&transfer, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", upload.ErrReferenceNotFound, transferID)
		}
		return fmt.Errorf("failed to look up transfer: %w", err)
	}
	if transfer.Expired(time.Now().UTC()) {
		return fmt.Errorf("%w: %s has expired", upload.ErrReferenceNotFound, transferID)
	}

	if name == "" {
		name = sessionID
	}

	record := &types.FileRecord{
		ID:           sessionID,
		TransferID:   id,
		Name:         name,
		ContentType:  contentType,
		DeclaredSize: declaredSize,
	}

	if err := s.DB.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to create file record: %w", err)
	}

	s.invalidate(ctx, id)

	log.Info().
		Str("transfer_id", transferID).
		Str("session_id", sessionID).
		Str("name", name).
		Int64("declared_size", declaredSize).
		Msg("upload attached to transfer")

	return nil
}

// MarkComplete flips a file record's completion flag with its final size.
// Downstream download logic gates on that flag.
func (s *Service) MarkComplete(ctx context.Context, sessionID string, finalSize int64) error {
	var record types.FileRecord
	if err := s.DB.WithContext(ctx).First(&record, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: no file record for session %s", upload.ErrNotFound, sessionID)
		}
		return fmt.Errorf("failed to look up file record: %w", err)
	}

	updates := map[string]interface{}{
		"complete":   true,
		"final_size": finalSize,
	}
	if err := s.DB.WithContext(ctx).Model(&record).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to mark file record complete: %w", err)
	}

	s.invalidate(ctx, record.TransferID)

	log.Info().
		Str("session_id", sessionID).
		Str("transfer_id", record.TransferID.String()).
		Int64("final_size", finalSize).
		Msg("file record marked complete")

	return nil
}

// DetachUpload removes the file record stub of a cancelled session.
// Detaching an already-removed record is not an error.
func (s *Service) DetachUpload(ctx context.Context, sessionID string) error {
	var record types.FileRecord
	if err := s.DB.WithContext(ctx).First(&record, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("failed to look up file record: %w", err)
	}

	if err := s.DB.WithContext(ctx).Delete(&types.FileRecord{}, "id = ?", sessionID).Error; err != nil {
		return fmt.Errorf("failed to delete file record: %w", err)
	}

	s.invalidate(ctx, record.TransferID)
	return nil
}

// lookupFile resolves a completed file record within a non-expired transfer.
func (s *Service) lookupFile(ctx context.Context, transferID uuid.UUID, fileID string) (*types.FileRecord, error) {
	transfer, err := s.Get(ctx, transferID)
	if err != nil {
		return nil, err
	}

	var record *types.FileRecord
	for i := range transfer.Files {
		if transfer.Files[i].ID == fileID {
			record = &transfer.Files[i]
			break
		}
	}
	if record == nil {
		return nil, fmt.Errorf("%w: file %s", ErrNotFound, fileID)
	}

	if !record.Complete {
		return nil, fmt.Errorf("%w: upload still in progress", ErrFileNotAvailable)
	}

	return record, nil
}

// OpenFile streams a completed file belonging to a non-expired transfer.
func (s *Service) OpenFile(ctx context.Context, transferID uuid.UUID, fileID string) (*types.FileRecord, io.ReadCloser, error) {
	record, err := s.lookupFile(ctx, transferID, fileID)
	if err != nil {
		return nil, nil, err
	}

	content, err := s.Storage.Retrieve(ctx, upload.BlobPath(fileID))
	if err != nil {
		log.Error().Err(err).
			Str("file_id", fileID).
			Str("transfer_id", transferID.String()).
			Msg("failed to retrieve completed file from storage")
		return nil, nil, fmt.Errorf("failed to retrieve file: %w", err)
	}

	return record, content, nil
}

// OpenFileRange streams a completed file from offset onward, up to length
// bytes, for resumable downloads. A length past the end of the file is
// clamped; an offset past the end is not satisfiable. The caller derives the
// bytes actually served from the returned record's FinalSize.
func (s *Service) OpenFileRange(ctx context.Context, transferID uuid.UUID, fileID string, offset, length int64) (*types.FileRecord, io.ReadCloser, error) {
	record, err := s.lookupFile(ctx, transferID, fileID)
	if err != nil {
		return nil, nil, err
	}

	if offset < 0 || length <= 0 || offset >= record.FinalSize {
		return nil, nil, fmt.Errorf("%w: offset %d in file of %d bytes", ErrRangeNotSatisfiable, offset, record.FinalSize)
	}
	if remaining := record.FinalSize - offset; length > remaining {
		length = remaining
	}

	content, err := s.Storage.ReadRange(ctx, upload.BlobPath(fileID), offset, length)
	if err != nil {
		log.Error().Err(err).
			Str("file_id", fileID).
			Str("transfer_id", transferID.String()).
			Int64("offset", offset).
			Int64("length", length).
			Msg("failed to read file range from storage")
		return nil, nil, fmt.Errorf("failed to read file range: %w", err)
	}

	return record, content, nil
}

// ListExpired returns transfers whose expiry has passed, with their files,
// for the retention sweeper.
func (s *Service) ListExpired(ctx context.Context, now time.Time) ([]types.Transfer, error) {
	var transfers []types.Transfer
	if err := s.DB.WithContext(ctx).Preload("Files").Where("expires_at < ?", now).Find(&transfers).Error; err != nil {
		return nil, fmt.Errorf("failed to list expired transfers: %w", err)
	}
	return transfers, nil
}

// Delete removes a transfer and all of its file records. Blob and offset
// record cleanup is the caller's responsibility (see retention.Sweeper).
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.DB.WithContext(ctx).Delete(&types.FileRecord{}, "transfer_id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete file records: %w", err)
	}
	if err := s.DB.WithContext(ctx).Delete(&types.Transfer{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete transfer: %w", err)
	}

	s.invalidate(ctx, id)

	log.Info().Str("transfer_id", id.String()).Msg("transfer deleted")
	return nil
}

func (s *Service) invalidate(ctx context.Context, id uuid.UUID) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Delete(ctx, cacheKey(id)); err != nil {
		log.Warn().Err(err).Str("transfer_id", id.String()).Msg("failed to invalidate transfer cache")
	}
}

func cacheKey(id uuid.UUID) string {
	return "transfer:" + id.String()
}
