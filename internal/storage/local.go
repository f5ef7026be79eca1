package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// LocalStorage implements BlobStorage on the local filesystem. It performs no
// locking of its own: the upload manager serializes all writers for a given
// path, and AppendAt's length check catches anything that slips past that.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Error().Err(err).Str("path", basePath).Msg("failed to create storage directory")
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	log.Info().Str("path", basePath).Msg("local storage initialized")
	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// CreateEmpty allocates a zero-length blob
func (ls *LocalStorage) CreateEmpty(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath := filepath.Join(ls.basePath, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to create directory")
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to create blob")
		return fmt.Errorf("failed to create blob: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close blob: %w", err)
	}

	log.Debug().Str("path", path).Msg("empty blob created")
	return nil
}

// AppendAt appends content at the end of the blob after verifying its length.
// Offset bookkeeping is the caller's: a failed or short append truncates the
// blob back to expectedLength so a retry at the same offset still lines up.
func (ls *LocalStorage) AppendAt(ctx context.Context, path string, expectedLength int64, content io.Reader) (int64, error) {
	startTime := time.Now()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	fullPath := filepath.Join(ls.basePath, path)
	file, err := os.OpenFile(fullPath, os.O_WRONLY, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		log.Error().Err(err).Str("path", path).Msg("failed to open blob for append")
		return 0, fmt.Errorf("failed to open blob: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat blob: %w", err)
	}
	if info.Size() != expectedLength {
		log.Error().
			Str("path", path).
			Int64("expected_length", expectedLength).
			Int64("actual_length", info.Size()).
			Msg("blob length does not match expected write position")
		return 0, fmt.Errorf("%w: expected %d, found %d", ErrLengthMismatch, expectedLength, info.Size())
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return 0, fmt.Errorf("failed to seek blob: %w", err)
	}

	written, copyErr := io.Copy(file, &contextReader{ctx: ctx, r: content})
	if copyErr != nil {
		// Undo the partial write so a retry with the same offset lines up.
		if truncErr := file.Truncate(expectedLength); truncErr != nil {
			log.Error().Err(truncErr).
				Str("path", path).
				Int64("expected_length", expectedLength).
				Msg("failed to roll back partial append")
			return 0, fmt.Errorf("failed to roll back partial append: %v (append error: %w)", truncErr, copyErr)
		}
		if syncErr := file.Sync(); syncErr != nil {
			return 0, fmt.Errorf("failed to sync after rollback: %v (append error: %w)", syncErr, copyErr)
		}
		log.Warn().Err(copyErr).
			Str("path", path).
			Int64("expected_length", expectedLength).
			Msg("append failed, blob rolled back")
		return 0, fmt.Errorf("failed to append content: %w", copyErr)
	}

	// The chunk must be durable before the caller advances its offset.
	if err := file.Sync(); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to sync blob after append")
		return 0, fmt.Errorf("failed to sync blob: %w", err)
	}

	newLength := expectedLength + written
	log.Debug().
		Str("path", path).
		Int64("bytes_written", written).
		Int64("new_length", newLength).
		Dur("duration", time.Since(startTime)).
		Msg("chunk appended")

	return newLength, nil
}

// Retrieve gets the full content of a blob
func (ls *LocalStorage) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPath := filepath.Join(ls.basePath, path)
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("blob not found")
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		log.Error().Err(err).Str("path", path).Msg("failed to open blob")
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}

	return file, nil
}

// ReadRange gets length bytes of a blob starting at offset
func (ls *LocalStorage) ReadRange(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPath := filepath.Join(ls.basePath, path)
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek blob: %w", err)
	}

	return &rangeReader{Reader: io.LimitReader(file, length), file: file}, nil
}

// Truncate shortens a blob to the given length
func (ls *LocalStorage) Truncate(ctx context.Context, path string, length int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath := filepath.Join(ls.basePath, path)
	if err := os.Truncate(fullPath, length); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		log.Error().Err(err).Str("path", path).Int64("length", length).Msg("failed to truncate blob")
		return fmt.Errorf("failed to truncate blob: %w", err)
	}

	log.Warn().Str("path", path).Int64("length", length).Msg("blob truncated")
	return nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (ls *LocalStorage) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath := filepath.Join(ls.basePath, path)
	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("blob already deleted or does not exist")
			return nil
		}
		log.Error().Err(err).Str("path", path).Msg("failed to delete blob")
		return fmt.Errorf("failed to delete blob: %w", err)
	}

	log.Info().Str("path", path).Msg("blob deleted")
	return nil
}

// Exists checks if a blob exists
func (ls *LocalStorage) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	fullPath := filepath.Join(ls.basePath, path)
	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		log.Error().Err(err).Str("path", path).Msg("failed to check blob existence")
		return false, fmt.Errorf("failed to check blob existence: %w", err)
	}

	return true, nil
}

// GetSize returns the current length of a blob
func (ls *LocalStorage) GetSize(ctx context.Context, path string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	fullPath := filepath.Join(ls.basePath, path)
	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		log.Error().Err(err).Str("path", path).Msg("failed to stat blob")
		return 0, fmt.Errorf("failed to stat blob: %w", err)
	}

	return info.Size(), nil
}

// contextReader aborts a copy when the request context is cancelled, so a
// client that disconnects mid-chunk does not hold the append open.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// rangeReader limits reads to a byte range while closing the underlying file.
type rangeReader struct {
	io.Reader
	file *os.File
}

func (rr *rangeReader) Close() error {
	return rr.file.Close()
}
