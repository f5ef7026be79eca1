package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// FileOffsetStore keeps one JSON record per session id as a side file next
// to the blobs, written atomically (temp file, fsync, rename).
type FileOffsetStore struct {
	dir string
}

// NewFileOffsetStore creates the store directory if needed
func NewFileOffsetStore(dir string) (*FileOffsetStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create offset store directory: %w", err)
	}

	log.Info().Str("path", dir).Msg("offset store initialized")
	return &FileOffsetStore{dir: dir}, nil
}

func (s *FileOffsetStore) recordPath(id string) (string, error) {
	// Session ids are UUIDs we generate, but never trust them as paths.
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid session id: %q", id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// Create persists a new record, failing if one already exists
func (s *FileOffsetStore) Create(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.recordPath(rec.ID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("offset record already exists: %s", rec.ID)
	}

	return s.write(path, rec)
}

// Get returns the record for the given id
func (s *FileOffsetStore) Get(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := s.recordPath(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read offset record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode offset record %s: %w", id, err)
	}

	return &rec, nil
}

// Put durably overwrites the offset for the given id
func (s *FileOffsetStore) Put(ctx context.Context, id string, offset int64) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	rec.Offset = offset
	path, err := s.recordPath(id)
	if err != nil {
		return err
	}

	return s.write(path, rec)
}

// Delete removes the record; missing records are not an error
func (s *FileOffsetStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.recordPath(id)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete offset record: %w", err)
	}
	return nil
}

// write performs an atomic durable replace of the record file
func (s *FileOffsetStore) write(path string, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode offset record: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temporary record file: %w", err)
	}
	tmpPath := tmp.Name()

	defer func() {
		tmp.Close()
		if _, err := os.Stat(tmpPath); err == nil {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write offset record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync offset record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close offset record: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace offset record: %w", err)
	}

	return nil
}
