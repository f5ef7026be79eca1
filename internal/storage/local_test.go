package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLocalStorage(t *testing.T) (*LocalStorage, string) {
	dir := t.TempDir()
	ls, err := NewLocalStorage(dir)
	require.NoError(t, err)
	return ls, dir
}

// failingReader returns some bytes and then an error, to exercise rollback of
// a partially written chunk.
type failingReader struct {
	data []byte
	err  error
	pos  int
}

func (fr *failingReader) Read(p []byte) (int, error) {
	if fr.pos >= len(fr.data) {
		return 0, fr.err
	}
	n := copy(p, fr.data[fr.pos:])
	fr.pos += n
	return n, nil
}

func TestLocalStorage_CreateEmpty(t *testing.T) {
	ls, dir := setupLocalStorage(t)
	ctx := context.Background()

	require.NoError(t, ls.CreateEmpty(ctx, "uploads/abc"))

	info, err := os.Stat(filepath.Join(dir, "uploads", "abc"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())

	// A second create for the same path must fail rather than clobber.
	assert.Error(t, ls.CreateEmpty(ctx, "uploads/abc"))
}

func TestLocalStorage_AppendAt(t *testing.T) {
	ls, _ := setupLocalStorage(t)
	ctx := context.Background()

	require.NoError(t, ls.CreateEmpty(ctx, "blob"))

	newLength, err := ls.AppendAt(ctx, "blob", 0, strings.NewReader("hello "))
	require.NoError(t, err)
	assert.Equal(t, int64(6), newLength)

	newLength, err = ls.AppendAt(ctx, "blob", 6, strings.NewReader("world"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), newLength)

	reader, err := ls.Retrieve(ctx, "blob")
	require.NoError(t, err)
	defer reader.Close()
	content, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))
}

func TestLocalStorage_AppendAt_LengthMismatch(t *testing.T) {
	ls, _ := setupLocalStorage(t)
	ctx := context.Background()

	require.NoError(t, ls.CreateEmpty(ctx, "blob"))
	_, err := ls.AppendAt(ctx, "blob", 0, strings.NewReader("abc"))
	require.NoError(t, err)

	_, err = ls.AppendAt(ctx, "blob", 5, strings.NewReader("def"))
	assert.ErrorIs(t, err, ErrLengthMismatch)

	size, err := ls.GetSize(ctx, "blob")
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)
}

func TestLocalStorage_AppendAt_NotFound(t *testing.T) {
	ls, _ := setupLocalStorage(t)

	_, err := ls.AppendAt(context.Background(), "missing", 0, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStorage_AppendAt_RollbackOnFailure(t *testing.T) {
	ls, _ := setupLocalStorage(t)
	ctx := context.Background()

	require.NoError(t, ls.CreateEmpty(ctx, "blob"))
	_, err := ls.AppendAt(ctx, "blob", 0, strings.NewReader("stable"))
	require.NoError(t, err)

	readErr := errors.New("connection reset")
	_, err = ls.AppendAt(ctx, "blob", 6, &failingReader{data: []byte("partial"), err: readErr})
	assert.ErrorIs(t, err, readErr)

	// The partial bytes must be gone so a retry at offset 6 still matches.
	size, err := ls.GetSize(ctx, "blob")
	require.NoError(t, err)
	assert.Equal(t, int64(6), size)

	newLength, err := ls.AppendAt(ctx, "blob", 6, strings.NewReader("retry"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), newLength)
}

func TestLocalStorage_AppendAt_ContextCancelled(t *testing.T) {
	ls, _ := setupLocalStorage(t)
	ctx := context.Background()

	require.NoError(t, ls.CreateEmpty(ctx, "blob"))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	_, err := ls.AppendAt(cancelled, "blob", 0, strings.NewReader("data"))
	assert.ErrorIs(t, err, context.Canceled)

	size, err := ls.GetSize(ctx, "blob")
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}

func TestLocalStorage_ReadRange(t *testing.T) {
	ls, _ := setupLocalStorage(t)
	ctx := context.Background()

	require.NoError(t, ls.CreateEmpty(ctx, "blob"))
	_, err := ls.AppendAt(ctx, "blob", 0, strings.NewReader("0123456789"))
	require.NoError(t, err)

	reader, err := ls.ReadRange(ctx, "blob", 3, 4)
	require.NoError(t, err)
	defer reader.Close()

	content, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "3456", string(content))
}

func TestLocalStorage_Truncate(t *testing.T) {
	ls, _ := setupLocalStorage(t)
	ctx := context.Background()

	require.NoError(t, ls.CreateEmpty(ctx, "blob"))
	_, err := ls.AppendAt(ctx, "blob", 0, strings.NewReader("0123456789"))
	require.NoError(t, err)

	require.NoError(t, ls.Truncate(ctx, "blob", 4))

	size, err := ls.GetSize(ctx, "blob")
	require.NoError(t, err)
	assert.Equal(t, int64(4), size)

	assert.ErrorIs(t, ls.Truncate(ctx, "missing", 0), ErrNotFound)
}

func TestLocalStorage_Delete(t *testing.T) {
	ls, _ := setupLocalStorage(t)
	ctx := context.Background()

	require.NoError(t, ls.CreateEmpty(ctx, "blob"))
	require.NoError(t, ls.Delete(ctx, "blob"))

	exists, err := ls.Exists(ctx, "blob")
	require.NoError(t, err)
	assert.False(t, exists)

	// Deleting again is not an error.
	assert.NoError(t, ls.Delete(ctx, "blob"))
}

func TestLocalStorage_Exists(t *testing.T) {
	ls, _ := setupLocalStorage(t)
	ctx := context.Background()

	exists, err := ls.Exists(ctx, "blob")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, ls.CreateEmpty(ctx, "blob"))

	exists, err = ls.Exists(ctx, "blob")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestLocalStorage_GetSize_NotFound(t *testing.T) {
	ls, _ := setupLocalStorage(t)

	_, err := ls.GetSize(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
