package upload

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both offset store implementations must behave identically, so the suite
// runs against each through the interface.
func offsetStores(t *testing.T) map[string]OffsetStore {
	fileStore, err := NewFileOffsetStore(t.TempDir())
	require.NoError(t, err)

	return map[string]OffsetStore{
		"file":   fileStore,
		"memory": NewMemoryOffsetStore(),
	}
}

func testRecord(id string) *Record {
	return &Record{
		ID:           id,
		DeclaredSize: 100,
		Metadata:     map[string]string{MetaTransferID: "t-1", MetaFilename: "a.bin"},
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

func TestOffsetStore_CreateAndGet(t *testing.T) {
	for name, store := range offsetStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := testRecord("session-1")

			require.NoError(t, store.Create(ctx, rec))

			got, err := store.Get(ctx, "session-1")
			require.NoError(t, err)
			assert.Equal(t, rec.ID, got.ID)
			assert.Equal(t, rec.DeclaredSize, got.DeclaredSize)
			assert.Equal(t, int64(0), got.Offset)
			assert.Equal(t, rec.Metadata, got.Metadata)
			assert.False(t, got.Complete())

			// Duplicate creation must fail.
			assert.Error(t, store.Create(ctx, testRecord("session-1")))
		})
	}
}

func TestOffsetStore_Get_NotFound(t *testing.T) {
	for name, store := range offsetStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestOffsetStore_Put(t *testing.T) {
	for name, store := range offsetStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, testRecord("session-1")))

			require.NoError(t, store.Put(ctx, "session-1", 40))

			got, err := store.Get(ctx, "session-1")
			require.NoError(t, err)
			assert.Equal(t, int64(40), got.Offset)

			require.NoError(t, store.Put(ctx, "session-1", 100))
			got, err = store.Get(ctx, "session-1")
			require.NoError(t, err)
			assert.True(t, got.Complete())

			assert.ErrorIs(t, store.Put(ctx, "missing", 10), ErrNotFound)
		})
	}
}

func TestOffsetStore_Delete(t *testing.T) {
	for name, store := range offsetStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, testRecord("session-1")))

			require.NoError(t, store.Delete(ctx, "session-1"))

			_, err := store.Get(ctx, "session-1")
			assert.ErrorIs(t, err, ErrNotFound)

			// Deleting again is not an error.
			assert.NoError(t, store.Delete(ctx, "session-1"))
		})
	}
}

func TestFileOffsetStore_RejectsUnsafeIDs(t *testing.T) {
	store, err := NewFileOffsetStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, id := range []string{"", ".", "..", "a/b", `a\b`} {
		_, err := store.Get(ctx, id)
		assert.Error(t, err, "id %q", id)
	}
}

func TestFileOffsetStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileOffsetStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, testRecord("session-1")))
	require.NoError(t, store.Put(ctx, "session-1", 60))

	// A new store over the same directory sees the durable state.
	reopened, err := NewFileOffsetStore(dir)
	require.NoError(t, err)

	got, err := reopened.Get(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), got.Offset)
	assert.Equal(t, int64(100), got.DeclaredSize)
}
