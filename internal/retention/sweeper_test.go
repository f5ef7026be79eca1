package retention

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/droppoint/droppoint/internal/common"
	"github.com/droppoint/droppoint/internal/storage"
	"github.com/droppoint/droppoint/internal/transfer"
	"github.com/droppoint/droppoint/internal/upload"
	"github.com/droppoint/droppoint/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupSweeperDeps(t *testing.T) (*transfer.Service, *upload.Manager, storage.BlobStorage) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Transfer{}, &types.FileRecord{}))

	blobs, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	transfers := transfer.NewService(&common.Database{DB: db}, blobs, nil, 24*time.Hour, 7*24*time.Hour)
	uploads := upload.NewManager(upload.NewMemoryOffsetStore(), blobs, transfers, 0)
	return transfers, uploads, blobs
}

// expireTransfer pushes a transfer's expiry into the past so the next sweep
// picks it up.
func expireTransfer(t *testing.T, transfers *transfer.Service, id uuid.UUID) {
	err := transfers.DB.Model(&types.Transfer{}).
		Where("id = ?", id).
		Update("expires_at", time.Now().UTC().Add(-time.Hour)).Error
	require.NoError(t, err)
}

func TestSweeper_RemovesExpiredTransfers(t *testing.T) {
	transfers, uploads, blobs := setupSweeperDeps(t)
	ctx := context.Background()

	expired, err := transfers.Create(ctx, "stale", time.Hour)
	require.NoError(t, err)
	fresh, err := transfers.Create(ctx, "fresh", time.Hour)
	require.NoError(t, err)

	metadata := func(transferID string) map[string]string {
		return map[string]string{upload.MetaTransferID: transferID, upload.MetaFilename: "f.bin"}
	}

	staleSession, err := uploads.Create(ctx, 4, metadata(expired.ID.String()), strings.NewReader("done"))
	require.NoError(t, err)
	freshSession, err := uploads.Create(ctx, 4, metadata(fresh.ID.String()), strings.NewReader("keep"))
	require.NoError(t, err)

	expireTransfer(t, transfers, expired.ID)

	sweeper := NewSweeper(transfers, uploads, time.Minute)
	sweeper.sweep(ctx)

	// The expired transfer, its session state and its blob are all gone.
	_, err = transfers.Get(ctx, expired.ID)
	assert.ErrorIs(t, err, transfer.ErrNotFound)

	_, err = uploads.Status(ctx, staleSession.ID)
	assert.ErrorIs(t, err, upload.ErrNotFound)

	exists, err := blobs.Exists(ctx, upload.BlobPath(staleSession.ID))
	require.NoError(t, err)
	assert.False(t, exists)

	var rows int64
	require.NoError(t, transfers.DB.Model(&types.FileRecord{}).Where("transfer_id = ?", expired.ID).Count(&rows).Error)
	assert.Zero(t, rows)

	// The live transfer is untouched.
	got, err := transfers.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Len(t, got.Files, 1)

	status, err := uploads.Status(ctx, freshSession.ID)
	require.NoError(t, err)
	assert.True(t, status.Complete())
}

func TestSweeper_NothingExpired(t *testing.T) {
	transfers, uploads, _ := setupSweeperDeps(t)
	ctx := context.Background()

	live, err := transfers.Create(ctx, "live", time.Hour)
	require.NoError(t, err)

	sweeper := NewSweeper(transfers, uploads, time.Minute)
	sweeper.sweep(ctx)

	_, err = transfers.Get(ctx, live.ID)
	assert.NoError(t, err)
}

func TestSweeper_StartStop(t *testing.T) {
	transfers, uploads, _ := setupSweeperDeps(t)

	expired, err := transfers.Create(context.Background(), "stale", time.Hour)
	require.NoError(t, err)
	expireTransfer(t, transfers, expired.ID)

	sweeper := NewSweeper(transfers, uploads, time.Hour)
	sweeper.Start(context.Background())
	sweeper.Start(context.Background()) // second start is a no-op

	// The pass on start removes the expired transfer without waiting for a tick.
	require.Eventually(t, func() bool {
		_, err := transfers.Get(context.Background(), expired.ID)
		return errors.Is(err, transfer.ErrNotFound)
	}, 5*time.Second, 10*time.Millisecond)

	sweeper.Stop()
}
