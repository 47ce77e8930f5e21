package capturehistory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_InsertAndRecentForDevice(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "capturehistory.db")
	store, err := Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	require.NoError(t, store.Insert(ctx, Record{
		CaptureID: "cap-1", Serial: "dev-1", Width: 1080, Height: 1920,
		CapturedAt: now, Path: "/captures/dev-1/cap-1.jpg", Bytes: 12345,
	}))
	require.NoError(t, store.Insert(ctx, Record{
		CaptureID: "cap-2", Serial: "dev-1", Width: 1080, Height: 1920,
		CapturedAt: now.Add(time.Second), Path: "", Bytes: 999,
	}))
	require.NoError(t, store.Insert(ctx, Record{
		CaptureID: "cap-3", Serial: "dev-2", Width: 720, Height: 1280,
		CapturedAt: now, Path: "", Bytes: 1,
	}))

	rows, err := store.RecentForDevice(ctx, "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "cap-2", rows[0].CaptureID)
	assert.Equal(t, "cap-1", rows[1].CaptureID)
}
