package cleanup_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundleaf/offline_sync/internal/cleanup"
	"github.com/soundleaf/offline_sync/internal/download"
	"github.com/soundleaf/offline_sync/internal/quota"
	"github.com/soundleaf/offline_sync/internal/storage/storagetest"
	"github.com/soundleaf/offline_sync/internal/telemetry"
)

type env struct {
	store   *storagetest.Store
	limits  *storagetest.Limits
	blob    *storagetest.Blob
	quota   *quota.Service
	service *cleanup.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()

	store := storagetest.NewStore()
	limits := storagetest.NewLimits(store)
	files := storagetest.NewBlob()
	quotaSvc := quota.NewService(limits, quota.NewStaticPlanResolver())

	tel, err := telemetry.New(context.Background(), telemetry.Config{Enabled: false})
	require.NoError(t, err)

	return &env{
		store:   store,
		limits:  limits,
		blob:    files,
		quota:   quotaSvc,
		service: cleanup.NewService(store, limits, quotaSvc, files, tel),
	}
}

func (e *env) setLimit(t *testing.T, maxDownloads int, maxStorage int64) {
	t.Helper()

	require.NoError(t, e.limits.UpsertDeviceLimit(context.Background(), &download.DeviceLimit{
		UserID:          "user-1",
		DeviceID:        "device-1",
		MaxDownloads:    maxDownloads,
		MaxStorageLimit: maxStorage,
		IsActive:        true,
	}))
}

// addCompleted creates a completed download with a backing file. accessedAgo
// controls recency; a negative value leaves the download never accessed.
func (e *env) addCompleted(t *testing.T, songID string, size int64, createdAgo, accessedAgo time.Duration) uuid.UUID {
	t.Helper()

	d := &download.Download{
		ID:        uuid.New(),
		QueueID:   uuid.New(),
		UserID:    "user-1",
		SongID:    songID,
		DeviceID:  "device-1",
		Status:    download.StatusCompleted,
		FileSize:  size,
		FilePath:  fmt.Sprintf("user-1/device-1/%s_medium.audio", songID),
		CreatedAt: time.Now().Add(-createdAgo),
	}

	if accessedAgo >= 0 {
		at := time.Now().Add(-accessedAgo)
		d.LastAccessedAt = &at
	}

	require.NoError(t, e.store.CreateDownload(context.Background(), d))
	e.blob.Put(d.FilePath, make([]byte, size))

	return d.ID
}

func (e *env) recalc(t *testing.T) {
	t.Helper()
	require.NoError(t, e.quota.Recalculate(context.Background(), "user-1", "device-1"))
}

func TestEnforceStorageLimits_UnderBudgetIsNoop(t *testing.T) {
	e := newEnv(t)
	e.setLimit(t, 10, 1000)
	e.addCompleted(t, "song-1", 100, time.Hour, time.Minute)
	e.recalc(t)

	result, err := e.service.EnforceStorageLimits(context.Background(), "user-1", "device-1")
	require.NoError(t, err)

	assert.Zero(t, result.CleanedFiles)
	assert.Zero(t, result.FreedSpace)
	assert.Empty(t, result.DeletedDownloadIDs)
}

func TestEnforceStorageLimits_EvictsLeastRecentlyAccessed(t *testing.T) {
	e := newEnv(t)

	// 55 downloads of 10 bytes against a 50-download cap: exactly 5 must go,
	// and they must be the 5 least recently played.
	e.setLimit(t, 50, 10_000)

	var oldest []uuid.UUID

	for i := 0; i < 55; i++ {
		// Higher index means played more recently.
		id := e.addCompleted(t, fmt.Sprintf("song-%02d", i), 10,
			100*time.Hour, time.Duration(100-i)*time.Hour)
		if i < 5 {
			oldest = append(oldest, id)
		}
	}

	e.recalc(t)

	result, err := e.service.EnforceStorageLimits(context.Background(), "user-1", "device-1")
	require.NoError(t, err)

	assert.Equal(t, 5, result.CleanedFiles)
	assert.Equal(t, int64(50), result.FreedSpace)
	assert.ElementsMatch(t, oldest, result.DeletedDownloadIDs)

	limit, err := e.limits.GetDeviceLimit(context.Background(), "user-1", "device-1")
	require.NoError(t, err)
	assert.Equal(t, 50, limit.CurrentDownloads)
}

func TestEnforceStorageLimits_NeverAccessedEvictedFirst(t *testing.T) {
	e := newEnv(t)
	e.setLimit(t, 2, 10_000)

	e.addCompleted(t, "song-played", 10, 10*time.Hour, time.Minute)
	stale := e.addCompleted(t, "song-never-played", 10, 5*time.Hour, -1)
	e.addCompleted(t, "song-recent", 10, time.Hour, time.Second)
	e.recalc(t)

	result, err := e.service.EnforceStorageLimits(context.Background(), "user-1", "device-1")
	require.NoError(t, err)

	require.Len(t, result.DeletedDownloadIDs, 1)
	assert.Equal(t, stale, result.DeletedDownloadIDs[0])
}

func TestEnforceStorageLimits_EvictsByStorageBytes(t *testing.T) {
	e := newEnv(t)
	e.setLimit(t, 100, 250)

	e.addCompleted(t, "song-1", 100, 3*time.Hour, 3*time.Hour)
	e.addCompleted(t, "song-2", 100, 2*time.Hour, 2*time.Hour)
	e.addCompleted(t, "song-3", 100, time.Hour, time.Hour)
	e.recalc(t)

	result, err := e.service.EnforceStorageLimits(context.Background(), "user-1", "device-1")
	require.NoError(t, err)

	assert.Equal(t, 1, result.CleanedFiles)
	assert.Equal(t, int64(100), result.FreedSpace)

	limit, err := e.limits.GetDeviceLimit(context.Background(), "user-1", "device-1")
	require.NoError(t, err)
	assert.LessOrEqual(t, limit.TotalStorageUsed, int64(250))
}

func TestEnforceStorageLimits_UnknownDevice(t *testing.T) {
	e := newEnv(t)

	result, err := e.service.EnforceStorageLimits(context.Background(), "user-1", "device-unknown")
	require.NoError(t, err)
	assert.Zero(t, result.CleanedFiles)
}

func TestCheckStorageWarnings(t *testing.T) {
	tests := []struct {
		name             string
		currentDownloads int
		maxDownloads     int
		used             int64
		limit            int64
		wantType         download.WarningType
		wantNone         bool
	}{
		{
			name:             "storage critical at 95 percent",
			currentDownloads: 10, maxDownloads: 100,
			used: 95, limit: 100,
			wantType: download.WarningStorageCritical,
		},
		{
			name:             "download limit warning at 96 of 100",
			currentDownloads: 96, maxDownloads: 100,
			used: 10, limit: 100,
			wantType: download.WarningDownloadLimitReached,
		},
		{
			name:             "storage takes precedence over count",
			currentDownloads: 100, maxDownloads: 100,
			used: 99, limit: 100,
			wantType: download.WarningStorageCritical,
		},
		{
			name:             "both below thresholds",
			currentDownloads: 50, maxDownloads: 100,
			used: 50, limit: 100,
			wantNone: true,
		},
		{
			name:             "just under storage threshold",
			currentDownloads: 10, maxDownloads: 100,
			used: 94, limit: 100,
			wantNone: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			require.NoError(t, e.limits.UpsertDeviceLimit(context.Background(), &download.DeviceLimit{
				UserID:           "user-1",
				DeviceID:         "device-1",
				MaxDownloads:     tt.maxDownloads,
				CurrentDownloads: tt.currentDownloads,
				MaxStorageLimit:  tt.limit,
				TotalStorageUsed: tt.used,
				IsActive:         true,
			}))

			warning, err := e.service.CheckStorageWarnings(context.Background(), "user-1", "device-1")
			require.NoError(t, err)

			if tt.wantNone {
				assert.Nil(t, warning)

				return
			}

			require.NotNil(t, warning)
			assert.Equal(t, tt.wantType, warning.Type)
			assert.NotEmpty(t, warning.Message)
		})
	}
}

func TestCheckStorageWarnings_UnknownDevice(t *testing.T) {
	e := newEnv(t)

	warning, err := e.service.CheckStorageWarnings(context.Background(), "user-1", "device-unknown")
	require.NoError(t, err)
	assert.Nil(t, warning)
}
