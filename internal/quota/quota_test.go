package quota_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundleaf/offline_sync/internal/download"
	"github.com/soundleaf/offline_sync/internal/quota"
	"github.com/soundleaf/offline_sync/internal/storage/storagetest"
)

func newService() (*quota.Service, *storagetest.Limits) {
	store := storagetest.NewStore()
	limits := storagetest.NewLimits(store)

	svc := quota.NewService(limits, &quota.StaticPlanResolver{
		Plan: quota.Plan{ID: "premium", MaxDownloads: 100, MaxStorageLimit: 1000},
	})

	return svc, limits
}

func TestEnsureLimit_CreatesFromPlan(t *testing.T) {
	svc, limits := newService()

	limit, err := svc.EnsureLimit(context.Background(), "user-1", "device-1")
	require.NoError(t, err)

	assert.Equal(t, "premium", limit.SubscriptionPlanID)
	assert.Equal(t, 100, limit.MaxDownloads)
	assert.Equal(t, int64(1000), limit.MaxStorageLimit)
	assert.True(t, limit.IsActive)

	stored, err := limits.GetDeviceLimit(context.Background(), "user-1", "device-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestCheckAdmission(t *testing.T) {
	svc, _ := newService()

	tests := []struct {
		name          string
		limit         download.DeviceLimit
		songCount     int
		estimatedSize int64
		wantLimit     string // "" means admitted
	}{
		{
			name:          "fits both budgets",
			limit:         download.DeviceLimit{MaxDownloads: 100, CurrentDownloads: 50, MaxStorageLimit: 1000, TotalStorageUsed: 100},
			songCount:     1,
			estimatedSize: 100,
		},
		{
			name:          "count already exhausted",
			limit:         download.DeviceLimit{MaxDownloads: 100, CurrentDownloads: 100, MaxStorageLimit: 1000},
			songCount:     1,
			estimatedSize: 1,
			wantLimit:     "downloads",
		},
		{
			name:          "batch would cross the count cap",
			limit:         download.DeviceLimit{MaxDownloads: 100, CurrentDownloads: 99, MaxStorageLimit: 1000},
			songCount:     2,
			estimatedSize: 1,
			wantLimit:     "downloads",
		},
		{
			name:          "storage already exhausted",
			limit:         download.DeviceLimit{MaxDownloads: 100, MaxStorageLimit: 1000, TotalStorageUsed: 1000},
			songCount:     1,
			estimatedSize: 1,
			wantLimit:     "storage",
		},
		{
			name:          "estimate would cross the storage cap",
			limit:         download.DeviceLimit{MaxDownloads: 100, MaxStorageLimit: 1000, TotalStorageUsed: 900},
			songCount:     1,
			estimatedSize: 200,
			wantLimit:     "storage",
		},
		{
			name:          "estimate exactly fills storage",
			limit:         download.DeviceLimit{MaxDownloads: 100, MaxStorageLimit: 1000, TotalStorageUsed: 900},
			songCount:     1,
			estimatedSize: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.CheckAdmission(&tt.limit, tt.songCount, tt.estimatedSize)

			if tt.wantLimit == "" {
				assert.NoError(t, err)

				return
			}

			var qerr *download.QuotaExceededError
			require.ErrorAs(t, err, &qerr)
			assert.Equal(t, tt.wantLimit, qerr.Limit)
		})
	}
}

func TestReserveAdmission_CountsInFlightRows(t *testing.T) {
	store := storagetest.NewStore()
	limits := storagetest.NewLimits(store)

	svc := quota.NewService(limits, &quota.StaticPlanResolver{
		Plan: quota.Plan{ID: "premium", MaxDownloads: 2, MaxStorageLimit: 1 << 30},
	})

	ctx := context.Background()

	require.NoError(t, store.CreateDownload(ctx, &download.Download{
		ID:       uuid.New(),
		QueueID:  uuid.New(),
		UserID:   "user-1",
		SongID:   "song-1",
		DeviceID: "device-1",
		Quality:  download.QualityLow,
		Status:   download.StatusPending,
	}))

	// The pending row occupies one slot and its estimated bytes.
	limit, err := svc.ReserveAdmission(ctx, "user-1", "device-1", 1, download.QualityLow.EstimatedSongSize())
	require.NoError(t, err)
	assert.Equal(t, 1, limit.CurrentDownloads)
	assert.Equal(t, download.QualityLow.EstimatedSongSize(), limit.TotalStorageUsed)

	_, err = svc.ReserveAdmission(ctx, "user-1", "device-1", 2, 2*download.QualityLow.EstimatedSongSize())

	var qerr *download.QuotaExceededError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, "downloads", qerr.Limit)
}

func TestStorageInfo(t *testing.T) {
	svc, limits := newService()

	ctx := context.Background()

	_, err := svc.EnsureLimit(ctx, "user-1", "device-1")
	require.NoError(t, err)

	stored, err := limits.GetDeviceLimit(ctx, "user-1", "device-1")
	require.NoError(t, err)
	stored.CurrentDownloads = 40
	stored.TotalStorageUsed = 250
	require.NoError(t, limits.UpsertDeviceLimit(ctx, stored))

	info, err := svc.StorageInfo(ctx, "user-1", "device-1")
	require.NoError(t, err)

	assert.Equal(t, 60, info.AvailableDownloads())
	assert.Equal(t, 25, info.UsagePercent())
}
