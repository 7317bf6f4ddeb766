package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/soundleaf/offline_sync/internal/download"
	"github.com/soundleaf/offline_sync/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo *DownloadRepository
	tel  *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(db *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{repo: NewDownloadRepository(db), tel: tel}
}

func (r *InstrumentedDownloadRepository) CreateDownload(ctx context.Context, d *download.Download) error {
	return r.tel.InstrumentDBOperation(ctx, "create_download", func(ctx context.Context) error {
		return r.repo.CreateDownload(ctx, d)
	})
}

func (r *InstrumentedDownloadRepository) GetDownload(ctx context.Context, id uuid.UUID) (*download.Download, error) {
	var result *download.Download

	err := r.tel.InstrumentDBOperation(ctx, "get_download", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetDownload(ctx, id)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) FindByUserAndSong(ctx context.Context, userID, songID, deviceID string) (*download.Download, error) {
	var result *download.Download

	err := r.tel.InstrumentDBOperation(ctx, "find_by_user_and_song", func(ctx context.Context) error {
		var err error
		result, err = r.repo.FindByUserAndSong(ctx, userID, songID, deviceID)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) FindCompletedDownloads(ctx context.Context, userID, deviceID string) ([]*download.Download, error) {
	var result []*download.Download

	err := r.tel.InstrumentDBOperation(ctx, "find_completed_downloads", func(ctx context.Context) error {
		var err error
		result, err = r.repo.FindCompletedDownloads(ctx, userID, deviceID)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) FindByQueue(ctx context.Context, queueID uuid.UUID) ([]*download.Download, error) {
	var result []*download.Download

	err := r.tel.InstrumentDBOperation(ctx, "find_by_queue", func(ctx context.Context) error {
		var err error
		result, err = r.repo.FindByQueue(ctx, queueID)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) FindActiveSongIDs(ctx context.Context, userID, deviceID string) ([]string, error) {
	var result []string

	err := r.tel.InstrumentDBOperation(ctx, "find_active_song_ids", func(ctx context.Context) error {
		var err error
		result, err = r.repo.FindActiveSongIDs(ctx, userID, deviceID)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) UpdateDownloadStatus(ctx context.Context, id uuid.UUID, status download.Status, errorMessage string) error {
	return r.tel.InstrumentDBOperation(ctx, "update_download_status", func(ctx context.Context) error {
		return r.repo.UpdateDownloadStatus(ctx, id, status, errorMessage)
	})
}

func (r *InstrumentedDownloadRepository) UpdateDownloadProgress(ctx context.Context, id uuid.UUID, progress int, downloadedSize int64) error {
	return r.tel.InstrumentDBOperation(ctx, "update_download_progress", func(ctx context.Context) error {
		return r.repo.UpdateDownloadProgress(ctx, id, progress, downloadedSize)
	})
}

func (r *InstrumentedDownloadRepository) UpdateLastAccessTime(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.tel.InstrumentDBOperation(ctx, "update_last_access_time", func(ctx context.Context) error {
		return r.repo.UpdateLastAccessTime(ctx, id, at)
	})
}

func (r *InstrumentedDownloadRepository) DeleteDownload(ctx context.Context, id uuid.UUID) error {
	return r.tel.InstrumentDBOperation(ctx, "delete_download", func(ctx context.Context) error {
		return r.repo.DeleteDownload(ctx, id)
	})
}

func (r *InstrumentedDownloadRepository) CompleteSong(ctx context.Context, d *download.Download, succeeded bool) error {
	return r.tel.InstrumentDBOperation(ctx, "complete_song", func(ctx context.Context) error {
		return r.repo.CompleteSong(ctx, d, succeeded)
	})
}

// InstrumentedQueueRepository wraps QueueRepository with telemetry.
type InstrumentedQueueRepository struct {
	repo *QueueRepository
	tel  *telemetry.Telemetry
}

// NewInstrumentedQueueRepository creates a new instrumented queue repository.
func NewInstrumentedQueueRepository(db *sql.DB, tel *telemetry.Telemetry) *InstrumentedQueueRepository {
	return &InstrumentedQueueRepository{repo: NewQueueRepository(db), tel: tel}
}

func (r *InstrumentedQueueRepository) CreateQueue(ctx context.Context, q *download.Queue) error {
	return r.tel.InstrumentDBOperation(ctx, "create_queue", func(ctx context.Context) error {
		return r.repo.CreateQueue(ctx, q)
	})
}

func (r *InstrumentedQueueRepository) GetQueue(ctx context.Context, id uuid.UUID) (*download.Queue, error) {
	var result *download.Queue

	err := r.tel.InstrumentDBOperation(ctx, "get_queue", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetQueue(ctx, id)

		return err
	})

	return result, err
}

func (r *InstrumentedQueueRepository) GetActiveQueues(ctx context.Context) ([]*download.Queue, error) {
	var result []*download.Queue

	err := r.tel.InstrumentDBOperation(ctx, "get_active_queues", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetActiveQueues(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedQueueRepository) UpdateQueueStatus(ctx context.Context, id uuid.UUID, status download.QueueStatus) error {
	return r.tel.InstrumentDBOperation(ctx, "update_queue_status", func(ctx context.Context) error {
		return r.repo.UpdateQueueStatus(ctx, id, status)
	})
}

func (r *InstrumentedQueueRepository) ClaimQueue(ctx context.Context, id uuid.UUID, ownerID string, at time.Time) (bool, error) {
	var result bool

	err := r.tel.InstrumentDBOperation(ctx, "claim_queue", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ClaimQueue(ctx, id, ownerID, at)

		return err
	})

	return result, err
}

func (r *InstrumentedQueueRepository) ReleaseQueue(ctx context.Context, id uuid.UUID) error {
	return r.tel.InstrumentDBOperation(ctx, "release_queue", func(ctx context.Context) error {
		return r.repo.ReleaseQueue(ctx, id)
	})
}

func (r *InstrumentedQueueRepository) HeartbeatQueue(ctx context.Context, id uuid.UUID, ownerID string, at time.Time) error {
	return r.tel.InstrumentDBOperation(ctx, "heartbeat_queue", func(ctx context.Context) error {
		return r.repo.HeartbeatQueue(ctx, id, ownerID, at)
	})
}

func (r *InstrumentedQueueRepository) RecoverStaleLeases(ctx context.Context, cutoff time.Time) ([]*download.Queue, error) {
	var result []*download.Queue

	err := r.tel.InstrumentDBOperation(ctx, "recover_stale_leases", func(ctx context.Context) error {
		var err error
		result, err = r.repo.RecoverStaleLeases(ctx, cutoff)

		return err
	})

	return result, err
}
