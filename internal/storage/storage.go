// Package storage defines the repository contracts the services depend on.
// The sqlite sub-package holds the durable implementation; tests use
// in-memory fakes.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/soundleaf/offline_sync/internal/download"
)

// DownloadRepository is the durable record of per-song downloads.
type DownloadRepository interface {
	CreateDownload(ctx context.Context, d *download.Download) error
	GetDownload(ctx context.Context, id uuid.UUID) (*download.Download, error)
	FindByUserAndSong(ctx context.Context, userID, songID, deviceID string) (*download.Download, error)
	FindCompletedDownloads(ctx context.Context, userID, deviceID string) ([]*download.Download, error)
	FindByQueue(ctx context.Context, queueID uuid.UUID) ([]*download.Download, error)
	// FindActiveSongIDs returns song ids with a non-terminal or completed
	// download for the device, used to filter prefetch candidates.
	FindActiveSongIDs(ctx context.Context, userID, deviceID string) ([]string, error)
	UpdateDownloadStatus(ctx context.Context, id uuid.UUID, status download.Status, errorMessage string) error
	UpdateDownloadProgress(ctx context.Context, id uuid.UUID, progress int, downloadedSize int64) error
	UpdateLastAccessTime(ctx context.Context, id uuid.UUID, at time.Time) error
	DeleteDownload(ctx context.Context, id uuid.UUID) error
	// CompleteSong atomically finalizes one song: it writes the download's
	// terminal status and bumps the parent queue's completed/failed counters
	// and actual size in a single transaction.
	CompleteSong(ctx context.Context, d *download.Download, succeeded bool) error
}

// QueueRepository is the durable record of batch queues.
type QueueRepository interface {
	CreateQueue(ctx context.Context, q *download.Queue) error
	GetQueue(ctx context.Context, id uuid.UUID) (*download.Queue, error)
	GetActiveQueues(ctx context.Context) ([]*download.Queue, error)
	UpdateQueueStatus(ctx context.Context, id uuid.UUID, status download.QueueStatus) error
	// ClaimQueue atomically leases a pending queue to the given owner.
	// Returns false when the queue is no longer claimable.
	ClaimQueue(ctx context.Context, id uuid.UUID, ownerID string, at time.Time) (bool, error)
	ReleaseQueue(ctx context.Context, id uuid.UUID) error
	HeartbeatQueue(ctx context.Context, id uuid.UUID, ownerID string, at time.Time) error
	// RecoverStaleLeases resets processing queues whose lease expired before
	// the cutoff back to pending and returns them for re-dispatch.
	RecoverStaleLeases(ctx context.Context, cutoff time.Time) ([]*download.Queue, error)
}

// DeviceLimitRepository caches per-device budgets and usage counters.
type DeviceLimitRepository interface {
	GetDeviceLimit(ctx context.Context, userID, deviceID string) (*download.DeviceLimit, error)
	UpsertDeviceLimit(ctx context.Context, limit *download.DeviceLimit) error
	// CalculateDeviceStorageUsage recomputes count and bytes from download
	// rows and persists them on the limit record. Completed rows count at
	// their actual file size; pending and downloading rows count at their
	// quality's estimated size so admitted work reserves budget.
	CalculateDeviceStorageUsage(ctx context.Context, userID, deviceID string) (count int, bytes int64, err error)
	ListActiveDeviceLimits(ctx context.Context) ([]*download.DeviceLimit, error)
}

// SessionRepository persists offline playback sessions.
type SessionRepository interface {
	CreateSession(ctx context.Context, s *download.PlaybackSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*download.PlaybackSession, error)
	UpdateSessionProgress(ctx context.Context, id uuid.UUID, position, duration time.Duration) error
	CloseSession(ctx context.Context, id uuid.UUID, totalDuration time.Duration, completed bool) error
}

// PredictionRepository persists smart-download predictions and their
// realized plays.
type PredictionRepository interface {
	CreatePrediction(ctx context.Context, p *download.PredictionRecord) error
	// AttributePlay marks the most recent unplayed prediction for the song
	// inside the attribution window as played. Returns the updated record,
	// or nil when nothing matched.
	AttributePlay(ctx context.Context, userID, songID string, playedAt time.Time, window time.Duration) (*download.PredictionRecord, error)
	AccuracyByType(ctx context.Context, userID string) (map[download.PredictionType]download.AccuracyBucket, error)
	OverallAccuracy(ctx context.Context) (float64, error)
}
