// Package download holds the domain model of the offline sync engine:
// download records, batch queues, device limits and the enums shared by
// every service.
package download

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// ContentType identifies what a download request refers to.
type ContentType string

const (
	ContentSong     ContentType = "song"
	ContentAlbum    ContentType = "album"
	ContentPlaylist ContentType = "playlist"
)

// Valid reports whether the content type is one of the known values.
func (c ContentType) Valid() bool {
	switch c {
	case ContentSong, ContentAlbum, ContentPlaylist:
		return true
	}

	return false
}

// Quality is the audio quality a download was requested at.
type Quality string

const (
	QualityLow      Quality = "low"
	QualityMedium   Quality = "medium"
	QualityHigh     Quality = "high"
	QualityLossless Quality = "lossless"
)

const mb = 1024 * 1024

// EstimatedSongSize returns the per-song byte estimate used for queue
// admission before the real file size is known.
func (q Quality) EstimatedSongSize() int64 {
	switch q {
	case QualityLow:
		return 3 * mb
	case QualityMedium:
		return 5 * mb
	case QualityHigh:
		return 8 * mb
	case QualityLossless:
		return 25 * mb
	}

	return 0
}

// Valid reports whether the quality is one of the known values.
func (q Quality) Valid() bool {
	return q.EstimatedSongSize() > 0
}

// Status is the per-song download state machine:
// pending -> downloading -> {completed | failed | cancelled}.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// IsTerminal reports whether the status can no longer transition.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}

	return false
}

// QueueStatus is the batch-level state machine.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueuePaused     QueueStatus = "paused"
	QueueCompleted  QueueStatus = "completed"
	QueueCancelled  QueueStatus = "cancelled"
)

// PredictionType tags why the smart download service picked a song.
type PredictionType string

const (
	PredictionSimilarToLiked PredictionType = "similar_to_liked"
	PredictionTimeBased      PredictionType = "time_based"
	PredictionGenreBased     PredictionType = "genre_based"
	PredictionRepeatListen   PredictionType = "repeat_listen"
)

// WarningType classifies storage warnings surfaced by the cleanup service.
type WarningType string

const (
	WarningStorageCritical      WarningType = "storage_critical"
	WarningDownloadLimitReached WarningType = "download_limit_warning"
)

// Request is the transient input to the queue processor. It is never
// persisted directly; admission turns it into a Queue plus child Downloads.
type Request struct {
	ContentType ContentType
	ContentID   string
	Quality     Quality
	DeviceID    string
	// Priority orders scheduling, lower is more urgent. User requests use
	// PriorityUser, smart downloads use PriorityBackground.
	Priority int
}

const (
	PriorityUser       = 1
	PriorityBackground = 10
)

// Validate checks the request shape before any state is touched.
func (r Request) Validate() error {
	if !r.ContentType.Valid() {
		return &ValidationError{Field: "content_type", Reason: fmt.Sprintf("unknown content type %q", r.ContentType)}
	}

	if r.ContentID == "" {
		return &ValidationError{Field: "content_id", Reason: "must not be empty"}
	}

	if !r.Quality.Valid() {
		return &ValidationError{Field: "quality", Reason: fmt.Sprintf("unknown quality %q", r.Quality)}
	}

	if r.DeviceID == "" {
		return &ValidationError{Field: "device_id", Reason: "must not be empty"}
	}

	return nil
}

// Download is the per-song unit of offline content.
type Download struct {
	ID             uuid.UUID
	QueueID        uuid.UUID
	UserID         string
	SongID         string
	DeviceID       string
	Quality        Quality
	Status         Status
	Progress       int // 0-100
	FileSize       int64
	DownloadedSize int64
	FilePath       string
	DownloadURL    string
	RetryCount     int
	ErrorMessage   string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	LastAccessedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Queue is the batch unit for album/playlist (and single-song) requests.
type Queue struct {
	ID             uuid.UUID
	UserID         string
	DeviceID       string
	ContentType    ContentType
	ContentID      string
	Priority       int
	Quality        Quality
	Status         QueueStatus
	TotalSongs     int
	CompletedSongs int
	FailedSongs    int
	EstimatedSize  int64
	ActualSize     int64
	LockedBy       string
	LeaseAt        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProgressPercent reports batch progress as round(100*completed/total).
func (q *Queue) ProgressPercent() int {
	if q.TotalSongs == 0 {
		return 0
	}

	return int(math.Round(100 * float64(q.CompletedSongs) / float64(q.TotalSongs)))
}

// AllSettled reports whether every child song reached a terminal state.
func (q *Queue) AllSettled() bool {
	return q.CompletedSongs+q.FailedSongs >= q.TotalSongs
}

// DeviceLimit caches the per-device budget derived from the subscription plan.
type DeviceLimit struct {
	UserID             string
	DeviceID           string
	SubscriptionPlanID string
	MaxDownloads       int
	CurrentDownloads   int
	TotalStorageUsed   int64
	MaxStorageLimit    int64
	IsActive           bool
	UpdatedAt          time.Time
}

// StorageInfo is the user-facing view of a device budget.
type StorageInfo struct {
	MaxDownloads     int
	CurrentDownloads int
	StorageUsed      int64
	StorageLimit     int64
}

func (s StorageInfo) AvailableDownloads() int {
	return s.MaxDownloads - s.CurrentDownloads
}

func (s StorageInfo) UsagePercent() int {
	if s.StorageLimit == 0 {
		return 0
	}

	return int(math.Round(100 * float64(s.StorageUsed) / float64(s.StorageLimit)))
}

func (s StorageInfo) IsStorageFull() bool {
	return s.StorageUsed >= s.StorageLimit
}

func (s StorageInfo) IsDownloadLimitReached() bool {
	return s.CurrentDownloads >= s.MaxDownloads
}

// PlaybackSession records one offline-listening interval. It is created at
// playback start, closed at playback end and read-only afterward.
type PlaybackSession struct {
	ID          uuid.UUID
	UserID      string
	DeviceID    string
	SongID      string
	DownloadID  uuid.UUID
	StartedAt   time.Time
	EndedAt     *time.Time
	Duration    time.Duration
	IsCompleted bool
	// NetworkStatus is always "offline" for sessions created here.
	NetworkStatus string
}

// PredictionRecord tracks one smart-download prediction and, once the song
// is actually played inside the attribution window, its realized play.
type PredictionRecord struct {
	ID          uuid.UUID
	UserID      string
	SongID      string
	Type        PredictionType
	Confidence  float64
	PredictedAt time.Time
	PlayedAt    *time.Time
}

// AccuracyBucket counts predictions and realized plays for one type.
type AccuracyBucket struct {
	Predictions int
	Played      int
}

// CleanupResult summarizes one eviction pass.
type CleanupResult struct {
	CleanedFiles       int
	FreedSpace         int64
	DeletedDownloadIDs []uuid.UUID
}

// Warning is a storage or download-count warning for a device.
type Warning struct {
	Type           WarningType
	StoragePercent int
	Message        string
}

// VerificationResult summarizes an offline-file integrity sweep.
type VerificationResult struct {
	TotalFiles           int
	ValidFiles           int
	InvalidFiles         int
	CorruptedDownloadIDs []uuid.UUID
}
