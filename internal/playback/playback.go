// Package playback validates and serves locally cached content. Playing a
// song refreshes its access recency, which is the signal the cleanup
// service's LRU eviction consumes.
package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/soundleaf/offline_sync/internal/blob"
	"github.com/soundleaf/offline_sync/internal/download"
	"github.com/soundleaf/offline_sync/internal/logctx"
	"github.com/soundleaf/offline_sync/internal/storage"
	"golang.org/x/sync/errgroup"
)

const networkStatusOffline = "offline"

// verifyParallelism bounds the file checks running at once during a sweep.
const verifyParallelism = 4

// OfflineContentSummary is one locally available song.
type OfflineContentSummary struct {
	DownloadID     uuid.UUID
	SongID         string
	Quality        download.Quality
	FileSize       int64
	DownloadedAt   *time.Time
	LastAccessedAt *time.Time
}

// PlayRecorder attributes a play to an outstanding prefetch prediction.
type PlayRecorder interface {
	RecordPlay(ctx context.Context, userID, songID string, playedAt time.Time) error
}

// Service serves offline content and records playback sessions.
type Service struct {
	downloads storage.DownloadRepository
	sessions  storage.SessionRepository
	files     blob.Store
	recorder  PlayRecorder
}

func NewService(downloads storage.DownloadRepository, sessions storage.SessionRepository, files blob.Store, recorder PlayRecorder) *Service {
	return &Service{downloads: downloads, sessions: sessions, files: files, recorder: recorder}
}

// OfflineContent lists the completed downloads available on a device.
func (s *Service) OfflineContent(ctx context.Context, userID, deviceID string) ([]OfflineContentSummary, error) {
	completed, err := s.downloads.FindCompletedDownloads(ctx, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list offline content: %w", err)
	}

	out := make([]OfflineContentSummary, 0, len(completed))
	for _, d := range completed {
		out = append(out, OfflineContentSummary{
			DownloadID:     d.ID,
			SongID:         d.SongID,
			Quality:        d.Quality,
			FileSize:       d.FileSize,
			DownloadedAt:   d.CompletedAt,
			LastAccessedAt: d.LastAccessedAt,
		})
	}

	return out, nil
}

// StartPlayback opens an offline session for a downloaded song. A download
// whose backing file went missing is marked failed on the spot, so stale
// completed records self-heal.
func (s *Service) StartPlayback(ctx context.Context, userID, deviceID, songID string) (*download.PlaybackSession, error) {
	d, err := s.validatedDownload(ctx, userID, deviceID, songID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	session := &download.PlaybackSession{
		ID:            uuid.New(),
		UserID:        userID,
		DeviceID:      deviceID,
		SongID:        songID,
		DownloadID:    d.ID,
		StartedAt:     now,
		NetworkStatus: networkStatusOffline,
	}

	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create playback session: %w", err)
	}

	// Recency feeds LRU eviction; a failed write must not block playback.
	if err := s.downloads.UpdateLastAccessTime(ctx, d.ID, now); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to update access time",
			"download_id", d.ID, "err", err)
	}

	// Attribution is best effort for the same reason.
	if s.recorder != nil {
		if err := s.recorder.RecordPlay(ctx, userID, songID, now); err != nil {
			logctx.LoggerFromContext(ctx).Error("failed to attribute play",
				"song_id", songID, "err", err)
		}
	}

	return session, nil
}

// PlaybackURL returns a local file reference after the same existence and
// integrity checks as StartPlayback.
func (s *Service) PlaybackURL(ctx context.Context, userID, deviceID, songID string) (string, error) {
	d, err := s.validatedDownload(ctx, userID, deviceID, songID)
	if err != nil {
		return "", err
	}

	return s.files.PlaybackURL(d.FilePath), nil
}

// UpdateProgress persists mid-session telemetry.
func (s *Service) UpdateProgress(ctx context.Context, sessionID uuid.UUID, position, duration time.Duration) error {
	return s.sessions.UpdateSessionProgress(ctx, sessionID, position, duration)
}

// EndPlayback closes a session.
func (s *Service) EndPlayback(ctx context.Context, sessionID uuid.UUID, totalDuration time.Duration, completed bool) error {
	return s.sessions.CloseSession(ctx, sessionID, totalDuration, completed)
}

// VerifyFiles sweeps every completed download on the device and checks the
// backing file's existence and size. Corrupt downloads are marked failed and
// excluded from the valid count.
func (s *Service) VerifyFiles(ctx context.Context, userID, deviceID string) (*download.VerificationResult, error) {
	completed, err := s.downloads.FindCompletedDownloads(ctx, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads for verification: %w", err)
	}

	result := &download.VerificationResult{TotalFiles: len(completed)}

	var mu sync.Mutex

	wg, ctx := errgroup.WithContext(ctx)
	wg.SetLimit(verifyParallelism)

	for _, d := range completed {
		wg.Go(func() error {
			if s.files.VerifyIntegrity(d.FilePath, d.FileSize) {
				mu.Lock()
				result.ValidFiles++
				mu.Unlock()

				return nil
			}

			if err := s.downloads.UpdateDownloadStatus(ctx, d.ID, download.StatusFailed, "File corrupted"); err != nil {
				return fmt.Errorf("failed to mark download corrupted: %w", err)
			}

			mu.Lock()
			result.InvalidFiles++
			result.CorruptedDownloadIDs = append(result.CorruptedDownloadIDs, d.ID)
			mu.Unlock()

			return nil
		})
	}

	if err := wg.Wait(); err != nil {
		return nil, err
	}

	return result, nil
}

// validatedDownload loads the completed download for the triple and checks
// its backing file, self-healing stale records.
func (s *Service) validatedDownload(ctx context.Context, userID, deviceID, songID string) (*download.Download, error) {
	d, err := s.downloads.FindByUserAndSong(ctx, userID, songID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up download: %w", err)
	}

	if d == nil || d.Status != download.StatusCompleted {
		return nil, &download.NotFoundError{Kind: "download", ID: songID}
	}

	if !s.files.Exists(d.FilePath) {
		if err := s.downloads.UpdateDownloadStatus(ctx, d.ID, download.StatusFailed, "File not found"); err != nil {
			logctx.LoggerFromContext(ctx).Error("failed to mark stale download",
				"download_id", d.ID, "err", err)
		}

		return nil, &download.IntegrityError{Path: d.FilePath, Reason: "file not found"}
	}

	return d, nil
}
