// Package cleanup enforces device quotas after the fact: it evicts the
// least-recently-accessed completed downloads until both the storage-byte and
// download-count budgets hold, and surfaces storage warnings.
package cleanup

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/soundleaf/offline_sync/internal/blob"
	"github.com/soundleaf/offline_sync/internal/download"
	"github.com/soundleaf/offline_sync/internal/logctx"
	"github.com/soundleaf/offline_sync/internal/quota"
	"github.com/soundleaf/offline_sync/internal/storage"
	"github.com/soundleaf/offline_sync/internal/telemetry"
)

const (
	storageCriticalPercent = 95
	downloadWarningRatio   = 0.96
)

// Service evicts over-quota downloads and reports storage warnings.
type Service struct {
	downloads storage.DownloadRepository
	limits    storage.DeviceLimitRepository
	quota     *quota.Service
	files     blob.Store
	tel       *telemetry.Telemetry
}

func NewService(
	downloads storage.DownloadRepository,
	limits storage.DeviceLimitRepository,
	quotaSvc *quota.Service,
	files blob.Store,
	tel *telemetry.Telemetry,
) *Service {
	return &Service{
		downloads: downloads,
		limits:    limits,
		quota:     quotaSvc,
		files:     files,
		tel:       tel,
	}
}

// EnforceStorageLimits evicts completed downloads, least recently accessed
// first, until the device is under both budgets. A device already under
// budget yields a zero-effect result. Eviction runs under the device lock so
// it cannot race concurrent admission for the same device.
func (s *Service) EnforceStorageLimits(ctx context.Context, userID, deviceID string) (*download.CleanupResult, error) {
	logger := logctx.LoggerFromContext(ctx).With("user_id", userID, "device_id", deviceID)
	result := &download.CleanupResult{}

	err := s.quota.WithDeviceLock(userID, deviceID, func() error {
		limit, err := s.limits.GetDeviceLimit(ctx, userID, deviceID)
		if err != nil {
			return fmt.Errorf("failed to load device limit: %w", err)
		}

		if limit == nil {
			return nil
		}

		if limit.TotalStorageUsed <= limit.MaxStorageLimit && limit.CurrentDownloads <= limit.MaxDownloads {
			return nil
		}

		candidates, err := s.downloads.FindCompletedDownloads(ctx, userID, deviceID)
		if err != nil {
			return fmt.Errorf("failed to load eviction candidates: %w", err)
		}

		sortByRecency(candidates)

		used := limit.TotalStorageUsed
		count := limit.CurrentDownloads

		for _, d := range candidates {
			if used <= limit.MaxStorageLimit && count <= limit.MaxDownloads {
				break
			}

			if d.FilePath != "" {
				if _, err := s.files.Delete(d.FilePath); err != nil {
					return fmt.Errorf("failed to delete file %s: %w", d.FilePath, err)
				}
			}

			if err := s.downloads.DeleteDownload(ctx, d.ID); err != nil {
				return fmt.Errorf("failed to delete download record: %w", err)
			}

			// Recompute from the store after every deletion so the loop
			// works against actual usage, not a running guess.
			count, used, err = s.limits.CalculateDeviceStorageUsage(ctx, userID, deviceID)
			if err != nil {
				return fmt.Errorf("failed to recalculate usage: %w", err)
			}

			result.CleanedFiles++
			result.FreedSpace += d.FileSize
			result.DeletedDownloadIDs = append(result.DeletedDownloadIDs, d.ID)

			s.tel.RecordEviction(d.FileSize)
			logger.Info("evicted download",
				"download_id", d.ID,
				"song_id", d.SongID,
				"freed", humanize.Bytes(uint64(d.FileSize)),
			)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// CheckStorageWarnings returns at most one warning per call; storage takes
// precedence over the download-count warning.
func (s *Service) CheckStorageWarnings(ctx context.Context, userID, deviceID string) (*download.Warning, error) {
	limit, err := s.limits.GetDeviceLimit(ctx, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load device limit: %w", err)
	}

	if limit == nil || limit.MaxStorageLimit == 0 || limit.MaxDownloads == 0 {
		return nil, nil
	}

	storagePercent := int(math.Round(100 * float64(limit.TotalStorageUsed) / float64(limit.MaxStorageLimit)))

	if storagePercent >= storageCriticalPercent {
		w := &download.Warning{
			Type:           download.WarningStorageCritical,
			StoragePercent: storagePercent,
			Message: fmt.Sprintf("Storage almost full: %s of %s used",
				humanize.Bytes(uint64(limit.TotalStorageUsed)),
				humanize.Bytes(uint64(limit.MaxStorageLimit))),
		}

		s.tel.RecordStorageWarning(string(w.Type))

		return w, nil
	}

	countRatio := float64(limit.CurrentDownloads) / float64(limit.MaxDownloads)
	if countRatio >= downloadWarningRatio {
		w := &download.Warning{
			Type:           download.WarningDownloadLimitReached,
			StoragePercent: storagePercent,
			Message: fmt.Sprintf("Approaching download limit: %d of %d used",
				limit.CurrentDownloads, limit.MaxDownloads),
		}

		s.tel.RecordStorageWarning(string(w.Type))

		return w, nil
	}

	return nil, nil
}

// sortByRecency orders eviction candidates least-recently-accessed first.
// Never-accessed downloads sort oldest; ties break on creation time.
func sortByRecency(downloads []*download.Download) {
	sort.SliceStable(downloads, func(i, j int) bool {
		ai, aj := accessTime(downloads[i]), accessTime(downloads[j])
		if !ai.Equal(aj) {
			return ai.Before(aj)
		}

		return downloads[i].CreatedAt.Before(downloads[j].CreatedAt)
	})
}

func accessTime(d *download.Download) time.Time {
	if d.LastAccessedAt == nil {
		return time.Time{}
	}

	return *d.LastAccessedAt
}
