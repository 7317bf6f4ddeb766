package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/soundleaf/offline_sync/internal/download"
	"github.com/soundleaf/offline_sync/internal/logctx"
	"github.com/soundleaf/offline_sync/internal/transfer/progress"
)

// Sentinels used by workers to abort a transfer at a checkpoint.
var (
	errCancelled = errors.New("queue cancelled")
	errPaused    = errors.New("queue paused")
)

// process claims the queue lease and works through its songs one at a time.
// A failed song never aborts its siblings.
func (p *Processor) process(ctx context.Context, queueID uuid.UUID) error {
	logger := logctx.LoggerFromContext(ctx).With("queue_id", queueID)

	claimed, err := p.queues.ClaimQueue(ctx, queueID, p.ownerID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to claim queue: %w", err)
	}

	if !claimed {
		// Paused, cancelled or leased elsewhere since it was enqueued.
		logger.Debug("queue no longer claimable")

		return nil
	}

	defer func() {
		if err := p.queues.ReleaseQueue(ctx, queueID); err != nil {
			logger.Error("failed to release queue lease", "err", err)
		}
	}()

	children, err := p.downloads.FindByQueue(ctx, queueID)
	if err != nil {
		return fmt.Errorf("failed to load queue downloads: %w", err)
	}

	for _, d := range children {
		if d.Status.IsTerminal() {
			continue
		}

		// Checkpoint between songs: durable status wins over the in-memory
		// schedule.
		q, err := p.queues.GetQueue(ctx, queueID)
		if err != nil {
			return fmt.Errorf("failed to reload queue: %w", err)
		}

		switch q.Status {
		case download.QueueCancelled:
			return p.cancelRemaining(ctx, children)
		case download.QueuePaused:
			logger.Info("queue paused, worker unbinding")

			return nil
		}

		if err := p.processSong(ctx, q, d); err != nil {
			if errors.Is(err, errPaused) || errors.Is(err, errCancelled) {
				continue
			}

			return err
		}

		if err := p.queues.HeartbeatQueue(ctx, queueID, p.ownerID, time.Now()); err != nil {
			logger.Error("failed to heartbeat lease", "err", err)
		}
	}

	return p.finalize(ctx, queueID)
}

// processSong transfers one song with bounded exponential retry on transient
// failures. Outcome writes are one atomic unit per song.
func (p *Processor) processSong(ctx context.Context, q *download.Queue, d *download.Download) error {
	logger := logctx.LoggerFromContext(ctx).With("queue_id", q.ID, "song_id", d.SongID)

	transferErr := p.tel.InstrumentDownload(ctx, func(ctx context.Context) error {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = p.cfg.RetryInitialInterval

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			err := p.transferSong(ctx, q, d)
			if err == nil {
				return struct{}{}, nil
			}

			if !download.IsTransient(err) {
				return struct{}{}, backoff.Permanent(err)
			}

			d.RetryCount++
			p.tel.RecordRetry()
			logger.Warn("transient transfer failure, retrying", "attempt", d.RetryCount, "err", err)

			return struct{}{}, err
		}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(p.cfg.MaxRetries)))

		return err
	})

	now := time.Now().UTC()

	switch {
	case transferErr == nil:
		d.Status = download.StatusCompleted
		d.Progress = 100
		d.CompletedAt = &now
		d.ErrorMessage = ""

		if err := p.downloads.CompleteSong(ctx, d, true); err != nil {
			return fmt.Errorf("failed to finalize song: %w", err)
		}

		logger.Info("song downloaded", "size", humanize.Bytes(uint64(d.FileSize)))

		return p.quota.WithDeviceLock(d.UserID, d.DeviceID, func() error {
			return p.quota.Recalculate(ctx, d.UserID, d.DeviceID)
		})

	case errors.Is(transferErr, errCancelled):
		p.discardPartial(ctx, d)

		if err := p.downloads.UpdateDownloadStatus(ctx, d.ID, download.StatusCancelled, ""); err != nil {
			return fmt.Errorf("failed to cancel download: %w", err)
		}

		return errCancelled

	case errors.Is(transferErr, errPaused):
		p.discardPartial(ctx, d)

		// Reset so a resumed queue re-downloads the song from scratch.
		if err := p.downloads.UpdateDownloadStatus(ctx, d.ID, download.StatusPending, ""); err != nil {
			return fmt.Errorf("failed to reset download: %w", err)
		}

		return errPaused

	default:
		p.discardPartial(ctx, d)

		d.Status = download.StatusFailed
		d.ErrorMessage = transferErr.Error()
		d.FileSize = 0
		d.DownloadedSize = 0
		d.FilePath = ""

		if err := p.downloads.CompleteSong(ctx, d, false); err != nil {
			return fmt.Errorf("failed to finalize failed song: %w", err)
		}

		logger.Error("song failed after retries", "retries", d.RetryCount, "err", transferErr)

		return nil
	}
}

// transferSong performs one transfer attempt: resolve, stream to the file
// backend, report progress and observe cancellation at each checkpoint.
func (p *Processor) transferSong(ctx context.Context, q *download.Queue, d *download.Download) error {
	now := time.Now().UTC()
	d.StartedAt = &now

	if err := p.downloads.UpdateDownloadStatus(ctx, d.ID, download.StatusDownloading, ""); err != nil {
		return fmt.Errorf("failed to mark download active: %w", err)
	}

	src, err := p.tc.Resolve(ctx, d.SongID, d.Quality)
	if err != nil {
		return err
	}

	d.DownloadURL = src.URL
	d.FilePath = songPath(d)

	reader, err := p.tc.Fetch(ctx, src)
	if err != nil {
		return err
	}
	defer reader.Close()

	out, err := p.files.Create(d.FilePath)
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}
	defer out.Close()

	pr := progress.NewReader(reader, src.Size, p.cfg.ProgressInterval, func(written, total int64) error {
		pct := 0
		if total > 0 {
			pct = int(written * 100 / total)
		}

		if err := p.downloads.UpdateDownloadProgress(ctx, d.ID, pct, written); err != nil {
			return fmt.Errorf("failed to write progress: %w", err)
		}

		// Cooperative cancellation checkpoint between chunks.
		current, err := p.queues.GetQueue(ctx, q.ID)
		if err != nil {
			return fmt.Errorf("failed to check queue status: %w", err)
		}

		switch current.Status {
		case download.QueueCancelled:
			return errCancelled
		case download.QueuePaused:
			return errPaused
		}

		return nil
	})

	written, err := io.Copy(out, pr)
	if err != nil {
		if errors.Is(err, errCancelled) || errors.Is(err, errPaused) {
			return err
		}

		return &download.TransientError{Operation: "copy", Err: err}
	}

	d.FileSize = written
	d.DownloadedSize = written

	return nil
}

// cancelRemaining marks every non-terminal child cancelled and removes any
// partial file.
func (p *Processor) cancelRemaining(ctx context.Context, children []*download.Download) error {
	for _, d := range children {
		if d.Status.IsTerminal() {
			continue
		}

		p.discardPartial(ctx, d)

		if err := p.downloads.UpdateDownloadStatus(ctx, d.ID, download.StatusCancelled, ""); err != nil {
			return fmt.Errorf("failed to cancel download: %w", err)
		}
	}

	return nil
}

// finalize marks the queue completed once every child settled. Cancelled and
// paused queues keep their status.
func (p *Processor) finalize(ctx context.Context, queueID uuid.UUID) error {
	q, err := p.queues.GetQueue(ctx, queueID)
	if err != nil {
		return fmt.Errorf("failed to reload queue: %w", err)
	}

	if q.Status == download.QueueProcessing && q.AllSettled() {
		if err := p.queues.UpdateQueueStatus(ctx, queueID, download.QueueCompleted); err != nil {
			return fmt.Errorf("failed to complete queue: %w", err)
		}

		logctx.LoggerFromContext(ctx).Info("queue completed",
			"queue_id", queueID,
			"completed_songs", q.CompletedSongs,
			"failed_songs", q.FailedSongs,
		)
	}

	return nil
}

func (p *Processor) discardPartial(ctx context.Context, d *download.Download) {
	if d.FilePath == "" {
		return
	}

	if _, err := p.files.Delete(d.FilePath); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to delete partial file",
			"file_path", d.FilePath, "err", err)
	}
}

func songPath(d *download.Download) string {
	return filepath.Join(d.UserID, d.DeviceID, fmt.Sprintf("%s_%s.audio", d.SongID, d.Quality))
}
