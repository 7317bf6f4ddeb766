// Package queue implements the download queue processor: request admission,
// priority scheduling under a global concurrency cap, durable job leases and
// pause/resume/cancel.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/soundleaf/offline_sync/internal/blob"
	"github.com/soundleaf/offline_sync/internal/catalog"
	"github.com/soundleaf/offline_sync/internal/download"
	"github.com/soundleaf/offline_sync/internal/logctx"
	"github.com/soundleaf/offline_sync/internal/quota"
	"github.com/soundleaf/offline_sync/internal/storage"
	"github.com/soundleaf/offline_sync/internal/telemetry"
	"github.com/soundleaf/offline_sync/internal/transfer"
)

// Config tunes the processor.
type Config struct {
	// MaxConcurrent is the hard global cap on simultaneous song transfers.
	MaxConcurrent int
	// MaxRetries bounds transfer retries per song.
	MaxRetries int
	// RetryInitialInterval seeds the exponential backoff between retries.
	RetryInitialInterval time.Duration
	// LeaseTTL is how stale a queue lease may grow before a restarted
	// dispatcher reclaims the queue.
	LeaseTTL time.Duration
	// ProgressInterval is the byte interval between progress writes, which
	// double as cancellation checkpoints.
	ProgressInterval int64
}

// DefaultConfig returns the processor defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:        3,
		MaxRetries:           3,
		RetryInitialInterval: 500 * time.Millisecond,
		LeaseTTL:             5 * time.Minute,
		ProgressInterval:     512 * 1024,
	}
}

// Processor admits download requests and schedules them over a bounded
// worker pool. Durable status lives in the store; the in-memory heap only
// orders dispatch.
type Processor struct {
	downloads storage.DownloadRepository
	queues    storage.QueueRepository
	quota     *quota.Service
	catalog   catalog.Resolver
	tc        transfer.Client
	files     blob.Store
	tel       *telemetry.Telemetry
	cfg       Config
	ownerID   string

	mu          sync.Mutex
	cond        *sync.Cond
	heap        queueHeap
	activeCount int
	stopped     bool
}

func NewProcessor(
	downloads storage.DownloadRepository,
	queues storage.QueueRepository,
	quotaSvc *quota.Service,
	catalogSvc catalog.Resolver,
	tc transfer.Client,
	files blob.Store,
	tel *telemetry.Telemetry,
	cfg Config,
) *Processor {
	if cfg.MaxConcurrent <= 0 {
		cfg = DefaultConfig()
	}

	p := &Processor{
		downloads: downloads,
		queues:    queues,
		quota:     quotaSvc,
		catalog:   catalogSvc,
		tc:        tc,
		files:     files,
		tel:       tel,
		cfg:       cfg,
		ownerID:   generateInstanceID(),
		heap:      make(queueHeap, 0),
	}
	p.cond = sync.NewCond(&p.mu)

	return p
}

// Start recovers stale leases and runs the dispatch loop until ctx is done.
func (p *Processor) Start(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	recovered, err := p.queues.RecoverStaleLeases(ctx, time.Now().Add(-p.cfg.LeaseTTL))
	if err != nil {
		return fmt.Errorf("failed to recover stale leases: %w", err)
	}

	for _, q := range recovered {
		p.enqueue(q)
	}

	if len(recovered) > 0 {
		logger.Info("recovered pending queues", "count", len(recovered))
	}

	go func() {
		<-ctx.Done()

		p.mu.Lock()
		p.stopped = true
		p.cond.Broadcast()
		p.mu.Unlock()
	}()

	go p.dispatchLoop(ctx)

	return nil
}

// Add admits a request: validation, duplicate guard, quota admission under
// the device lock, then a queue row plus one pending download per song.
func (p *Processor) Add(ctx context.Context, userID string, req download.Request) (uuid.UUID, error) {
	logger := logctx.LoggerFromContext(ctx)

	if err := req.Validate(); err != nil {
		return uuid.Nil, err
	}

	if req.ContentType == download.ContentSong {
		existing, err := p.downloads.FindByUserAndSong(ctx, userID, req.ContentID, req.DeviceID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to check for existing download: %w", err)
		}

		if existing != nil && (existing.Status == download.StatusCompleted || !existing.Status.IsTerminal()) {
			return uuid.Nil, download.ErrAlreadyDownloaded
		}
	}

	songs, err := p.catalog.ResolveSongs(ctx, req.ContentType, req.ContentID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to resolve content: %w", err)
	}

	if len(songs) == 0 {
		return uuid.Nil, &download.NotFoundError{Kind: "song", ID: req.ContentID}
	}

	var q *download.Queue

	// Admission holds the device lock: duplicates are filtered against live
	// rows, usage is recomputed from the store, and the created rows are the
	// reservation the next admission sees. A concurrent cleanup or admission
	// for the same device cannot over-admit.
	err = p.quota.WithDeviceLock(userID, req.DeviceID, func() error {
		active, err := p.downloads.FindActiveSongIDs(ctx, userID, req.DeviceID)
		if err != nil {
			return fmt.Errorf("failed to load active downloads: %w", err)
		}

		activeSet := make(map[string]struct{}, len(active))
		for _, songID := range active {
			activeSet[songID] = struct{}{}
		}

		// At most one live download per (user, song, device): songs already
		// downloaded or queued are dropped from the batch.
		admitted := songs[:0]
		for _, song := range songs {
			if _, ok := activeSet[song.ID]; !ok {
				admitted = append(admitted, song)
			}
		}

		if len(admitted) == 0 {
			return download.ErrAlreadyDownloaded
		}

		estimatedSize := req.Quality.EstimatedSongSize() * int64(len(admitted))

		if _, err := p.quota.ReserveAdmission(ctx, userID, req.DeviceID, len(admitted), estimatedSize); err != nil {
			return err
		}

		q = &download.Queue{
			ID:            uuid.New(),
			UserID:        userID,
			DeviceID:      req.DeviceID,
			ContentType:   req.ContentType,
			ContentID:     req.ContentID,
			Priority:      req.Priority,
			Quality:       req.Quality,
			Status:        download.QueuePending,
			TotalSongs:    len(admitted),
			EstimatedSize: estimatedSize,
			CreatedAt:     time.Now().UTC(),
			UpdatedAt:     time.Now().UTC(),
		}

		if err := p.queues.CreateQueue(ctx, q); err != nil {
			return fmt.Errorf("failed to create queue: %w", err)
		}

		for _, song := range admitted {
			d := &download.Download{
				ID:        uuid.New(),
				QueueID:   q.ID,
				UserID:    userID,
				SongID:    song.ID,
				DeviceID:  req.DeviceID,
				Quality:   req.Quality,
				Status:    download.StatusPending,
				CreatedAt: time.Now().UTC(),
				UpdatedAt: time.Now().UTC(),
			}

			if err := p.downloads.CreateDownload(ctx, d); err != nil {
				return fmt.Errorf("failed to create download record: %w", err)
			}
		}

		// Persist the reservation on the cached counters.
		return p.quota.Recalculate(ctx, userID, req.DeviceID)
	})
	if err != nil {
		return uuid.Nil, err
	}

	p.enqueue(q)

	logger.Info("queue admitted",
		"queue_id", q.ID,
		"content_type", q.ContentType,
		"total_songs", q.TotalSongs,
		"priority", q.Priority,
	)

	return q.ID, nil
}

// Pause moves a pending or processing queue to paused. Live workers observe
// the durable status at their next checkpoint. Pausing a terminal or already
// paused queue is a no-op returning false.
func (p *Processor) Pause(ctx context.Context, queueID uuid.UUID) (bool, error) {
	q, err := p.queues.GetQueue(ctx, queueID)
	if err != nil {
		return false, fmt.Errorf("failed to load queue: %w", err)
	}

	if q == nil {
		return false, &download.NotFoundError{Kind: "queue", ID: queueID.String()}
	}

	if q.Status != download.QueuePending && q.Status != download.QueueProcessing {
		return false, nil
	}

	if err := p.queues.UpdateQueueStatus(ctx, queueID, download.QueuePaused); err != nil {
		return false, fmt.Errorf("failed to pause queue: %w", err)
	}

	return true, nil
}

// Resume moves a paused queue back to pending and re-enqueues it. Valid only
// from paused.
func (p *Processor) Resume(ctx context.Context, queueID uuid.UUID) (bool, error) {
	q, err := p.queues.GetQueue(ctx, queueID)
	if err != nil {
		return false, fmt.Errorf("failed to load queue: %w", err)
	}

	if q == nil {
		return false, &download.NotFoundError{Kind: "queue", ID: queueID.String()}
	}

	if q.Status != download.QueuePaused {
		return false, nil
	}

	if err := p.queues.UpdateQueueStatus(ctx, queueID, download.QueuePending); err != nil {
		return false, fmt.Errorf("failed to resume queue: %w", err)
	}

	q.Status = download.QueuePending
	p.enqueue(q)

	return true, nil
}

// Cancel unconditionally cancels a queue. In-flight transfers observe the
// status at their next checkpoint; pending child downloads are cancelled
// here.
func (p *Processor) Cancel(ctx context.Context, queueID uuid.UUID) (bool, error) {
	q, err := p.queues.GetQueue(ctx, queueID)
	if err != nil {
		return false, fmt.Errorf("failed to load queue: %w", err)
	}

	if q == nil {
		return false, &download.NotFoundError{Kind: "queue", ID: queueID.String()}
	}

	if err := p.queues.UpdateQueueStatus(ctx, queueID, download.QueueCancelled); err != nil {
		return false, fmt.Errorf("failed to cancel queue: %w", err)
	}

	children, err := p.downloads.FindByQueue(ctx, queueID)
	if err != nil {
		return false, fmt.Errorf("failed to load queue downloads: %w", err)
	}

	for _, d := range children {
		if d.Status == download.StatusPending {
			if err := p.downloads.UpdateDownloadStatus(ctx, d.ID, download.StatusCancelled, ""); err != nil {
				return false, fmt.Errorf("failed to cancel download: %w", err)
			}
		}
	}

	return true, nil
}

// Status returns the queue, or nil when it does not exist.
func (p *Processor) Status(ctx context.Context, queueID uuid.UUID) (*download.Queue, error) {
	return p.queues.GetQueue(ctx, queueID)
}

// Active lists pending and processing queues.
func (p *Processor) Active(ctx context.Context) ([]*download.Queue, error) {
	return p.queues.GetActiveQueues(ctx)
}

// DeleteDownload removes a user's download: ownership check, file removal,
// record removal and quota recalculation.
func (p *Processor) DeleteDownload(ctx context.Context, userID string, downloadID uuid.UUID) error {
	d, err := p.downloads.GetDownload(ctx, downloadID)
	if err != nil {
		return fmt.Errorf("failed to load download: %w", err)
	}

	if d == nil {
		return &download.NotFoundError{Kind: "download", ID: downloadID.String()}
	}

	if d.UserID != userID {
		return &download.UnauthorizedError{UserID: userID, Resource: "download " + downloadID.String()}
	}

	return p.quota.WithDeviceLock(d.UserID, d.DeviceID, func() error {
		if d.FilePath != "" {
			if _, err := p.files.Delete(d.FilePath); err != nil {
				return fmt.Errorf("failed to delete file: %w", err)
			}
		}

		if err := p.downloads.DeleteDownload(ctx, downloadID); err != nil {
			return fmt.Errorf("failed to delete download record: %w", err)
		}

		return p.quota.Recalculate(ctx, d.UserID, d.DeviceID)
	})
}

func (p *Processor) enqueue(q *download.Queue) {
	p.mu.Lock()
	heap.Push(&p.heap, &item{ID: q.ID, Priority: q.Priority, CreatedAt: q.CreatedAt})
	p.cond.Signal()
	p.mu.Unlock()

	p.tel.AddQueueDepth(1)
}

// dispatchLoop pops the next eligible queue whenever a worker slot frees up.
func (p *Processor) dispatchLoop(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		p.mu.Lock()
		for !p.stopped && (p.activeCount >= p.cfg.MaxConcurrent || len(p.heap) == 0) {
			p.cond.Wait()
		}

		if p.stopped {
			p.mu.Unlock()
			logger.Info("queue dispatcher shutting down")

			return
		}

		it := heap.Pop(&p.heap).(*item)
		p.activeCount++
		p.mu.Unlock()

		p.tel.AddQueueDepth(-1)

		go func(queueID uuid.UUID) {
			defer func() {
				p.mu.Lock()
				p.activeCount--
				p.cond.Signal()
				p.mu.Unlock()
			}()

			if err := p.process(ctx, queueID); err != nil {
				logger.Error("queue processing failed", "queue_id", queueID, "err", err)
				p.tel.RecordSystemError("queue_processor", "process")
			}
		}(it.ID)
	}
}
