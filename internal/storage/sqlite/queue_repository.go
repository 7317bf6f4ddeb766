package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/soundleaf/offline_sync/internal/download"
)

const queueColumns = `id, user_id, device_id, content_type, content_id, priority, quality,
	status, total_songs, completed_songs, failed_songs, estimated_size, actual_size,
	locked_by, lease_at, created_at, updated_at`

// QueueRepository stores batch queues and their durable job leases in SQLite.
type QueueRepository struct {
	db *sql.DB
}

func NewQueueRepository(db *sql.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

func (r *QueueRepository) CreateQueue(ctx context.Context, q *download.Queue) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO queues (`+queueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID.String(), q.UserID, q.DeviceID, string(q.ContentType), q.ContentID,
		q.Priority, string(q.Quality), string(q.Status),
		q.TotalSongs, q.CompletedSongs, q.FailedSongs, q.EstimatedSize, q.ActualSize,
		nullString(q.LockedBy), nullTime(q.LeaseAt), q.CreatedAt, q.UpdatedAt,
	)

	return err
}

func (r *QueueRepository) GetQueue(ctx context.Context, id uuid.UUID) (*download.Queue, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM queues WHERE id = ?`, id.String())

	q, err := scanQueueFrom(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	return q, err
}

func (r *QueueRepository) GetActiveQueues(ctx context.Context) ([]*download.Queue, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM queues
		WHERE status IN ('pending', 'processing')
		ORDER BY priority ASC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanQueues(rows)
}

func (r *QueueRepository) UpdateQueueStatus(ctx context.Context, id uuid.UUID, status download.QueueStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE queues SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id.String())

	return err
}

// ClaimQueue atomically moves a pending queue to processing and records the
// lease owner. A queue that is paused, cancelled or already leased is not
// claimable.
func (r *QueueRepository) ClaimQueue(ctx context.Context, id uuid.UUID, ownerID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queues SET status = 'processing', locked_by = ?, lease_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending' AND (locked_by IS NULL OR locked_by = '')`,
		ownerID, at.UTC(), at.UTC(), id.String())
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

func (r *QueueRepository) ReleaseQueue(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE queues SET locked_by = NULL, lease_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id.String())

	return err
}

func (r *QueueRepository) HeartbeatQueue(ctx context.Context, id uuid.UUID, ownerID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE queues SET lease_at = ? WHERE id = ? AND locked_by = ?`,
		at.UTC(), id.String(), ownerID)

	return err
}

// RecoverStaleLeases resets processing queues whose lease heartbeat expired
// before the cutoff back to pending so a restarted dispatcher can re-bind.
func (r *QueueRepository) RecoverStaleLeases(ctx context.Context, cutoff time.Time) ([]*download.Queue, error) {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE queues SET status = 'pending', locked_by = NULL, lease_at = NULL, updated_at = ?
		WHERE status = 'processing' AND (lease_at IS NULL OR lease_at < ?)`,
		time.Now().UTC(), cutoff.UTC()); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM queues
		WHERE status = 'pending'
		ORDER BY priority ASC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanQueues(rows)
}

func scanQueues(rows *sql.Rows) ([]*download.Queue, error) {
	var out []*download.Queue

	for rows.Next() {
		q, err := scanQueueFrom(rows.Scan)
		if err != nil {
			return nil, err
		}

		out = append(out, q)
	}

	return out, rows.Err()
}

func scanQueueFrom(scan func(...any) error) (*download.Queue, error) {
	var (
		q                        download.Queue
		id, contentType, quality string
		status                   string
		lockedBy                 sql.NullString
		leaseAt                  sql.NullTime
	)

	if err := scan(
		&id, &q.UserID, &q.DeviceID, &contentType, &q.ContentID, &q.Priority, &quality,
		&status, &q.TotalSongs, &q.CompletedSongs, &q.FailedSongs, &q.EstimatedSize, &q.ActualSize,
		&lockedBy, &leaseAt, &q.CreatedAt, &q.UpdatedAt,
	); err != nil {
		return nil, err
	}

	q.ID = uuid.MustParse(id)
	q.ContentType = download.ContentType(contentType)
	q.Quality = download.Quality(quality)
	q.Status = download.QueueStatus(status)
	q.LockedBy = lockedBy.String
	q.LeaseAt = timePtr(leaseAt)

	return &q, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}

	return s
}
