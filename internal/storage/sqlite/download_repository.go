package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/soundleaf/offline_sync/internal/download"
)

const downloadColumns = `id, queue_id, user_id, song_id, device_id, quality, status, progress,
	file_size, downloaded_size, file_path, download_url, retry_count, error_message,
	started_at, completed_at, last_accessed_at, created_at, updated_at`

// DownloadRepository stores per-song download records in SQLite.
type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(db *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: db}
}

func (r *DownloadRepository) CreateDownload(ctx context.Context, d *download.Download) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (`+downloadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID.String(), d.QueueID.String(), d.UserID, d.SongID, d.DeviceID,
		string(d.Quality), string(d.Status), d.Progress,
		d.FileSize, d.DownloadedSize, d.FilePath, d.DownloadURL, d.RetryCount, d.ErrorMessage,
		nullTime(d.StartedAt), nullTime(d.CompletedAt), nullTime(d.LastAccessedAt),
		d.CreatedAt, d.UpdatedAt,
	)

	return err
}

func (r *DownloadRepository) GetDownload(ctx context.Context, id uuid.UUID) (*download.Download, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id.String())

	return scanDownload(row)
}

func (r *DownloadRepository) FindByUserAndSong(ctx context.Context, userID, songID, deviceID string) (*download.Download, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+downloadColumns+` FROM downloads
		WHERE user_id = ? AND song_id = ? AND device_id = ?
		ORDER BY created_at DESC LIMIT 1`,
		userID, songID, deviceID)

	return scanDownload(row)
}

func (r *DownloadRepository) FindCompletedDownloads(ctx context.Context, userID, deviceID string) ([]*download.Download, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+downloadColumns+` FROM downloads
		WHERE user_id = ? AND device_id = ? AND status = 'completed'
		ORDER BY created_at ASC`,
		userID, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDownloads(rows)
}

func (r *DownloadRepository) FindByQueue(ctx context.Context, queueID uuid.UUID) ([]*download.Download, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+downloadColumns+` FROM downloads
		WHERE queue_id = ? ORDER BY created_at ASC`,
		queueID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDownloads(rows)
}

func (r *DownloadRepository) FindActiveSongIDs(ctx context.Context, userID, deviceID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT song_id FROM downloads
		WHERE user_id = ? AND device_id = ? AND status IN ('pending', 'downloading', 'completed')`,
		userID, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (r *DownloadRepository) UpdateDownloadStatus(ctx context.Context, id uuid.UUID, status download.Status, errorMessage string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE downloads SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		string(status), errorMessage, time.Now().UTC(), id.String())

	return err
}

func (r *DownloadRepository) UpdateDownloadProgress(ctx context.Context, id uuid.UUID, progress int, downloadedSize int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE downloads SET progress = ?, downloaded_size = ?, updated_at = ?
		WHERE id = ?`,
		progress, downloadedSize, time.Now().UTC(), id.String())

	return err
}

func (r *DownloadRepository) UpdateLastAccessTime(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET last_accessed_at = ? WHERE id = ?`, at.UTC(), id.String())

	return err
}

func (r *DownloadRepository) DeleteDownload(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id.String())

	return err
}

// CompleteSong finalizes one song and its parent queue counters in a single
// transaction so worker crashes cannot leave the aggregates skewed.
func (r *DownloadRepository) CompleteSong(ctx context.Context, d *download.Download, succeeded bool) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
		UPDATE downloads SET status = ?, progress = ?, file_size = ?, downloaded_size = ?,
			file_path = ?, retry_count = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		string(d.Status), d.Progress, d.FileSize, d.DownloadedSize,
		d.FilePath, d.RetryCount, d.ErrorMessage, nullTime(d.CompletedAt), now,
		d.ID.String(),
	); err != nil {
		return fmt.Errorf("failed to finalize download: %w", err)
	}

	counter := "failed_songs"
	sizeDelta := int64(0)

	if succeeded {
		counter = "completed_songs"
		sizeDelta = d.FileSize
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE queues SET `+counter+` = `+counter+` + 1,
			actual_size = actual_size + ?, updated_at = ?
		WHERE id = ?`,
		sizeDelta, now, d.QueueID.String(),
	); err != nil {
		return fmt.Errorf("failed to bump queue counters: %w", err)
	}

	return tx.Commit()
}

func scanDownload(row *sql.Row) (*download.Download, error) {
	d, err := scanDownloadFrom(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	return d, err
}

func scanDownloads(rows *sql.Rows) ([]*download.Download, error) {
	var out []*download.Download

	for rows.Next() {
		d, err := scanDownloadFrom(rows.Scan)
		if err != nil {
			return nil, err
		}

		out = append(out, d)
	}

	return out, rows.Err()
}

func scanDownloadFrom(scan func(...any) error) (*download.Download, error) {
	var (
		d                                  download.Download
		id, queueID, quality, status       string
		startedAt, completedAt, accessedAt sql.NullTime
	)

	if err := scan(
		&id, &queueID, &d.UserID, &d.SongID, &d.DeviceID, &quality, &status, &d.Progress,
		&d.FileSize, &d.DownloadedSize, &d.FilePath, &d.DownloadURL, &d.RetryCount, &d.ErrorMessage,
		&startedAt, &completedAt, &accessedAt, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}

	d.ID = uuid.MustParse(id)
	d.QueueID = uuid.MustParse(queueID)
	d.Quality = download.Quality(quality)
	d.Status = download.Status(status)
	d.StartedAt = timePtr(startedAt)
	d.CompletedAt = timePtr(completedAt)
	d.LastAccessedAt = timePtr(accessedAt)

	return &d, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}

	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	v := t.Time

	return &v
}
