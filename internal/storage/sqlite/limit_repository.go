package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/soundleaf/offline_sync/internal/download"
)

// DeviceLimitRepository caches per-device quota budgets in SQLite.
type DeviceLimitRepository struct {
	db *sql.DB
}

func NewDeviceLimitRepository(db *sql.DB) *DeviceLimitRepository {
	return &DeviceLimitRepository{db: db}
}

func (r *DeviceLimitRepository) GetDeviceLimit(ctx context.Context, userID, deviceID string) (*download.DeviceLimit, error) {
	var (
		l        download.DeviceLimit
		isActive int
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, device_id, subscription_plan_id, max_downloads, current_downloads,
			total_storage_used, max_storage_limit, is_active, updated_at
		FROM device_limits WHERE user_id = ? AND device_id = ?`,
		userID, deviceID,
	).Scan(
		&l.UserID, &l.DeviceID, &l.SubscriptionPlanID, &l.MaxDownloads, &l.CurrentDownloads,
		&l.TotalStorageUsed, &l.MaxStorageLimit, &isActive, &l.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	l.IsActive = isActive == 1

	return &l, nil
}

func (r *DeviceLimitRepository) UpsertDeviceLimit(ctx context.Context, limit *download.DeviceLimit) error {
	isActive := 0
	if limit.IsActive {
		isActive = 1
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_limits (user_id, device_id, subscription_plan_id, max_downloads,
			current_downloads, total_storage_used, max_storage_limit, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, device_id) DO UPDATE SET
			subscription_plan_id = excluded.subscription_plan_id,
			max_downloads = excluded.max_downloads,
			current_downloads = excluded.current_downloads,
			total_storage_used = excluded.total_storage_used,
			max_storage_limit = excluded.max_storage_limit,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		limit.UserID, limit.DeviceID, limit.SubscriptionPlanID, limit.MaxDownloads,
		limit.CurrentDownloads, limit.TotalStorageUsed, limit.MaxStorageLimit, isActive,
		time.Now().UTC(),
	)

	return err
}

// CalculateDeviceStorageUsage recomputes the usage counters from download
// rows and writes them back to the limit record. This is the single source of
// truth on admission and after completions and deletions. Pending and
// downloading rows count at their quality's estimated size so the budget they
// were admitted against stays reserved until they reach a terminal state.
func (r *DeviceLimitRepository) CalculateDeviceStorageUsage(ctx context.Context, userID, deviceID string) (int, int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, quality, COUNT(*), COALESCE(SUM(file_size), 0) FROM downloads
		WHERE user_id = ? AND device_id = ? AND status IN ('completed', 'pending', 'downloading')
		GROUP BY status, quality`,
		userID, deviceID)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	var (
		count int
		used  int64
	)

	for rows.Next() {
		var (
			status, quality string
			n               int
			size            int64
		)

		if err := rows.Scan(&status, &quality, &n, &size); err != nil {
			return 0, 0, err
		}

		count += n

		if download.Status(status) == download.StatusCompleted {
			used += size
		} else {
			used += download.Quality(quality).EstimatedSongSize() * int64(n)
		}
	}

	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE device_limits SET current_downloads = ?, total_storage_used = ?, updated_at = ?
		WHERE user_id = ? AND device_id = ?`,
		count, used, time.Now().UTC(), userID, deviceID)

	return count, used, err
}

func (r *DeviceLimitRepository) ListActiveDeviceLimits(ctx context.Context) ([]*download.DeviceLimit, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, device_id, subscription_plan_id, max_downloads, current_downloads,
			total_storage_used, max_storage_limit, is_active, updated_at
		FROM device_limits WHERE is_active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*download.DeviceLimit

	for rows.Next() {
		var (
			l        download.DeviceLimit
			isActive int
		)

		if err := rows.Scan(
			&l.UserID, &l.DeviceID, &l.SubscriptionPlanID, &l.MaxDownloads, &l.CurrentDownloads,
			&l.TotalStorageUsed, &l.MaxStorageLimit, &isActive, &l.UpdatedAt,
		); err != nil {
			return nil, err
		}

		l.IsActive = isActive == 1
		out = append(out, &l)
	}

	return out, rows.Err()
}
