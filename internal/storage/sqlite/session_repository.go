package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/soundleaf/offline_sync/internal/download"
)

// SessionRepository persists offline playback sessions in SQLite.
type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) CreateSession(ctx context.Context, s *download.PlaybackSession) error {
	isCompleted := 0
	if s.IsCompleted {
		isCompleted = 1
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO playback_sessions (id, user_id, device_id, song_id, download_id,
			started_at, ended_at, duration_ms, is_completed, network_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID.String(), s.UserID, s.DeviceID, s.SongID, s.DownloadID.String(),
		s.StartedAt.UTC(), nullTime(s.EndedAt), s.Duration.Milliseconds(), isCompleted, s.NetworkStatus,
	)

	return err
}

func (r *SessionRepository) GetSession(ctx context.Context, id uuid.UUID) (*download.PlaybackSession, error) {
	var (
		s               download.PlaybackSession
		sid, downloadID string
		endedAt         sql.NullTime
		durationMs      int64
		isCompleted     int
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, device_id, song_id, download_id, started_at, ended_at,
			duration_ms, is_completed, network_status
		FROM playback_sessions WHERE id = ?`, id.String(),
	).Scan(&sid, &s.UserID, &s.DeviceID, &s.SongID, &downloadID, &s.StartedAt, &endedAt,
		&durationMs, &isCompleted, &s.NetworkStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	s.ID = uuid.MustParse(sid)
	s.DownloadID = uuid.MustParse(downloadID)
	s.EndedAt = timePtr(endedAt)
	s.Duration = time.Duration(durationMs) * time.Millisecond
	s.IsCompleted = isCompleted == 1

	return &s, nil
}

func (r *SessionRepository) UpdateSessionProgress(ctx context.Context, id uuid.UUID, position, duration time.Duration) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE playback_sessions SET duration_ms = ? WHERE id = ? AND ended_at IS NULL`,
		position.Milliseconds(), id.String())

	return err
}

func (r *SessionRepository) CloseSession(ctx context.Context, id uuid.UUID, totalDuration time.Duration, completed bool) error {
	isCompleted := 0
	if completed {
		isCompleted = 1
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE playback_sessions SET ended_at = ?, duration_ms = ?, is_completed = ?
		WHERE id = ? AND ended_at IS NULL`,
		time.Now().UTC(), totalDuration.Milliseconds(), isCompleted, id.String())

	return err
}
