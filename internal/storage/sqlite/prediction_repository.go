package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/soundleaf/offline_sync/internal/download"
)

// PredictionRepository persists smart-download predictions in SQLite.
type PredictionRepository struct {
	db *sql.DB
}

func NewPredictionRepository(db *sql.DB) *PredictionRepository {
	return &PredictionRepository{db: db}
}

func (r *PredictionRepository) CreatePrediction(ctx context.Context, p *download.PredictionRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO predictions (id, user_id, song_id, prediction_type, confidence, predicted_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.UserID, p.SongID, string(p.Type), p.Confidence, p.PredictedAt.UTC(),
	)

	return err
}

// AttributePlay marks the latest unplayed prediction for the song inside the
// attribution window as played. The record is updated, never replaced.
func (r *PredictionRepository) AttributePlay(ctx context.Context, userID, songID string, playedAt time.Time, window time.Duration) (*download.PredictionRecord, error) {
	cutoff := playedAt.Add(-window)

	var (
		p            download.PredictionRecord
		id, predType string
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT id, prediction_type, confidence, predicted_at FROM predictions
		WHERE user_id = ? AND song_id = ? AND played_at IS NULL AND predicted_at >= ?
		ORDER BY predicted_at DESC LIMIT 1`,
		userID, songID, cutoff.UTC(),
	).Scan(&id, &predType, &p.Confidence, &p.PredictedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE predictions SET played_at = ? WHERE id = ? AND played_at IS NULL`,
		playedAt.UTC(), id); err != nil {
		return nil, err
	}

	p.ID = uuid.MustParse(id)
	p.UserID = userID
	p.SongID = songID
	p.Type = download.PredictionType(predType)
	p.PlayedAt = &playedAt

	return &p, nil
}

func (r *PredictionRepository) AccuracyByType(ctx context.Context, userID string) (map[download.PredictionType]download.AccuracyBucket, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT prediction_type, COUNT(*), COUNT(played_at) FROM predictions
		WHERE user_id = ? GROUP BY prediction_type`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[download.PredictionType]download.AccuracyBucket)

	for rows.Next() {
		var (
			predType string
			bucket   download.AccuracyBucket
		)

		if err := rows.Scan(&predType, &bucket.Predictions, &bucket.Played); err != nil {
			return nil, err
		}

		out[download.PredictionType(predType)] = bucket
	}

	return out, rows.Err()
}

func (r *PredictionRepository) OverallAccuracy(ctx context.Context) (float64, error) {
	var total, played sql.NullInt64

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(played_at) FROM predictions`).Scan(&total, &played)
	if err != nil {
		return 0, err
	}

	if total.Int64 == 0 {
		return 0, nil
	}

	return float64(played.Int64) / float64(total.Int64), nil
}
