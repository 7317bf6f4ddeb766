package smart

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/soundleaf/offline_sync/internal/analytics"
	"github.com/soundleaf/offline_sync/internal/download"
	"github.com/soundleaf/offline_sync/internal/storage"
	"github.com/soundleaf/offline_sync/internal/telemetry"
)

// ConfidenceBucket discretizes a prediction confidence for analytics.
// Boundaries sit at 0.9, 0.8 and 0.7.
func ConfidenceBucket(confidence float64) string {
	switch {
	case confidence >= 0.90:
		return "very_high"
	case confidence >= 0.80:
		return "high"
	case confidence >= 0.70:
		return "medium"
	default:
		return "low"
	}
}

// Metrics closes the prediction feedback loop: predictions are recorded when
// a prefetch is issued and attributed when the song is actually played inside
// the attribution window.
type Metrics struct {
	predictions storage.PredictionRepository
	sink        analytics.Sink
	tel         *telemetry.Telemetry
	window      time.Duration
}

func NewMetrics(predictions storage.PredictionRepository, sink analytics.Sink, tel *telemetry.Telemetry, window time.Duration) *Metrics {
	return &Metrics{predictions: predictions, sink: sink, tel: tel, window: window}
}

// RecordPrediction persists a prediction and emits its analytics event.
func (m *Metrics) RecordPrediction(ctx context.Context, userID, songID string, predictionType download.PredictionType, confidence float64) error {
	record := &download.PredictionRecord{
		ID:          uuid.New(),
		UserID:      userID,
		SongID:      songID,
		Type:        predictionType,
		Confidence:  confidence,
		PredictedAt: time.Now().UTC(),
	}

	if err := m.predictions.CreatePrediction(ctx, record); err != nil {
		return fmt.Errorf("failed to record prediction: %w", err)
	}

	bucket := ConfidenceBucket(confidence)
	m.tel.RecordPrediction(string(predictionType), bucket)

	if err := m.sink.Track(ctx, "smart_download_prediction", map[string]any{
		"prediction_type":   string(predictionType),
		"confidence_bucket": bucket,
	}); err != nil {
		return fmt.Errorf("failed to track prediction event: %w", err)
	}

	return nil
}

// RecordPlay attributes a play to an outstanding prediction for the song, if
// one exists inside the attribution window.
func (m *Metrics) RecordPlay(ctx context.Context, userID, songID string, playedAt time.Time) error {
	record, err := m.predictions.AttributePlay(ctx, userID, songID, playedAt, m.window)
	if err != nil {
		return fmt.Errorf("failed to attribute play: %w", err)
	}

	if record != nil {
		m.tel.RecordPredictionHit(string(record.Type))
	}

	return nil
}

// AccuracyMetrics reports per-type prediction and play counts for a user.
func (m *Metrics) AccuracyMetrics(ctx context.Context, userID string) (map[download.PredictionType]download.AccuracyBucket, error) {
	return m.predictions.AccuracyByType(ctx, userID)
}

// OverallAccuracy reports played/predicted across all types and users, in [0,1].
func (m *Metrics) OverallAccuracy(ctx context.Context) (float64, error) {
	return m.predictions.OverallAccuracy(ctx)
}
