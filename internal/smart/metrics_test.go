package smart_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundleaf/offline_sync/internal/analytics"
	"github.com/soundleaf/offline_sync/internal/download"
	"github.com/soundleaf/offline_sync/internal/smart"
	"github.com/soundleaf/offline_sync/internal/storage/storagetest"
	"github.com/soundleaf/offline_sync/internal/telemetry"
)

func TestConfidenceBucket(t *testing.T) {
	tests := []struct {
		confidence float64
		want       string
	}{
		{0.95, "very_high"},
		{0.90, "very_high"},
		{0.89, "high"},
		{0.80, "high"},
		{0.75, "medium"},
		{0.70, "medium"},
		{0.65, "low"},
		{0, "low"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, smart.ConfidenceBucket(tt.confidence))
		})
	}
}

func newMetrics(t *testing.T, window time.Duration) (*smart.Metrics, *storagetest.Predictions) {
	t.Helper()

	predictions := storagetest.NewPredictions()

	tel, err := telemetry.New(context.Background(), telemetry.Config{Enabled: false})
	require.NoError(t, err)

	return smart.NewMetrics(predictions, analytics.SlogSink{}, tel, window), predictions
}

func TestMetrics_PlayAttributedInsideWindow(t *testing.T) {
	metrics, _ := newMetrics(t, 48*time.Hour)

	ctx := context.Background()

	require.NoError(t, metrics.RecordPrediction(ctx, "user-1", "song-1", download.PredictionGenreBased, 0.85))
	require.NoError(t, metrics.RecordPlay(ctx, "user-1", "song-1", time.Now().Add(time.Hour)))

	byType, err := metrics.AccuracyMetrics(ctx, "user-1")
	require.NoError(t, err)

	bucket := byType[download.PredictionGenreBased]
	assert.Equal(t, 1, bucket.Predictions)
	assert.Equal(t, 1, bucket.Played)
}

func TestMetrics_PlayOutsideWindowNotAttributed(t *testing.T) {
	metrics, _ := newMetrics(t, 48*time.Hour)

	ctx := context.Background()

	require.NoError(t, metrics.RecordPrediction(ctx, "user-1", "song-1", download.PredictionTimeBased, 0.9))
	require.NoError(t, metrics.RecordPlay(ctx, "user-1", "song-1", time.Now().Add(49*time.Hour)))

	byType, err := metrics.AccuracyMetrics(ctx, "user-1")
	require.NoError(t, err)

	bucket := byType[download.PredictionTimeBased]
	assert.Equal(t, 1, bucket.Predictions)
	assert.Equal(t, 0, bucket.Played)
}

func TestPredictions_AttributePlayKeepsIdentity(t *testing.T) {
	predictions := storagetest.NewPredictions()

	ctx := context.Background()

	record := &download.PredictionRecord{
		ID:          uuid.New(),
		UserID:      "user-1",
		SongID:      "song-1",
		Type:        download.PredictionGenreBased,
		Confidence:  0.8,
		PredictedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, predictions.CreatePrediction(ctx, record))

	got, err := predictions.AttributePlay(ctx, "user-1", "song-1", time.Now(), 48*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, got)

	// The attributed record identifies the original prediction.
	assert.Equal(t, record.ID, got.ID)
	assert.NotNil(t, got.PlayedAt)
}

func TestMetrics_PlayForUnpredictedSongIsIgnored(t *testing.T) {
	metrics, _ := newMetrics(t, 48*time.Hour)

	require.NoError(t, metrics.RecordPlay(context.Background(), "user-1", "never-predicted", time.Now()))

	overall, err := metrics.OverallAccuracy(context.Background())
	require.NoError(t, err)
	assert.Zero(t, overall)
}

func TestMetrics_OverallAccuracy(t *testing.T) {
	metrics, _ := newMetrics(t, 48*time.Hour)

	ctx := context.Background()

	require.NoError(t, metrics.RecordPrediction(ctx, "user-1", "song-1", download.PredictionGenreBased, 0.8))
	require.NoError(t, metrics.RecordPrediction(ctx, "user-1", "song-2", download.PredictionRepeatListen, 0.7))
	require.NoError(t, metrics.RecordPrediction(ctx, "user-2", "song-3", download.PredictionSimilarToLiked, 0.9))
	require.NoError(t, metrics.RecordPlay(ctx, "user-1", "song-1", time.Now()))

	overall, err := metrics.OverallAccuracy(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3.0, overall, 1e-9)
}
