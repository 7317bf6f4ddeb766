package smart

import (
	"context"
	"time"

	"github.com/soundleaf/offline_sync/internal/download"
)

// Candidate is a scored prefetch suggestion from the recommendation engine.
type Candidate struct {
	SongID string
	Score  float64
	Reason download.PredictionType
}

// RecommendationContext carries what the engine needs to rank candidates.
type RecommendationContext struct {
	UserID        string
	RecentSongIDs []string
	Limit         int
}

// Recommender is the external recommendation engine.
type Recommender interface {
	Recommend(ctx context.Context, rctx RecommendationContext) ([]Candidate, error)
	SongsByGenre(ctx context.Context, genre string, limit int) ([]Candidate, error)
}

// PlayEvent is one entry of the listening-history window.
type PlayEvent struct {
	SongID   string
	Genre    string
	PlayedAt time.Time
}

// HistoryRepository reads the recent listening history. Read-only.
type HistoryRepository interface {
	RecentHistory(ctx context.Context, userID string, limit int) ([]PlayEvent, error)
}

// TasteProfile summarizes a user's long-term preferences.
type TasteProfile struct {
	TopGenres []string
}

// TasteProfileRepository reads the user's taste profile.
type TasteProfileRepository interface {
	TasteProfile(ctx context.Context, userID string) (*TasteProfile, error)
}
