package smart

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/soundleaf/offline_sync/internal/download"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPClient talks to the personalization service. It backs the recommender,
// the listening history, the taste profile and the user preferences in one
// client because they live behind the same API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("personalization service returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

type candidatePayload struct {
	SongID     string  `json:"song_id"`
	Score      float64 `json:"score"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

func (p candidatePayload) toCandidate() Candidate {
	score := p.Score
	if score == 0 {
		score = p.Confidence
	}

	return Candidate{
		SongID: p.SongID,
		Score:  score,
		Reason: download.PredictionType(p.Reason),
	}
}

// Recommend asks the engine for scored candidates seeded with recent plays.
func (c *HTTPClient) Recommend(ctx context.Context, rctx RecommendationContext) ([]Candidate, error) {
	body, err := json.Marshal(map[string]any{
		"user_id":         rctx.UserID,
		"recent_song_ids": rctx.RecentSongIDs,
		"limit":           rctx.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/recommendations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("personalization service returned status %d", resp.StatusCode)
	}

	var payload []candidatePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	candidates := make([]Candidate, 0, len(payload))
	for _, p := range payload {
		candidates = append(candidates, p.toCandidate())
	}

	return candidates, nil
}

// SongsByGenre lists popular songs for a genre.
func (c *HTTPClient) SongsByGenre(ctx context.Context, genre string, limit int) ([]Candidate, error) {
	var payload []candidatePayload

	path := fmt.Sprintf("/v1/genres/%s/songs?limit=%d", genre, limit)
	if err := c.get(ctx, path, &payload); err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(payload))
	for _, p := range payload {
		candidates = append(candidates, p.toCandidate())
	}

	return candidates, nil
}

// RecentHistory returns the user's last plays, newest first.
func (c *HTTPClient) RecentHistory(ctx context.Context, userID string, limit int) ([]PlayEvent, error) {
	var payload []struct {
		SongID   string    `json:"song_id"`
		Genre    string    `json:"genre"`
		PlayedAt time.Time `json:"played_at"`
	}

	path := fmt.Sprintf("/v1/users/%s/history?limit=%d", userID, limit)
	if err := c.get(ctx, path, &payload); err != nil {
		return nil, err
	}

	events := make([]PlayEvent, 0, len(payload))
	for _, p := range payload {
		events = append(events, PlayEvent{SongID: p.SongID, Genre: p.Genre, PlayedAt: p.PlayedAt})
	}

	return events, nil
}

// TasteProfile returns the user's long-term genre preferences.
func (c *HTTPClient) TasteProfile(ctx context.Context, userID string) (*TasteProfile, error) {
	var payload struct {
		TopGenres []string `json:"top_genres"`
	}

	if err := c.get(ctx, "/v1/users/"+userID+"/taste", &payload); err != nil {
		return nil, err
	}

	return &TasteProfile{TopGenres: payload.TopGenres}, nil
}

// Preferences returns the user's smart-download settings.
func (c *HTTPClient) Preferences(ctx context.Context, userID string) (*Preferences, error) {
	var payload struct {
		Enabled  bool   `json:"enabled"`
		MaxSongs int    `json:"max_songs"`
		Quality  string `json:"quality"`
	}

	if err := c.get(ctx, "/v1/users/"+userID+"/download-preferences", &payload); err != nil {
		return nil, err
	}

	return &Preferences{
		Enabled:  payload.Enabled,
		MaxSongs: payload.MaxSongs,
		Quality:  download.Quality(payload.Quality),
	}, nil
}
