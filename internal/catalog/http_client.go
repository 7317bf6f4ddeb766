package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/soundleaf/offline_sync/internal/download"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPResolver resolves content references against the catalog service.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
}

func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		baseURL: baseURL,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type songPayload struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Genre  string `json:"genre"`
}

// ResolveSongs expands a song, album or playlist reference into its tracks.
func (r *HTTPResolver) ResolveSongs(ctx context.Context, contentType download.ContentType, contentID string) ([]Song, error) {
	url := fmt.Sprintf("%s/v1/%ss/%s/songs", r.baseURL, contentType, contentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &download.TransientError{Operation: "catalog_resolve", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &download.NotFoundError{Kind: string(contentType), ID: contentID}
	case resp.StatusCode >= 500:
		return nil, &download.TransientError{
			Operation: "catalog_resolve",
			Err:       fmt.Errorf("catalog returned status %d", resp.StatusCode),
		}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}

	var payload []songPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode catalog response: %w", err)
	}

	songs := make([]Song, 0, len(payload))
	for _, s := range payload {
		songs = append(songs, Song{ID: s.ID, Title: s.Title, Artist: s.Artist, Genre: s.Genre})
	}

	return songs, nil
}
