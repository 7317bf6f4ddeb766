// Package transfer abstracts the mechanism that moves song bytes onto the
// device. The engine only schedules transfers; the backend behind Client is
// an external collaborator.
package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/soundleaf/offline_sync/internal/download"
)

// Source describes one resolved song transfer.
type Source struct {
	// URL is the resolved location of the encoded audio.
	URL string
	// Size is the expected byte size, 0 when the backend cannot tell.
	Size int64
}

// Client resolves and streams song content.
type Client interface {
	// Resolve locates the encoded audio for a song at a quality.
	Resolve(ctx context.Context, songID string, quality download.Quality) (*Source, error)
	// Fetch opens the byte stream for a resolved source.
	Fetch(ctx context.Context, src *Source) (io.ReadCloser, error)
}

// HTTPClient is a Client fetching from a content delivery endpoint over HTTP.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}

	return &HTTPClient{baseURL: baseURL, client: client}
}

func (c *HTTPClient) Resolve(ctx context.Context, songID string, quality download.Quality) (*Source, error) {
	u := fmt.Sprintf("%s/songs/%s/stream?quality=%s", c.baseURL, url.PathEscape(songID), quality)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build resolve request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &download.TransientError{Operation: "resolve", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &download.NotFoundError{Kind: "song", ID: songID}
	case resp.StatusCode >= 500:
		return nil, &download.TransientError{Operation: "resolve", Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d resolving song %s", resp.StatusCode, songID)
	}

	return &Source{URL: u, Size: resp.ContentLength}, nil
}

func (c *HTTPClient) Fetch(ctx context.Context, src *Source) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &download.TransientError{Operation: "fetch", Err: err}
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()

		return nil, &download.TransientError{Operation: "fetch", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()

		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, src.URL)
	}

	return resp.Body, nil
}
