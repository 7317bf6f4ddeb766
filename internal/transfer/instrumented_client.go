package transfer

import (
	"context"
	"io"

	"github.com/soundleaf/offline_sync/internal/download"
	"github.com/soundleaf/offline_sync/internal/telemetry"
)

// InstrumentedClient wraps a Client with telemetry.
type InstrumentedClient struct {
	client Client
	tel    *telemetry.Telemetry
}

// NewInstrumentedClient creates a new instrumented transfer client.
func NewInstrumentedClient(client Client, tel *telemetry.Telemetry) *InstrumentedClient {
	return &InstrumentedClient{client: client, tel: tel}
}

// Resolve resolves a song source with telemetry.
func (c *InstrumentedClient) Resolve(ctx context.Context, songID string, quality download.Quality) (*Source, error) {
	var result *Source

	instrumentedErr := c.tel.InstrumentClientOperation(ctx, "transfer", "resolve", func(ctx context.Context) error {
		var err error
		result, err = c.client.Resolve(ctx, songID, quality)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// Fetch opens a song stream with telemetry.
func (c *InstrumentedClient) Fetch(ctx context.Context, src *Source) (io.ReadCloser, error) {
	var result io.ReadCloser

	instrumentedErr := c.tel.InstrumentClientOperation(ctx, "transfer", "fetch", func(ctx context.Context) error {
		var err error
		result, err = c.client.Fetch(ctx, src)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
