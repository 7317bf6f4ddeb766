// Package catalog abstracts the content catalog that resolves albums and
// playlists into the songs they contain.
package catalog

import (
	"context"

	"github.com/soundleaf/offline_sync/internal/download"
)

// Song is the catalog view of a track, enough to admit and transfer it.
type Song struct {
	ID     string
	Title  string
	Artist string
	Genre  string
}

// Resolver resolves a content reference into its song list. For single songs
// the result has exactly one element.
type Resolver interface {
	ResolveSongs(ctx context.Context, contentType download.ContentType, contentID string) ([]Song, error)
}
