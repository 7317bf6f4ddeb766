// Package blob abstracts the file-storage backend holding downloaded audio.
package blob

import "io"

// Store is the file backend consumed by the queue processor, cleanup and
// playback services.
type Store interface {
	// Create opens a writer for a new file at path, creating parent
	// directories as needed.
	Create(path string) (io.WriteCloser, error)
	Exists(path string) bool
	// Delete removes the file. Returns false when the file was already gone.
	Delete(path string) (bool, error)
	// VerifyIntegrity checks that the file exists and matches the expected
	// byte size.
	VerifyIntegrity(path string, expectedSize int64) bool
	// PlaybackURL returns a local reference the player can open.
	PlaybackURL(path string) string
}
