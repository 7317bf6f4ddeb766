package smart

import (
	"context"
	"sync"
	"time"

	"github.com/soundleaf/offline_sync/internal/download"
)

// Preferences are the user's smart-download settings.
type Preferences struct {
	Enabled  bool
	MaxSongs int
	Quality  download.Quality
}

// PreferencesProvider loads the durable settings. External collaborator.
type PreferencesProvider interface {
	Preferences(ctx context.Context, userID string) (*Preferences, error)
}

// CachedPreferences wraps a provider with an in-memory TTL cache so every
// prefetch cycle does not hit the settings backend.
type CachedPreferences struct {
	provider PreferencesProvider
	ttl      time.Duration

	mu      sync.Mutex
	entries map[string]cachedEntry
}

type cachedEntry struct {
	prefs     *Preferences
	expiresAt time.Time
}

func NewCachedPreferences(provider PreferencesProvider, ttl time.Duration) *CachedPreferences {
	return &CachedPreferences{
		provider: provider,
		ttl:      ttl,
		entries:  make(map[string]cachedEntry),
	}
}

func (c *CachedPreferences) Preferences(ctx context.Context, userID string) (*Preferences, error) {
	c.mu.Lock()
	entry, ok := c.entries[userID]
	c.mu.Unlock()

	if ok && time.Now().Before(entry.expiresAt) {
		return entry.prefs, nil
	}

	prefs, err := c.provider.Preferences(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[userID] = cachedEntry{prefs: prefs, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return prefs, nil
}

// Invalidate drops the cached settings for a user, used when settings change.
func (c *CachedPreferences) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}
