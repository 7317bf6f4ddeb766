package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database and creates the schema if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	id TEXT PRIMARY KEY,
	queue_id TEXT,
	user_id TEXT NOT NULL,
	song_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	quality TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	progress INTEGER NOT NULL DEFAULT 0,
	file_size INTEGER NOT NULL DEFAULT 0,
	downloaded_size INTEGER NOT NULL DEFAULT 0,
	file_path TEXT NOT NULL DEFAULT '',
	download_url TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	started_at DATETIME,
	completed_at DATETIME,
	last_accessed_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_downloads_device
	ON downloads (user_id, device_id, status);
CREATE INDEX IF NOT EXISTS idx_downloads_song
	ON downloads (user_id, song_id, device_id);
CREATE INDEX IF NOT EXISTS idx_downloads_queue
	ON downloads (queue_id);

CREATE TABLE IF NOT EXISTS queues (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	content_type TEXT NOT NULL,
	content_id TEXT NOT NULL,
	priority INTEGER NOT NULL,
	quality TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	total_songs INTEGER NOT NULL DEFAULT 0,
	completed_songs INTEGER NOT NULL DEFAULT 0,
	failed_songs INTEGER NOT NULL DEFAULT 0,
	estimated_size INTEGER NOT NULL DEFAULT 0,
	actual_size INTEGER NOT NULL DEFAULT 0,
	locked_by TEXT,
	lease_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queues_status ON queues (status);

CREATE TABLE IF NOT EXISTS device_limits (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	subscription_plan_id TEXT NOT NULL DEFAULT '',
	max_downloads INTEGER NOT NULL,
	current_downloads INTEGER NOT NULL DEFAULT 0,
	total_storage_used INTEGER NOT NULL DEFAULT 0,
	max_storage_limit INTEGER NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, device_id)
);

CREATE TABLE IF NOT EXISTS playback_sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	song_id TEXT NOT NULL,
	download_id TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	ended_at DATETIME,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	is_completed INTEGER NOT NULL DEFAULT 0,
	network_status TEXT NOT NULL DEFAULT 'offline'
);

CREATE TABLE IF NOT EXISTS predictions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	song_id TEXT NOT NULL,
	prediction_type TEXT NOT NULL,
	confidence REAL NOT NULL,
	predicted_at DATETIME NOT NULL,
	played_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_predictions_song
	ON predictions (user_id, song_id, predicted_at);
`
