// Package storagetest provides in-memory repository implementations shared by
// the service test suites.
package storagetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/soundleaf/offline_sync/internal/download"
)

// Store is an in-memory DownloadRepository plus QueueRepository.
type Store struct {
	mu        sync.Mutex
	downloads map[uuid.UUID]*download.Download
	queues    map[uuid.UUID]*download.Queue
}

func NewStore() *Store {
	return &Store{
		downloads: make(map[uuid.UUID]*download.Download),
		queues:    make(map[uuid.UUID]*download.Queue),
	}
}

func (s *Store) CreateDownload(_ context.Context, d *download.Download) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *d
	s.downloads[d.ID] = &cp

	return nil
}

func (s *Store) GetDownload(_ context.Context, id uuid.UUID) (*download.Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.downloads[id]
	if !ok {
		return nil, nil
	}

	cp := *d

	return &cp, nil
}

func (s *Store) FindByUserAndSong(_ context.Context, userID, songID, deviceID string) (*download.Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.downloads {
		if d.UserID == userID && d.SongID == songID && d.DeviceID == deviceID {
			cp := *d

			return &cp, nil
		}
	}

	return nil, nil
}

func (s *Store) FindCompletedDownloads(_ context.Context, userID, deviceID string) ([]*download.Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*download.Download

	for _, d := range s.downloads {
		if d.UserID == userID && d.DeviceID == deviceID && d.Status == download.StatusCompleted {
			cp := *d
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].SongID < out[j].SongID })

	return out, nil
}

func (s *Store) FindByQueue(_ context.Context, queueID uuid.UUID) ([]*download.Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*download.Download

	for _, d := range s.downloads {
		if d.QueueID == queueID {
			cp := *d
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].SongID < out[j].SongID })

	return out, nil
}

func (s *Store) FindActiveSongIDs(_ context.Context, userID, deviceID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string

	for _, d := range s.downloads {
		if d.UserID == userID && d.DeviceID == deviceID &&
			(d.Status == download.StatusCompleted || !d.Status.IsTerminal()) {
			out = append(out, d.SongID)
		}
	}

	return out, nil
}

func (s *Store) UpdateDownloadStatus(_ context.Context, id uuid.UUID, status download.Status, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.downloads[id]
	if !ok {
		return fmt.Errorf("download %s not found", id)
	}

	d.Status = status
	d.ErrorMessage = errorMessage
	d.UpdatedAt = time.Now().UTC()

	return nil
}

func (s *Store) UpdateDownloadProgress(_ context.Context, id uuid.UUID, progress int, downloadedSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.downloads[id]; ok {
		d.Progress = progress
		d.DownloadedSize = downloadedSize
	}

	return nil
}

func (s *Store) UpdateLastAccessTime(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.downloads[id]; ok {
		d.LastAccessedAt = &at
	}

	return nil
}

func (s *Store) DeleteDownload(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.downloads, id)

	return nil
}

func (s *Store) CompleteSong(_ context.Context, d *download.Download, succeeded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *d
	s.downloads[d.ID] = &cp

	q, ok := s.queues[d.QueueID]
	if !ok {
		return fmt.Errorf("queue %s not found", d.QueueID)
	}

	if succeeded {
		q.CompletedSongs++
		q.ActualSize += d.FileSize
	} else {
		q.FailedSongs++
	}

	return nil
}

func (s *Store) CreateQueue(_ context.Context, q *download.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *q
	s.queues[q.ID] = &cp

	return nil
}

func (s *Store) GetQueue(_ context.Context, id uuid.UUID) (*download.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[id]
	if !ok {
		return nil, nil
	}

	cp := *q

	return &cp, nil
}

func (s *Store) GetActiveQueues(_ context.Context) ([]*download.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*download.Queue

	for _, q := range s.queues {
		if q.Status == download.QueuePending || q.Status == download.QueueProcessing {
			cp := *q
			out = append(out, &cp)
		}
	}

	return out, nil
}

func (s *Store) UpdateQueueStatus(_ context.Context, id uuid.UUID, status download.QueueStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[id]
	if !ok {
		return fmt.Errorf("queue %s not found", id)
	}

	q.Status = status
	q.UpdatedAt = time.Now().UTC()

	return nil
}

func (s *Store) ClaimQueue(_ context.Context, id uuid.UUID, ownerID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[id]
	if !ok || q.Status != download.QueuePending || q.LockedBy != "" {
		return false, nil
	}

	q.Status = download.QueueProcessing
	q.LockedBy = ownerID
	q.LeaseAt = &at

	return true, nil
}

func (s *Store) ReleaseQueue(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.queues[id]; ok {
		q.LockedBy = ""
		q.LeaseAt = nil
	}

	return nil
}

func (s *Store) HeartbeatQueue(_ context.Context, id uuid.UUID, ownerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.queues[id]; ok && q.LockedBy == ownerID {
		q.LeaseAt = &at
	}

	return nil
}

func (s *Store) RecoverStaleLeases(_ context.Context, cutoff time.Time) ([]*download.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range s.queues {
		if q.Status == download.QueueProcessing && q.LeaseAt != nil && q.LeaseAt.Before(cutoff) {
			q.Status = download.QueuePending
			q.LockedBy = ""
			q.LeaseAt = nil
		}
	}

	var out []*download.Queue

	for _, q := range s.queues {
		if q.Status == download.QueuePending {
			cp := *q
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}

		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

// Limits is an in-memory DeviceLimitRepository recomputing usage from a
// Store, like the sqlite implementation does.
type Limits struct {
	mu     sync.Mutex
	store  *Store
	limits map[string]*download.DeviceLimit
}

func NewLimits(store *Store) *Limits {
	return &Limits{store: store, limits: make(map[string]*download.DeviceLimit)}
}

func (l *Limits) key(userID, deviceID string) string { return userID + "/" + deviceID }

func (l *Limits) GetDeviceLimit(_ context.Context, userID, deviceID string) (*download.DeviceLimit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, ok := l.limits[l.key(userID, deviceID)]
	if !ok {
		return nil, nil
	}

	cp := *limit

	return &cp, nil
}

func (l *Limits) UpsertDeviceLimit(_ context.Context, limit *download.DeviceLimit) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := *limit
	l.limits[l.key(limit.UserID, limit.DeviceID)] = &cp

	return nil
}

// CalculateDeviceStorageUsage mirrors the sqlite recompute: completed rows at
// actual size, in-flight rows at their quality's estimate.
func (l *Limits) CalculateDeviceStorageUsage(_ context.Context, userID, deviceID string) (int, int64, error) {
	l.store.mu.Lock()

	var (
		count int
		used  int64
	)

	for _, d := range l.store.downloads {
		if d.UserID != userID || d.DeviceID != deviceID {
			continue
		}

		switch {
		case d.Status == download.StatusCompleted:
			count++
			used += d.FileSize
		case !d.Status.IsTerminal():
			count++
			used += d.Quality.EstimatedSongSize()
		}
	}
	l.store.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if limit, ok := l.limits[l.key(userID, deviceID)]; ok {
		limit.CurrentDownloads = count
		limit.TotalStorageUsed = used
	}

	return count, used, nil
}

func (l *Limits) ListActiveDeviceLimits(_ context.Context) ([]*download.DeviceLimit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*download.DeviceLimit

	for _, limit := range l.limits {
		if limit.IsActive {
			cp := *limit
			out = append(out, &cp)
		}
	}

	return out, nil
}

// Sessions is an in-memory SessionRepository.
type Sessions struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*download.PlaybackSession
}

func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[uuid.UUID]*download.PlaybackSession)}
}

func (s *Sessions) CreateSession(_ context.Context, session *download.PlaybackSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *session
	s.sessions[session.ID] = &cp

	return nil
}

func (s *Sessions) GetSession(_ context.Context, id uuid.UUID) (*download.PlaybackSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}

	cp := *session

	return &cp, nil
}

func (s *Sessions) UpdateSessionProgress(_ context.Context, id uuid.UUID, _, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}

	session.Duration = duration

	return nil
}

func (s *Sessions) CloseSession(_ context.Context, id uuid.UUID, totalDuration time.Duration, completed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}

	now := time.Now().UTC()
	session.EndedAt = &now
	session.Duration = totalDuration
	session.IsCompleted = completed

	return nil
}

// Predictions is an in-memory PredictionRepository.
type Predictions struct {
	mu      sync.Mutex
	records []*download.PredictionRecord
}

func NewPredictions() *Predictions {
	return &Predictions{}
}

func (p *Predictions) CreatePrediction(_ context.Context, record *download.PredictionRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cp := *record
	p.records = append(p.records, &cp)

	return nil
}

func (p *Predictions) AttributePlay(_ context.Context, userID, songID string, playedAt time.Time, window time.Duration) (*download.PredictionRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var match *download.PredictionRecord

	for _, r := range p.records {
		if r.UserID != userID || r.SongID != songID || r.PlayedAt != nil {
			continue
		}

		if playedAt.Sub(r.PredictedAt) > window || playedAt.Before(r.PredictedAt) {
			continue
		}

		if match == nil || r.PredictedAt.After(match.PredictedAt) {
			match = r
		}
	}

	if match == nil {
		return nil, nil
	}

	at := playedAt
	match.PlayedAt = &at
	cp := *match

	return &cp, nil
}

func (p *Predictions) AccuracyByType(_ context.Context, userID string) (map[download.PredictionType]download.AccuracyBucket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[download.PredictionType]download.AccuracyBucket)

	for _, r := range p.records {
		if r.UserID != userID {
			continue
		}

		bucket := out[r.Type]
		bucket.Predictions++

		if r.PlayedAt != nil {
			bucket.Played++
		}

		out[r.Type] = bucket
	}

	return out, nil
}

func (p *Predictions) OverallAccuracy(_ context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.records) == 0 {
		return 0, nil
	}

	played := 0

	for _, r := range p.records {
		if r.PlayedAt != nil {
			played++
		}
	}

	return float64(played) / float64(len(p.records)), nil
}

// Blob is an in-memory blob.Store.
type Blob struct {
	mu    sync.Mutex
	files map[string]*bytes.Buffer
}

func NewBlob() *Blob {
	return &Blob{files: make(map[string]*bytes.Buffer)}
}

type blobWriter struct{ *bytes.Buffer }

func (blobWriter) Close() error { return nil }

func (b *Blob) Create(path string) (io.WriteCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := &bytes.Buffer{}
	b.files[path] = buf

	return blobWriter{buf}, nil
}

// Put stores content directly, bypassing the writer.
func (b *Blob) Put(path string, content []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.files[path] = bytes.NewBuffer(content)
}

func (b *Blob) Exists(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.files[path]

	return ok
}

func (b *Blob) Delete(path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.files[path]
	delete(b.files, path)

	return ok, nil
}

func (b *Blob) VerifyIntegrity(path string, expectedSize int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf, ok := b.files[path]

	return ok && int64(buf.Len()) == expectedSize
}

func (b *Blob) PlaybackURL(path string) string { return "file:///" + path }
