// Package smart implements the predictive prefetch orchestrator. It consults
// listening history, the taste profile and the recommendation engine, then
// issues low-priority background downloads through the queue processor's
// normal admission path. Failures here are fully isolated: a broken prefetch
// cycle never affects user-initiated downloads.
package smart

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/soundleaf/offline_sync/internal/analytics"
	"github.com/soundleaf/offline_sync/internal/download"
	"github.com/soundleaf/offline_sync/internal/logctx"
	"github.com/soundleaf/offline_sync/internal/quota"
	"github.com/soundleaf/offline_sync/internal/storage"
	"github.com/soundleaf/offline_sync/internal/telemetry"
)

const (
	// ReasonDisabled is returned when the user turned smart downloads off.
	ReasonDisabled = "Smart downloads disabled by user"

	historyWindow  = 50
	candidateLimit = 30
	genreFanout    = 2
)

// Config tunes the orchestrator.
type Config struct {
	// HeadroomPercent of the storage budget is reserved; prefetch never
	// fills the device to its exact limit.
	HeadroomPercent int
	// DefaultMaxSongs caps one prefetch batch when the user preference
	// doesn't say otherwise.
	DefaultMaxSongs int
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{HeadroomPercent: 10, DefaultMaxSongs: 10}
}

// Options tweaks one prefetch cycle.
type Options struct {
	// MaxSongs overrides the batch cap when > 0.
	MaxSongs int
}

// Result summarizes one prefetch cycle.
type Result struct {
	DownloadedSongs []string
	Reason          string
}

// Admitter is the queue processor surface the orchestrator submits through.
// Smart downloads hold no special privilege: the same admission and quota
// checks apply.
type Admitter interface {
	Add(ctx context.Context, userID string, req download.Request) (uuid.UUID, error)
}

// Service orchestrates predictive prefetch.
type Service struct {
	prefs       PreferencesProvider
	quota       *quota.Service
	downloads   storage.DownloadRepository
	history     HistoryRepository
	taste       TasteProfileRepository
	recommender Recommender
	admitter    Admitter
	metrics     *Metrics
	sink        analytics.Sink
	tel         *telemetry.Telemetry
	cfg         Config
}

func NewService(
	prefs PreferencesProvider,
	quotaSvc *quota.Service,
	downloads storage.DownloadRepository,
	history HistoryRepository,
	taste TasteProfileRepository,
	recommender Recommender,
	admitter Admitter,
	metrics *Metrics,
	sink analytics.Sink,
	tel *telemetry.Telemetry,
	cfg Config,
) *Service {
	if cfg.DefaultMaxSongs <= 0 {
		cfg = DefaultConfig()
	}

	return &Service{
		prefs:       prefs,
		quota:       quotaSvc,
		downloads:   downloads,
		history:     history,
		taste:       taste,
		recommender: recommender,
		admitter:    admitter,
		metrics:     metrics,
		sink:        sink,
		tel:         tel,
		cfg:         cfg,
	}
}

// PredictAndDownload runs one prefetch cycle for a device. Every downstream
// fault, panics included, is caught and converted into an error value.
func (s *Service) PredictAndDownload(ctx context.Context, userID, deviceID string, opts Options) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("smart download failed: panic: %v", r)
		}

		if err != nil {
			s.tel.RecordSmartDownloadBatch("error")
		}
	}()

	logger := logctx.LoggerFromContext(ctx).With("user_id", userID, "device_id", deviceID)

	prefs, err := s.prefs.Preferences(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("smart download failed: %w", err)
	}

	if !prefs.Enabled {
		return &Result{Reason: ReasonDisabled}, nil
	}

	info, err := s.quota.StorageInfo(ctx, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("smart download failed: %w", err)
	}

	quality := prefs.Quality
	if !quality.Valid() {
		quality = download.QualityMedium
	}

	countBudget, byteBudget := s.budget(info, prefs, opts)
	if countBudget <= 0 || byteBudget < quality.EstimatedSongSize() {
		s.tel.RecordSmartDownloadBatch("storage_limited")

		return &Result{Reason: "Not enough storage headroom for smart downloads"}, nil
	}

	// History and taste profile are optional signals; their absence degrades
	// the candidate pool, it never fails the cycle.
	history, err := s.history.RecentHistory(ctx, userID, historyWindow)
	if err != nil {
		logger.Warn("failed to load listening history", "err", err)

		history = nil
	}

	taste, err := s.taste.TasteProfile(ctx, userID)
	if err != nil {
		logger.Warn("failed to load taste profile", "err", err)

		taste = nil
	}

	candidates, err := s.recommender.Recommend(ctx, RecommendationContext{
		UserID: userID,
		RecentSongIDs: lo.Map(history, func(e PlayEvent, _ int) string {
			return e.SongID
		}),
		Limit: candidateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("smart download failed: %w", err)
	}

	candidates = append(candidates, s.genrePool(ctx, taste)...)

	ranked, err := s.rank(ctx, userID, deviceID, candidates)
	if err != nil {
		return nil, fmt.Errorf("smart download failed: %w", err)
	}

	maxByBytes := int(byteBudget / quality.EstimatedSongSize())
	want := min(countBudget, min(len(ranked), maxByBytes))
	selected := ranked[:want]

	admitted, reason := s.admit(ctx, userID, deviceID, quality, selected)

	if err := s.sink.Track(ctx, "smart_download_batch", map[string]any{
		"candidates": len(ranked),
		"selected":   len(selected),
		"admitted":   len(admitted),
		"quality":    string(quality),
	}); err != nil {
		logger.Warn("failed to track batch event", "err", err)
	}

	if reason == "" && len(admitted) < len(ranked) {
		reason = fmt.Sprintf("admitted %d of %d candidates within budget", len(admitted), len(ranked))
	}

	s.tel.RecordSmartDownloadBatch("success")
	logger.Info("smart download cycle finished", "admitted", len(admitted))

	return &Result{DownloadedSongs: admitted, Reason: reason}, nil
}

// budget reserves headroom instead of filling the device to its exact limit.
func (s *Service) budget(info download.StorageInfo, prefs *Preferences, opts Options) (int, int64) {
	maxSongs := s.cfg.DefaultMaxSongs
	if prefs.MaxSongs > 0 {
		maxSongs = prefs.MaxSongs
	}

	if opts.MaxSongs > 0 {
		maxSongs = opts.MaxSongs
	}

	countBudget := min(maxSongs, info.AvailableDownloads())

	usable := info.StorageLimit * int64(100-s.cfg.HeadroomPercent) / 100
	byteBudget := usable - info.StorageUsed

	return countBudget, byteBudget
}

// genrePool derives extra candidates from the taste profile's top genres.
// Lookup failures only shrink the pool.
func (s *Service) genrePool(ctx context.Context, taste *TasteProfile) []Candidate {
	if taste == nil {
		return nil
	}

	var pool []Candidate

	for _, genre := range lo.Slice(taste.TopGenres, 0, genreFanout) {
		songs, err := s.recommender.SongsByGenre(ctx, genre, candidateLimit/genreFanout)
		if err != nil {
			logctx.LoggerFromContext(ctx).Warn("failed to load genre candidates", "genre", genre, "err", err)

			continue
		}

		pool = append(pool, songs...)
	}

	return pool
}

// rank deduplicates candidates, drops songs already on the device or queued
// for it, and orders the rest by predicted score.
func (s *Service) rank(ctx context.Context, userID, deviceID string, candidates []Candidate) ([]Candidate, error) {
	activeIDs, err := s.downloads.FindActiveSongIDs(ctx, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active downloads: %w", err)
	}

	active := lo.SliceToMap(activeIDs, func(id string) (string, struct{}) {
		return id, struct{}{}
	})

	unique := lo.UniqBy(candidates, func(c Candidate) string { return c.SongID })

	eligible := lo.Filter(unique, func(c Candidate, _ int) bool {
		_, taken := active[c.SongID]

		return !taken
	})

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Score > eligible[j].Score
	})

	return eligible, nil
}

// admit records a prediction and submits a low-priority request per selected
// song. Quota rejections end the batch; other per-song failures skip the song.
func (s *Service) admit(ctx context.Context, userID, deviceID string, quality download.Quality, selected []Candidate) ([]string, string) {
	logger := logctx.LoggerFromContext(ctx)

	var admitted []string

	for _, c := range selected {
		if err := s.metrics.RecordPrediction(ctx, userID, c.SongID, c.Reason, c.Score); err != nil {
			logger.Warn("failed to record prediction", "song_id", c.SongID, "err", err)
		}

		_, err := s.admitter.Add(ctx, userID, download.Request{
			ContentType: download.ContentSong,
			ContentID:   c.SongID,
			Quality:     quality,
			DeviceID:    deviceID,
			Priority:    download.PriorityBackground,
		})

		var quotaErr *download.QuotaExceededError

		switch {
		case err == nil:
			admitted = append(admitted, c.SongID)
		case errors.Is(err, download.ErrAlreadyDownloaded):
			continue
		case errors.As(err, &quotaErr):
			return admitted, "Device quota reached before the full batch was admitted"
		default:
			logger.Warn("failed to admit smart download", "song_id", c.SongID, "err", err)
		}
	}

	return admitted, ""
}
