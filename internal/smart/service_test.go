package smart_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundleaf/offline_sync/internal/analytics"
	"github.com/soundleaf/offline_sync/internal/download"
	"github.com/soundleaf/offline_sync/internal/quota"
	"github.com/soundleaf/offline_sync/internal/smart"
	"github.com/soundleaf/offline_sync/internal/storage/storagetest"
	"github.com/soundleaf/offline_sync/internal/telemetry"
)

type staticPrefs struct {
	prefs *smart.Preferences
	err   error
}

func (p *staticPrefs) Preferences(context.Context, string) (*smart.Preferences, error) {
	return p.prefs, p.err
}

type fakeRecommender struct {
	mu            sync.Mutex
	calls         int
	candidates    []smart.Candidate
	err           error
	panics        bool
	genreSongs    map[string][]smart.Candidate
	genreRequests []string
}

func (r *fakeRecommender) Recommend(context.Context, smart.RecommendationContext) ([]smart.Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls++

	if r.panics {
		panic("recommendation engine exploded")
	}

	return r.candidates, r.err
}

func (r *fakeRecommender) SongsByGenre(_ context.Context, genre string, _ int) ([]smart.Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.genreRequests = append(r.genreRequests, genre)

	return r.genreSongs[genre], nil
}

type fakeHistory struct {
	calls  int
	events []smart.PlayEvent
	err    error
}

func (h *fakeHistory) RecentHistory(context.Context, string, int) ([]smart.PlayEvent, error) {
	h.calls++

	return h.events, h.err
}

type fakeTaste struct {
	profile *smart.TasteProfile
	err     error
}

func (f *fakeTaste) TasteProfile(context.Context, string) (*smart.TasteProfile, error) {
	return f.profile, f.err
}

// admitterSpy records admissions and can reject specific songs.
type admitterSpy struct {
	mu       sync.Mutex
	requests []download.Request
	rejects  map[string]error
}

func (a *admitterSpy) Add(_ context.Context, _ string, req download.Request) (uuid.UUID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err, ok := a.rejects[req.ContentID]; ok {
		return uuid.Nil, err
	}

	a.requests = append(a.requests, req)

	return uuid.New(), nil
}

type env struct {
	prefs       *staticPrefs
	recommender *fakeRecommender
	history     *fakeHistory
	taste       *fakeTaste
	admitter    *admitterSpy
	store       *storagetest.Store
	limits      *storagetest.Limits
	predictions *storagetest.Predictions
	service     *smart.Service
}

func newEnv(t *testing.T, plan quota.Plan) *env {
	t.Helper()

	store := storagetest.NewStore()
	limits := storagetest.NewLimits(store)
	predictions := storagetest.NewPredictions()

	tel, err := telemetry.New(context.Background(), telemetry.Config{Enabled: false})
	require.NoError(t, err)

	e := &env{
		prefs:       &staticPrefs{prefs: &smart.Preferences{Enabled: true, MaxSongs: 10, Quality: download.QualityMedium}},
		recommender: &fakeRecommender{genreSongs: make(map[string][]smart.Candidate)},
		history:     &fakeHistory{},
		taste:       &fakeTaste{},
		admitter:    &admitterSpy{rejects: make(map[string]error)},
		store:       store,
		limits:      limits,
		predictions: predictions,
	}

	quotaSvc := quota.NewService(limits, &quota.StaticPlanResolver{Plan: plan})
	metrics := smart.NewMetrics(predictions, analytics.SlogSink{}, tel, 48*time.Hour)

	e.service = smart.NewService(
		e.prefs,
		quotaSvc,
		store,
		e.history,
		e.taste,
		e.recommender,
		e.admitter,
		metrics,
		analytics.SlogSink{},
		tel,
		smart.DefaultConfig(),
	)

	return e
}

func bigPlan() quota.Plan {
	return quota.Plan{ID: "premium", MaxDownloads: 100, MaxStorageLimit: 5 << 30}
}

func candidates(ids ...string) []smart.Candidate {
	out := make([]smart.Candidate, 0, len(ids))
	for i, id := range ids {
		out = append(out, smart.Candidate{
			SongID: id,
			Score:  1 - float64(i)*0.1,
			Reason: download.PredictionSimilarToLiked,
		})
	}

	return out
}

func TestPredictAndDownload_DisabledShortCircuits(t *testing.T) {
	e := newEnv(t, bigPlan())
	e.prefs.prefs = &smart.Preferences{Enabled: false}

	result, err := e.service.PredictAndDownload(context.Background(), "user-1", "device-1", smart.Options{})
	require.NoError(t, err)

	assert.Equal(t, smart.ReasonDisabled, result.Reason)
	assert.Empty(t, result.DownloadedSongs)

	// Disabled users cost nothing: no history lookup, no recommendations.
	assert.Zero(t, e.history.calls)
	assert.Zero(t, e.recommender.calls)
}

func TestPredictAndDownload_AdmitsRankedCandidates(t *testing.T) {
	e := newEnv(t, bigPlan())
	e.recommender.candidates = candidates("song-1", "song-2", "song-3")

	result, err := e.service.PredictAndDownload(context.Background(), "user-1", "device-1", smart.Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"song-1", "song-2", "song-3"}, result.DownloadedSongs)
	require.Len(t, e.admitter.requests, 3)

	for _, req := range e.admitter.requests {
		assert.Equal(t, download.PriorityBackground, req.Priority)
		assert.Equal(t, download.QualityMedium, req.Quality)
		assert.Equal(t, download.ContentSong, req.ContentType)
		assert.Equal(t, "device-1", req.DeviceID)
	}

	// One prediction per admitted song.
	byType, err := e.predictions.AccuracyByType(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, byType[download.PredictionSimilarToLiked].Predictions)
}

func TestPredictAndDownload_MaxSongsTruncates(t *testing.T) {
	e := newEnv(t, bigPlan())
	e.prefs.prefs.MaxSongs = 2
	e.recommender.candidates = candidates("song-1", "song-2", "song-3", "song-4", "song-5")

	result, err := e.service.PredictAndDownload(context.Background(), "user-1", "device-1", smart.Options{})
	require.NoError(t, err)

	assert.Len(t, result.DownloadedSongs, 2)
	// Highest scored candidates win.
	assert.Equal(t, []string{"song-1", "song-2"}, result.DownloadedSongs)
}

func TestPredictAndDownload_SkipsAlreadyDownloaded(t *testing.T) {
	e := newEnv(t, bigPlan())
	e.recommender.candidates = candidates("song-1", "song-2")

	require.NoError(t, e.store.CreateDownload(context.Background(), &download.Download{
		ID:       uuid.New(),
		QueueID:  uuid.New(),
		UserID:   "user-1",
		SongID:   "song-1",
		DeviceID: "device-1",
		Status:   download.StatusCompleted,
	}))

	result, err := e.service.PredictAndDownload(context.Background(), "user-1", "device-1", smart.Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"song-2"}, result.DownloadedSongs)
}

func TestPredictAndDownload_GenreCandidatesFromTasteProfile(t *testing.T) {
	e := newEnv(t, bigPlan())
	e.taste.profile = &smart.TasteProfile{TopGenres: []string{"jazz", "ambient", "metal"}}
	e.recommender.genreSongs["jazz"] = []smart.Candidate{
		{SongID: "jazz-1", Score: 0.5, Reason: download.PredictionGenreBased},
	}

	result, err := e.service.PredictAndDownload(context.Background(), "user-1", "device-1", smart.Options{})
	require.NoError(t, err)

	assert.Contains(t, result.DownloadedSongs, "jazz-1")
	// Only the top genres are consulted.
	assert.Equal(t, []string{"jazz", "ambient"}, e.recommender.genreRequests)
}

func TestPredictAndDownload_HistoryFailureDegrades(t *testing.T) {
	e := newEnv(t, bigPlan())
	e.history.err = errors.New("history service down")
	e.taste.err = errors.New("taste service down")
	e.recommender.candidates = candidates("song-1")

	result, err := e.service.PredictAndDownload(context.Background(), "user-1", "device-1", smart.Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"song-1"}, result.DownloadedSongs)
}

func TestPredictAndDownload_QuotaRejectionStopsBatch(t *testing.T) {
	e := newEnv(t, bigPlan())
	e.recommender.candidates = candidates("song-1", "song-2", "song-3")
	e.admitter.rejects["song-2"] = &download.QuotaExceededError{DeviceID: "device-1", Limit: "downloads", Used: 100, Max: 100}

	result, err := e.service.PredictAndDownload(context.Background(), "user-1", "device-1", smart.Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"song-1"}, result.DownloadedSongs)
	assert.NotEmpty(t, result.Reason)
}

func TestPredictAndDownload_DuplicateAdmissionSkipped(t *testing.T) {
	e := newEnv(t, bigPlan())
	e.recommender.candidates = candidates("song-1", "song-2")
	e.admitter.rejects["song-1"] = download.ErrAlreadyDownloaded

	result, err := e.service.PredictAndDownload(context.Background(), "user-1", "device-1", smart.Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"song-2"}, result.DownloadedSongs)
}

func TestPredictAndDownload_NoStorageHeadroom(t *testing.T) {
	plan := bigPlan()
	plan.MaxStorageLimit = 5 * 1024 * 1024 // headroom leaves less than one song
	e := newEnv(t, plan)
	e.recommender.candidates = candidates("song-1")

	result, err := e.service.PredictAndDownload(context.Background(), "user-1", "device-1", smart.Options{})
	require.NoError(t, err)

	assert.Empty(t, result.DownloadedSongs)
	assert.NotEmpty(t, result.Reason)
	assert.Zero(t, e.recommender.calls)
}

func TestPredictAndDownload_RecommenderErrorWrapped(t *testing.T) {
	e := newEnv(t, bigPlan())
	e.recommender.err = errors.New("engine offline")

	_, err := e.service.PredictAndDownload(context.Background(), "user-1", "device-1", smart.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smart download failed")
}

func TestPredictAndDownload_PanicRecovered(t *testing.T) {
	e := newEnv(t, bigPlan())
	e.recommender.panics = true

	result, err := e.service.PredictAndDownload(context.Background(), "user-1", "device-1", smart.Options{})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "smart download failed")
}
