package queue_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundleaf/offline_sync/internal/catalog"
	"github.com/soundleaf/offline_sync/internal/download"
	"github.com/soundleaf/offline_sync/internal/queue"
	"github.com/soundleaf/offline_sync/internal/quota"
	"github.com/soundleaf/offline_sync/internal/storage/storagetest"
	"github.com/soundleaf/offline_sync/internal/telemetry"
	"github.com/soundleaf/offline_sync/internal/transfer"
)

// fakeCatalog resolves content references from a static map.
type fakeCatalog struct {
	content map[string][]catalog.Song
}

func (c *fakeCatalog) ResolveSongs(_ context.Context, _ download.ContentType, contentID string) ([]catalog.Song, error) {
	return c.content[contentID], nil
}

// fakeTransfer serves static song bytes with optional failure injection.
type fakeTransfer struct {
	mu       sync.Mutex
	data     map[string][]byte
	failures map[string]int // song id -> remaining transient failures
	broken   map[string]bool
}

func newFakeTransfer() *fakeTransfer {
	return &fakeTransfer{
		data:     make(map[string][]byte),
		failures: make(map[string]int),
		broken:   make(map[string]bool),
	}
}

func (c *fakeTransfer) Resolve(_ context.Context, songID string, _ download.Quality) (*transfer.Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken[songID] {
		return nil, &download.NotFoundError{Kind: "song", ID: songID}
	}

	if c.failures[songID] > 0 {
		c.failures[songID]--

		return nil, &download.TransientError{Operation: "resolve", Err: errors.New("status 503")}
	}

	data, ok := c.data[songID]
	if !ok {
		return nil, &download.NotFoundError{Kind: "song", ID: songID}
	}

	return &transfer.Source{URL: "https://cdn.test/" + songID, Size: int64(len(data))}, nil
}

func (c *fakeTransfer) Fetch(_ context.Context, src *transfer.Source) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for songID, data := range c.data {
		if src.URL == "https://cdn.test/"+songID {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
	}

	return nil, &download.NotFoundError{Kind: "song", ID: src.URL}
}

type env struct {
	store     *storagetest.Store
	limits    *storagetest.Limits
	blob      *storagetest.Blob
	transfer  *fakeTransfer
	quota     *quota.Service
	processor *queue.Processor
}

func newEnv(t *testing.T, content map[string][]catalog.Song, plan quota.Plan) *env {
	t.Helper()

	store := storagetest.NewStore()
	limits := storagetest.NewLimits(store)
	files := storagetest.NewBlob()
	tc := newFakeTransfer()

	quotaSvc := quota.NewService(limits, &quota.StaticPlanResolver{Plan: plan})

	tel, err := telemetry.New(context.Background(), telemetry.Config{Enabled: false})
	require.NoError(t, err)

	processor := queue.NewProcessor(
		store,
		store,
		quotaSvc,
		&fakeCatalog{content: content},
		tc,
		files,
		tel,
		queue.Config{
			MaxConcurrent:        2,
			MaxRetries:           3,
			RetryInitialInterval: time.Millisecond,
			LeaseTTL:             time.Minute,
			ProgressInterval:     4,
		},
	)

	return &env{
		store:     store,
		limits:    limits,
		blob:      files,
		transfer:  tc,
		quota:     quotaSvc,
		processor: processor,
	}
}

func defaultPlan() quota.Plan {
	return quota.Plan{ID: "premium", MaxDownloads: 100, MaxStorageLimit: 5 << 30}
}

func singleSong(songID string) map[string][]catalog.Song {
	return map[string][]catalog.Song{
		songID: {{ID: songID, Title: "Track", Artist: "Artist"}},
	}
}

func (e *env) ensureLimit(t *testing.T, userID, deviceID string) {
	t.Helper()

	require.NoError(t, e.quota.WithDeviceLock(userID, deviceID, func() error {
		_, err := e.quota.EnsureLimit(context.Background(), userID, deviceID)

		return err
	}))
}

func TestAdd_SingleSongAdmission(t *testing.T) {
	e := newEnv(t, singleSong("song-1"), defaultPlan())

	queueID, err := e.processor.Add(context.Background(), "user-1", download.Request{
		ContentType: download.ContentSong,
		ContentID:   "song-1",
		Quality:     download.QualityHigh,
		DeviceID:    "device-1",
		Priority:    download.PriorityUser,
	})
	require.NoError(t, err)

	q, err := e.processor.Status(context.Background(), queueID)
	require.NoError(t, err)
	require.NotNil(t, q)

	assert.Equal(t, download.QueuePending, q.Status)
	assert.Equal(t, 1, q.TotalSongs)
	assert.Equal(t, int64(8*1024*1024), q.EstimatedSize)
}

func TestAdd_ValidationError(t *testing.T) {
	e := newEnv(t, nil, defaultPlan())

	_, err := e.processor.Add(context.Background(), "user-1", download.Request{
		ContentType: "video",
		ContentID:   "x",
		Quality:     download.QualityHigh,
		DeviceID:    "device-1",
	})

	var verr *download.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestAdd_DuplicateSong(t *testing.T) {
	e := newEnv(t, singleSong("song-1"), defaultPlan())

	req := download.Request{
		ContentType: download.ContentSong,
		ContentID:   "song-1",
		Quality:     download.QualityHigh,
		DeviceID:    "device-1",
		Priority:    download.PriorityUser,
	}

	_, err := e.processor.Add(context.Background(), "user-1", req)
	require.NoError(t, err)

	_, err = e.processor.Add(context.Background(), "user-1", req)
	assert.ErrorIs(t, err, download.ErrAlreadyDownloaded)
}

func TestAdd_DownloadLimitExceeded(t *testing.T) {
	plan := defaultPlan()
	plan.MaxDownloads = 1
	e := newEnv(t, singleSong("song-1"), plan)

	ctx := context.Background()
	e.ensureLimit(t, "user-1", "device-1")

	// Exhaust the single slot with a completed download.
	require.NoError(t, e.store.CreateDownload(ctx, &download.Download{
		ID:       uuid.New(),
		QueueID:  uuid.New(),
		UserID:   "user-1",
		SongID:   "other-song",
		DeviceID: "device-1",
		Status:   download.StatusCompleted,
		FileSize: 1024,
	}))
	require.NoError(t, e.quota.Recalculate(ctx, "user-1", "device-1"))

	_, err := e.processor.Add(ctx, "user-1", download.Request{
		ContentType: download.ContentSong,
		ContentID:   "song-1",
		Quality:     download.QualityHigh,
		DeviceID:    "device-1",
		Priority:    download.PriorityUser,
	})

	var qerr *download.QuotaExceededError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, "downloads", qerr.Limit)
}

func TestAdd_StorageLimitExceeded(t *testing.T) {
	plan := defaultPlan()
	plan.MaxStorageLimit = 4 * 1024 * 1024 // below one HIGH song
	e := newEnv(t, singleSong("song-1"), plan)

	_, err := e.processor.Add(context.Background(), "user-1", download.Request{
		ContentType: download.ContentSong,
		ContentID:   "song-1",
		Quality:     download.QualityHigh,
		DeviceID:    "device-1",
		Priority:    download.PriorityUser,
	})

	var qerr *download.QuotaExceededError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, "storage", qerr.Limit)
}

func manySongs(prefix string, count int) []catalog.Song {
	songs := make([]catalog.Song, 0, count)
	for i := 0; i < count; i++ {
		songs = append(songs, catalog.Song{ID: fmt.Sprintf("%s-%d", prefix, i)})
	}

	return songs
}

func TestAdd_PendingRowsReserveCountBudget(t *testing.T) {
	content := map[string][]catalog.Song{
		"album-a": manySongs("a", 60),
		"album-b": manySongs("b", 60),
	}

	e := newEnv(t, content, defaultPlan()) // 100-download cap

	ctx := context.Background()

	_, err := e.processor.Add(ctx, "user-1", download.Request{
		ContentType: download.ContentAlbum,
		ContentID:   "album-a",
		Quality:     download.QualityLow,
		DeviceID:    "device-1",
		Priority:    download.PriorityUser,
	})
	require.NoError(t, err)

	// The 60 pending songs hold their slots, so a second 60-song batch no
	// longer fits under the cap.
	_, err = e.processor.Add(ctx, "user-1", download.Request{
		ContentType: download.ContentAlbum,
		ContentID:   "album-b",
		Quality:     download.QualityLow,
		DeviceID:    "device-1",
		Priority:    download.PriorityUser,
	})

	var qerr *download.QuotaExceededError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, "downloads", qerr.Limit)
	assert.Equal(t, int64(60), qerr.Used)
}

func TestAdd_PendingBytesReserveStorageBudget(t *testing.T) {
	plan := defaultPlan()
	plan.MaxStorageLimit = 20 * 1024 * 1024 // room for two HIGH songs

	content := map[string][]catalog.Song{
		"song-1": {{ID: "song-1"}},
		"song-2": {{ID: "song-2"}},
		"song-3": {{ID: "song-3"}},
	}

	e := newEnv(t, content, plan)

	ctx := context.Background()

	for _, songID := range []string{"song-1", "song-2"} {
		_, err := e.processor.Add(ctx, "user-1", download.Request{
			ContentType: download.ContentSong,
			ContentID:   songID,
			Quality:     download.QualityHigh,
			DeviceID:    "device-1",
			Priority:    download.PriorityUser,
		})
		require.NoError(t, err)
	}

	// 16MB is reserved by the two pending songs; a third 8MB estimate no
	// longer fits.
	_, err := e.processor.Add(ctx, "user-1", download.Request{
		ContentType: download.ContentSong,
		ContentID:   "song-3",
		Quality:     download.QualityHigh,
		DeviceID:    "device-1",
		Priority:    download.PriorityUser,
	})

	var qerr *download.QuotaExceededError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, "storage", qerr.Limit)
}

func TestAdd_AlbumSkipsAlreadyQueuedSongs(t *testing.T) {
	content := map[string][]catalog.Song{
		"song-x":  {{ID: "song-x"}},
		"album-1": {{ID: "song-x"}, {ID: "song-y"}},
	}

	e := newEnv(t, content, defaultPlan())

	ctx := context.Background()

	_, err := e.processor.Add(ctx, "user-1", download.Request{
		ContentType: download.ContentSong,
		ContentID:   "song-x",
		Quality:     download.QualityMedium,
		DeviceID:    "device-1",
		Priority:    download.PriorityUser,
	})
	require.NoError(t, err)

	queueID, err := e.processor.Add(ctx, "user-1", download.Request{
		ContentType: download.ContentAlbum,
		ContentID:   "album-1",
		Quality:     download.QualityMedium,
		DeviceID:    "device-1",
		Priority:    download.PriorityUser,
	})
	require.NoError(t, err)

	// The album admits only the song that is not already queued.
	q, err := e.processor.Status(ctx, queueID)
	require.NoError(t, err)
	assert.Equal(t, 1, q.TotalSongs)
	assert.Equal(t, download.QualityMedium.EstimatedSongSize(), q.EstimatedSize)

	children, err := e.store.FindByQueue(ctx, queueID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "song-y", children[0].SongID)

	// One live row per song across both queues.
	active, err := e.store.FindActiveSongIDs(ctx, "user-1", "device-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"song-x", "song-y"}, active)

	// Re-requesting the album with every song live is a duplicate.
	_, err = e.processor.Add(ctx, "user-1", download.Request{
		ContentType: download.ContentAlbum,
		ContentID:   "album-1",
		Quality:     download.QualityMedium,
		DeviceID:    "device-1",
		Priority:    download.PriorityUser,
	})
	assert.ErrorIs(t, err, download.ErrAlreadyDownloaded)
}

func TestProcess_SingleSongCompletes(t *testing.T) {
	e := newEnv(t, singleSong("song-1"), defaultPlan())
	e.transfer.data["song-1"] = bytes.Repeat([]byte("a"), 64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, e.processor.Start(ctx))

	queueID, err := e.processor.Add(ctx, "user-1", download.Request{
		ContentType: download.ContentSong,
		ContentID:   "song-1",
		Quality:     download.QualityMedium,
		DeviceID:    "device-1",
		Priority:    download.PriorityUser,
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		q, err := e.processor.Status(ctx, queueID)

		return err == nil && q != nil && q.Status == download.QueueCompleted
	}, 5*time.Second, 10*time.Millisecond)

	q, err := e.processor.Status(ctx, queueID)
	require.NoError(t, err)
	assert.Equal(t, 1, q.CompletedSongs)
	assert.Equal(t, 0, q.FailedSongs)
	assert.Equal(t, int64(64), q.ActualSize)
	assert.Equal(t, 100, q.ProgressPercent())

	d, err := e.store.FindByUserAndSong(ctx, "user-1", "song-1", "device-1")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, download.StatusCompleted, d.Status)
	assert.True(t, e.blob.Exists(d.FilePath))

	// Completion recalculates the device counters.
	limit, err := e.limits.GetDeviceLimit(ctx, "user-1", "device-1")
	require.NoError(t, err)
	require.NotNil(t, limit)
	assert.Equal(t, 1, limit.CurrentDownloads)
	assert.Equal(t, int64(64), limit.TotalStorageUsed)
}

func TestProcess_TransientFailureRetries(t *testing.T) {
	e := newEnv(t, singleSong("song-1"), defaultPlan())
	e.transfer.data["song-1"] = []byte("retry me")
	e.transfer.failures["song-1"] = 2 // fails twice, succeeds on the third try

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, e.processor.Start(ctx))

	queueID, err := e.processor.Add(ctx, "user-1", download.Request{
		ContentType: download.ContentSong,
		ContentID:   "song-1",
		Quality:     download.QualityLow,
		DeviceID:    "device-1",
		Priority:    download.PriorityUser,
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		q, err := e.processor.Status(ctx, queueID)

		return err == nil && q != nil && q.Status == download.QueueCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestProcess_FailedSongDoesNotAbortSiblings(t *testing.T) {
	content := map[string][]catalog.Song{
		"album-1": {
			{ID: "song-1", Title: "One"},
			{ID: "song-2", Title: "Two"},
			{ID: "song-3", Title: "Three"},
		},
	}

	e := newEnv(t, content, defaultPlan())
	e.transfer.data["song-1"] = []byte("one")
	e.transfer.data["song-3"] = []byte("three")
	e.transfer.broken["song-2"] = true // permanent failure

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, e.processor.Start(ctx))

	queueID, err := e.processor.Add(ctx, "user-1", download.Request{
		ContentType: download.ContentAlbum,
		ContentID:   "album-1",
		Quality:     download.QualityMedium,
		DeviceID:    "device-1",
		Priority:    download.PriorityUser,
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		q, err := e.processor.Status(ctx, queueID)

		return err == nil && q != nil && q.Status == download.QueueCompleted
	}, 5*time.Second, 10*time.Millisecond)

	q, err := e.processor.Status(ctx, queueID)
	require.NoError(t, err)
	assert.Equal(t, 2, q.CompletedSongs)
	assert.Equal(t, 1, q.FailedSongs)

	failed, err := e.store.FindByUserAndSong(ctx, "user-1", "song-2", "device-1")
	require.NoError(t, err)
	require.NotNil(t, failed)
	assert.Equal(t, download.StatusFailed, failed.Status)
	assert.NotEmpty(t, failed.ErrorMessage)
}

func TestCancel_PendingQueue(t *testing.T) {
	content := map[string][]catalog.Song{
		"album-1": {{ID: "song-1"}, {ID: "song-2"}},
	}

	e := newEnv(t, content, defaultPlan())

	ctx := context.Background()

	queueID, err := e.processor.Add(ctx, "user-1", download.Request{
		ContentType: download.ContentAlbum,
		ContentID:   "album-1",
		Quality:     download.QualityMedium,
		DeviceID:    "device-1",
		Priority:    download.PriorityUser,
	})
	require.NoError(t, err)

	changed, err := e.processor.Cancel(ctx, queueID)
	require.NoError(t, err)
	assert.True(t, changed)

	q, err := e.processor.Status(ctx, queueID)
	require.NoError(t, err)
	assert.Equal(t, download.QueueCancelled, q.Status)

	children, err := e.store.FindByQueue(ctx, queueID)
	require.NoError(t, err)
	require.Len(t, children, 2)

	for _, d := range children {
		assert.Equal(t, download.StatusCancelled, d.Status)
	}
}

func TestPauseResume_Transitions(t *testing.T) {
	e := newEnv(t, singleSong("song-1"), defaultPlan())

	ctx := context.Background()

	queueID, err := e.processor.Add(ctx, "user-1", download.Request{
		ContentType: download.ContentSong,
		ContentID:   "song-1",
		Quality:     download.QualityMedium,
		DeviceID:    "device-1",
		Priority:    download.PriorityUser,
	})
	require.NoError(t, err)

	// pending -> paused
	changed, err := e.processor.Pause(ctx, queueID)
	require.NoError(t, err)
	assert.True(t, changed)

	// pausing again is a no-op
	changed, err = e.processor.Pause(ctx, queueID)
	require.NoError(t, err)
	assert.False(t, changed)

	// paused -> pending
	changed, err = e.processor.Resume(ctx, queueID)
	require.NoError(t, err)
	assert.True(t, changed)

	// resuming a pending queue is a no-op
	changed, err = e.processor.Resume(ctx, queueID)
	require.NoError(t, err)
	assert.False(t, changed)

	// cancelled queues cannot be paused
	_, err = e.processor.Cancel(ctx, queueID)
	require.NoError(t, err)

	changed, err = e.processor.Pause(ctx, queueID)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestPause_UnknownQueue(t *testing.T) {
	e := newEnv(t, nil, defaultPlan())

	_, err := e.processor.Pause(context.Background(), uuid.New())

	var nfe *download.NotFoundError
	assert.ErrorAs(t, err, &nfe)
}

func TestDeleteDownload(t *testing.T) {
	e := newEnv(t, singleSong("song-1"), defaultPlan())

	ctx := context.Background()
	e.ensureLimit(t, "user-1", "device-1")

	d := &download.Download{
		ID:       uuid.New(),
		QueueID:  uuid.New(),
		UserID:   "user-1",
		SongID:   "song-1",
		DeviceID: "device-1",
		Status:   download.StatusCompleted,
		FileSize: 32,
		FilePath: "user-1/device-1/song-1_medium.audio",
	}
	require.NoError(t, e.store.CreateDownload(ctx, d))
	e.blob.Put(d.FilePath, bytes.Repeat([]byte("b"), 32))

	t.Run("unknown download", func(t *testing.T) {
		err := e.processor.DeleteDownload(ctx, "user-1", uuid.New())

		var nfe *download.NotFoundError
		assert.ErrorAs(t, err, &nfe)
	})

	t.Run("wrong owner", func(t *testing.T) {
		err := e.processor.DeleteDownload(ctx, "someone-else", d.ID)

		var uerr *download.UnauthorizedError
		assert.ErrorAs(t, err, &uerr)
	})

	t.Run("owner deletes", func(t *testing.T) {
		require.NoError(t, e.processor.DeleteDownload(ctx, "user-1", d.ID))

		assert.False(t, e.blob.Exists(d.FilePath))

		got, err := e.store.GetDownload(ctx, d.ID)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestStart_RecoversStaleLeases(t *testing.T) {
	e := newEnv(t, singleSong("song-1"), defaultPlan())
	e.transfer.data["song-1"] = []byte("recovered")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Simulate a queue another instance was working on before it died.
	stale := time.Now().Add(-time.Hour)
	queueID := uuid.New()
	require.NoError(t, e.store.CreateQueue(ctx, &download.Queue{
		ID:          queueID,
		UserID:      "user-1",
		DeviceID:    "device-1",
		ContentType: download.ContentSong,
		ContentID:   "song-1",
		Quality:     download.QualityMedium,
		Status:      download.QueueProcessing,
		TotalSongs:  1,
		LockedBy:    "dead-instance",
		LeaseAt:     &stale,
		CreatedAt:   stale,
	}))
	require.NoError(t, e.store.CreateDownload(ctx, &download.Download{
		ID:       uuid.New(),
		QueueID:  queueID,
		UserID:   "user-1",
		SongID:   "song-1",
		DeviceID: "device-1",
		Quality:  download.QualityMedium,
		Status:   download.StatusPending,
	}))
	e.ensureLimit(t, "user-1", "device-1")

	require.NoError(t, e.processor.Start(ctx))

	assert.Eventually(t, func() bool {
		q, err := e.processor.Status(ctx, queueID)

		return err == nil && q != nil && q.Status == download.QueueCompleted
	}, 5*time.Second, 10*time.Millisecond)
}
