// Package rest exposes the synchronization engine over HTTP for the device
// clients. Identity arrives pre-authenticated in headers; the gateway in
// front of this service owns authentication.
package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/soundleaf/offline_sync/internal/cleanup"
	"github.com/soundleaf/offline_sync/internal/download"
	"github.com/soundleaf/offline_sync/internal/logctx"
	"github.com/soundleaf/offline_sync/internal/playback"
	"github.com/soundleaf/offline_sync/internal/queue"
	"github.com/soundleaf/offline_sync/internal/quota"
	"github.com/soundleaf/offline_sync/internal/smart"
)

const (
	headerUserID   = "X-User-ID"
	headerDeviceID = "X-Device-ID"
)

// DownloadHandler routes device requests to the engine services.
type DownloadHandler struct {
	processor *queue.Processor
	playback  *playback.Service
	quota     *quota.Service
	cleanup   *cleanup.Service
	smart     *smart.Service
	metrics   *smart.Metrics
}

func NewDownloadHandler(
	processor *queue.Processor,
	playbackSvc *playback.Service,
	quotaSvc *quota.Service,
	cleanupSvc *cleanup.Service,
	smartSvc *smart.Service,
	metrics *smart.Metrics,
) *DownloadHandler {
	return &DownloadHandler{
		processor: processor,
		playback:  playbackSvc,
		quota:     quotaSvc,
		cleanup:   cleanupSvc,
		smart:     smartSvc,
		metrics:   metrics,
	}
}

func (h *DownloadHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.identityMiddleware)

	r.Post("/downloads", h.handleRequestDownload)
	r.Delete("/downloads/{downloadID}", h.handleDeleteDownload)

	r.Get("/queues", h.handleActiveQueues)
	r.Get("/queues/{queueID}", h.handleQueueStatus)
	r.Post("/queues/{queueID}/pause", h.handlePause)
	r.Post("/queues/{queueID}/resume", h.handleResume)
	r.Post("/queues/{queueID}/cancel", h.handleCancel)

	r.Get("/devices/{deviceID}/content", h.handleOfflineContent)
	r.Get("/devices/{deviceID}/storage", h.handleStorageInfo)
	r.Post("/devices/{deviceID}/verify", h.handleVerifyFiles)
	r.Post("/devices/{deviceID}/smart-downloads", h.handleSmartDownload)

	r.Post("/devices/{deviceID}/songs/{songID}/play", h.handleStartPlayback)
	r.Get("/devices/{deviceID}/songs/{songID}/url", h.handlePlaybackURL)
	r.Post("/sessions/{sessionID}/progress", h.handleSessionProgress)
	r.Post("/sessions/{sessionID}/end", h.handleSessionEnd)

	r.Get("/smart-downloads/accuracy", h.handleAccuracy)

	return r
}

func (h *DownloadHandler) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerUserID) == "" {
			http.Error(w, "missing "+headerUserID+" header", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func userID(r *http.Request) string {
	return r.Header.Get(headerUserID)
}

type downloadRequestPayload struct {
	ContentType string `json:"content_type"`
	ContentID   string `json:"content_id"`
	Quality     string `json:"quality"`
	DeviceID    string `json:"device_id"`
	Background  bool   `json:"background"`
}

func (h *DownloadHandler) handleRequestDownload(w http.ResponseWriter, r *http.Request) {
	var payload downloadRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	priority := download.PriorityUser
	if payload.Background {
		priority = download.PriorityBackground
	}

	queueID, err := h.processor.Add(r.Context(), userID(r), download.Request{
		ContentType: download.ContentType(payload.ContentType),
		ContentID:   payload.ContentID,
		Quality:     download.Quality(payload.Quality),
		DeviceID:    payload.DeviceID,
		Priority:    priority,
	})
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusAccepted, map[string]any{"queue_id": queueID})
}

func (h *DownloadHandler) handleDeleteDownload(w http.ResponseWriter, r *http.Request) {
	downloadID, err := uuid.Parse(chi.URLParam(r, "downloadID"))
	if err != nil {
		http.Error(w, "invalid download id", http.StatusBadRequest)

		return
	}

	if err := h.processor.DeleteDownload(r.Context(), userID(r), downloadID); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadHandler) handleActiveQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := h.processor.Active(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, queues)
}

func (h *DownloadHandler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	queueID, err := uuid.Parse(chi.URLParam(r, "queueID"))
	if err != nil {
		http.Error(w, "invalid queue id", http.StatusBadRequest)

		return
	}

	q, err := h.processor.Status(r.Context(), queueID)
	if err != nil {
		writeError(w, r, err)

		return
	}

	if q == nil {
		writeError(w, r, &download.NotFoundError{Kind: "queue", ID: queueID.String()})

		return
	}

	writeJSON(w, r, http.StatusOK, q)
}

func (h *DownloadHandler) queueTransition(
	w http.ResponseWriter,
	r *http.Request,
	fn func(r *http.Request, id uuid.UUID) (bool, error),
) {
	queueID, err := uuid.Parse(chi.URLParam(r, "queueID"))
	if err != nil {
		http.Error(w, "invalid queue id", http.StatusBadRequest)

		return
	}

	changed, err := fn(r, queueID)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"changed": changed})
}

func (h *DownloadHandler) handlePause(w http.ResponseWriter, r *http.Request) {
	h.queueTransition(w, r, func(r *http.Request, id uuid.UUID) (bool, error) {
		return h.processor.Pause(r.Context(), id)
	})
}

func (h *DownloadHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.queueTransition(w, r, func(r *http.Request, id uuid.UUID) (bool, error) {
		return h.processor.Resume(r.Context(), id)
	})
}

func (h *DownloadHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.queueTransition(w, r, func(r *http.Request, id uuid.UUID) (bool, error) {
		return h.processor.Cancel(r.Context(), id)
	})
}

func (h *DownloadHandler) handleOfflineContent(w http.ResponseWriter, r *http.Request) {
	content, err := h.playback.OfflineContent(r.Context(), userID(r), chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, content)
}

func (h *DownloadHandler) handleStorageInfo(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	info, err := h.quota.StorageInfo(r.Context(), userID(r), deviceID)
	if err != nil {
		writeError(w, r, err)

		return
	}

	warning, err := h.cleanup.CheckStorageWarnings(r.Context(), userID(r), deviceID)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"max_downloads":        info.MaxDownloads,
		"current_downloads":    info.CurrentDownloads,
		"available_downloads":  info.AvailableDownloads(),
		"storage_used":         info.StorageUsed,
		"storage_limit":        info.StorageLimit,
		"storage_used_percent": info.UsagePercent(),
		"warning":              warning,
	})
}

func (h *DownloadHandler) handleVerifyFiles(w http.ResponseWriter, r *http.Request) {
	result, err := h.playback.VerifyFiles(r.Context(), userID(r), chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, result)
}

func (h *DownloadHandler) handleSmartDownload(w http.ResponseWriter, r *http.Request) {
	result, err := h.smart.PredictAndDownload(r.Context(), userID(r), chi.URLParam(r, "deviceID"), smart.Options{})
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, result)
}

func (h *DownloadHandler) handleStartPlayback(w http.ResponseWriter, r *http.Request) {
	session, err := h.playback.StartPlayback(r.Context(), userID(r), chi.URLParam(r, "deviceID"), chi.URLParam(r, "songID"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, session)
}

func (h *DownloadHandler) handlePlaybackURL(w http.ResponseWriter, r *http.Request) {
	url, err := h.playback.PlaybackURL(r.Context(), userID(r), chi.URLParam(r, "deviceID"), chi.URLParam(r, "songID"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]string{"url": url})
}

type sessionProgressPayload struct {
	PositionMs int64 `json:"position_ms"`
	DurationMs int64 `json:"duration_ms"`
	Completed  bool  `json:"completed"`
}

func (h *DownloadHandler) sessionUpdate(
	w http.ResponseWriter,
	r *http.Request,
	fn func(r *http.Request, id uuid.UUID, p sessionProgressPayload) error,
) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)

		return
	}

	var payload sessionProgressPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if err := fn(r, sessionID, payload); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadHandler) handleSessionProgress(w http.ResponseWriter, r *http.Request) {
	h.sessionUpdate(w, r, func(r *http.Request, id uuid.UUID, p sessionProgressPayload) error {
		return h.playback.UpdateProgress(r.Context(), id,
			time.Duration(p.PositionMs)*time.Millisecond,
			time.Duration(p.DurationMs)*time.Millisecond)
	})
}

func (h *DownloadHandler) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	h.sessionUpdate(w, r, func(r *http.Request, id uuid.UUID, p sessionProgressPayload) error {
		return h.playback.EndPlayback(r.Context(), id,
			time.Duration(p.DurationMs)*time.Millisecond, p.Completed)
	})
}

func (h *DownloadHandler) handleAccuracy(w http.ResponseWriter, r *http.Request) {
	byType, err := h.metrics.AccuracyMetrics(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)

		return
	}

	overall, err := h.metrics.OverallAccuracy(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"by_type": byType,
		"overall": overall,
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

// writeError maps engine errors onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *download.ValidationError
		quotaErr      *download.QuotaExceededError
		notFoundErr   *download.NotFoundError
		unauthErr     *download.UnauthorizedError
		integrityErr  *download.IntegrityError
	)

	switch {
	case errors.Is(err, download.ErrAlreadyDownloaded):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &validationErr):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &quotaErr):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.As(err, &notFoundErr):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &unauthErr):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.As(err, &integrityErr):
		http.Error(w, err.Error(), http.StatusGone)
	default:
		logctx.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
