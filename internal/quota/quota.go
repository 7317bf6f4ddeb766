// Package quota enforces per-device download-count and storage-byte budgets.
// The budgets derive from the subscription plan and are cached on a
// DeviceLimit row; usage counters are recomputed from the store on admission
// and after every completion and deletion. In-flight downloads count against
// the budget at their estimated size so admissions reserve room instead of
// racing each other to the cap.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/soundleaf/offline_sync/internal/download"
	"github.com/soundleaf/offline_sync/internal/storage"
)

// Plan is the budget a subscription grants to each device.
type Plan struct {
	ID              string
	MaxDownloads    int
	MaxStorageLimit int64
}

// PlanResolver resolves a user's subscription plan. External collaborator.
type PlanResolver interface {
	ResolvePlan(ctx context.Context, userID string) (*Plan, error)
}

// Service validates admissions against device budgets and keeps usage
// counters consistent. Counter mutations for one device are serialized
// through WithDeviceLock.
type Service struct {
	limits storage.DeviceLimitRepository
	plans  PlanResolver

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(limits storage.DeviceLimitRepository, plans PlanResolver) *Service {
	return &Service{
		limits: limits,
		plans:  plans,
		locks:  make(map[string]*sync.Mutex),
	}
}

// WithDeviceLock runs fn while holding the in-process lock for the device.
// Concurrent admission and cleanup for the same device must serialize through
// this to prevent over-admission past the quota.
func (s *Service) WithDeviceLock(userID, deviceID string, fn func() error) error {
	s.mu.Lock()
	key := userID + "/" + deviceID

	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	return fn()
}

// EnsureLimit returns the device limit, creating it from the subscription
// plan on first contact with a device.
func (s *Service) EnsureLimit(ctx context.Context, userID, deviceID string) (*download.DeviceLimit, error) {
	limit, err := s.limits.GetDeviceLimit(ctx, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load device limit: %w", err)
	}

	if limit != nil {
		return limit, nil
	}

	plan, err := s.plans.ResolvePlan(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subscription plan: %w", err)
	}

	limit = &download.DeviceLimit{
		UserID:             userID,
		DeviceID:           deviceID,
		SubscriptionPlanID: plan.ID,
		MaxDownloads:       plan.MaxDownloads,
		MaxStorageLimit:    plan.MaxStorageLimit,
		IsActive:           true,
		UpdatedAt:          time.Now().UTC(),
	}

	if err := s.limits.UpsertDeviceLimit(ctx, limit); err != nil {
		return nil, fmt.Errorf("failed to persist device limit: %w", err)
	}

	return limit, nil
}

// CheckAdmission is the synchronous guard run before any state mutation.
// It rejects when either budget is already exhausted or the estimated batch
// would not fit.
func (s *Service) CheckAdmission(limit *download.DeviceLimit, songCount int, estimatedSize int64) error {
	if limit.CurrentDownloads >= limit.MaxDownloads ||
		limit.CurrentDownloads+songCount > limit.MaxDownloads {
		return &download.QuotaExceededError{
			DeviceID: limit.DeviceID,
			Limit:    "downloads",
			Used:     int64(limit.CurrentDownloads),
			Max:      int64(limit.MaxDownloads),
		}
	}

	if limit.TotalStorageUsed >= limit.MaxStorageLimit ||
		limit.TotalStorageUsed+estimatedSize > limit.MaxStorageLimit {
		return &download.QuotaExceededError{
			DeviceID: limit.DeviceID,
			Limit:    "storage",
			Used:     limit.TotalStorageUsed,
			Max:      limit.MaxStorageLimit,
		}
	}

	return nil
}

// ReserveAdmission recomputes live usage from the store and runs the
// admission guard against it, returning the refreshed limit. The caller must
// hold the device lock; the rows it creates on success are the reservation
// the next admission's recompute will see.
func (s *Service) ReserveAdmission(ctx context.Context, userID, deviceID string, songCount int, estimatedSize int64) (*download.DeviceLimit, error) {
	limit, err := s.EnsureLimit(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}

	count, used, err := s.limits.CalculateDeviceStorageUsage(ctx, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to recalculate device storage usage: %w", err)
	}

	limit.CurrentDownloads = count
	limit.TotalStorageUsed = used

	if err := s.CheckAdmission(limit, songCount, estimatedSize); err != nil {
		return nil, err
	}

	return limit, nil
}

// Recalculate recomputes usage counters from the store. Called after every
// completion and deletion so the cached counters never drift.
func (s *Service) Recalculate(ctx context.Context, userID, deviceID string) error {
	if _, _, err := s.limits.CalculateDeviceStorageUsage(ctx, userID, deviceID); err != nil {
		return fmt.Errorf("failed to recalculate device storage usage: %w", err)
	}

	return nil
}

// StorageInfo reports the current budget view for a device.
func (s *Service) StorageInfo(ctx context.Context, userID, deviceID string) (download.StorageInfo, error) {
	limit, err := s.EnsureLimit(ctx, userID, deviceID)
	if err != nil {
		return download.StorageInfo{}, err
	}

	return download.StorageInfo{
		MaxDownloads:     limit.MaxDownloads,
		CurrentDownloads: limit.CurrentDownloads,
		StorageUsed:      limit.TotalStorageUsed,
		StorageLimit:     limit.MaxStorageLimit,
	}, nil
}
