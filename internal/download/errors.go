package download

import (
	"errors"
	"fmt"
)

// ErrAlreadyDownloaded is the sentinel returned when a song already has a
// completed download for the same (user, song, device) triple.
var ErrAlreadyDownloaded = errors.New("already downloaded")

// ValidationError represents a malformed download request: missing ids,
// unknown content types or qualities.
type ValidationError struct {
	Field  string // The request field that failed validation
	Reason string // Human-readable explanation
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request field %q: %s", e.Field, e.Reason)
}

// QuotaExceededError represents a device budget rejection, either on the
// download count or the storage bytes derived from the subscription plan.
type QuotaExceededError struct {
	DeviceID string
	// Limit is which budget was hit: "downloads" or "storage".
	Limit string
	Used  int64
	Max   int64
}

func (e *QuotaExceededError) Error() string {
	if e.Limit == "storage" {
		return fmt.Sprintf("storage limit reached for device %s (%d of %d bytes)", e.DeviceID, e.Used, e.Max)
	}

	return fmt.Sprintf("download limit reached for your subscription plan (%d of %d downloads)", e.Used, e.Max)
}

// NotFoundError represents a missing download, queue or song.
type NotFoundError struct {
	Kind string // "download", "queue" or "song"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// UnauthorizedError represents an ownership mismatch on delete/cancel.
type UnauthorizedError struct {
	UserID   string
	Resource string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("user %s does not own %s", e.UserID, e.Resource)
}

// IntegrityError represents a missing or corrupt backing file discovered
// after the download was marked completed.
type IntegrityError struct {
	Path   string
	Reason string // "file not found" or "file corrupted"
	Err    error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity failure for %s: %s", e.Path, e.Reason)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// TransientError wraps a retryable transfer failure. The queue worker retries
// these with bounded backoff before marking the song failed.
type TransientError struct {
	Operation string
	Err       error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Operation, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError

	return errors.As(err, &te)
}
