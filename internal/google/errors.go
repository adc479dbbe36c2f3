package google

import (
	"errors"
	"net/http"

	"google.golang.org/api/googleapi"
)

// Sentinel classes for provider failures. Callers branch with errors.Is; the
// underlying googleapi error stays reachable through Unwrap.
var (
	// ErrTransient covers rate limits, quota exhaustion and 5xx responses.
	// Safe to retry with backoff.
	ErrTransient = errors.New("transient provider error")
	// ErrAuthExpired means the stored credential no longer works. Sync for
	// the account pauses until re-authorization; never retried blindly.
	ErrAuthExpired = errors.New("provider authorization expired")
	// ErrNotFound means the remote object is gone (404/410). For pushes this
	// is "needs recreation", not a user-facing failure.
	ErrNotFound = errors.New("not found on provider")
	// ErrCursorExpired means the incremental sync token is no longer valid
	// and the calendar must be backfilled from scratch.
	ErrCursorExpired = errors.New("sync cursor expired")
)

var transientReasons = map[string]bool{
	"rateLimitExceeded":          true,
	"userRateLimitExceeded":      true,
	"quotaExceeded":              true,
	"dailyLimitExceeded":         true,
	"backendError":               true,
	"internalError":              true,
	"rateLimitExceededUnreg":     true,
	"servingLimitExceeded":       true,
	"variableTermLimitExceeded":  true,
	"dailyLimitExceededUnreg":    true,
	"limitExceeded":              true,
	"userRateLimitExceededUnreg": true,
}

type classifiedError struct {
	class error
	err   error
}

func (e *classifiedError) Error() string { return e.class.Error() + ": " + e.err.Error() }

func (e *classifiedError) Unwrap() error { return e.err }

func (e *classifiedError) Is(target error) bool { return target == e.class }

// Classify attaches the matching sentinel class to a provider API failure.
// Errors with no recognizable class pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}

	class := classify(gerr)
	if class == nil {
		return err
	}
	return &classifiedError{class: class, err: err}
}

func classify(gerr *googleapi.Error) error {
	for _, item := range gerr.Errors {
		if item.Reason == "fullSyncRequired" {
			return ErrCursorExpired
		}
		if transientReasons[item.Reason] {
			return ErrTransient
		}
	}

	switch gerr.Code {
	case http.StatusUnauthorized:
		return ErrAuthExpired
	case http.StatusForbidden:
		// Rate-limit reasons were handled above; a bare 403 is a revoked
		// or insufficient credential.
		return ErrAuthExpired
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusGone:
		// An expired sync token is also a 410, but it always carries the
		// fullSyncRequired reason handled above. A bare 410 is a deleted
		// resource.
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrTransient
	}
	if gerr.Code >= 500 {
		return ErrTransient
	}
	return nil
}

// IsRetriable reports whether a failed provider call may be retried with
// backoff.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTransient)
}
