package google

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/api/googleapi"
)

func gapiErr(code int, reasons ...string) error {
	gerr := &googleapi.Error{Code: code}
	for _, r := range reasons {
		gerr.Errors = append(gerr.Errors, googleapi.ErrorItem{Reason: r})
	}
	return fmt.Errorf("call failed: %w", gerr)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"rate limit reason", gapiErr(403, "rateLimitExceeded"), ErrTransient},
		{"user rate limit", gapiErr(403, "userRateLimitExceeded"), ErrTransient},
		{"quota", gapiErr(403, "quotaExceeded"), ErrTransient},
		{"too many requests", gapiErr(429), ErrTransient},
		{"server error", gapiErr(500), ErrTransient},
		{"bad gateway", gapiErr(502), ErrTransient},
		{"unavailable", gapiErr(503), ErrTransient},
		{"unauthorized", gapiErr(401), ErrAuthExpired},
		{"plain forbidden", gapiErr(403), ErrAuthExpired},
		{"not found", gapiErr(404), ErrNotFound},
		{"gone resource", gapiErr(410), ErrNotFound},
		{"expired sync token", gapiErr(410, "fullSyncRequired"), ErrCursorExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			if !errors.Is(got, tc.want) {
				t.Errorf("Classify(%v) = %v, want class %v", tc.err, got, tc.want)
			}
			// The original googleapi error must stay reachable.
			var gerr *googleapi.Error
			if !errors.As(got, &gerr) {
				t.Error("classified error lost the underlying googleapi.Error")
			}
		})
	}
}

func TestClassifyPassThrough(t *testing.T) {
	if Classify(nil) != nil {
		t.Error("Classify(nil) != nil")
	}

	plain := errors.New("connection refused")
	if got := Classify(plain); got != plain {
		t.Errorf("Classify(plain) = %v, want pass-through", got)
	}

	badRequest := gapiErr(400)
	if got := Classify(badRequest); got != badRequest {
		t.Errorf("Classify(400) = %v, want pass-through (non-retriable)", got)
	}
}

func TestIsRetriable(t *testing.T) {
	if !IsRetriable(Classify(gapiErr(503))) {
		t.Error("503 should be retriable")
	}
	if IsRetriable(Classify(gapiErr(401))) {
		t.Error("auth expiry must not be retriable")
	}
	if IsRetriable(errors.New("boom")) {
		t.Error("unclassified errors must not be retriable")
	}
}
