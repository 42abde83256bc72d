package gmail

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"google.golang.org/api/googleapi"

	"mailvault/internal/provider"
)

func TestMapErrorQuota(t *testing.T) {
	gerr := &googleapi.Error{
		Code:   http.StatusTooManyRequests,
		Header: http.Header{"Retry-After": []string{"30"}},
	}
	err := mapError("a@b.com", gerr)
	qe, ok := provider.IsQuota(err)
	if !ok {
		t.Fatalf("expected quota error, got %v", err)
	}
	if qe.RetryAfter != 30*time.Second {
		t.Errorf("retry-after: %v", qe.RetryAfter)
	}
}

func TestRetryAfterHTTPDate(t *testing.T) {
	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	gerr := &googleapi.Error{
		Code:   http.StatusTooManyRequests,
		Header: http.Header{"Retry-After": []string{future}},
	}
	qe, ok := provider.IsQuota(mapError("a@b.com", gerr))
	if !ok {
		t.Fatal("expected quota error")
	}
	// HTTP-date granularity is one second; allow for the time elapsed
	// since the header was built.
	if qe.RetryAfter < 50*time.Second || qe.RetryAfter > time.Minute {
		t.Errorf("retry-after from http-date: %v", qe.RetryAfter)
	}

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	gerr.Header.Set("Retry-After", past)
	qe, ok = provider.IsQuota(mapError("a@b.com", gerr))
	if !ok {
		t.Fatal("expected quota error")
	}
	if qe.RetryAfter != 0 {
		t.Errorf("past http-date must yield zero, got %v", qe.RetryAfter)
	}
}

func TestMapErrorForbiddenRateLimitIsQuota(t *testing.T) {
	gerr := &googleapi.Error{
		Code:   http.StatusForbidden,
		Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}},
	}
	if _, ok := provider.IsQuota(mapError("a@b.com", gerr)); !ok {
		t.Error("403 rateLimitExceeded must map to a quota error")
	}
}

func TestMapErrorForbiddenIsPermission(t *testing.T) {
	gerr := &googleapi.Error{Code: http.StatusForbidden}
	if !provider.IsPermission(mapError("a@b.com", gerr)) {
		t.Error("plain 403 must map to a permission error")
	}
}

func TestMapErrorNotFound(t *testing.T) {
	gerr := &googleapi.Error{Code: http.StatusNotFound}
	if !errors.Is(mapError("a@b.com", gerr), provider.ErrNotFound) {
		t.Error("404 must map to ErrNotFound")
	}
}

func TestMapErrorPassthrough(t *testing.T) {
	plain := errors.New("dial tcp: connection refused")
	if got := mapError("a@b.com", plain); got != plain {
		t.Errorf("transport errors must pass through, got %v", got)
	}
}
