package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Query narrows a mailbox listing. The zero value lists everything.
type Query struct {
	// After restricts the listing to messages received on or after
	// this instant. Zero means unbounded.
	After time.Time
}

// Mailbox is the remote mailbox provider consumed by the crawler. All
// methods are blocking, synchronous calls; callers pace them through
// the rate limiter.
type Mailbox interface {
	// ListMessageIDs returns one page of message identifiers for the
	// account plus the token for the next page ("" when exhausted).
	ListMessageIDs(ctx context.Context, account string, q Query, pageToken string) (ids []string, nextToken string, err error)

	// FetchRaw returns the complete raw (RFC 5322) message bytes and
	// the provider's receive timestamp for the message.
	FetchRaw(ctx context.Context, account, id string) (raw []byte, ts time.Time, err error)
}

// QuotaError reports that the provider rejected a call for rate/quota
// reasons. It optionally carries the provider's Retry-After hint.
type QuotaError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %v", e.Err)
}

func (e *QuotaError) Unwrap() error { return e.Err }

// PermissionError reports an authorization failure. It is never
// retried; the affected account's run is aborted.
type PermissionError struct {
	Account string
	Err     error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied for %s: %v", e.Account, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// ErrNotFound reports that a message id no longer exists remotely.
var ErrNotFound = errors.New("message not found")

// IsQuota reports whether err is a quota error and returns it.
func IsQuota(err error) (*QuotaError, bool) {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

// IsPermission reports whether err is an authorization failure.
func IsPermission(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}
