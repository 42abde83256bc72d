package transfer

import (
	"context"
	"errors"
	"log"
	"time"

	"mailvault/internal/blobstore"
)

// Status classifies the outcome of a transfer attempt. Expected
// conditions ("already exists") are values, not exceptions.
type Status int

const (
	// StatusOK: object uploaded by this call.
	StatusOK Status = iota
	// StatusAlreadyExists: a prior run stored the object; success.
	StatusAlreadyExists
	// StatusRetryable: a transient failure exhausted its attempts;
	// the message is recorded as failed but a later run may succeed.
	StatusRetryable
	// StatusFatal: the failure will not improve with retries.
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusAlreadyExists:
		return "already-exists"
	case StatusRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// Succeeded reports whether the destination object is known to exist.
func (s Status) Succeeded() bool {
	return s == StatusOK || s == StatusAlreadyExists
}

// Result is the outcome of one Transfer call.
type Result struct {
	Status Status
	Path   string
	Err    error
}

// Transferer uploads raw messages to deterministic destinations with
// bounded retries on transient failures.
type Transferer struct {
	store       blobstore.ObjectStore
	maxAttempts int

	sleep func(ctx context.Context, d time.Duration) error
}

func New(store blobstore.ObjectStore, maxAttempts int) *Transferer {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Transferer{
		store:       store,
		maxAttempts: maxAttempts,
		sleep:       sleepCtx,
	}
}

// Transfer uploads one message. Re-running the same message never
// produces a second destination object.
func (t *Transferer) Transfer(ctx context.Context, accountID, msgID string, raw []byte, ts time.Time) Result {
	path := DestinationPath(accountID, ts, SubjectHint(raw), msgID)

	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		existed, err := t.store.PutIfAbsent(ctx, path, raw)
		if err == nil {
			if existed {
				return Result{Status: StatusAlreadyExists, Path: path}
			}
			return Result{Status: StatusOK, Path: path}
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{Status: StatusFatal, Path: path, Err: err}
		}

		lastErr = err
		if attempt < t.maxAttempts {
			log.Printf("transfer %s attempt %d/%d failed: %v", path, attempt, t.maxAttempts, err)
			if serr := t.sleep(ctx, backoff); serr != nil {
				return Result{Status: StatusFatal, Path: path, Err: serr}
			}
			backoff *= 2
		}
	}
	return Result{Status: StatusRetryable, Path: path, Err: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
