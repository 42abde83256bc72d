package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"mailvault/internal/crawl"
)

// Event subjects published to the event stream.
const (
	SubjectAccountStarted   = "mailvault.account.started"
	SubjectAccountCompleted = "mailvault.account.completed"
	SubjectAccountFailed    = "mailvault.account.failed"
	SubjectRunCompleted     = "mailvault.run.completed"
)

// Recorder turns crawl lifecycle notifications into outbox events. A
// nil Recorder is valid and records nothing, so callers can wire it
// unconditionally.
type Recorder struct {
	store *Store
}

func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

type accountEvent struct {
	EventID string    `json:"event_id"`
	Account string    `json:"account"`
	Mode    string    `json:"mode,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

type accountCompletedEvent struct {
	EventID string             `json:"event_id"`
	Stats   crawl.AccountStats `json:"stats"`
	At      time.Time          `json:"at"`
}

type runCompletedEvent struct {
	EventID string        `json:"event_id"`
	Summary crawl.Summary `json:"summary"`
	At      time.Time     `json:"at"`
}

func (r *Recorder) AccountStarted(account string, mode string) {
	id := uuid.NewString()
	r.append(SubjectAccountStarted, id, accountEvent{
		EventID: id, Account: account, Mode: mode, At: time.Now().UTC(),
	})
}

func (r *Recorder) AccountCompleted(account string, stats crawl.AccountStats) {
	id := uuid.NewString()
	r.append(SubjectAccountCompleted, id, accountCompletedEvent{
		EventID: id, Stats: stats, At: time.Now().UTC(),
	})
}

func (r *Recorder) AccountFailed(account string, err error) {
	id := uuid.NewString()
	r.append(SubjectAccountFailed, id, accountEvent{
		EventID: id, Account: account, Error: err.Error(), At: time.Now().UTC(),
	})
}

func (r *Recorder) RunCompleted(summary crawl.Summary) {
	id := uuid.NewString()
	r.append(SubjectRunCompleted, id, runCompletedEvent{
		EventID: id, Summary: summary, At: time.Now().UTC(),
	})
}

func (r *Recorder) append(subject, eventID string, payload any) {
	if r == nil || r.store == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("events: encode %s: %v", subject, err)
		return
	}
	if err := r.store.Append(context.Background(), subject, subject, body, eventID); err != nil {
		log.Printf("events: append %s: %v", subject, err)
	}
}
