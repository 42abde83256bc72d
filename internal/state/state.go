package state

import (
	"time"
)

// Mode selects how the crawl bounds its remote listing.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// AccountSyncState is the durable crawl checkpoint for one account.
// It is created on the account's first crawl, mutated after every
// processed message and at checkpoint boundaries, and retained forever
// as an audit trail; only the large transient fields are pruned when a
// crawl completes.
type AccountSyncState struct {
	AccountID string `json:"account_id"`
	Mode      Mode   `json:"mode"`

	// Cursor holds the remote pagination token of an interrupted
	// listing. It is informational only: a crash during listing
	// re-lists from scratch rather than trusting a mid-listing resume.
	Cursor string `json:"cursor,omitempty"`

	// DiscoveredIDs is the ordered listing of the in-flight crawl.
	// Cleared on completion.
	DiscoveredIDs []string `json:"discovered_ids,omitempty"`

	Processed map[string]bool `json:"processed_ids"`
	Failed    map[string]bool `json:"failed_ids"`

	// HighWaterTimestamp is the most recent message timestamp observed
	// by a completed crawl; incremental mode resumes from it.
	HighWaterTimestamp time.Time `json:"high_water_timestamp,omitempty"`

	InProgress  bool       `json:"in_progress"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Running counters, kept across resumes for reporting.
	TotalDiscovered int `json:"total_discovered"`
	Downloaded      int `json:"downloaded"`
	FailedCount     int `json:"failed_count"`
}

// New returns a fresh state for an account that has never been crawled.
func New(accountID string, mode Mode) *AccountSyncState {
	return &AccountSyncState{
		AccountID: accountID,
		Mode:      mode,
		Processed: make(map[string]bool),
		Failed:    make(map[string]bool),
	}
}

// migrate fills defaults for fields missing from an older on-disk
// state so loaded records are always fully populated.
func (s *AccountSyncState) migrate() {
	if s.Processed == nil {
		s.Processed = make(map[string]bool)
	}
	if s.Failed == nil {
		s.Failed = make(map[string]bool)
	}
	if s.Mode == "" {
		s.Mode = ModeIncremental
	}
	if s.TotalDiscovered == 0 && len(s.DiscoveredIDs) > 0 {
		s.TotalDiscovered = len(s.DiscoveredIDs)
	}
}

// Begin marks the start of a new crawl, resetting transient fields.
func (s *AccountSyncState) Begin(mode Mode, now time.Time) {
	s.Mode = mode
	s.InProgress = true
	s.StartedAt = &now
	s.CompletedAt = nil
	s.Cursor = ""
	s.DiscoveredIDs = nil
	s.Processed = make(map[string]bool)
	s.Failed = make(map[string]bool)
	s.TotalDiscovered = 0
	s.Downloaded = 0
	s.FailedCount = 0
}

// SetDiscovered records the completed listing for this crawl.
func (s *AccountSyncState) SetDiscovered(ids []string) {
	s.DiscoveredIDs = ids
	s.TotalDiscovered = len(ids)
	s.Cursor = ""
}

// MarkProcessed records a successful transfer+index of id. The id is
// removed from the failed set so the two sets stay disjoint.
func (s *AccountSyncState) MarkProcessed(id string) {
	if s.Failed[id] {
		delete(s.Failed, id)
		if s.FailedCount > 0 {
			s.FailedCount--
		}
	}
	if !s.Processed[id] {
		s.Processed[id] = true
		s.Downloaded++
	}
}

// MarkFailed records a permanent per-message failure. Ids that already
// succeeded are never demoted.
func (s *AccountSyncState) MarkFailed(id string) {
	if s.Processed[id] {
		return
	}
	if !s.Failed[id] {
		s.Failed[id] = true
		s.FailedCount++
	}
}

// Pending returns the discovered ids still to process, in discovery
// order. Previously failed ids are re-attempted only when autoResume
// is set.
func (s *AccountSyncState) Pending(autoResume bool) []string {
	var pending []string
	for _, id := range s.DiscoveredIDs {
		if s.Processed[id] {
			continue
		}
		if s.Failed[id] && !autoResume {
			continue
		}
		pending = append(pending, id)
	}
	return pending
}

// Done reports whether every discovered id has been accounted for.
func (s *AccountSyncState) Done() bool {
	for _, id := range s.DiscoveredIDs {
		if !s.Processed[id] && !s.Failed[id] {
			return false
		}
	}
	return true
}

// Complete marks the crawl finished and prunes the transient listing.
// In incremental mode the high-water timestamp advances to the newest
// message timestamp observed during the run; the wall clock is never
// used, so clock skew between runs cannot skip messages.
func (s *AccountSyncState) Complete(now time.Time, maxObserved time.Time) {
	s.InProgress = false
	s.CompletedAt = &now
	if s.Mode == ModeIncremental && maxObserved.After(s.HighWaterTimestamp) {
		s.HighWaterTimestamp = maxObserved
	}
	s.DiscoveredIDs = nil
	s.Cursor = ""
}
