package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Store persists one AccountSyncState as a JSON file per account.
// Files are per-account so concurrent account workers never contend
// on the same checkpoint resource.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

var unsafeStateChars = regexp.MustCompile(`[^a-zA-Z0-9._@+-]`)

func (st *Store) path(accountID string) string {
	safe := unsafeStateChars.ReplaceAllString(accountID, "_")
	return filepath.Join(st.dir, safe+".json")
}

// Load returns the stored state for the account, or a fresh state if
// none exists yet. Missing fields in older files are filled with
// defaults.
func (st *Store) Load(accountID string) (*AccountSyncState, error) {
	data, err := os.ReadFile(st.path(accountID))
	if err != nil {
		if os.IsNotExist(err) {
			return New(accountID, ModeIncremental), nil
		}
		return nil, fmt.Errorf("read state for %s: %w", accountID, err)
	}

	var s AccountSyncState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state for %s: %w", accountID, err)
	}
	if s.AccountID == "" {
		s.AccountID = accountID
	}
	s.migrate()
	return &s, nil
}

// Save writes the state atomically: a crash leaves either the old or
// the new file, never a torn write.
func (st *Store) Save(s *AccountSyncState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state for %s: %w", s.AccountID, err)
	}

	final := st.path(s.AccountID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state for %s: %w", s.AccountID, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("commit state for %s: %w", s.AccountID, err)
	}
	return nil
}

// List returns every stored account state, sorted by account id, for
// operator/status surfaces.
func (st *Store) List() ([]*AccountSyncState, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("read state dir: %w", err)
	}

	var states []*AccountSyncState
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(st.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		var s AccountSyncState
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		s.migrate()
		states = append(states, &s)
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].AccountID < states[j].AccountID
	})
	return states, nil
}
