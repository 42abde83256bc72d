package index

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS email_index (
	account TEXT NOT NULL,
	message_id TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	sender TEXT NOT NULL DEFAULT '',
	recipients TEXT NOT NULL DEFAULT '',
	ts INTEGER NOT NULL,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	has_attachments INTEGER NOT NULL DEFAULT 0,
	attachment_names TEXT NOT NULL DEFAULT '',
	body_excerpt TEXT NOT NULL DEFAULT '',
	object_path TEXT NOT NULL DEFAULT '',
	labels TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (account, message_id)
);
CREATE INDEX IF NOT EXISTS idx_email_ts ON email_index(ts);
CREATE INDEX IF NOT EXISTS idx_email_sender ON email_index(sender);
CREATE INDEX IF NOT EXISTS idx_email_account ON email_index(account);
CREATE INDEX IF NOT EXISTS idx_email_attachments ON email_index(has_attachments);

CREATE TABLE IF NOT EXISTS term_frequency (
	account TEXT NOT NULL,
	term TEXT NOT NULL,
	count INTEGER NOT NULL,
	last_seen INTEGER NOT NULL,
	PRIMARY KEY (account, term)
);
`

// Record is one indexed message, keyed by (account, message id).
type Record struct {
	Account         string    `json:"account"`
	MessageID       string    `json:"message_id"`
	Subject         string    `json:"subject"`
	Sender          string    `json:"sender"`
	Recipients      string    `json:"recipients"` // comma-joined to/cc/bcc
	Timestamp       time.Time `json:"timestamp"`
	SizeBytes       int64     `json:"size_bytes"`
	HasAttachments  bool      `json:"has_attachments"`
	AttachmentNames string    `json:"attachment_names"`
	BodyExcerpt     string    `json:"body_excerpt"`
	ObjectPath      string    `json:"object_path"`
	Labels          string    `json:"labels"`
}

// Store is the sqlite-backed search index. Writers (the indexer) and
// readers (search) share it concurrently; every write is a single-row
// upsert so readers always see either the pre- or post-upsert row.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the index database and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply index schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Upsert writes the record, replacing any existing row with the same
// (account, message id) key.
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	attach := 0
	if rec.HasAttachments {
		attach = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_index
		(account, message_id, subject, sender, recipients, ts, size_bytes,
		 has_attachments, attachment_names, body_excerpt, object_path, labels)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account, message_id) DO UPDATE SET
			subject = excluded.subject,
			sender = excluded.sender,
			recipients = excluded.recipients,
			ts = excluded.ts,
			size_bytes = excluded.size_bytes,
			has_attachments = excluded.has_attachments,
			attachment_names = excluded.attachment_names,
			body_excerpt = excluded.body_excerpt,
			object_path = excluded.object_path,
			labels = excluded.labels
	`, rec.Account, rec.MessageID, rec.Subject, rec.Sender, rec.Recipients,
		rec.Timestamp.UnixMilli(), rec.SizeBytes, attach, rec.AttachmentNames,
		rec.BodyExcerpt, rec.ObjectPath, rec.Labels)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", rec.Account, rec.MessageID, err)
	}
	return nil
}

// Get returns the record for (account, messageID), or nil when absent.
func (s *Store) Get(ctx context.Context, account, messageID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account, message_id, subject, sender, recipients, ts, size_bytes,
		       has_attachments, attachment_names, body_excerpt, object_path, labels
		FROM email_index WHERE account = ? AND message_id = ?
	`, account, messageID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", account, messageID, err)
	}
	return rec, nil
}

// Count returns the total number of indexed messages.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM email_index").Scan(&n); err != nil {
		return 0, fmt.Errorf("count index: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var ts int64
	var attach int
	err := row.Scan(&rec.Account, &rec.MessageID, &rec.Subject, &rec.Sender,
		&rec.Recipients, &ts, &rec.SizeBytes, &attach, &rec.AttachmentNames,
		&rec.BodyExcerpt, &rec.ObjectPath, &rec.Labels)
	if err != nil {
		return nil, err
	}
	rec.Timestamp = time.UnixMilli(ts).UTC()
	rec.HasAttachments = attach != 0
	return &rec, nil
}
