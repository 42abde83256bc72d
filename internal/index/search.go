package index

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Filter narrows a search. All provided fields combine conjunctively;
// zero values mean "no constraint".
type Filter struct {
	// Text matches as a substring across subject, sender, recipients
	// and the body excerpt.
	Text           string
	Account        string // exact
	Sender         string // substring
	Subject        string // substring
	Since          time.Time
	Until          time.Time // inclusive
	HasAttachments *bool
	Limit          int
}

// Search returns matching records ordered by timestamp descending,
// capped at the filter's limit (default 100). Callers needing more
// narrow the filters.
func (s *Store) Search(ctx context.Context, f Filter) ([]Record, error) {
	var conds []string
	var args []any

	if f.Text != "" {
		conds = append(conds, "(subject LIKE ? OR sender LIKE ? OR recipients LIKE ? OR body_excerpt LIKE ?)")
		p := "%" + f.Text + "%"
		args = append(args, p, p, p, p)
	}
	if f.Account != "" {
		conds = append(conds, "account = ?")
		args = append(args, f.Account)
	}
	if f.Sender != "" {
		conds = append(conds, "sender LIKE ?")
		args = append(args, "%"+f.Sender+"%")
	}
	if f.Subject != "" {
		conds = append(conds, "subject LIKE ?")
		args = append(args, "%"+f.Subject+"%")
	}
	if !f.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, f.Until.UnixMilli())
	}
	if f.HasAttachments != nil {
		conds = append(conds, "has_attachments = ?")
		if *f.HasAttachments {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}

	where := "1=1"
	if len(conds) > 0 {
		where = strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT account, message_id, subject, sender, recipients, ts, size_bytes,
		       has_attachments, attachment_names, body_excerpt, object_path, labels
		FROM email_index
		WHERE %s
		ORDER BY ts DESC
		LIMIT ?
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("search scan: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// WriteCSV exports search results, one row per record.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	header := []string{"account", "message_id", "subject", "sender", "recipients",
		"timestamp", "size_bytes", "has_attachments", "attachment_names", "object_path", "labels"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.Account, r.MessageID, r.Subject, r.Sender, r.Recipients,
			r.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatInt(r.SizeBytes, 10),
			strconv.FormatBool(r.HasAttachments),
			r.AttachmentNames, r.ObjectPath, r.Labels,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
