package index

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Edge is one sender→recipient aggregate of the communication graph.
type Edge struct {
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Messages  int64     `json:"messages"`
	Bytes     int64     `json:"bytes"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// TermCount is one (account, term) frequency aggregate.
type TermCount struct {
	Account  string    `json:"account"`
	Term     string    `json:"term"`
	Count    int64     `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

// TermOptions bounds term extraction.
type TermOptions struct {
	MinLength int
	StopWords []string
	Limit     int
}

// CommunicationGraph derives sender→recipient edges by aggregating
// over the index. Recipients are split per address so one message to
// three people yields three edges. Pass account="" for all accounts.
func (s *Store) CommunicationGraph(ctx context.Context, account string) ([]Edge, error) {
	query := "SELECT sender, recipients, ts, size_bytes FROM email_index"
	var args []any
	if account != "" {
		query += " WHERE account = ?"
		args = append(args, account)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("graph query: %w", err)
	}
	defer rows.Close()

	type key struct{ sender, recipient string }
	edges := make(map[key]*Edge)

	for rows.Next() {
		var sender, recipients string
		var ts, size int64
		if err := rows.Scan(&sender, &recipients, &ts, &size); err != nil {
			return nil, fmt.Errorf("graph scan: %w", err)
		}
		sender = normalizeAddress(sender)
		if sender == "" {
			continue
		}
		when := time.UnixMilli(ts).UTC()
		for _, rcpt := range splitAddresses(recipients) {
			k := key{sender, rcpt}
			e, ok := edges[k]
			if !ok {
				e = &Edge{Sender: sender, Recipient: rcpt, FirstSeen: when, LastSeen: when}
				edges[k] = e
			}
			e.Messages++
			e.Bytes += size
			if when.Before(e.FirstSeen) {
				e.FirstSeen = when
			}
			if when.After(e.LastSeen) {
				e.LastSeen = when
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Edge, 0, len(edges))
	for _, e := range edges {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Messages != out[j].Messages {
			return out[i].Messages > out[j].Messages
		}
		if out[i].Sender != out[j].Sender {
			return out[i].Sender < out[j].Sender
		}
		return out[i].Recipient < out[j].Recipient
	})
	return out, nil
}

// TermFrequencies returns per-term counts for the account. The
// materialized term_frequency table is used when it has rows for the
// account; otherwise the terms are computed on demand by tokenizing
// subject and body excerpt text.
func (s *Store) TermFrequencies(ctx context.Context, account string, opts TermOptions) ([]TermCount, error) {
	cached, err := s.cachedTerms(ctx, account, opts.Limit)
	if err != nil {
		return nil, err
	}
	if len(cached) > 0 {
		return cached, nil
	}
	return s.computeTerms(ctx, account, opts)
}

// RefreshTermCache recomputes and replaces the materialized term
// aggregates for the account.
func (s *Store) RefreshTermCache(ctx context.Context, account string, opts TermOptions) error {
	terms, err := s.computeTerms(ctx, account, TermOptions{
		MinLength: opts.MinLength,
		StopWords: opts.StopWords,
	})
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin term refresh: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM term_frequency WHERE account = ?", account); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear term cache: %w", err)
	}
	for _, t := range terms {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO term_frequency (account, term, count, last_seen)
			VALUES (?, ?, ?, ?)
		`, t.Account, t.Term, t.Count, t.LastSeen.UnixMilli())
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("write term cache: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) cachedTerms(ctx context.Context, account string, limit int) ([]TermCount, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT account, term, count, last_seen FROM term_frequency
		WHERE account = ? ORDER BY count DESC, term LIMIT ?
	`, account, limit)
	if err != nil {
		return nil, fmt.Errorf("read term cache: %w", err)
	}
	defer rows.Close()

	var out []TermCount
	for rows.Next() {
		var t TermCount
		var ls int64
		if err := rows.Scan(&t.Account, &t.Term, &t.Count, &ls); err != nil {
			return nil, fmt.Errorf("scan term cache: %w", err)
		}
		t.LastSeen = time.UnixMilli(ls).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) computeTerms(ctx context.Context, account string, opts TermOptions) ([]TermCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject, body_excerpt, ts FROM email_index WHERE account = ?
	`, account)
	if err != nil {
		return nil, fmt.Errorf("term query: %w", err)
	}
	defer rows.Close()

	stop := make(map[string]bool, len(opts.StopWords))
	for _, w := range opts.StopWords {
		stop[strings.ToLower(w)] = true
	}
	minLen := opts.MinLength
	if minLen <= 0 {
		minLen = 3
	}

	counts := make(map[string]*TermCount)
	for rows.Next() {
		var subject, excerpt string
		var ts int64
		if err := rows.Scan(&subject, &excerpt, &ts); err != nil {
			return nil, fmt.Errorf("term scan: %w", err)
		}
		when := time.UnixMilli(ts).UTC()
		for _, term := range Tokenize(subject+" "+excerpt, minLen, stop) {
			t, ok := counts[term]
			if !ok {
				t = &TermCount{Account: account, Term: term, LastSeen: when}
				counts[term] = t
			}
			t.Count++
			if when.After(t.LastSeen) {
				t.LastSeen = when
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]TermCount, 0, len(counts))
	for _, t := range counts {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Term < out[j].Term
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

var termPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9_]*`)

// Tokenize lowercases and extracts terms at least minLen long that
// are not stop words.
func Tokenize(text string, minLen int, stop map[string]bool) []string {
	var terms []string
	for _, m := range termPattern.FindAllString(text, -1) {
		term := strings.ToLower(m)
		if len(term) < minLen || stop[term] {
			continue
		}
		terms = append(terms, term)
	}
	return terms
}

var addressExtract = regexp.MustCompile(`<([^>]+)>`)

// normalizeAddress reduces a display-name address ("Alice <a@b.com>")
// to the bare lowercase address.
func normalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if m := addressExtract.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	return strings.ToLower(strings.TrimSpace(s))
}

func splitAddresses(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		addr := normalizeAddress(part)
		if addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
