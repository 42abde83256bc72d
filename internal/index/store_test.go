package index

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustUpsert(t *testing.T, s *Store, rec Record) {
	t.Helper()
	if err := s.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("upsert %s/%s: %v", rec.Account, rec.MessageID, err)
	}
}

func ts(day int, hour int) time.Time {
	return time.Date(2025, 6, day, hour, 0, 0, 0, time.UTC)
}

func TestUpsertReplacesExistingRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustUpsert(t, s, Record{
		Account: "a@b.com", MessageID: "m1",
		Subject: "draft", Sender: "x@y.com", Timestamp: ts(1, 9),
	})
	mustUpsert(t, s, Record{
		Account: "a@b.com", MessageID: "m1",
		Subject: "final", Sender: "x@y.com", Timestamp: ts(1, 10),
		SizeBytes: 42,
	})

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 record after re-index, got %d", n)
	}

	rec, err := s.Get(ctx, "a@b.com", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("record missing")
	}
	if rec.Subject != "final" || rec.SizeBytes != 42 {
		t.Errorf("stale fields survived re-index: %+v", rec)
	}
}

func TestGetAbsentReturnsNil(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Get(context.Background(), "a@b.com", "nope")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Errorf("expected nil for absent record, got %+v", rec)
	}
}

func TestSearchConjunctionAndOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustUpsert(t, s, Record{
		Account: "a@b.com", MessageID: "m1",
		Subject: "invoice march", Sender: "billing@vendor.com", Timestamp: ts(1, 9),
	})
	mustUpsert(t, s, Record{
		Account: "a@b.com", MessageID: "m2",
		Subject: "invoice april", Sender: "billing@vendor.com", Timestamp: ts(20, 9),
	})
	mustUpsert(t, s, Record{
		Account: "a@b.com", MessageID: "m3",
		Subject: "lunch?", Sender: "friend@example.com", Timestamp: ts(20, 10),
	})

	// Sender and date range combine conjunctively.
	got, err := s.Search(ctx, Filter{
		Sender: "billing",
		Since:  ts(10, 0),
		Until:  ts(30, 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].MessageID != "m2" {
		t.Fatalf("expected only m2, got %+v", got)
	}

	// Unfiltered results come back newest first.
	all, err := s.Search(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.After(all[i-1].Timestamp) {
			t.Errorf("results not ordered newest first: %v before %v",
				all[i-1].Timestamp, all[i].Timestamp)
		}
	}
}

func TestSearchTextSpansFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustUpsert(t, s, Record{
		Account: "a@b.com", MessageID: "m1",
		Subject: "weekly notes", BodyExcerpt: "the kubernetes upgrade is done",
		Timestamp: ts(1, 9),
	})
	mustUpsert(t, s, Record{
		Account: "a@b.com", MessageID: "m2",
		Subject: "kubernetes budget", Timestamp: ts(2, 9),
	})

	got, err := s.Search(ctx, Filter{Text: "kubernetes"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("expected text match across subject and excerpt, got %d", len(got))
	}
}

func TestSearchLimit(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		mustUpsert(t, s, Record{
			Account: "a@b.com", MessageID: string(rune('a' + i)),
			Timestamp: ts(1+i, 9),
		})
	}
	got, err := s.Search(context.Background(), Filter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("expected limit of 2, got %d", len(got))
	}
}

func TestSearchHasAttachments(t *testing.T) {
	s := openTestStore(t)
	mustUpsert(t, s, Record{
		Account: "a@b.com", MessageID: "m1", Timestamp: ts(1, 9),
		HasAttachments: true, AttachmentNames: "report.pdf",
	})
	mustUpsert(t, s, Record{
		Account: "a@b.com", MessageID: "m2", Timestamp: ts(2, 9),
	})

	yes := true
	got, err := s.Search(context.Background(), Filter{HasAttachments: &yes})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].MessageID != "m1" {
		t.Fatalf("expected only the attachment message, got %+v", got)
	}
}

func TestCommunicationGraph(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustUpsert(t, s, Record{
		Account: "a@b.com", MessageID: "m1",
		Sender: "Alice <alice@b.com>", Recipients: "bob@b.com, Carol <carol@b.com>",
		Timestamp: ts(1, 9), SizeBytes: 100,
	})
	mustUpsert(t, s, Record{
		Account: "a@b.com", MessageID: "m2",
		Sender: "alice@b.com", Recipients: "bob@b.com",
		Timestamp: ts(5, 9), SizeBytes: 50,
	})

	edges, err := s.CommunicationGraph(ctx, "a@b.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %+v", edges)
	}
	// Heaviest edge first.
	top := edges[0]
	if top.Sender != "alice@b.com" || top.Recipient != "bob@b.com" {
		t.Fatalf("unexpected top edge %+v", top)
	}
	if top.Messages != 2 || top.Bytes != 150 {
		t.Errorf("expected 2 messages / 150 bytes, got %+v", top)
	}
	if !top.FirstSeen.Equal(ts(1, 9)) || !top.LastSeen.Equal(ts(5, 9)) {
		t.Errorf("first/last seen wrong: %+v", top)
	}
	if edges[1].Recipient != "carol@b.com" {
		t.Errorf("display-name recipient not normalized: %+v", edges[1])
	}
}

func TestTermFrequencies(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustUpsert(t, s, Record{
		Account: "a@b.com", MessageID: "m1",
		Subject: "Budget review", BodyExcerpt: "the budget looks fine",
		Timestamp: ts(1, 9),
	})
	mustUpsert(t, s, Record{
		Account: "a@b.com", MessageID: "m2",
		Subject: "Budget approval", Timestamp: ts(2, 9),
	})

	opts := TermOptions{MinLength: 3, StopWords: []string{"the"}, Limit: 10}
	terms, err := s.TermFrequencies(ctx, "a@b.com", opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(terms) == 0 || terms[0].Term != "budget" || terms[0].Count != 3 {
		t.Fatalf("expected budget x3 on top, got %+v", terms)
	}
	for _, tc := range terms {
		if tc.Term == "the" {
			t.Error("stop word leaked into terms")
		}
		if len(tc.Term) < 3 {
			t.Errorf("short term leaked: %q", tc.Term)
		}
	}

	// After materializing, the cache serves the same top term.
	if err := s.RefreshTermCache(ctx, "a@b.com", opts); err != nil {
		t.Fatal(err)
	}
	cached, err := s.TermFrequencies(ctx, "a@b.com", opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) == 0 || cached[0].Term != "budget" {
		t.Fatalf("cache disagrees with computed terms: %+v", cached)
	}
}

func TestTokenize(t *testing.T) {
	stop := map[string]bool{"and": true}
	got := Tokenize("Alpha and beta_2 x", 3, stop)
	want := []string{"alpha", "beta_2"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("term %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestWriteCSV(t *testing.T) {
	records := []Record{{
		Account: "a@b.com", MessageID: "m1", Subject: "hello, world",
		Sender: "x@y.com", Timestamp: ts(1, 9), SizeBytes: 7,
	}}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, records); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header plus one row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "account,message_id,") {
		t.Errorf("unexpected header %q", lines[0])
	}
	if !strings.Contains(lines[1], `"hello, world"`) {
		t.Errorf("comma subject not quoted: %q", lines[1])
	}
}
