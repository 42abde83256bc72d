package indexer

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mailvault/internal/index"
)

func openTestIndex(t *testing.T) *index.Store {
	t.Helper()
	s, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testTS = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

const plainMessage = "From: Alice <alice@b.com>\r\n" +
	"To: bob@b.com\r\n" +
	"Cc: carol@b.com\r\n" +
	"Subject: Quarterly numbers\r\n" +
	"X-Gmail-Labels: INBOX,IMPORTANT\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Revenue is   up\r\nacross the board.\r\n"

func TestIndexPlainMessage(t *testing.T) {
	store := openTestIndex(t)
	ix := New(store, 500)
	ctx := context.Background()

	err := ix.Index(ctx, "a@b.com", "m1", []byte(plainMessage), "a@b.com/2025/06/01/x.eml", testTS)
	if err != nil {
		t.Fatal(err)
	}

	rec, err := store.Get(ctx, "a@b.com", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("record not written")
	}
	if rec.Subject != "Quarterly numbers" {
		t.Errorf("subject: %q", rec.Subject)
	}
	if rec.Sender != "alice@b.com" {
		t.Errorf("sender: %q", rec.Sender)
	}
	if rec.Recipients != "bob@b.com, carol@b.com" {
		t.Errorf("recipients: %q", rec.Recipients)
	}
	if rec.Labels != "INBOX,IMPORTANT" {
		t.Errorf("labels: %q", rec.Labels)
	}
	if !strings.Contains(rec.BodyExcerpt, "Revenue is up across the board.") {
		t.Errorf("excerpt not whitespace-collapsed: %q", rec.BodyExcerpt)
	}
	if rec.HasAttachments {
		t.Error("plain message must not report attachments")
	}
	if rec.SizeBytes != int64(len(plainMessage)) {
		t.Errorf("size: %d", rec.SizeBytes)
	}
}

const multipartMessage = "From: alice@b.com\r\n" +
	"To: bob@b.com\r\n" +
	"Subject: With attachment\r\n" +
	"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<html><body><p>Please see the <b>attached</b> report.</p></body></html>\r\n" +
	"--XYZ\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
	"\r\n" +
	"%PDF-fake\r\n" +
	"--XYZ--\r\n"

func TestIndexMultipartWithAttachment(t *testing.T) {
	store := openTestIndex(t)
	ix := New(store, 500)
	ctx := context.Background()

	err := ix.Index(ctx, "a@b.com", "m2", []byte(multipartMessage), "a@b.com/2025/06/01/y.eml", testTS)
	if err != nil {
		t.Fatal(err)
	}

	rec, err := store.Get(ctx, "a@b.com", "m2")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.HasAttachments || rec.AttachmentNames != "report.pdf" {
		t.Errorf("attachment metadata wrong: %+v", rec)
	}
	// No text/plain part, so the excerpt comes from converted HTML.
	if !strings.Contains(rec.BodyExcerpt, "attached") {
		t.Errorf("html body not converted: %q", rec.BodyExcerpt)
	}
	if strings.Contains(rec.BodyExcerpt, "<b>") {
		t.Errorf("tags survived conversion: %q", rec.BodyExcerpt)
	}
}

func TestIndexUnparsableWritesMinimalRecord(t *testing.T) {
	store := openTestIndex(t)
	ix := New(store, 500)
	ctx := context.Background()

	raw := []byte("\x00\x01\x02 not a mime message")
	err := ix.Index(ctx, "a@b.com", "m3", raw, "a@b.com/2025/06/01/z.eml", testTS)
	if err != nil {
		t.Fatal(err)
	}

	rec, err := store.Get(ctx, "a@b.com", "m3")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("minimal record missing")
	}
	if rec.ObjectPath != "a@b.com/2025/06/01/z.eml" {
		t.Errorf("object path: %q", rec.ObjectPath)
	}
	if rec.SizeBytes != int64(len(raw)) {
		t.Errorf("size: %d", rec.SizeBytes)
	}
	if !rec.Timestamp.Equal(testTS) {
		t.Errorf("timestamp: %v", rec.Timestamp)
	}
}

func TestIndexReindexReplaces(t *testing.T) {
	store := openTestIndex(t)
	ix := New(store, 500)
	ctx := context.Background()

	if err := ix.Index(ctx, "a@b.com", "m1", []byte(plainMessage), "p1.eml", testTS); err != nil {
		t.Fatal(err)
	}
	if err := ix.Index(ctx, "a@b.com", "m1", []byte(plainMessage), "p2.eml", testTS); err != nil {
		t.Fatal(err)
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 record after re-index, got %d", n)
	}
	rec, _ := store.Get(ctx, "a@b.com", "m1")
	if rec.ObjectPath != "p2.eml" {
		t.Errorf("re-index kept stale path %q", rec.ObjectPath)
	}
}

func TestExcerptTruncatesOnRunes(t *testing.T) {
	long := strings.Repeat("é", 600)
	got := excerpt(long, 500)
	if len([]rune(got)) != 500 {
		t.Errorf("expected 500 runes, got %d", len([]rune(got)))
	}
}
