package indexer

import (
	"bytes"
	"context"
	"io"
	"log"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"

	"mailvault/internal/index"
)

// Indexer extracts searchable metadata from raw RFC 5322 messages and
// writes it to the index store.
type Indexer struct {
	store         *index.Store
	excerptLength int
}

func New(store *index.Store, excerptLength int) *Indexer {
	if excerptLength <= 0 {
		excerptLength = 500
	}
	return &Indexer{store: store, excerptLength: excerptLength}
}

// Index parses one message and upserts its record. Parse failures are
// not fatal: a minimal record with the key, path, size and timestamp is
// written instead so the stored object remains findable.
func (ix *Indexer) Index(ctx context.Context, account, msgID string, raw []byte, objectPath string, ts time.Time) error {
	rec := index.Record{
		Account:    account,
		MessageID:  msgID,
		Timestamp:  ts,
		SizeBytes:  int64(len(raw)),
		ObjectPath: objectPath,
	}

	if err := ix.extract(raw, &rec); err != nil {
		log.Printf("index %s/%s: parse failed, writing minimal record: %v", account, msgID, err)
	}
	return ix.store.Upsert(ctx, rec)
}

func (ix *Indexer) extract(raw []byte, rec *index.Record) error {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return err
	}
	if mr == nil {
		return err
	}

	header := mr.Header
	if subject, err := header.Subject(); err == nil {
		rec.Subject = subject
	}
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		rec.Sender = from[0].Address
	}
	var recipients []string
	for _, field := range []string{"To", "Cc", "Bcc"} {
		addrs, err := header.AddressList(field)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			recipients = append(recipients, a.Address)
		}
	}
	rec.Recipients = strings.Join(recipients, ", ")
	rec.Labels = header.Get("X-Gmail-Labels")

	var plain, html string
	var attachments []string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			break
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			switch {
			case strings.Contains(ct, "text/plain") && plain == "":
				b, _ := io.ReadAll(io.LimitReader(p.Body, int64(ix.excerptLength)*4))
				plain = string(b)
			case strings.Contains(ct, "text/html") && html == "":
				b, _ := io.ReadAll(p.Body)
				html = string(b)
			}
		case *mail.AttachmentHeader:
			filename, err := h.Filename()
			if err != nil || filename == "" {
				continue
			}
			attachments = append(attachments, filename)
		}
	}

	body := plain
	if body == "" && html != "" {
		body = html2text.HTML2Text(html)
	}
	rec.BodyExcerpt = excerpt(body, ix.excerptLength)
	rec.HasAttachments = len(attachments) > 0
	rec.AttachmentNames = strings.Join(attachments, ", ")
	return nil
}

// excerpt collapses whitespace and truncates to limit runes.
func excerpt(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) > limit {
		return string(runes[:limit])
	}
	return s
}
