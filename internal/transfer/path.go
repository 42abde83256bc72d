package transfer

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxSlugBytes     = 120
	maxIDSlugBytes   = 32
	maxFilenameBytes = 200
	shortSlugBytes   = 80
)

var (
	controlChars  = regexp.MustCompile(`[\x00-\x1f\x7f]`)
	whitespaceRun = regexp.MustCompile(`\s+`)
	reservedChars = regexp.MustCompile(`[\\/:*?"<>|]`)
)

// safeComponent turns s into a filesystem-safe path component bounded
// to maxBytes, truncating on a UTF-8 rune boundary.
func safeComponent(s string, maxBytes int) string {
	s = controlChars.ReplaceAllString(s, "_")
	s = strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
	s = reservedChars.ReplaceAllString(s, "_")

	for len(s) > maxBytes {
		_, size := utf8.DecodeLastRuneInString(s)
		s = s[:len(s)-size]
	}
	return s
}

// DestinationPath derives the deterministic object path for a message:
// <account>/<YYYY>/<MM>/<DD>/<YYYYMMDD_HHMMSS>_<slug>.eml. The slug
// comes from the subject, falling back to the remote id when the
// subject yields nothing usable. The same message always maps to the
// same path, which is what makes re-runs idempotent.
func DestinationPath(accountID string, ts time.Time, subjectHint, msgID string) string {
	utc := ts.UTC()

	slug := safeComponent(subjectHint, maxSlugBytes)
	if slug == "" {
		slug = safeComponent(msgID, maxIDSlugBytes)
		if slug == "" {
			slug = "message"
		}
	}

	stamp := utc.Format("20060102_150405")
	filename := fmt.Sprintf("%s_%s.eml", stamp, slug)
	if len(filename) > maxFilenameBytes {
		filename = fmt.Sprintf("%s_%s.eml", stamp, safeComponent(slug, shortSlugBytes))
	}

	return fmt.Sprintf("%s/%s/%s", accountID, utc.Format("2006/01/02"), filename)
}

var subjectHeader = regexp.MustCompile(`(?mi)^Subject:[ \t]*(.+)$`)

// SubjectHint pulls the Subject header out of raw message bytes
// without a full MIME parse; path derivation only needs a hint.
func SubjectHint(raw []byte) string {
	head := raw
	if i := strings.Index(string(raw), "\r\n\r\n"); i >= 0 {
		head = raw[:i]
	} else if i := strings.Index(string(raw), "\n\n"); i >= 0 {
		head = raw[:i]
	}
	if m := subjectHeader.FindSubmatch(head); m != nil {
		return strings.TrimSpace(string(m[1]))
	}
	return ""
}
