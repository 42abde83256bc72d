package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailvault/internal/provider"
)

// Adapter implements provider.Mailbox against the Gmail API using a
// service account with domain-wide delegation. One Gmail service is
// built per impersonated account and cached.
type Adapter struct {
	credentials []byte
	scopes      []string
	pageSize    int64

	mu   sync.Mutex
	svcs map[string]*gmail.Service
}

// New reads the service account key file and prepares the adapter.
func New(serviceAccountFile string, scopes []string, pageSize int64) (*Adapter, error) {
	creds, err := os.ReadFile(serviceAccountFile)
	if err != nil {
		return nil, fmt.Errorf("read service account key: %w", err)
	}
	if len(scopes) == 0 {
		scopes = []string{gmail.GmailReadonlyScope}
	}
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Adapter{
		credentials: creds,
		scopes:      scopes,
		pageSize:    pageSize,
		svcs:        make(map[string]*gmail.Service),
	}, nil
}

func (a *Adapter) service(ctx context.Context, account string) (*gmail.Service, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if svc, ok := a.svcs[account]; ok {
		return svc, nil
	}

	config, err := google.JWTConfigFromJSON(a.credentials, a.scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	config.Subject = account

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("create gmail service for %s: %w", account, err)
	}
	a.svcs[account] = svc
	return svc, nil
}

// ListMessageIDs returns one page of message ids for the account,
// newest first, optionally restricted to messages after q.After.
func (a *Adapter) ListMessageIDs(ctx context.Context, account string, q provider.Query, pageToken string) ([]string, string, error) {
	svc, err := a.service(ctx, account)
	if err != nil {
		return nil, "", err
	}

	call := svc.Users.Messages.List(account).
		IncludeSpamTrash(false).
		MaxResults(a.pageSize).
		Context(ctx)
	if !q.After.IsZero() {
		call = call.Q(fmt.Sprintf("after:%s", q.After.Format("2006/01/02")))
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, "", mapError(account, err)
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return ids, resp.NextPageToken, nil
}

// FetchRaw downloads the full RFC 5322 message bytes. The raw format
// response also carries the internal date, so one call serves both
// the transfer and the high-water bookkeeping.
func (a *Adapter) FetchRaw(ctx context.Context, account, id string) ([]byte, time.Time, error) {
	svc, err := a.service(ctx, account)
	if err != nil {
		return nil, time.Time{}, err
	}

	msg, err := svc.Users.Messages.Get(account, id).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, time.Time{}, mapError(account, err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(msg.Raw)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("decode raw message %s: %w", id, err)
	}
	return raw, time.UnixMilli(msg.InternalDate).UTC(), nil
}

// mapError classifies googleapi errors into the provider error types
// the crawler dispatches on.
func mapError(account string, err error) error {
	gerr, ok := err.(*googleapi.Error)
	if !ok {
		return err
	}
	switch gerr.Code {
	case http.StatusTooManyRequests:
		return &provider.QuotaError{RetryAfter: retryAfter(gerr), Err: err}
	case http.StatusForbidden:
		for _, e := range gerr.Errors {
			switch e.Reason {
			case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
				return &provider.QuotaError{RetryAfter: retryAfter(gerr), Err: err}
			}
		}
		return &provider.PermissionError{Account: account, Err: err}
	case http.StatusUnauthorized:
		return &provider.PermissionError{Account: account, Err: err}
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", provider.ErrNotFound, err)
	}
	return err
}

// retryAfter reads the Retry-After header, which carries either a
// delay in seconds or an HTTP-date.
func retryAfter(gerr *googleapi.Error) time.Duration {
	for k, vs := range gerr.Header {
		if !strings.EqualFold(k, "Retry-After") || len(vs) == 0 {
			continue
		}
		if d, err := time.ParseDuration(vs[0] + "s"); err == nil {
			return d
		}
		if t, err := http.ParseTime(vs[0]); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
			return 0
		}
	}
	return 0
}
