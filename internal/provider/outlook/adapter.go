package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"mailvault/internal/provider"
)

// Adapter implements provider.Mailbox against Microsoft Graph.
type Adapter struct {
	client   *msgraphsdk.GraphServiceClient
	pageSize int32
}

// New builds the adapter from a pre-acquired Graph access token.
func New(accessToken string, pageSize int64) (*Adapter, error) {
	cred := &staticTokenCredential{token: accessToken}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("create graph client: %w", err)
	}
	if pageSize <= 0 || pageSize > 1000 {
		pageSize = 500
	}
	return &Adapter{client: client, pageSize: int32(pageSize)}, nil
}

// ListMessageIDs returns one page of message ids. Graph pagination
// hands back an opaque next link which doubles as the page token.
func (a *Adapter) ListMessageIDs(ctx context.Context, account string, q provider.Query, pageToken string) ([]string, string, error) {
	var ids []string
	var nextLink string

	if pageToken != "" {
		builder := users.NewItemMessagesRequestBuilder(pageToken, a.client.GetAdapter())
		result, err := builder.Get(ctx, nil)
		if err != nil {
			return nil, "", mapError(account, err)
		}
		for _, m := range result.GetValue() {
			if id := m.GetId(); id != nil {
				ids = append(ids, *id)
			}
		}
		if link := result.GetOdataNextLink(); link != nil {
			nextLink = *link
		}
		return ids, nextLink, nil
	}

	params := &users.ItemMessagesRequestBuilderGetQueryParameters{
		Top:     int32Ptr(a.pageSize),
		Select:  []string{"id", "receivedDateTime"},
		Orderby: []string{"receivedDateTime desc"},
	}
	if !q.After.IsZero() {
		filter := fmt.Sprintf("receivedDateTime ge %s", q.After.UTC().Format(time.RFC3339))
		params.Filter = &filter
	}

	result, err := a.client.Users().ByUserId(account).Messages().Get(ctx,
		&users.ItemMessagesRequestBuilderGetRequestConfiguration{QueryParameters: params})
	if err != nil {
		return nil, "", mapError(account, err)
	}
	for _, m := range result.GetValue() {
		if id := m.GetId(); id != nil {
			ids = append(ids, *id)
		}
	}
	if link := result.GetOdataNextLink(); link != nil {
		nextLink = *link
	}
	return ids, nextLink, nil
}

// FetchRaw downloads the message as MIME content together with its
// received time. Graph serves the two from separate endpoints.
func (a *Adapter) FetchRaw(ctx context.Context, account, id string) ([]byte, time.Time, error) {
	msg, err := a.client.Users().ByUserId(account).Messages().ByMessageId(id).Get(ctx, nil)
	if err != nil {
		return nil, time.Time{}, mapError(account, err)
	}
	var ts time.Time
	if rcvd := msg.GetReceivedDateTime(); rcvd != nil {
		ts = rcvd.UTC()
	}

	content, err := a.client.Users().ByUserId(account).Messages().ByMessageId(id).Content().Get(ctx, nil)
	if err != nil {
		return nil, time.Time{}, mapError(account, err)
	}
	return content, ts, nil
}

// mapError classifies Graph OData errors into the provider error types
// the crawler dispatches on.
func mapError(account string, err error) error {
	var oerr *odataerrors.ODataError
	if !errors.As(err, &oerr) {
		return err
	}
	switch oerr.ResponseStatusCode {
	case http.StatusTooManyRequests:
		return &provider.QuotaError{RetryAfter: retryAfter(oerr), Err: err}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &provider.PermissionError{Account: account, Err: err}
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", provider.ErrNotFound, err)
	}
	return err
}

func retryAfter(oerr *odataerrors.ODataError) time.Duration {
	if oerr.ResponseHeaders == nil {
		return 0
	}
	for _, v := range oerr.ResponseHeaders.Get("Retry-After") {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// staticTokenCredential implements the Azure credential interface for
// a token acquired out of band.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

func int32Ptr(i int32) *int32 { return &i }
