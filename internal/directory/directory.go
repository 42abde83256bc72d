package directory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/oauth2/google"
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/option"
)

// Service lists the mailbox accounts a run should cover.
type Service interface {
	ListAccounts(ctx context.Context) ([]string, error)
}

// StaticList is a fixed account list, used when the operator names
// accounts explicitly instead of enumerating a domain.
type StaticList []string

func (s StaticList) ListAccounts(context.Context) ([]string, error) {
	out := make([]string, len(s))
	copy(out, s)
	sort.Strings(out)
	return out, nil
}

// AdminDirectory enumerates active users of a Workspace domain via the
// Admin SDK, impersonating a delegated admin.
type AdminDirectory struct {
	svc          *admin.Service
	domainFilter string
	maxAccounts  int
}

// NewAdminDirectory builds the enumerator from a service account key
// with domain-wide delegation. delegatedAdmin is the admin user the
// key impersonates for directory reads.
func NewAdminDirectory(ctx context.Context, serviceAccountFile, delegatedAdmin, domainFilter string, maxAccounts int) (*AdminDirectory, error) {
	creds, err := os.ReadFile(serviceAccountFile)
	if err != nil {
		return nil, fmt.Errorf("read service account key: %w", err)
	}
	config, err := google.JWTConfigFromJSON(creds, admin.AdminDirectoryUserReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	config.Subject = delegatedAdmin

	svc, err := admin.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("create directory service: %w", err)
	}
	return &AdminDirectory{
		svc:          svc,
		domainFilter: strings.ToLower(domainFilter),
		maxAccounts:  maxAccounts,
	}, nil
}

// ListAccounts returns the primary addresses of non-suspended users,
// sorted, optionally restricted to the domain filter and capped at
// the configured maximum.
func (d *AdminDirectory) ListAccounts(ctx context.Context) ([]string, error) {
	call := d.svc.Users.List().Customer("my_customer").MaxResults(500).OrderBy("email")
	if d.domainFilter != "" {
		call = d.svc.Users.List().Domain(d.domainFilter).MaxResults(500).OrderBy("email")
	}

	var accounts []string
	err := call.Pages(ctx, func(page *admin.Users) error {
		for _, u := range page.Users {
			if u.Suspended || u.PrimaryEmail == "" {
				continue
			}
			accounts = append(accounts, strings.ToLower(u.PrimaryEmail))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list directory users: %w", err)
	}

	sort.Strings(accounts)
	if d.maxAccounts > 0 && len(accounts) > d.maxAccounts {
		accounts = accounts[:d.maxAccounts]
	}
	return accounts, nil
}

// Cap bounds a static or pre-built account list the same way the
// directory enumerator does.
func Cap(accounts []string, maxAccounts int) []string {
	if maxAccounts > 0 && len(accounts) > maxAccounts {
		return accounts[:maxAccounts]
	}
	return accounts
}
