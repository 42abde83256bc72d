package crawl

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mailvault/internal/directory"
)

// Summary aggregates one run across all accounts.
type Summary struct {
	Accounts       int            `json:"accounts"`
	Completed      int            `json:"completed"`
	Aborted        int            `json:"aborted"`
	Downloaded     int            `json:"downloaded"`
	AlreadyPresent int            `json:"already_present"`
	Failed         int            `json:"failed"`
	Skipped        int            `json:"skipped"`
	Duration       time.Duration  `json:"duration"`
	PerAccount     []AccountStats `json:"per_account"`
}

// Manager fans a run out over the account list with bounded
// concurrency. An aborted account never stops the run; the abort is
// recorded and the remaining accounts proceed.
type Manager struct {
	crawler     *Crawler
	accounts    directory.Service
	concurrency int
}

func NewManager(crawler *Crawler, accounts directory.Service, concurrency int) *Manager {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Manager{crawler: crawler, accounts: accounts, concurrency: concurrency}
}

// Run crawls every account and returns the aggregate summary. The
// returned error reflects account enumeration or cancellation only.
func (m *Manager) Run(ctx context.Context) (Summary, error) {
	started := time.Now()

	accounts, err := m.accounts.ListAccounts(ctx)
	if err != nil {
		return Summary{}, err
	}
	log.Printf("run started: %d accounts, concurrency %d", len(accounts), m.concurrency)

	var mu sync.Mutex
	summary := Summary{Accounts: len(accounts)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, account := range accounts {
		account := account
		g.Go(func() error {
			stats, err := m.crawler.CrawlAccount(gctx, account)

			mu.Lock()
			defer mu.Unlock()
			summary.PerAccount = append(summary.PerAccount, stats)
			summary.Downloaded += stats.Downloaded
			summary.AlreadyPresent += stats.AlreadyPresent
			summary.Failed += stats.Failed
			summary.Skipped += stats.Skipped
			if err != nil {
				summary.Aborted++
				// Cancellation stops the run; anything else is scoped
				// to this account.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return nil
			}
			if stats.Completed {
				summary.Completed++
			}
			return nil
		})
	}
	err = g.Wait()

	summary.Duration = time.Since(started)
	log.Printf("run finished in %s: %d/%d accounts completed, %d downloaded, %d already present, %d failed",
		summary.Duration.Round(time.Second), summary.Completed, summary.Accounts,
		summary.Downloaded, summary.AlreadyPresent, summary.Failed)
	return summary, err
}
