package crawl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"mailvault/internal/conf"
	"mailvault/internal/indexer"
	"mailvault/internal/provider"
	"mailvault/internal/ratelimit"
	"mailvault/internal/state"
	"mailvault/internal/transfer"
)

// transientFetchRetries bounds the immediate re-attempts for a fetch
// that failed for non-quota, non-permission reasons.
const transientFetchRetries = 3

// Events receives lifecycle notifications for account crawls. A nil
// Events is valid and drops everything.
type Events interface {
	AccountStarted(account string, mode string)
	AccountCompleted(account string, stats AccountStats)
	AccountFailed(account string, err error)
}

// AccountStats summarizes one account's crawl.
type AccountStats struct {
	Account        string        `json:"account"`
	Mode           string        `json:"mode"`
	Discovered     int           `json:"discovered"`
	Downloaded     int           `json:"downloaded"`
	AlreadyPresent int           `json:"already_present"`
	Failed         int           `json:"failed"`
	Skipped        int           `json:"skipped"`
	Duration       time.Duration `json:"duration"`
	Completed      bool          `json:"completed"`
}

// Crawler mirrors one account at a time: list, checkpoint, transfer in
// batches, index, checkpoint again. All remote calls go through the
// shared rate limiter.
type Crawler struct {
	cfg        *conf.Config
	mailbox    provider.Mailbox
	limiter    *ratelimit.Limiter
	states     *state.Store
	transferer *transfer.Transferer
	indexer    *indexer.Indexer
	events     Events

	// overridable in tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewCrawler(cfg *conf.Config, mailbox provider.Mailbox, limiter *ratelimit.Limiter,
	states *state.Store, transferer *transfer.Transferer, ix *indexer.Indexer, events Events) *Crawler {
	return &Crawler{
		cfg:        cfg,
		mailbox:    mailbox,
		limiter:    limiter,
		states:     states,
		transferer: transferer,
		indexer:    ix,
		events:     events,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// CrawlAccount runs one account to completion or interruption. The
// returned error is non-nil only for aborts (permission failure, quota
// exhaustion, cancellation); per-message failures are recorded in the
// account state and reflected in the stats instead.
func (c *Crawler) CrawlAccount(ctx context.Context, account string) (AccountStats, error) {
	started := c.now()
	mode := state.Mode(c.cfg.Mode)
	stats := AccountStats{Account: account, Mode: c.cfg.Mode}

	st, err := c.states.Load(account)
	if err != nil {
		return stats, err
	}

	// An interrupted crawl always resumes from its checkpoint; starting
	// over would re-fetch everything already transferred. AutoResume
	// only governs whether previously failed ids are re-attempted.
	resuming := st.InProgress && len(st.DiscoveredIDs) > 0
	if resuming {
		log.Printf("%s: resuming interrupted crawl, %d of %d already processed",
			account, st.Downloaded, st.TotalDiscovered)
		mode = st.Mode
		stats.Mode = string(st.Mode)
	} else {
		st.Begin(mode, started)
		if err := c.list(ctx, account, st); err != nil {
			c.fail(account, err)
			return stats, err
		}
		if err := c.checkpoint(st); err != nil {
			return stats, err
		}
	}
	if c.events != nil {
		c.events.AccountStarted(account, string(mode))
	}
	stats.Discovered = st.TotalDiscovered

	pending := st.Pending(c.cfg.AutoResume)
	capped := false
	if budget := c.cfg.MaxMessagesPerAccount; budget > 0 {
		remaining := budget - st.Downloaded
		if remaining < 0 {
			remaining = 0
		}
		if len(pending) > remaining {
			log.Printf("%s: capping crawl to %d of %d pending messages", account, remaining, len(pending))
			pending = pending[:remaining]
			capped = true
		}
	}

	if c.cfg.DryRun {
		log.Printf("%s: dry run, would transfer %d pending messages", account, len(pending))
		stats.Duration = c.now().Sub(started)
		return stats, nil
	}

	var maxObserved time.Time
	sinceCheckpoint := 0
	batch := c.cfg.BatchSize

	for i, id := range pending {
		if ctx.Err() != nil {
			c.flush(st)
			stats.Duration = c.now().Sub(started)
			return stats, ctx.Err()
		}

		raw, ts, fetchErr := c.fetch(ctx, account, id)
		switch {
		case fetchErr == nil:
			res := c.transferer.Transfer(ctx, account, id, raw, ts)
			if res.Status.Succeeded() {
				if res.Status == transfer.StatusAlreadyExists {
					stats.AlreadyPresent++
				} else {
					stats.Downloaded++
				}
				if err := c.indexer.Index(ctx, account, id, raw, res.Path, ts); err != nil {
					log.Printf("%s: index %s: %v", account, id, err)
				}
				st.MarkProcessed(id)
				if ts.After(maxObserved) {
					maxObserved = ts
				}
			} else {
				log.Printf("%s: transfer %s failed (%s): %v", account, id, res.Status, res.Err)
				st.MarkFailed(id)
				stats.Failed++
			}
		case errors.Is(fetchErr, provider.ErrNotFound):
			// The message vanished between listing and fetch.
			st.MarkProcessed(id)
			stats.Skipped++
		case provider.IsPermission(fetchErr):
			c.flush(st)
			c.fail(account, fetchErr)
			stats.Duration = c.now().Sub(started)
			return stats, fetchErr
		case isAbort(fetchErr):
			c.flush(st)
			c.fail(account, fetchErr)
			stats.Duration = c.now().Sub(started)
			return stats, fetchErr
		default:
			log.Printf("%s: fetch %s failed: %v", account, id, fetchErr)
			st.MarkFailed(id)
			stats.Failed++
		}

		sinceCheckpoint++
		if sinceCheckpoint >= c.cfg.CheckpointInterval {
			if err := c.checkpoint(st); err != nil {
				return stats, err
			}
			sinceCheckpoint = 0
		}

		if batch > 0 && (i+1)%batch == 0 && i+1 < len(pending) {
			log.Printf("%s: %d/%d messages, pausing between batches", account, i+1, len(pending))
			if err := c.sleep(ctx, c.cfg.BatchDelay()); err != nil {
				c.flush(st)
				stats.Duration = c.now().Sub(started)
				return stats, err
			}
		}
	}

	// Exhausting the per-account cap counts as completion: the capped
	// crawl did everything it was asked to do.
	if st.Done() || capped {
		st.Complete(c.now(), maxObserved)
		stats.Completed = true
	}
	if err := c.checkpoint(st); err != nil {
		return stats, err
	}

	stats.Duration = c.now().Sub(started)
	if c.events != nil {
		c.events.AccountCompleted(account, stats)
	}
	log.Printf("%s: crawl finished: %d downloaded, %d already present, %d failed, %d skipped",
		account, stats.Downloaded, stats.AlreadyPresent, stats.Failed, stats.Skipped)
	return stats, nil
}

// list pages through the remote listing until exhaustion. The listing
// always restarts from the first page; a page token is never trusted
// across process restarts.
func (c *Crawler) list(ctx context.Context, account string, st *state.AccountSyncState) error {
	q, err := c.query(st)
	if err != nil {
		return err
	}

	var ids []string
	pageToken := ""
	for {
		var page []string
		var next string
		err := c.paced(ctx, func() error {
			var perr error
			page, next, perr = c.mailbox.ListMessageIDs(ctx, account, q, pageToken)
			return perr
		})
		if err != nil {
			return fmt.Errorf("list %s: %w", account, err)
		}

		ids = append(ids, page...)
		if next == "" {
			break
		}
		pageToken = next
	}

	log.Printf("%s: discovered %d messages", account, len(ids))
	st.SetDiscovered(ids)
	return nil
}

// query derives the listing lower bound from the account state.
func (c *Crawler) query(st *state.AccountSyncState) (provider.Query, error) {
	if st.Mode == state.ModeIncremental {
		if !st.HighWaterTimestamp.IsZero() {
			return provider.Query{After: st.HighWaterTimestamp}, nil
		}
		start, err := c.cfg.StartTime()
		if err != nil {
			return provider.Query{}, err
		}
		return provider.Query{After: start}, nil
	}
	earliest, err := c.cfg.EarliestTime()
	if err != nil {
		return provider.Query{}, err
	}
	return provider.Query{After: earliest}, nil
}

// fetch downloads one message, retrying transient failures a few times
// and driving the shared backoff on quota errors.
func (c *Crawler) fetch(ctx context.Context, account, id string) ([]byte, time.Time, error) {
	var raw []byte
	var ts time.Time
	var lastErr error
	for attempt := 0; attempt < transientFetchRetries; attempt++ {
		err := c.paced(ctx, func() error {
			var ferr error
			raw, ts, ferr = c.mailbox.FetchRaw(ctx, account, id)
			return ferr
		})
		if err == nil {
			return raw, ts, nil
		}
		if errors.Is(err, provider.ErrNotFound) || provider.IsPermission(err) || isAbort(err) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, time.Time{}, err
		}
		lastErr = err
	}
	return nil, time.Time{}, lastErr
}

// errQuotaExhausted aborts an account when backoff retries run out.
var errQuotaExhausted = errors.New("quota retries exhausted")

func isAbort(err error) bool {
	return errors.Is(err, errQuotaExhausted)
}

// paced runs one remote call through the rate limiter, absorbing quota
// errors with backoff until the retry budget runs out.
func (c *Crawler) paced(ctx context.Context, call func() error) error {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		err := call()
		if err == nil {
			c.limiter.OnSuccess()
			return nil
		}
		if qe, ok := provider.IsQuota(err); ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !c.limiter.OnQuotaError(ctx, qe.RetryAfter) {
				return fmt.Errorf("%w: %v", errQuotaExhausted, err)
			}
			continue
		}
		return err
	}
}

// checkpoint persists the account state unless this is a dry run.
func (c *Crawler) checkpoint(st *state.AccountSyncState) error {
	if c.cfg.DryRun {
		return nil
	}
	return c.states.Save(st)
}

// flush is a best-effort checkpoint on the way out of an interrupted
// crawl.
func (c *Crawler) flush(st *state.AccountSyncState) {
	if err := c.checkpoint(st); err != nil {
		log.Printf("%s: checkpoint on interrupt failed: %v", st.AccountID, err)
	}
}

func (c *Crawler) fail(account string, err error) {
	log.Printf("%s: crawl aborted: %v", account, err)
	if c.events != nil {
		c.events.AccountFailed(account, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
