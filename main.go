package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"mailvault/internal/blobstore"
	"mailvault/internal/conf"
	"mailvault/internal/crawl"
	"mailvault/internal/directory"
	"mailvault/internal/events"
	"mailvault/internal/index"
	"mailvault/internal/indexer"
	"mailvault/internal/opsapi"
	"mailvault/internal/provider"
	"mailvault/internal/provider/gmail"
	"mailvault/internal/provider/outlook"
	"mailvault/internal/ratelimit"
	"mailvault/internal/rebuild"
	"mailvault/internal/state"
	"mailvault/internal/transfer"
)

func main() {
	cfg, err := conf.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := "sync"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "sync":
		runSync(ctx, cfg)
	case "search":
		runSearch(ctx, cfg, args)
	case "export":
		runSearch(ctx, cfg, append([]string{"-csv"}, args...))
	case "rebuild":
		runRebuild(ctx, cfg)
	case "serve":
		runServe(cfg)
	default:
		log.Fatalf("unknown command %q (want sync, search, export, rebuild or serve)", cmd)
	}
}

func runSync(ctx context.Context, cfg *conf.Config) {
	mailbox := buildMailbox(ctx, cfg)
	accounts := buildDirectory(ctx, cfg)

	states, err := state.NewStore(cfg.StateDir)
	if err != nil {
		log.Fatal(err)
	}
	store, err := blobstore.NewS3Store(ctx, s3Config(cfg))
	if err != nil {
		log.Fatal(err)
	}
	idx, err := index.Open(cfg.IndexPath)
	if err != nil {
		log.Fatal(err)
	}
	defer idx.Close()

	limiter := ratelimit.New(limiterConfig(cfg))
	transferer := transfer.New(store, cfg.Transfer.MaxAttempts)
	ix := indexer.New(idx, cfg.Search.ExcerptLength)

	var recorder *events.Recorder
	var dispatcher *events.Dispatcher
	if cfg.Events.NATSURL != "" {
		outbox, err := events.OpenStore(filepath.Join(cfg.StateDir, "events.db"))
		if err != nil {
			log.Fatal(err)
		}
		defer outbox.Close()

		publisher, err := events.NewPublisher(cfg.Events.NATSURL, cfg.Events.Stream)
		if err != nil {
			log.Fatal(err)
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(ctx); err != nil {
			log.Fatal(err)
		}

		recorder = events.NewRecorder(outbox)
		dispatcher = events.NewDispatcher(outbox, publisher)
		go dispatcher.Run(ctx)
	}

	var crawlEvents crawl.Events
	if recorder != nil {
		crawlEvents = recorder
	}
	crawler := crawl.NewCrawler(cfg, mailbox, limiter, states, transferer, ix, crawlEvents)
	manager := crawl.NewManager(crawler, accounts, cfg.Concurrency)

	summary, err := manager.Run(ctx)
	refreshTermCaches(ctx, cfg, idx, summary)
	recorder.RunCompleted(summary)
	if dispatcher != nil {
		// Flush whatever the background loop has not published yet.
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		dispatcher.Drain(flushCtx)
		cancel()
	}
	if err != nil {
		log.Fatalf("run aborted: %v", err)
	}
}

// refreshTermCaches rematerializes the term aggregates for every
// account the run completed, so reads stay in step with the index.
func refreshTermCaches(ctx context.Context, cfg *conf.Config, idx *index.Store, summary crawl.Summary) {
	opts := index.TermOptions{
		MinLength: cfg.Search.MinTermLength,
		StopWords: cfg.Search.StopWords,
	}
	for _, acct := range summary.PerAccount {
		if !acct.Completed {
			continue
		}
		if err := idx.RefreshTermCache(ctx, acct.Account, opts); err != nil {
			log.Printf("%s: refresh term cache: %v", acct.Account, err)
		}
	}
}

func runSearch(ctx context.Context, cfg *conf.Config, args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	q := fs.String("q", "", "free text across subject, sender, recipients and body")
	account := fs.String("account", "", "restrict to one account")
	sender := fs.String("sender", "", "sender substring")
	subject := fs.String("subject", "", "subject substring")
	since := fs.String("since", "", "lower date bound (YYYY-MM-DD)")
	until := fs.String("until", "", "upper date bound (YYYY-MM-DD)")
	attachments := fs.Bool("attachments", false, "only messages with attachments")
	limit := fs.Int("limit", cfg.Search.ResultLimit, "maximum results")
	csvOut := fs.Bool("csv", false, "write results as CSV to stdout")
	fs.Parse(args)

	f := index.Filter{
		Text:    *q,
		Account: *account,
		Sender:  *sender,
		Subject: *subject,
		Limit:   *limit,
	}
	var err error
	if f.Since, err = parseDay(*since); err != nil {
		log.Fatal(err)
	}
	if f.Until, err = parseDay(*until); err != nil {
		log.Fatal(err)
	}
	if *attachments {
		yes := true
		f.HasAttachments = &yes
	}

	idx, err := index.Open(cfg.IndexPath)
	if err != nil {
		log.Fatal(err)
	}
	defer idx.Close()

	records, err := idx.Search(ctx, f)
	if err != nil {
		log.Fatal(err)
	}

	if *csvOut {
		if err := index.WriteCSV(os.Stdout, records); err != nil {
			log.Fatal(err)
		}
		return
	}
	for _, r := range records {
		fmt.Printf("%s  %-30s  %-40s  %s\n",
			r.Timestamp.UTC().Format("2006-01-02 15:04"),
			truncate(r.Sender, 30), truncate(r.Subject, 40), r.ObjectPath)
	}
	fmt.Printf("%d results\n", len(records))
}

func runRebuild(ctx context.Context, cfg *conf.Config) {
	store, err := blobstore.NewS3Store(ctx, s3Config(cfg))
	if err != nil {
		log.Fatal(err)
	}

	idx, stats, err := rebuild.New(store, cfg.IndexPath, cfg.Search.ExcerptLength).Rebuild(ctx)
	if err != nil {
		log.Fatalf("rebuild failed: %v", err)
	}
	idx.Close()
	log.Printf("rebuild complete: %d indexed, %d failed", stats.Indexed, stats.Failed)
}

func runServe(cfg *conf.Config) {
	if cfg.API.JWTSecret == "" {
		log.Fatal("api.jwt_secret must be configured for serve")
	}

	states, err := state.NewStore(cfg.StateDir)
	if err != nil {
		log.Fatal(err)
	}
	idx, err := index.Open(cfg.IndexPath)
	if err != nil {
		log.Fatal(err)
	}
	defer idx.Close()

	srv := opsapi.NewServer(states, idx, cfg.API.JWTSecret,
		cfg.Search.ResultLimit, cfg.Search.MinTermLength, cfg.Search.StopWords)
	log.Printf("ops api listening on %s", cfg.API.ListenAddr)
	log.Fatal(srv.Router().Run(cfg.API.ListenAddr))
}

func buildMailbox(ctx context.Context, cfg *conf.Config) provider.Mailbox {
	switch cfg.Provider {
	case "gmail":
		adapter, err := gmail.New(cfg.Google.ServiceAccountFile, cfg.Google.Scopes, cfg.PageSize)
		if err != nil {
			log.Fatal(err)
		}
		return adapter
	case "outlook":
		adapter, err := outlook.New(cfg.Outlook.AccessToken, cfg.PageSize)
		if err != nil {
			log.Fatal(err)
		}
		return adapter
	}
	log.Fatalf("unknown provider %q", cfg.Provider)
	return nil
}

func buildDirectory(ctx context.Context, cfg *conf.Config) directory.Service {
	if len(cfg.IncludeAccounts) > 0 {
		return directory.StaticList(directory.Cap(cfg.IncludeAccounts, cfg.MaxAccounts))
	}
	if cfg.Provider != "gmail" {
		log.Fatal("include_accounts must be set when domain enumeration is unavailable")
	}
	dir, err := directory.NewAdminDirectory(ctx,
		cfg.Google.ServiceAccountFile, cfg.Google.DelegatedAdmin, cfg.DomainFilter, cfg.MaxAccounts)
	if err != nil {
		log.Fatal(err)
	}
	return dir
}

func s3Config(cfg *conf.Config) blobstore.S3Config {
	return blobstore.S3Config{
		Bucket:          cfg.ObjectStore.Bucket,
		Region:          cfg.ObjectStore.Region,
		Endpoint:        cfg.ObjectStore.Endpoint,
		AccessKeyID:     cfg.ObjectStore.AccessKeyID,
		SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
		Prefix:          cfg.ObjectStore.Prefix,
	}
}

func limiterConfig(cfg *conf.Config) ratelimit.Config {
	rc := ratelimit.Config{
		BaseDelay:  cfg.RateLimit.BaseDelay(),
		MaxRetries: cfg.RateLimit.MaxRetries,
		BackoffCap: cfg.RateLimit.BackoffCap(),
	}
	if cfg.RateLimit.BusinessHoursSlowdown {
		rc.BusinessHoursDelay = cfg.RateLimit.BusinessHoursDelay()
		rc.BusinessStartHour = cfg.RateLimit.BusinessStartHour
		rc.BusinessEndHour = cfg.RateLimit.BusinessEndHour
	}
	return rc
}

func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t.UTC(), nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
