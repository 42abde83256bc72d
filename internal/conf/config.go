package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the immutable process configuration. It is loaded once at
// startup and threaded through constructors; components never read
// environment state themselves.
type Config struct {
	Provider string `yaml:"provider"` // "gmail" or "outlook"

	// Account selection
	DomainFilter    string   `yaml:"domain_filter"`
	IncludeAccounts []string `yaml:"include_accounts"`
	MaxAccounts     int      `yaml:"max_accounts"`

	// Crawl behaviour
	Mode                  string  `yaml:"mode"` // "full" or "incremental"
	EarliestDate          string  `yaml:"earliest_date"`
	StartDate             string  `yaml:"start_date"`
	PageSize              int64   `yaml:"page_size"`
	BatchSize             int     `yaml:"batch_size"`
	BatchDelaySeconds     float64 `yaml:"batch_delay_seconds"`
	CheckpointInterval    int     `yaml:"checkpoint_interval"`
	MaxMessagesPerAccount int     `yaml:"max_messages_per_account"`
	Concurrency           int     `yaml:"concurrency"`
	// AutoResume re-attempts previously failed message ids when a crawl
	// picks up from a checkpoint. Resuming itself is unconditional.
	AutoResume bool `yaml:"auto_resume"`
	DryRun     bool `yaml:"dry_run"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Local paths
	StateDir  string `yaml:"state_dir"`
	IndexPath string `yaml:"index_path"`

	Google      GoogleConfig      `yaml:"google"`
	Outlook     OutlookConfig     `yaml:"outlook"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Transfer    TransferConfig    `yaml:"transfer"`
	Search      SearchConfig      `yaml:"search"`
	Events      EventsConfig      `yaml:"events"`
	API         APIConfig         `yaml:"api"`
}

type RateLimitConfig struct {
	BaseDelaySeconds          float64 `yaml:"base_delay_seconds"`
	BusinessHoursSlowdown     bool    `yaml:"business_hours_slowdown"`
	BusinessStartHour         int     `yaml:"business_start_hour"`
	BusinessEndHour           int     `yaml:"business_end_hour"`
	BusinessHoursDelaySeconds float64 `yaml:"business_hours_delay_seconds"`
	MaxRetries                int     `yaml:"max_retries"`
	BackoffCapSeconds         int     `yaml:"backoff_cap_seconds"`
}

type GoogleConfig struct {
	ServiceAccountFile string   `yaml:"service_account_file"`
	DelegatedAdmin     string   `yaml:"delegated_admin"`
	Scopes             []string `yaml:"scopes"`
}

type OutlookConfig struct {
	AccessToken string `yaml:"access_token"`
}

type ObjectStoreConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
}

type TransferConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

type SearchConfig struct {
	ResultLimit   int      `yaml:"result_limit"`
	MinTermLength int      `yaml:"min_term_length"`
	StopWords     []string `yaml:"stop_words"`
	ExcerptLength int      `yaml:"excerpt_length"`
}

type EventsConfig struct {
	NATSURL string `yaml:"nats_url"`
	Stream  string `yaml:"stream"`
}

type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	JWTSecret  string `yaml:"jwt_secret"`
}

// LoadConfig reads the first config file found among the usual
// locations, then fills defaults for anything the file omits.
func LoadConfig() (*Config, error) {
	configPaths := []string{
		"/etc/mailvault/mailvault.yaml",
		"./config/mailvault.yaml",
		"./mailvault.yaml",
	}

	var data []byte
	var err error
	for _, path := range configPaths {
		data, err = os.ReadFile(filepath.Clean(path))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse unmarshals a yaml config and applies defaults. Boolean
// defaults that are true must be seeded before unmarshalling so an
// explicit false in the file still wins.
func Parse(data []byte) (*Config, error) {
	cfg := Config{AutoResume: true}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Provider == "" {
		c.Provider = "gmail"
	}
	if c.Mode == "" {
		c.Mode = "incremental"
	}
	if c.PageSize <= 0 {
		c.PageSize = 500
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchDelaySeconds <= 0 {
		c.BatchDelaySeconds = 5
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.StateDir == "" {
		c.StateDir = "./state"
	}
	if c.IndexPath == "" {
		c.IndexPath = "./mailvault.db"
	}
	if c.RateLimit.BaseDelaySeconds <= 0 {
		c.RateLimit.BaseDelaySeconds = 0.2
	}
	if c.RateLimit.BusinessStartHour == 0 && c.RateLimit.BusinessEndHour == 0 {
		c.RateLimit.BusinessStartHour = 9
		c.RateLimit.BusinessEndHour = 17
	}
	if c.RateLimit.BusinessHoursDelaySeconds <= 0 {
		c.RateLimit.BusinessHoursDelaySeconds = 1.0
	}
	if c.RateLimit.MaxRetries <= 0 {
		c.RateLimit.MaxRetries = 10
	}
	if c.RateLimit.BackoffCapSeconds <= 0 {
		c.RateLimit.BackoffCapSeconds = 512
	}
	if c.Transfer.MaxAttempts <= 0 {
		c.Transfer.MaxAttempts = 5
	}
	if c.Search.ResultLimit <= 0 {
		c.Search.ResultLimit = 100
	}
	if c.Search.MinTermLength <= 0 {
		c.Search.MinTermLength = 3
	}
	if c.Search.ExcerptLength <= 0 {
		c.Search.ExcerptLength = 500
	}
	if c.Events.Stream == "" {
		c.Events.Stream = "MAILVAULT_EVENTS"
	}
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
}

func (c *Config) validate() error {
	if c.Mode != "full" && c.Mode != "incremental" {
		return fmt.Errorf("invalid mode %q (want full or incremental)", c.Mode)
	}
	if c.Provider != "gmail" && c.Provider != "outlook" {
		return fmt.Errorf("invalid provider %q (want gmail or outlook)", c.Provider)
	}
	return nil
}

// BatchDelay returns the inter-batch pause as a duration.
func (c *Config) BatchDelay() time.Duration {
	return secondsToDuration(c.BatchDelaySeconds)
}

// EarliestTime parses the full-mode lower bound; the zero time means
// an unbounded crawl.
func (c *Config) EarliestTime() (time.Time, error) {
	return parseDay(c.EarliestDate)
}

// StartTime parses the incremental-mode first-run lower bound.
func (c *Config) StartTime() (time.Time, error) {
	return parseDay(c.StartDate)
}

func (r RateLimitConfig) BaseDelay() time.Duration {
	return secondsToDuration(r.BaseDelaySeconds)
}

func (r RateLimitConfig) BusinessHoursDelay() time.Duration {
	return secondsToDuration(r.BusinessHoursDelaySeconds)
}

func (r RateLimitConfig) BackoffCap() time.Duration {
	return time.Duration(r.BackoffCapSeconds) * time.Second
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
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
