package config

import (
	"embed"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config represents the complete pulsr configuration
type Config struct {
	Relays                 Relays      `yaml:"relays"`
	Ingest                 Ingest      `yaml:"ingest"`
	Aggregation            Aggregation `yaml:"aggregation"`
	Storage                Storage     `yaml:"storage"`
	Caching                Caching     `yaml:"caching"`
	Logging                Logging     `yaml:"logging"`
	Retention              Retention   `yaml:"retention"`
	Metrics                Metrics     `yaml:"metrics"`
	Mirror                 Mirror      `yaml:"mirror"`
	ShutdownTimeoutSeconds int         `yaml:"shutdown_timeout_seconds"`
}

// Relays contains relay connection configuration
type Relays struct {
	URLs         []string     `yaml:"urls"`
	Policy       RelayPolicy  `yaml:"policy"`
	Subscription Subscription `yaml:"subscription"`
}

// RelayPolicy contains per-relay connection and reconnect settings
type RelayPolicy struct {
	ConnectTimeoutMs    int `yaml:"connect_timeout_ms"`
	BackoffFloorMs      int `yaml:"backoff_floor_ms"`
	BackoffCeilingMs    int `yaml:"backoff_ceiling_ms"`
	PingIntervalSeconds int `yaml:"ping_interval_seconds"`
	PingTimeoutSeconds  int `yaml:"ping_timeout_seconds"`
	CloseTimeoutSeconds int `yaml:"close_timeout_seconds"`
	MaxConnections      int `yaml:"max_connections"` // concurrent connects/fan-outs
}

// Subscription describes the live subscription opened on every relay
type Subscription struct {
	ID               string   `yaml:"id"`
	Kinds            []int    `yaml:"kinds"`
	Authors          []string `yaml:"authors"` // hex or npub
	LookbackSeconds  int      `yaml:"lookback_seconds"`
	ResumeFromCursor bool     `yaml:"resume_from_cursor"`
}

// Ingest contains ingestion loop settings
type Ingest struct {
	QueueCapacity        int `yaml:"queue_capacity"`
	BatchSize            int `yaml:"batch_size"`
	FlushIntervalMs      int `yaml:"flush_interval_ms"`
	PollTimeoutMs        int `yaml:"poll_timeout_ms"`
	EnqueueTimeoutMs     int `yaml:"enqueue_timeout_ms"`
	DedupCacheSize       int `yaml:"dedup_cache_size"`
	StatsIntervalSeconds int `yaml:"stats_interval_seconds"`
}

// Aggregation contains metrics aggregator settings
type Aggregation struct {
	IntervalSeconds     int `yaml:"interval_seconds"`
	ContentWindowHours  int `yaml:"content_window_hours"`
	TrendingWindowHours int `yaml:"trending_window_hours"`
	MinMentions         int `yaml:"min_mentions"`
	SampleSize          int `yaml:"sample_size"`
}

// Storage contains storage backend configuration
type Storage struct {
	Driver        string `yaml:"driver"`
	SQLitePath    string `yaml:"sqlite_path"`
	BusyTimeoutMs int    `yaml:"busy_timeout_ms"`
}

// Caching contains query cache configuration
type Caching struct {
	Enabled    bool   `yaml:"enabled"`
	Engine     string `yaml:"engine"` // memory or redis
	RedisURL   string `yaml:"redis_url"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// Logging contains logging configuration
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Retention contains data retention configuration
type Retention struct {
	KeepDays           int  `yaml:"keep_days"`
	PruneOnStart       bool `yaml:"prune_on_start"`
	PruneIntervalHours int  `yaml:"prune_interval_hours"`
}

// Metrics contains the prometheus endpoint configuration
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Mirror contains the read-only relay mirror configuration
type Mirror struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// ConnectTimeout returns the dial timeout
func (p *RelayPolicy) ConnectTimeout() time.Duration {
	return time.Duration(p.ConnectTimeoutMs) * time.Millisecond
}

// BackoffFloor returns the initial reconnect delay
func (p *RelayPolicy) BackoffFloor() time.Duration {
	return time.Duration(p.BackoffFloorMs) * time.Millisecond
}

// BackoffCeiling returns the maximum reconnect delay
func (p *RelayPolicy) BackoffCeiling() time.Duration {
	return time.Duration(p.BackoffCeilingMs) * time.Millisecond
}

func (p *RelayPolicy) PingInterval() time.Duration {
	return time.Duration(p.PingIntervalSeconds) * time.Second
}

func (p *RelayPolicy) PingTimeout() time.Duration {
	return time.Duration(p.PingTimeoutSeconds) * time.Second
}

func (p *RelayPolicy) CloseTimeout() time.Duration {
	return time.Duration(p.CloseTimeoutSeconds) * time.Second
}

// AuthorHexes returns the subscription authors as hex pubkeys, decoding npubs
func (s *Subscription) AuthorHexes() ([]string, error) {
	authors := make([]string, 0, len(s.Authors))
	for _, author := range s.Authors {
		pk, err := decodePubkey(author)
		if err != nil {
			return nil, err
		}
		authors = append(authors, pk)
	}
	return authors, nil
}

func decodePubkey(s string) (string, error) {
	if strings.HasPrefix(s, "npub1") {
		prefix, value, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("failed to decode npub %s: %w", s, err)
		}
		if prefix != "npub" {
			return "", fmt.Errorf("expected npub, got %s", prefix)
		}
		return value.(string), nil
	}
	if len(s) != 64 {
		return "", fmt.Errorf("invalid pubkey %q: must be 64 hex characters or npub", s)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("invalid pubkey %q: %w", s, err)
	}
	return strings.ToLower(s), nil
}

func (i *Ingest) FlushInterval() time.Duration {
	return time.Duration(i.FlushIntervalMs) * time.Millisecond
}

func (i *Ingest) PollTimeout() time.Duration {
	return time.Duration(i.PollTimeoutMs) * time.Millisecond
}

func (i *Ingest) EnqueueTimeout() time.Duration {
	return time.Duration(i.EnqueueTimeoutMs) * time.Millisecond
}

func (i *Ingest) StatsInterval() time.Duration {
	return time.Duration(i.StatsIntervalSeconds) * time.Second
}

func (a *Aggregation) Interval() time.Duration {
	return time.Duration(a.IntervalSeconds) * time.Second
}

func (a *Aggregation) ContentWindow() time.Duration {
	return time.Duration(a.ContentWindowHours) * time.Hour
}

func (a *Aggregation) TrendingWindow() time.Duration {
	return time.Duration(a.TrendingWindowHours) * time.Hour
}

func (c *Caching) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// ShutdownTimeout returns the bound applied to graceful shutdown
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// applyDefaults fills in missing configuration fields with sensible defaults
func applyDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Relays.Policy.ConnectTimeoutMs == 0 {
		cfg.Relays.Policy.ConnectTimeoutMs = defaults.Relays.Policy.ConnectTimeoutMs
	}
	if cfg.Relays.Policy.BackoffFloorMs == 0 {
		cfg.Relays.Policy.BackoffFloorMs = defaults.Relays.Policy.BackoffFloorMs
	}
	if cfg.Relays.Policy.BackoffCeilingMs == 0 {
		cfg.Relays.Policy.BackoffCeilingMs = defaults.Relays.Policy.BackoffCeilingMs
	}
	if cfg.Relays.Policy.PingIntervalSeconds == 0 {
		cfg.Relays.Policy.PingIntervalSeconds = defaults.Relays.Policy.PingIntervalSeconds
	}
	if cfg.Relays.Policy.PingTimeoutSeconds == 0 {
		cfg.Relays.Policy.PingTimeoutSeconds = defaults.Relays.Policy.PingTimeoutSeconds
	}
	if cfg.Relays.Policy.CloseTimeoutSeconds == 0 {
		cfg.Relays.Policy.CloseTimeoutSeconds = defaults.Relays.Policy.CloseTimeoutSeconds
	}
	if cfg.Relays.Policy.MaxConnections == 0 {
		cfg.Relays.Policy.MaxConnections = defaults.Relays.Policy.MaxConnections
	}
	if cfg.Relays.Subscription.ID == "" {
		cfg.Relays.Subscription.ID = defaults.Relays.Subscription.ID
	}
	if len(cfg.Relays.Subscription.Kinds) == 0 {
		cfg.Relays.Subscription.Kinds = defaults.Relays.Subscription.Kinds
	}

	if cfg.Ingest.QueueCapacity == 0 {
		cfg.Ingest.QueueCapacity = defaults.Ingest.QueueCapacity
	}
	if cfg.Ingest.BatchSize == 0 {
		cfg.Ingest.BatchSize = defaults.Ingest.BatchSize
	}
	if cfg.Ingest.FlushIntervalMs == 0 {
		cfg.Ingest.FlushIntervalMs = defaults.Ingest.FlushIntervalMs
	}
	if cfg.Ingest.PollTimeoutMs == 0 {
		cfg.Ingest.PollTimeoutMs = defaults.Ingest.PollTimeoutMs
	}
	if cfg.Ingest.EnqueueTimeoutMs == 0 {
		cfg.Ingest.EnqueueTimeoutMs = defaults.Ingest.EnqueueTimeoutMs
	}
	if cfg.Ingest.DedupCacheSize == 0 {
		cfg.Ingest.DedupCacheSize = defaults.Ingest.DedupCacheSize
	}
	if cfg.Ingest.StatsIntervalSeconds == 0 {
		cfg.Ingest.StatsIntervalSeconds = defaults.Ingest.StatsIntervalSeconds
	}

	if cfg.Aggregation.IntervalSeconds == 0 {
		cfg.Aggregation.IntervalSeconds = defaults.Aggregation.IntervalSeconds
	}
	if cfg.Aggregation.ContentWindowHours == 0 {
		cfg.Aggregation.ContentWindowHours = defaults.Aggregation.ContentWindowHours
	}
	if cfg.Aggregation.TrendingWindowHours == 0 {
		cfg.Aggregation.TrendingWindowHours = defaults.Aggregation.TrendingWindowHours
	}
	if cfg.Aggregation.MinMentions == 0 {
		cfg.Aggregation.MinMentions = defaults.Aggregation.MinMentions
	}
	if cfg.Aggregation.SampleSize == 0 {
		cfg.Aggregation.SampleSize = defaults.Aggregation.SampleSize
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = defaults.Storage.Driver
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = defaults.Storage.SQLitePath
	}
	if cfg.Storage.BusyTimeoutMs == 0 {
		cfg.Storage.BusyTimeoutMs = defaults.Storage.BusyTimeoutMs
	}

	if cfg.Caching.Engine == "" {
		cfg.Caching.Engine = defaults.Caching.Engine
	}
	if cfg.Caching.TTLSeconds == 0 {
		cfg.Caching.TTLSeconds = defaults.Caching.TTLSeconds
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}

	if cfg.Retention.KeepDays == 0 {
		cfg.Retention.KeepDays = defaults.Retention.KeepDays
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = defaults.Metrics.Listen
	}
	if cfg.Mirror.Listen == "" {
		cfg.Mirror.Listen = defaults.Mirror.Listen
	}
	if cfg.Mirror.Name == "" {
		cfg.Mirror.Name = defaults.Mirror.Name
	}
	if cfg.ShutdownTimeoutSeconds == 0 {
		cfg.ShutdownTimeoutSeconds = defaults.ShutdownTimeoutSeconds
	}
}

// Load reads and parses a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// LoadDefault returns the default configuration with environment overrides applied
func LoadDefault() (*Config, error) {
	cfg := Default()

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Parse parses YAML configuration bytes, applying defaults, env overrides and validation
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(cfg *Config) error {
	if relays := os.Getenv("PULSR_RELAYS"); relays != "" {
		urls := make([]string, 0)
		for _, u := range strings.Split(relays, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		cfg.Relays.URLs = urls
	}

	if path := os.Getenv("PULSR_SQLITE_PATH"); path != "" {
		cfg.Storage.SQLitePath = path
	}

	// Redis URL from env if using redis
	if redisURL := os.Getenv("PULSR_REDIS_URL"); redisURL != "" {
		cfg.Caching.RedisURL = redisURL
	}

	if level := os.Getenv("PULSR_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}
	if format := os.Getenv("PULSR_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = strings.ToLower(format)
	}

	return nil
}

// GetExampleConfig returns the embedded example configuration
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Relays: Relays{
			URLs: []string{
				"wss://relay.damus.io",
				"wss://nos.lol",
				"wss://relay.nostr.band",
				"wss://relay.primal.net",
			},
			Policy: RelayPolicy{
				ConnectTimeoutMs:    10000,
				BackoffFloorMs:      1000,
				BackoffCeilingMs:    60000,
				PingIntervalSeconds: 30,
				PingTimeoutSeconds:  10,
				CloseTimeoutSeconds: 10,
				MaxConnections:      50,
			},
			Subscription: Subscription{
				ID:               "main",
				Kinds:            []int{0, 1, 6, 7, 9735},
				Authors:          []string{},
				LookbackSeconds:  0,
				ResumeFromCursor: false,
			},
		},
		Ingest: Ingest{
			QueueCapacity:        10000,
			BatchSize:            100,
			FlushIntervalMs:      5000,
			PollTimeoutMs:        1000,
			EnqueueTimeoutMs:     2000,
			DedupCacheSize:       5000,
			StatsIntervalSeconds: 60,
		},
		Aggregation: Aggregation{
			IntervalSeconds:     60,
			ContentWindowHours:  24 * 7,
			TrendingWindowHours: 24,
			MinMentions:         3,
			SampleSize:          5,
		},
		Storage: Storage{
			Driver:        "sqlite",
			SQLitePath:    "./data/pulsr.db",
			BusyTimeoutMs: 5000,
		},
		Caching: Caching{
			Enabled:    true,
			Engine:     "memory",
			RedisURL:   "",
			TTLSeconds: 30,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Retention: Retention{
			KeepDays:           30,
			PruneOnStart:       false,
			PruneIntervalHours: 24,
		},
		Metrics: Metrics{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
		Mirror: Mirror{
			Enabled:     false,
			Listen:      "127.0.0.1:7447",
			Name:        "pulsr mirror",
			Description: "Read-only mirror of events ingested by pulsr",
		},
		ShutdownTimeoutSeconds: 10,
	}
}

// validLogLevels defines allowed log levels
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

// validStorageDrivers defines allowed storage drivers
var validStorageDrivers = map[string]bool{
	"sqlite": true,
}

// validCacheEngines defines allowed cache engines
var validCacheEngines = map[string]bool{
	"memory": true,
	"redis":  true,
}

// Validate checks if a configuration is valid
func Validate(cfg *Config) error {
	// Validate relays
	if len(cfg.Relays.URLs) == 0 {
		return fmt.Errorf("at least one relay url is required")
	}
	seen := make(map[string]bool)
	for _, u := range cfg.Relays.URLs {
		if !strings.HasPrefix(u, "wss://") && !strings.HasPrefix(u, "ws://") {
			return fmt.Errorf("relay url must start with ws:// or wss://: %s", u)
		}
		if !nostr.IsValidRelayURL(u) {
			return fmt.Errorf("invalid relay url: %s", u)
		}
		if seen[u] {
			return fmt.Errorf("duplicate relay url: %s", u)
		}
		seen[u] = true
	}

	policy := cfg.Relays.Policy
	if policy.BackoffFloorMs <= 0 || policy.BackoffCeilingMs <= 0 {
		return fmt.Errorf("relays.policy backoff floor and ceiling must be positive")
	}
	if policy.BackoffFloorMs > policy.BackoffCeilingMs {
		return fmt.Errorf("relays.policy.backoff_floor_ms (%d) must not exceed backoff_ceiling_ms (%d)",
			policy.BackoffFloorMs, policy.BackoffCeilingMs)
	}
	if policy.ConnectTimeoutMs <= 0 {
		return fmt.Errorf("relays.policy.connect_timeout_ms must be positive")
	}
	if policy.MaxConnections < 1 {
		return fmt.Errorf("relays.policy.max_connections must be at least 1")
	}

	if cfg.Relays.Subscription.ID == "" {
		return fmt.Errorf("relays.subscription.id is required")
	}
	for _, kind := range cfg.Relays.Subscription.Kinds {
		if kind < 0 || kind > 65535 {
			return fmt.Errorf("invalid subscription kind: %d", kind)
		}
	}
	if _, err := cfg.Relays.Subscription.AuthorHexes(); err != nil {
		return fmt.Errorf("relays.subscription.authors: %w", err)
	}
	if cfg.Relays.Subscription.LookbackSeconds < 0 {
		return fmt.Errorf("relays.subscription.lookback_seconds must not be negative")
	}

	// Validate ingestion
	if cfg.Ingest.BatchSize < 1 {
		return fmt.Errorf("ingest.batch_size must be at least 1")
	}
	if cfg.Ingest.QueueCapacity < cfg.Ingest.BatchSize {
		return fmt.Errorf("ingest.queue_capacity (%d) must be at least ingest.batch_size (%d)",
			cfg.Ingest.QueueCapacity, cfg.Ingest.BatchSize)
	}
	if cfg.Ingest.FlushIntervalMs <= 0 || cfg.Ingest.PollTimeoutMs <= 0 || cfg.Ingest.EnqueueTimeoutMs <= 0 {
		return fmt.Errorf("ingest intervals must be positive")
	}
	if cfg.Ingest.DedupCacheSize < 1 {
		return fmt.Errorf("ingest.dedup_cache_size must be at least 1")
	}

	// Validate aggregation
	if cfg.Aggregation.IntervalSeconds <= 0 {
		return fmt.Errorf("aggregation.interval_seconds must be positive")
	}
	if cfg.Aggregation.ContentWindowHours <= 0 || cfg.Aggregation.TrendingWindowHours <= 0 {
		return fmt.Errorf("aggregation windows must be positive")
	}
	if cfg.Aggregation.MinMentions < 1 {
		return fmt.Errorf("aggregation.min_mentions must be at least 1")
	}
	if cfg.Aggregation.SampleSize < 1 {
		return fmt.Errorf("aggregation.sample_size must be at least 1")
	}

	// Validate storage driver
	if !validStorageDrivers[cfg.Storage.Driver] {
		return fmt.Errorf("invalid storage driver: %s (must be one of: sqlite)", cfg.Storage.Driver)
	}
	if cfg.Storage.SQLitePath == "" {
		return fmt.Errorf("storage.sqlite_path is required")
	}

	// Validate cache engine
	if cfg.Caching.Enabled && !validCacheEngines[cfg.Caching.Engine] {
		return fmt.Errorf("invalid cache engine: %s (must be one of: memory, redis)", cfg.Caching.Engine)
	}
	if cfg.Caching.Enabled && cfg.Caching.Engine == "redis" && cfg.Caching.RedisURL == "" {
		return fmt.Errorf("caching.redis_url is required when caching.engine is redis")
	}

	// Validate log level
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", cfg.Logging.Level)
	}
	if !validLogFormats[cfg.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be one of: text, json)", cfg.Logging.Format)
	}

	if cfg.Retention.KeepDays < 1 {
		return fmt.Errorf("retention.keep_days must be at least 1")
	}
	if cfg.Retention.PruneIntervalHours < 0 {
		return fmt.Errorf("retention.prune_interval_hours must not be negative")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics.enabled is true")
	}
	if cfg.Mirror.Enabled && cfg.Mirror.Listen == "" {
		return fmt.Errorf("mirror.listen is required when mirror.enabled is true")
	}

	return nil
}
