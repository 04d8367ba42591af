package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected default config to be valid, got %v", err)
	}

	if cfg.Ingest.BatchSize != 100 {
		t.Errorf("expected batch size 100, got %d", cfg.Ingest.BatchSize)
	}
	if cfg.Ingest.QueueCapacity != 10000 {
		t.Errorf("expected queue capacity 10000, got %d", cfg.Ingest.QueueCapacity)
	}
	if cfg.Relays.Policy.BackoffFloorMs != 1000 || cfg.Relays.Policy.BackoffCeilingMs != 60000 {
		t.Errorf("unexpected backoff bounds: %d/%d", cfg.Relays.Policy.BackoffFloorMs, cfg.Relays.Policy.BackoffCeilingMs)
	}
}

func TestExampleConfigParses(t *testing.T) {
	data, err := GetExampleConfig()
	if err != nil {
		t.Fatalf("GetExampleConfig() error = %v", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(example) error = %v", err)
	}

	if len(cfg.Relays.URLs) != 4 {
		t.Errorf("expected 4 relays, got %d", len(cfg.Relays.URLs))
	}
	if cfg.Relays.Subscription.ID != "main" {
		t.Errorf("expected subscription id main, got %s", cfg.Relays.Subscription.ID)
	}
	if got := cfg.Ingest.FlushInterval().Seconds(); got != 5 {
		t.Errorf("expected flush interval 5s, got %v", got)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulsr.yaml")
	content := "relays:\n  urls:\n    - wss://relay.example.com\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	defaults := Default()
	if cfg.Ingest.BatchSize != defaults.Ingest.BatchSize {
		t.Errorf("expected default batch size, got %d", cfg.Ingest.BatchSize)
	}
	if cfg.Aggregation.MinMentions != 3 {
		t.Errorf("expected min mentions 3, got %d", cfg.Aggregation.MinMentions)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %s", cfg.Storage.Driver)
	}
	if len(cfg.Relays.Subscription.Kinds) != 5 {
		t.Errorf("expected 5 default kinds, got %v", cfg.Relays.Subscription.Kinds)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PULSR_RELAYS", "wss://a.example.com, wss://b.example.com")
	t.Setenv("PULSR_SQLITE_PATH", "/tmp/override.db")
	t.Setenv("PULSR_LOG_LEVEL", "DEBUG")

	cfg, err := Parse([]byte("logging:\n  format: json\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if len(cfg.Relays.URLs) != 2 || cfg.Relays.URLs[1] != "wss://b.example.com" {
		t.Errorf("expected relays from env, got %v", cfg.Relays.URLs)
	}
	if cfg.Storage.SQLitePath != "/tmp/override.db" {
		t.Errorf("expected sqlite path override, got %s", cfg.Storage.SQLitePath)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}
}

func TestLoadDefault(t *testing.T) {
	t.Setenv("PULSR_SQLITE_PATH", "/tmp/default.db")

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error = %v", err)
	}
	if cfg.Storage.SQLitePath != "/tmp/default.db" {
		t.Errorf("expected sqlite path override, got %s", cfg.Storage.SQLitePath)
	}
	if len(cfg.Relays.URLs) != len(Default().Relays.URLs) {
		t.Errorf("expected default relays, got %v", cfg.Relays.URLs)
	}

	t.Setenv("PULSR_LOG_LEVEL", "loud")
	if _, err := LoadDefault(); err == nil {
		t.Error("expected invalid log level to fail validation")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "no relays",
			mutate:  func(c *Config) { c.Relays.URLs = nil },
			wantErr: true,
		},
		{
			name:    "http relay",
			mutate:  func(c *Config) { c.Relays.URLs = []string{"https://relay.example.com"} },
			wantErr: true,
		},
		{
			name:    "duplicate relay",
			mutate:  func(c *Config) { c.Relays.URLs = []string{"wss://a.example.com", "wss://a.example.com"} },
			wantErr: true,
		},
		{
			name: "floor above ceiling",
			mutate: func(c *Config) {
				c.Relays.Policy.BackoffFloorMs = 120000
			},
			wantErr: true,
		},
		{
			name:    "batch larger than queue",
			mutate:  func(c *Config) { c.Ingest.BatchSize = c.Ingest.QueueCapacity + 1 },
			wantErr: true,
		},
		{
			name:    "bad author",
			mutate:  func(c *Config) { c.Relays.Subscription.Authors = []string{"not-a-key"} },
			wantErr: true,
		},
		{
			name: "hex author",
			mutate: func(c *Config) {
				c.Relays.Subscription.Authors = []string{"3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"}
			},
			wantErr: false,
		},
		{
			name:    "redis without url",
			mutate:  func(c *Config) { c.Caching.Engine = "redis" },
			wantErr: true,
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Storage.Driver = "postgres" },
			wantErr: true,
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "zero min mentions",
			mutate:  func(c *Config) { c.Aggregation.MinMentions = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAuthorHexesDecodesNpub(t *testing.T) {
	sub := Subscription{
		Authors: []string{"npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w6"},
	}

	authors, err := sub.AuthorHexes()
	if err != nil {
		t.Fatalf("AuthorHexes() error = %v", err)
	}

	want := "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"
	if len(authors) != 1 || authors[0] != want {
		t.Errorf("expected %s, got %v", want, authors)
	}
}
