package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fiatjaf/eventstore"
	"github.com/fiatjaf/eventstore/sqlite3"
	"github.com/fiatjaf/khatru"
	"github.com/jmoiron/sqlx"
	sqlite3drv "github.com/mattn/go-sqlite3"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/pulsr/internal/config"
)

// ErrNotFound is returned by point lookups when no row matches
var ErrNotFound = errors.New("not found")

// IsBusy reports whether err came from SQLite giving up on a lock after busy_timeout
func IsBusy(err error) bool {
	var sqliteErr sqlite3drv.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3drv.ErrBusy || sqliteErr.Code == sqlite3drv.ErrLocked
}

// Storage provides the main storage interface for pulsr.
// The eventstore backend owns the connection pool; the pipeline tables share it.
type Storage struct {
	backend *sqlite3.SQLite3Backend
	relay   *khatru.Relay
	db      *sqlx.DB
	config  *config.Storage
	now     func() time.Time
}

// New creates a new Storage instance with the given configuration
func New(ctx context.Context, cfg *config.Storage) (*Storage, error) {
	s := &Storage{
		config: cfg,
		now:    time.Now,
	}

	switch cfg.Driver {
	case "sqlite":
		if err := s.initSQLite(); err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}

	if err := s.runMigrations(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s.initRelay()

	return s, nil
}

func (s *Storage) initSQLite() error {
	if s.config.SQLitePath == "" {
		return fmt.Errorf("sqlite_path is required")
	}

	if dir := filepath.Dir(s.config.SQLitePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	busy := s.config.BusyTimeoutMs
	if busy <= 0 {
		busy = 5000
	}

	// Every transaction takes the write lock up front so concurrent batch and
	// aggregation transactions queue on busy_timeout instead of deadlocking.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_txlock=immediate", s.config.SQLitePath, busy)

	backend := &sqlite3.SQLite3Backend{DatabaseURL: dsn}
	if err := backend.Init(); err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}

	s.backend = backend
	// The backend maps struct fields by json tag; the pipeline tables use db tags.
	s.db = sqlx.NewDb(backend.DB.DB, "sqlite3")

	return nil
}

// initRelay wires a read-only khatru relay over the event store
func (s *Storage) initRelay() {
	relay := khatru.NewRelay()
	relay.Info.Software = "https://github.com/sandwichfarm/pulsr"

	relay.StoreEvent = append(relay.StoreEvent, s.backend.SaveEvent)
	relay.QueryEvents = append(relay.QueryEvents, s.backend.QueryEvents)
	relay.CountEvents = append(relay.CountEvents, s.backend.CountEvents)
	relay.DeleteEvent = append(relay.DeleteEvent, s.backend.DeleteEvent)
	relay.RejectEvent = append(relay.RejectEvent, func(ctx context.Context, event *nostr.Event) (bool, string) {
		return true, "blocked: this relay is a read-only mirror"
	})

	s.relay = relay
}

// ConfigureMirror sets the NIP-11 document served by the mirror relay
func (s *Storage) ConfigureMirror(cfg *config.Mirror) {
	s.relay.Info.Name = cfg.Name
	s.relay.Info.Description = cfg.Description
}

// Relay returns the underlying khatru relay instance
func (s *Storage) Relay() *khatru.Relay {
	return s.relay
}

// DB returns the underlying database connection (for custom tables)
func (s *Storage) DB() *sqlx.DB {
	return s.db
}

// Ping checks that the database answers
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// MirrorEvents copies committed events into the event store served by the mirror relay.
// Events already present are skipped.
func (s *Storage) MirrorEvents(ctx context.Context, evts []*nostr.Event) error {
	var errs []error
	for _, evt := range evts {
		var err error
		if nostr.IsReplaceableKind(evt.Kind) || nostr.IsAddressableKind(evt.Kind) {
			err = s.backend.ReplaceEvent(ctx, evt)
		} else {
			err = s.backend.SaveEvent(ctx, evt)
		}
		if err != nil && !errors.Is(err, eventstore.ErrDupEvent) {
			errs = append(errs, fmt.Errorf("mirror %s: %w", evt.ID, err))
		}
	}
	return errors.Join(errs...)
}

// QueryEvents queries the mirrored events using Nostr filters
func (s *Storage) QueryEvents(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	ch, err := s.backend.QueryEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	var evts []*nostr.Event
	for evt := range ch {
		evts = append(evts, evt)
	}

	return evts, nil
}

// Close closes the storage connections
func (s *Storage) Close() error {
	if s.backend != nil && s.backend.DB != nil {
		if err := s.backend.DB.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	return nil
}
