package ops

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sandwichfarm/pulsr/internal/config"
)

// Logger is a structured logger wrapper
type Logger struct {
	*slog.Logger
	level  slog.Level
	format string
}

// NewLogger creates a new structured logger writing to stdout
func NewLogger(cfg *config.Logging) *Logger {
	return NewLoggerWithWriter(cfg, os.Stdout)
}

// NewLoggerWithWriter creates a logger with a custom writer
func NewLoggerWithWriter(cfg *config.Logging, w io.Writer) *Logger {
	level := parseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
		format: cfg.Format,
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent adds a component field to all log messages
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
		level:  l.level,
		format: l.format,
	}
}

// WithFields adds custom fields to the logger
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(fields...),
		level:  l.level,
		format: l.format,
	}
}

// IsDebugEnabled returns true if debug logging is enabled
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= slog.LevelDebug
}

func durationMS(d time.Duration) slog.Attr {
	return slog.Int64("duration_ms", d.Milliseconds())
}

// Component-specific logger helpers

// LogStorageOperation logs a storage operation
func (l *Logger) LogStorageOperation(op string, duration time.Duration, err error) {
	if err != nil {
		l.Error("storage operation failed",
			"operation", op,
			durationMS(duration),
			"error", err)
	} else {
		l.Debug("storage operation completed",
			"operation", op,
			durationMS(duration))
	}
}

// LogRelayConnection logs a peer state change
func (l *Logger) LogRelayConnection(relay string, connected bool, err error) {
	switch {
	case err != nil:
		l.Warn("relay connection failed", "relay", relay, "error", err)
	case connected:
		l.Info("relay connected", "relay", relay)
	default:
		l.Info("relay disconnected", "relay", relay)
	}
}

// LogBatchFlush logs the outcome of one ingestion batch
func (l *Logger) LogBatchFlush(size, persisted, failed int, duration time.Duration, err error) {
	if err != nil {
		l.Error("batch flush failed",
			"size", size,
			durationMS(duration),
			"error", err)
		return
	}
	if failed > 0 {
		l.Warn("batch flushed with failures",
			"size", size,
			"persisted", persisted,
			"failed", failed,
			durationMS(duration))
		return
	}
	l.Debug("batch flushed",
		"size", size,
		"persisted", persisted,
		durationMS(duration))
}

// LogAggregationRun logs a completed or failed aggregation run
func (l *Logger) LogAggregationRun(runID string, contentRows, topics int, duration time.Duration, err error) {
	if err != nil {
		l.Error("aggregation run failed",
			"run_id", runID,
			durationMS(duration),
			"error", err)
	} else {
		l.Info("aggregation run completed",
			"run_id", runID,
			"content_metrics", contentRows,
			"trending_topics", topics,
			durationMS(duration))
	}
}

// LogCacheOperation logs a query cache lookup
func (l *Logger) LogCacheOperation(op string, key string, hit bool) {
	if !l.IsDebugEnabled() {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	l.Debug("query cache "+outcome, "operation", op, "key", key)
}

// LogRetentionPrune logs a retention pruning operation
func (l *Logger) LogRetentionPrune(deletedCount int64, duration time.Duration, err error) {
	if err != nil {
		l.Error("retention pruning failed",
			"deleted", deletedCount,
			durationMS(duration),
			"error", err)
	} else {
		l.Info("retention pruning completed",
			"deleted", deletedCount,
			durationMS(duration))
	}
}

// LogStartup logs application startup information
func (l *Logger) LogStartup(version, commit string, relays int, fields map[string]any) {
	l.Info("pulsr starting",
		"version", version,
		"commit", commit,
		"relays", relays,
		"config", fields)
}

// LogShutdown logs application shutdown
func (l *Logger) LogShutdown(reason string) {
	l.Info("pulsr shutting down",
		"reason", reason)
}

// LogPanic logs a panic with stack trace
func (l *Logger) LogPanic(recovered any, stack string) {
	l.Error("panic recovered",
		"panic", fmt.Sprintf("%v", recovered),
		"stack", stack)
}

// SetDefault installs l as the process-wide slog default
func SetDefault(l *Logger) {
	slog.SetDefault(l.Logger)
}

// Discard returns a logger that drops every record; handy in tests
func Discard() *Logger {
	return NewLoggerWithWriter(&config.Logging{Level: "error", Format: "text"}, io.Discard)
}
