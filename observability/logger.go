package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/carnet/idgen"
)

// LifecycleEvent represents a domain-level event to record: a mount reaching
// a stage, a bridge install or teardown, a settings reload.
type LifecycleEvent struct {
	EventID    string
	EventType  string // e.g. "mount_ready", "mount_failed", "bridge_teardown"
	Component  string // e.g. "mount", "bridge", "loader"
	EntityType string // e.g. "instance", "plugin"
	EntityID   string
	Namespace  string
	Action     string
	Details    string // optional JSON
	Success    bool
	At         time.Time
}

// EventLogger writes lifecycle events and keeps a bounded in-memory tail so
// the admin API can serve recent events without touching the database.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator

	mu      sync.Mutex
	tail    []LifecycleEvent
	tailCap int
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// WithTailSize sets how many recent events are retained in memory. Default 256.
func WithTailSize(n int) EventLoggerOption {
	return func(l *EventLogger) { l.tailCap = n }
}

// NewEventLogger creates a logger backed by the given observability database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:      db,
		newID:   idgen.Prefixed("evt_", idgen.Default),
		tailCap: 256,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records a lifecycle event. Non-blocking: errors are logged via slog
// but do not propagate, so a failing observability store never blocks a mount.
func (l *EventLogger) LogEvent(ctx context.Context, event LifecycleEvent) {
	if event.EventID == "" {
		event.EventID = l.newID()
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	l.mu.Lock()
	l.tail = append(l.tail, event)
	if len(l.tail) > l.tailCap {
		l.tail = l.tail[len(l.tail)-l.tailCap:]
	}
	l.mu.Unlock()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO lifecycle_event_logs (
			event_id, event_type, component, entity_type, entity_id,
			namespace, action, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		event.EventID, event.EventType, event.Component, event.EntityType, event.EntityID,
		event.Namespace, event.Action, event.Details, event.Success, event.At.Unix())
	if err != nil {
		slog.Error("observability event log failed", "error", err, "event_type", event.EventType)
	}
}

// Recent returns up to n most recent events, newest last. It reads only the
// in-memory tail.
func (l *EventLogger) Recent(n int) []LifecycleEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.tail) {
		n = len(l.tail)
	}
	out := make([]LifecycleEvent, n)
	copy(out, l.tail[len(l.tail)-n:])
	return out
}

// RetentionConfig specifies per-table retention in days. Zero means no cleanup.
type RetentionConfig struct {
	HTTPLogsDays   int
	EventLogsDays  int
	HeartbeatsDays int
	RunVacuumAfter bool
}

// Cleanup deletes records exceeding the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()

	// allowedTables and allowedColumns are whitelists to prevent SQL injection
	// if this pattern is ever refactored to accept external input.
	allowedTables := map[string]bool{
		"http_request_logs":    true,
		"lifecycle_event_logs": true,
		"worker_heartbeats":    true,
	}
	allowedColumns := map[string]bool{
		"created_at": true,
		"timestamp":  true,
	}

	type cleanupTarget struct {
		table  string
		column string
		days   int
	}
	targets := []cleanupTarget{
		{"http_request_logs", "created_at", cfg.HTTPLogsDays},
		{"lifecycle_event_logs", "created_at", cfg.EventLogsDays},
		{"worker_heartbeats", "timestamp", cfg.HeartbeatsDays},
	}

	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		if !allowedTables[t.table] || !allowedColumns[t.column] {
			return fmt.Errorf("cleanup: invalid table/column %s/%s", t.table, t.column)
		}
		cutoff := now - int64(t.days*86400)
		q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column)
		if _, err := db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("cleanup %s: %w", t.table, err)
		}
	}

	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}
