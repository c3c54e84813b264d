package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/carnet/idgen"
)

// AuditEntry records one privileged operation: who ran which tool against
// which instance, with what outcome.
type AuditEntry struct {
	EntryID       string
	Timestamp     time.Time
	ComponentName string // "bridge", "mount", "admin"
	OperationType string // "carnet_exec", "mount_create", ...

	Role       string
	InstanceID string
	RequestID  string

	Parameters   string // JSON
	Result       string // JSON
	ErrorCode    string
	ErrorMessage string
	DurationMs   int64

	Status   string // "success", "error", "timeout", "cancelled"
	Metadata string // free-form JSON
}

// AuditFilter narrows Query results. Nil fields match everything.
type AuditFilter struct {
	StartTime     *time.Time
	EndTime       *time.Time
	ComponentName *string
	OperationType *string
	InstanceID    *string
	Status        *string
	Limit         int // default 100
	Offset        int
	OrderBy       string // "timestamp", "duration_ms", "component_name", "status"
	OrderDir      string // "ASC" or "DESC"
}

const (
	auditBatchMax   = 100
	auditFlushEvery = 5 * time.Second
)

// AuditLogger persists audit entries, batched in the background.
type AuditLogger struct {
	db    *sql.DB
	newID idgen.Generator
	ch    chan *AuditEntry
	stop  chan struct{}
	done  chan struct{}
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditIDGenerator overrides the entry ID generator (tests want fixed IDs).
func WithAuditIDGenerator(gen idgen.Generator) AuditOption {
	return func(a *AuditLogger) { a.newID = gen }
}

// NewAuditLogger creates the logger and starts its flush goroutine.
// Recommended bufferSize: 1000.
func NewAuditLogger(db *sql.DB, bufferSize int, opts ...AuditOption) *AuditLogger {
	a := &AuditLogger{
		db:    db,
		newID: idgen.Prefixed("audit_", idgen.Default),
		ch:    make(chan *AuditEntry, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	go a.flushLoop()
	return a
}

// Log writes one entry synchronously.
func (a *AuditLogger) Log(ctx context.Context, entry *AuditEntry) error {
	a.stamp(entry)
	return a.insert(ctx, entry)
}

// LogAsync queues an entry. A full queue falls back to a synchronous
// insert; audit entries are never silently dropped.
func (a *AuditLogger) LogAsync(entry *AuditEntry) {
	a.stamp(entry)
	select {
	case a.ch <- entry:
	default:
		slog.Warn("observability audit queue full, writing inline", "component", entry.ComponentName)
		if err := a.insert(context.Background(), entry); err != nil {
			slog.Error("observability audit: inline write failed", "error", err)
		}
	}
}

// NewAuditEntry assembles an entry from an operation's inputs and outcome.
// params and result are marshalled to JSON; on error the result is dropped
// and the message recorded instead.
func (a *AuditLogger) NewAuditEntry(component, operation string, params, result any, err error, took time.Duration) *AuditEntry {
	e := &AuditEntry{
		EntryID:       a.newID(),
		Timestamp:     time.Now(),
		ComponentName: component,
		OperationType: operation,
		DurationMs:    took.Milliseconds(),
	}
	if params != nil {
		if b, mErr := json.Marshal(params); mErr == nil {
			e.Parameters = string(b)
		}
	}
	if err != nil {
		e.Status = "error"
		e.ErrorMessage = err.Error()
		return e
	}
	e.Status = "success"
	if result != nil {
		if b, mErr := json.Marshal(result); mErr == nil {
			e.Result = string(b)
		}
	}
	return e
}

// Query returns entries matching f, newest first unless overridden.
func (a *AuditLogger) Query(ctx context.Context, f *AuditFilter) ([]*AuditEntry, error) {
	conds := []string{"1=1"}
	var args []any
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if f.StartTime != nil {
		add("timestamp >= ?", f.StartTime.Unix())
	}
	if f.EndTime != nil {
		add("timestamp <= ?", f.EndTime.Unix())
	}
	if f.ComponentName != nil {
		add("component_name = ?", *f.ComponentName)
	}
	if f.OperationType != nil {
		add("operation_type = ?", *f.OperationType)
	}
	if f.InstanceID != nil {
		add("instance_id = ?", *f.InstanceID)
	}
	if f.Status != nil {
		add("status = ?", *f.Status)
	}

	orderBy := "timestamp"
	switch f.OrderBy {
	case "", "timestamp":
	case "duration_ms", "component_name", "status":
		orderBy = f.OrderBy
	default:
		return nil, fmt.Errorf("invalid order_by column: %q", f.OrderBy)
	}
	orderDir := "DESC"
	switch strings.ToUpper(f.OrderDir) {
	case "", "DESC":
	case "ASC":
		orderDir = "ASC"
	default:
		return nil, fmt.Errorf("invalid order_dir: %q", f.OrderDir)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT entry_id, timestamp, component_name, operation_type,
		role, instance_id, request_id, parameters, result,
		error_code, error_message, duration_ms, status, metadata
		FROM audit_log WHERE ` + strings.Join(conds, " AND ") +
		fmt.Sprintf(" ORDER BY %s %s LIMIT ?", orderBy, orderDir)
	args = append(args, limit)
	if f.Offset > 0 {
		q += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var (
			e                       AuditEntry
			ts                      int64
			role, inst, reqID       sql.NullString
			result, errCode, errMsg sql.NullString
			metadata                sql.NullString
			durationMs              sql.NullInt64
		)
		if err := rows.Scan(
			&e.EntryID, &ts, &e.ComponentName, &e.OperationType,
			&role, &inst, &reqID, &e.Parameters, &result,
			&errCode, &errMsg, &durationMs, &e.Status, &metadata,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		e.Role, e.InstanceID, e.RequestID = role.String, inst.String, reqID.String
		e.Result, e.ErrorCode, e.ErrorMessage = result.String, errCode.String, errMsg.String
		e.Metadata, e.DurationMs = metadata.String, durationMs.Int64
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Cleanup deletes entries older than retentionDays.
func (a *AuditLogger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := a.db.ExecContext(ctx, "DELETE FROM audit_log WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup audit log: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the queue and stops the flush goroutine.
func (a *AuditLogger) Close() error {
	close(a.stop)
	<-a.done
	return nil
}

func (a *AuditLogger) stamp(e *AuditEntry) {
	if e.EntryID == "" {
		e.EntryID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Status == "" {
		e.Status = "success"
		if e.ErrorMessage != "" {
			e.Status = "error"
		}
	}
}

func (a *AuditLogger) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(auditFlushEvery)
	defer ticker.Stop()

	batch := make([]*AuditEntry, 0, auditBatchMax)
	for {
		select {
		case <-a.stop:
			for {
				select {
				case e := <-a.ch:
					batch = append(batch, e)
				default:
					a.flushBatch(batch)
					return
				}
			}
		case e := <-a.ch:
			batch = append(batch, e)
			if len(batch) >= auditBatchMax {
				a.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			a.flushBatch(batch)
			batch = batch[:0]
		}
	}
}

func (a *AuditLogger) flushBatch(batch []*AuditEntry) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("observability audit: begin tx", "error", err)
		return
	}
	stmt, err := tx.PrepareContext(ctx, auditInsertSQL)
	if err != nil {
		tx.Rollback()
		slog.Error("observability audit: prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.ExecContext(ctx, e.args()...); err != nil {
			slog.Error("observability audit: insert", "error", err, "entry_id", e.EntryID)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("observability audit: commit", "error", err)
	}
}

const auditInsertSQL = `INSERT INTO audit_log
	(entry_id, timestamp, component_name, operation_type,
	 role, instance_id, request_id,
	 parameters, result, error_code, error_message, duration_ms,
	 status, metadata)
	VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

func (e *AuditEntry) args() []any {
	return []any{
		e.EntryID, e.Timestamp.Unix(), e.ComponentName, e.OperationType,
		e.Role, e.InstanceID, e.RequestID,
		e.Parameters, e.Result, e.ErrorCode, e.ErrorMessage, e.DurationMs,
		e.Status, e.Metadata,
	}
}

func (a *AuditLogger) insert(ctx context.Context, e *AuditEntry) error {
	_, err := a.db.ExecContext(ctx, auditInsertSQL, e.args()...)
	return err
}
