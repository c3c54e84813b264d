// Package observability gives the carnet daemon SQLite-native monitoring:
// timeseries metrics, an operation audit trail, lifecycle events, HTTP
// request logs and worker heartbeats all land in the daemon's own database.
// An embedder gets history and health without standing up Prometheus or an
// ELK stack next to a notebook host.
//
// Apply Schema (via Init or dbopen.WithSchema) before constructing the
// components. Writers are asynchronous and drop on overflow instead of
// applying backpressure to mounts.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Metric names recorded by the daemon.
const (
	MetricMemoryAllocMB        = "memory_alloc_mb"
	MetricGoroutinesCount      = "goroutines_count"
	MetricGCCount              = "gc_count"
	MetricMountDurationMs      = "mount_duration_ms"
	MetricPluginsActivated     = "plugins_activated_count"
	MetricPluginsFailed        = "plugins_failed_count"
	MetricBridgeCallDurationMs = "bridge_call_duration_ms"
)

// Metric is one timeseries datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string // optional dimensions, e.g. {"container": "#notes"}
	Unit      string            // "milliseconds", "count", ...
}

// MetricsManager buffers datapoints and writes them to metrics_timeseries
// in batches, either when the buffer fills or on the flush interval.
type MetricsManager struct {
	db       *sql.DB
	capacity int
	interval time.Duration

	mu     sync.Mutex
	buffer []Metric

	stop chan struct{}
	done chan struct{}
}

// NewMetricsManager starts the flush goroutine. Reasonable defaults are a
// buffer of 100 to 256 and a 5s interval.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration) *MetricsManager {
	mm := &MetricsManager{
		db:       db,
		capacity: bufferSize,
		interval: flushInterval,
		buffer:   make([]Metric, 0, bufferSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go mm.loop()
	return mm
}

// Record queues one datapoint. Never blocks on the database.
func (mm *MetricsManager) Record(m *Metric) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.buffer = append(mm.buffer, *m)
	if len(mm.buffer) >= mm.capacity {
		mm.drainLocked()
	}
}

// RecordSimple records a label-free datapoint stamped now.
func (mm *MetricsManager) RecordSimple(name string, value float64, unit string) {
	mm.Record(&Metric{Name: name, Timestamp: time.Now(), Value: value, Unit: unit})
}

// Query returns datapoints newest first. Empty name matches all metrics,
// nil bounds are open, limit 0 means no limit.
func (mm *MetricsManager) Query(name string, since, until *time.Time, limit int) ([]*Metric, error) {
	conds := []string{"1=1"}
	var args []any
	if name != "" {
		conds = append(conds, "metric_name = ?")
		args = append(args, name)
	}
	if since != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, since.Unix())
	}
	if until != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, until.Unix())
	}
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE " +
		strings.Join(conds, " AND ") + " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var (
			m      Metric
			ts     int64
			labels sql.NullString
		)
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &m.Unit); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		if labels.Valid {
			json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Cleanup deletes datapoints older than retentionDays, returning the
// number removed.
func (mm *MetricsManager) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := mm.db.ExecContext(ctx, "DELETE FROM metrics_timeseries WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes whatever is buffered and stops the goroutine.
func (mm *MetricsManager) Close() error {
	close(mm.stop)
	<-mm.done
	return nil
}

func (mm *MetricsManager) loop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.interval)
	defer ticker.Stop()
	for {
		select {
		case <-mm.stop:
			mm.mu.Lock()
			mm.drainLocked()
			mm.mu.Unlock()
			return
		case <-ticker.C:
			mm.mu.Lock()
			mm.drainLocked()
			mm.mu.Unlock()
		}
	}
}

// drainLocked writes the buffer as one multi-row insert. Errors are logged
// and the batch dropped; metrics are not worth wedging the daemon over.
func (mm *MetricsManager) drainLocked() {
	if len(mm.buffer) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var sb strings.Builder
	sb.WriteString("INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES ")
	args := make([]any, 0, len(mm.buffer)*5)
	for i, m := range mm.buffer {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString("(?,?,?,?,?)")
		var labels any // NULL unless the datapoint carries labels
		if len(m.Labels) > 0 {
			if b, err := json.Marshal(m.Labels); err == nil {
				labels = string(b)
			}
		}
		args = append(args, m.Name, m.Timestamp.Unix(), m.Value, labels, m.Unit)
	}
	if _, err := mm.db.ExecContext(ctx, sb.String(), args...); err != nil {
		slog.Error("observability metrics: flush failed", "error", err, "dropped", len(mm.buffer))
	}
	mm.buffer = mm.buffer[:0]
}
