package observability

import "database/sql"

// Schema is the complete DDL for the observability store. Each writer in
// this package owns one table; the fragments below keep the DDL next to
// the concern that uses it. Apply with Init or embed in your own schema
// management.
const Schema = schemaHeartbeats + schemaMetrics + schemaAudit + schemaEvents + schemaHTTPLogs

// worker_heartbeats: written by HeartbeatWriter, read by LatestHeartbeat.
const schemaHeartbeats = `
CREATE TABLE IF NOT EXISTS worker_heartbeats (
    heartbeat_id TEXT PRIMARY KEY DEFAULT ('hb_' || hex(randomblob(16))),
    worker_name TEXT NOT NULL,
    hostname TEXT NOT NULL,
    worker_pid INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    goroutines_count INTEGER,
    memory_alloc_mb REAL,
    memory_sys_mb REAL,
    gc_count INTEGER,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_worker_time
    ON worker_heartbeats(worker_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_heartbeats_timestamp
    ON worker_heartbeats(timestamp DESC);
`

// metrics_timeseries: written by MetricsManager batches.
const schemaMetrics = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    value REAL NOT NULL,
    labels TEXT,
    unit TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_metrics_timestamp
    ON metrics_timeseries(timestamp DESC);
`

// audit_log: bridge tool calls and admin operations, written by AuditLogger.
const schemaAudit = `
CREATE TABLE IF NOT EXISTS audit_log (
    entry_id TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    component_name TEXT NOT NULL,
    operation_type TEXT NOT NULL,
    role TEXT,
    instance_id TEXT,
    request_id TEXT,
    parameters TEXT NOT NULL DEFAULT '{}',
    result TEXT,
    error_code TEXT,
    error_message TEXT,
    duration_ms INTEGER,
    status TEXT NOT NULL,
    metadata TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_component ON audit_log(component_name, operation_type);
CREATE INDEX IF NOT EXISTS idx_audit_instance ON audit_log(instance_id);
CREATE INDEX IF NOT EXISTS idx_audit_status ON audit_log(status);
`

// lifecycle_event_logs: mount stage transitions, bridge installs and
// reloads, written by EventLogger.
const schemaEvents = `
CREATE TABLE IF NOT EXISTS lifecycle_event_logs (
    event_id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    component TEXT NOT NULL,
    entity_type TEXT,
    entity_id TEXT,
    namespace TEXT,
    action TEXT NOT NULL,
    details TEXT,
    success INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_event_logs_type ON lifecycle_event_logs(event_type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_event_logs_component ON lifecycle_event_logs(component, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_event_logs_entity ON lifecycle_event_logs(entity_id);
`

// http_request_logs: admin API traffic, written by HTTPLogger.
const schemaHTTPLogs = `
CREATE TABLE IF NOT EXISTS http_request_logs (
    log_id TEXT PRIMARY KEY DEFAULT ('hrl_' || hex(randomblob(16))),
    method TEXT NOT NULL,
    path TEXT NOT NULL,
    status_code INTEGER,
    duration_ms INTEGER,
    request_id TEXT,
    ip_address TEXT,
    user_agent TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_http_logs_time ON http_request_logs(created_at DESC);
`

// Init applies the observability schema to the given database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
