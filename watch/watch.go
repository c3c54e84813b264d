// Package watch turns SQLite writes into reload callbacks. carnet points it
// at the settings database: every Put bumps the file's data version, the
// watcher notices on its next poll, and mounted instances re-resolve their
// themes without a restart.
//
// The loop is poll based rather than notification based because the writer
// may be another process (an operator editing settings through a second
// carnet, or sqlite3 on the command line). PRAGMA data_version is the only
// signal that crosses connections and processes.
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ChangeDetector reads a version token from the database. Two different
// values between polls mean "reload". int64 fits all three built-in
// sources: data_version, user_version, MAX(updated_at).
type ChangeDetector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes the watcher.
type Options struct {
	// Interval between polls. Default 1s.
	Interval time.Duration
	// Debounce holds the reload back until the database has been quiet
	// for this long. Fresh changes during the window restart it. 0 fires
	// immediately.
	Debounce time.Duration
	// Detector defaults to PragmaDataVersion.
	Detector ChangeDetector
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = PragmaDataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls one database and runs a reload action when its version
// token moves. Safe for concurrent use.
type Watcher struct {
	db   *sql.DB
	opts Options

	version atomic.Int64 // last version whose reload succeeded

	mu     sync.Mutex
	bumped chan struct{} // closed and replaced each time version advances

	polls    atomic.Int64
	hits     atomic.Int64
	failures atomic.Int64
	reloads  atomic.Int64
	reloadNs atomic.Int64
}

// Stats is a point-in-time snapshot of the watcher counters.
type Stats struct {
	Checks          int64         `json:"checks"`
	ChangesDetected int64         `json:"changes_detected"`
	Errors          int64         `json:"errors"`
	Reloads         int64         `json:"reloads"`
	AvgReloadTime   time.Duration `json:"avg_reload_time"`
}

// New creates a Watcher. Nothing happens until OnChange runs.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{db: db, opts: opts, bumped: make(chan struct{})}
}

// Version returns the version token of the last successful reload, or the
// seed value read when OnChange started.
func (w *Watcher) Version() int64 { return w.version.Load() }

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	s := Stats{
		Checks:          w.polls.Load(),
		ChangesDetected: w.hits.Load(),
		Errors:          w.failures.Load(),
		Reloads:         w.reloads.Load(),
	}
	if s.Reloads > 0 {
		s.AvgReloadTime = time.Duration(w.reloadNs.Load() / s.Reloads)
	}
	return s
}

// OnChange polls until ctx is cancelled. When the detector reports a new
// version and the debounce window closes, action runs. A failing action
// leaves the version where it was, so the same change is retried on the
// next poll.
func (w *Watcher) OnChange(ctx context.Context, action func() error) {
	log := w.opts.Logger

	if seed, err := w.opts.Detector(ctx, w.db); err != nil {
		log.Warn("watch: seed version read failed", "error", err)
	} else {
		w.advance(seed)
	}

	log.Info("watch: polling", "interval", w.opts.Interval, "debounce", w.opts.Debounce)

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var quiet *time.Timer // running debounce timer, nil when idle
	var quietC <-chan time.Time
	var pending int64
	havePending := false

	for {
		select {
		case <-ctx.Done():
			if quiet != nil {
				quiet.Stop()
			}
			log.Info("watch: stopped")
			return

		case <-ticker.C:
			w.polls.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				w.failures.Add(1)
				log.Warn("watch: version read failed", "error", err)
				continue
			}
			if cur == w.version.Load() || (havePending && cur == pending) {
				continue
			}
			w.hits.Add(1)
			pending, havePending = cur, true

			if w.opts.Debounce <= 0 {
				havePending = false
				w.reload(action, pending)
				continue
			}
			// A fresh pending version restarts the quiet window.
			if quiet != nil {
				quiet.Stop()
			}
			quiet = time.NewTimer(w.opts.Debounce)
			quietC = quiet.C
			log.Debug("watch: change pending", "version", cur)

		case <-quietC:
			quietC = nil
			if havePending {
				havePending = false
				w.reload(action, pending)
			}
		}
	}
}

// WaitForVersion blocks until a reload for version >= target has
// completed, or ctx expires. Pair it with PragmaUserVersion when the
// caller controls version numbers.
func (w *Watcher) WaitForVersion(ctx context.Context, target int64) error {
	for {
		w.mu.Lock()
		ch := w.bumped
		w.mu.Unlock()

		// Check after capturing the channel: an advance between the check
		// and the select would close ch and wake us.
		if w.version.Load() >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (w *Watcher) reload(action func() error, ver int64) {
	log := w.opts.Logger
	log.Info("watch: reloading", "from", w.version.Load(), "to", ver)
	start := time.Now()
	if err := action(); err != nil {
		w.failures.Add(1)
		log.Error("watch: reload failed", "error", err, "version", ver)
		return
	}
	took := time.Since(start)
	w.reloads.Add(1)
	w.reloadNs.Add(int64(took))
	w.advance(ver)
	log.Info("watch: reloaded", "version", ver, "took", took)
}

func (w *Watcher) advance(v int64) {
	w.version.Store(v)
	w.mu.Lock()
	close(w.bumped)
	w.bumped = make(chan struct{})
	w.mu.Unlock()
}

// ---------- Detectors ----------

// PragmaDataVersion reads PRAGMA data_version. SQLite bumps it whenever a
// different connection commits to the file, which is exactly the signal
// needed to notice writes from the admin API pool or another process.
func PragmaDataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// PragmaUserVersion reads PRAGMA user_version, an application-managed
// integer. Writers must bump it themselves; the payoff is deterministic
// version numbers for WaitForVersion.
func PragmaUserVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}

// SettingsUpdatedAt reads the newest updated_at in the settings table.
// Unlike data_version it sees writes made through the watcher's own
// connection, at the cost of one-second resolution.
func SettingsUpdatedAt(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(updated_at), 0) FROM settings").Scan(&v)
	return v, err
}
