// CLAUDE:SUMMARY Entry point for the carnet daemon — host page, mount manager, chi admin API, optional MCP over QUIC.
// Command carnet embeds the notebook app into a live host page and serves
// the admin API.
//
// Usage:
//
//	carnet -config carnet.yaml
//	carnet -config carnet.yaml -listen 127.0.0.1:9077 -log-format json
package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/carnet/bridge"
	"github.com/hazyhaar/carnet/dbopen"
	"github.com/hazyhaar/carnet/hostpage"
	"github.com/hazyhaar/carnet/kit"
	"github.com/hazyhaar/carnet/loader"
	"github.com/hazyhaar/carnet/mcpquic"
	"github.com/hazyhaar/carnet/mount"
	"github.com/hazyhaar/carnet/observability"
	"github.com/hazyhaar/carnet/registry"
	"github.com/hazyhaar/carnet/settings"
	"github.com/hazyhaar/carnet/shield"
	"github.com/hazyhaar/carnet/theme"
	"github.com/hazyhaar/carnet/watch"
)

// workerName tags this process in worker_heartbeats; /health reports a
// beat stale once it is older than three intervals.
const (
	workerName        = "carnet"
	heartbeatInterval = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to carnet.yaml config file")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	listen := flag.String("listen", "", "admin API listen address (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	var handler slog.Handler
	if *logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: carnet -config <file> [-db <path>] [-listen <addr>]")
		os.Exit(1)
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("carnet: config", "error", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.DB = *dbPath
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if err := cfg.validate(); err != nil {
		logger.Error("carnet: config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("carnet: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *Config) error {
	db, err := dbopen.Open(cfg.DB, dbopen.WithMkdirAll(),
		dbopen.WithSchema(settings.Schema),
		dbopen.WithSchema(observability.Schema),
		dbopen.WithSchema(bridge.PolicySchema))
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	store := settings.New(db)

	// Observability. The event logger keeps an in-memory tail for the
	// admin API; the rest flush to the same database.
	events := observability.NewEventLogger(db)
	metrics := observability.NewMetricsManager(db, 256, 5*time.Second)
	defer metrics.Close()
	auditLog := observability.NewAuditLogger(db, 256)
	defer auditLog.Close()
	httpLog := observability.NewHTTPLogger(db, 256)
	defer httpLog.Close()
	heartbeat := observability.NewHeartbeatWriter(db, workerName, heartbeatInterval)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	if cfg.RetentionDays > 0 {
		sweepRetention(ctx, logger, db, auditLog, metrics, cfg.RetentionDays)
	}

	// Host page.
	pageCfg := cfg.Page.Config
	pageCfg.Logger = logger
	pm := hostpage.NewManager(pageCfg)
	if err := pm.Start(ctx); err != nil {
		return fmt.Errorf("browser start: %w", err)
	}
	defer pm.Stop()

	page, err := pm.Open(ctx, cfg.Page.URL)
	if err != nil {
		return fmt.Errorf("open host page: %w", err)
	}

	// Core components. The registry's drain hook tears down the page-global
	// bridge once the last instance unregisters.
	ld := loader.New(page, cfg.Loader, logger)
	var br *bridge.Bridge
	reg := registry.New(logger, registry.WithOnEmpty(func() {
		if br == nil {
			return
		}
		tdCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := br.TeardownGlobal(tdCtx); err != nil {
			logger.Warn("carnet: bridge teardown", "error", err)
		}
	}))
	br = bridge.New(page, reg, cfg.Bridge, logger)
	themes := theme.New(store, page, cfg.Theme, logger)

	mounts := mount.New(page, ld, themes, reg, cfg.App, logger,
		mount.WithBridge(br), mount.WithEvents(events), mount.WithMetrics(metrics))
	defer mounts.UnmountAll()

	watcher := mounts.WatchSettings(ctx, db, watch.Options{
		Interval: cfg.Watch.Interval,
		Debounce: cfg.Watch.Debounce,
		Logger:   logger,
	})

	// Optional MCP over QUIC.
	if cfg.MCP.Enabled {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "carnet",
			Version: "1.0.0",
		}, nil)
		bridge.RegisterMCP(mcpSrv, br,
			bridge.WithPolicy(bridge.NewDBPolicy(db)),
			bridge.WithAudit(auditHook(auditLog)))

		var tlsCfg *tls.Config
		if cfg.MCP.TLSCert != "" && cfg.MCP.TLSKey != "" {
			tlsCfg, err = mcpquic.ServerTLSConfig(cfg.MCP.TLSCert, cfg.MCP.TLSKey)
		} else {
			tlsCfg, err = mcpquic.SelfSignedTLSConfig()
		}
		if err != nil {
			logger.Error("carnet: mcp quic tls", "error", err)
		} else {
			ql, qErr := mcpquic.NewListener(cfg.MCP.Addr, tlsCfg, mcpSrv, logger)
			if qErr != nil {
				logger.Error("carnet: mcp quic listener", "error", qErr)
			} else {
				go func() {
					logger.Info("carnet: mcp quic starting", "addr", ql.Addr())
					if sErr := ql.Serve(ctx); sErr != nil && ctx.Err() == nil {
						logger.Error("carnet: mcp quic", "error", sErr)
					}
				}()
			}
		}
	}

	// Admin API.
	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: adminRouter(adminDeps{
			mounts:  mounts,
			bridge:  br,
			store:   store,
			events:  events,
			reg:     reg,
			watcher: watcher,
			httpLog: httpLog,
			obsDB:   db,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("carnet: admin api starting", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("admin api: %w", err)
	case <-ctx.Done():
	}

	logger.Info("carnet: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("carnet: admin api shutdown", "error", err)
	}
	return nil
}

// sweepRetention prunes aged observability rows. Failures are logged and
// never block startup.
func sweepRetention(ctx context.Context, logger *slog.Logger, db *sql.DB, auditLog *observability.AuditLogger, metrics *observability.MetricsManager, days int) {
	if n, err := auditLog.Cleanup(ctx, days); err != nil {
		logger.Warn("carnet: audit retention", "error", err)
	} else if n > 0 {
		logger.Info("carnet: audit retention", "pruned", n)
	}
	if n, err := metrics.Cleanup(ctx, days); err != nil {
		logger.Warn("carnet: metrics retention", "error", err)
	} else if n > 0 {
		logger.Info("carnet: metrics retention", "pruned", n)
	}
	err := observability.Cleanup(ctx, db, observability.RetentionConfig{
		HTTPLogsDays:   days,
		EventLogsDays:  days,
		HeartbeatsDays: days,
	})
	if err != nil {
		logger.Warn("carnet: log retention", "error", err)
	}
}

// auditHook adapts the audit logger to the bridge's tool middleware,
// carrying role, instance, and request identity from the kit context. QUIC
// sessions without a per-request ID fall back to the session ID.
func auditHook(auditLog *observability.AuditLogger) bridge.AuditFunc {
	return func(ctx context.Context, tool string, params, result any, err error, d time.Duration) {
		entry := auditLog.NewAuditEntry("bridge", tool, params, result, err, d)
		entry.Role = kit.GetRole(ctx)
		entry.InstanceID = kit.GetInstanceID(ctx)
		entry.RequestID = kit.GetRequestID(ctx)
		if entry.RequestID == "" {
			entry.RequestID = kit.GetSessionID(ctx)
		}
		auditLog.LogAsync(entry)
	}
}

// --- Configuration ---

// Config is the daemon configuration, loaded from YAML.
type Config struct {
	// DB is the SQLite path holding settings, observability, and bridge
	// policy tables.
	DB string `yaml:"db"`
	// Listen is the admin API bind address.
	Listen string `yaml:"listen"`

	Page   PageConfig    `yaml:"page"`
	Loader loader.Config `yaml:"loader"`
	App    mount.Config  `yaml:"app"`
	Theme  theme.Config  `yaml:"theme"`
	Bridge bridge.Config `yaml:"bridge"`
	Watch  WatchConfig   `yaml:"watch"`
	MCP    MCPConfig     `yaml:"mcp"`

	// RetentionDays prunes observability rows older than this many days at
	// startup. 0 keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

// PageConfig locates the host page and tunes the browser session.
type PageConfig struct {
	// URL is the page carnet attaches to and mounts into.
	URL             string `yaml:"url"`
	hostpage.Config `yaml:",inline"`
}

// WatchConfig tunes the settings hot-reload poller.
type WatchConfig struct {
	Interval time.Duration `yaml:"interval"`
	Debounce time.Duration `yaml:"debounce"`
}

// MCPConfig enables the QUIC MCP listener. Without cert and key paths the
// listener falls back to a self-signed certificate.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DB == "" {
		c.DB = "carnet.db"
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8077"
	}
	if c.Watch.Interval <= 0 {
		c.Watch.Interval = 2 * time.Second
	}
	if c.Watch.Debounce <= 0 {
		c.Watch.Debounce = 250 * time.Millisecond
	}
	if c.MCP.Addr == "" {
		c.MCP.Addr = ":9444"
	}
}

func (c *Config) validate() error {
	if c.Page.URL == "" {
		return fmt.Errorf("page.url is required")
	}
	if c.App.Main == "" {
		return fmt.Errorf("app.main is required")
	}
	return nil
}

// --- Admin API ---

type adminDeps struct {
	mounts  *mount.Manager
	bridge  *bridge.Bridge
	store   *settings.Store
	events  *observability.EventLogger
	reg     *registry.Registry
	watcher *watch.Watcher
	httpLog *observability.HTTPLogger
	obsDB   *sql.DB
}

func adminRouter(d adminDeps) http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultAdminStack() {
		r.Use(mw)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if d.httpLog != nil {
		r.Use(d.httpLog.Middleware())
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status":           "ok",
			"instances":        d.reg.Len(),
			"settings_version": d.watcher.Version(),
		}
		if d.obsDB != nil {
			hb, err := observability.LatestHeartbeat(r.Context(), d.obsDB, workerName, 3*heartbeatInterval)
			if err == nil && hb != nil {
				body["worker"] = hb
			}
		}
		writeJSON(w, 200, body)
	})

	r.Get("/instances", func(w http.ResponseWriter, _ *http.Request) {
		handles := d.mounts.Handles()
		out := make([]map[string]any, 0, len(handles))
		for _, h := range handles {
			out = append(out, mountView(h))
		}
		writeJSON(w, 200, out)
	})

	r.Post("/mounts", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Container string `json:"container"`
			mount.SessionConfig
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		if req.Container == "" {
			writeError(w, 400, fmt.Errorf("container is required"))
			return
		}
		h, err := d.mounts.Mount(r.Context(), req.Container, req.SessionConfig)
		if err != nil {
			var dup *registry.DuplicateInstanceError
			if errors.As(err, &dup) {
				writeError(w, 409, err)
				return
			}
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 201, mountView(h))
	})

	r.Delete("/mounts/{container}", func(w http.ResponseWriter, r *http.Request) {
		container := containerParam(r)
		h, ok := d.mounts.Handle(container)
		if !ok {
			writeError(w, 404, fmt.Errorf("no mount in container %q", container))
			return
		}
		d.mounts.Unmount(h)
		writeJSON(w, 200, map[string]string{"container": container, "status": "unmounted"})
	})

	r.Get("/mounts/{container}/snapshot", func(w http.ResponseWriter, r *http.Request) {
		container := containerParam(r)
		h, ok := d.mounts.Handle(container)
		if !ok {
			writeError(w, 404, fmt.Errorf("no mount in container %q", container))
			return
		}
		if h.Stage() != mount.StageReady {
			writeError(w, 409, fmt.Errorf("mount in container %q is %s", container, h.Stage()))
			return
		}
		md, err := d.bridge.Snapshot(r.Context(), h.ID())
		if err != nil {
			var unknown *bridge.UnknownInstanceError
			if errors.As(err, &unknown) {
				writeError(w, 404, err)
				return
			}
			writeError(w, 500, err)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(200)
		w.Write([]byte(md))
	})

	r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, d.events.Recent(queryInt(r, "limit", 50)))
	})

	r.Put("/settings/{namespace}/{key}", func(w http.ResponseWriter, r *http.Request) {
		namespace := chi.URLParam(r, "namespace")
		key := chi.URLParam(r, "key")
		var req struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		if err := d.store.Put(r.Context(), namespace, key, req.Value); err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, map[string]string{"namespace": namespace, "key": key, "status": "updated"})
	})

	r.Get("/settings/{namespace}", func(w http.ResponseWriter, r *http.Request) {
		entries, err := d.store.List(r.Context(), chi.URLParam(r, "namespace"))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if entries == nil {
			entries = []settings.Entry{}
		}
		writeJSON(w, 200, entries)
	})

	return r
}

// containerParam returns the decoded container selector from the URL.
// Selectors start with "#" or ".", which clients must percent-encode.
func containerParam(r *http.Request) string {
	raw := chi.URLParam(r, "container")
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

func mountView(h *mount.Handle) map[string]any {
	activated, failed := 0, 0
	for _, res := range h.Results() {
		if res.Activated() {
			activated++
		} else {
			failed++
		}
	}
	return map[string]any{
		"instance_id":       h.ID(),
		"container":         h.Container(),
		"stage":             h.Stage().String(),
		"namespace":         h.Session().Namespace,
		"theme":             string(h.Theme()),
		"bridged":           h.Bridged(),
		"plugins_activated": activated,
		"plugins_failed":    failed,
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
