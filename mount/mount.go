// CLAUDE:SUMMARY Bootstrapper state machine mounting notebook instances into host page containers, plus the manager that tracks live handles, refreshes themes and reacts to settings changes.

// Package mount drives the notebook bootstrap sequence inside a host
// page container. A mount walks clearing, plugin activation, main
// entry, theme and optional bridge stages; each stage boundary checks
// for a pending unmount so a cancelled bootstrap stops without leaving
// a registered instance behind. The Manager keeps the live handles and
// re-resolves themes when persisted settings change.
package mount

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/carnet/bridge"
	"github.com/hazyhaar/carnet/loader"
	"github.com/hazyhaar/carnet/observability"
	"github.com/hazyhaar/carnet/registry"
	"github.com/hazyhaar/carnet/theme"
	"github.com/hazyhaar/carnet/watch"
)

// Page is the subset of the host page surface the bootstrapper drives.
type Page interface {
	ClearContainer(ctx context.Context, selector string) error
	ApplyTheme(ctx context.Context, selector, mode string) error
}

// Loader activates plugin bundles and invokes the app entry point.
type Loader interface {
	ActivateAll(ctx context.Context, descs []loader.Descriptor) ([]loader.Result, error)
	InvokeEntry(ctx context.Context, bundleURL, container string) error
}

// ThemeResolver decides the concrete display mode for a session.
type ThemeResolver interface {
	Resolve(ctx context.Context, namespace string, pref theme.Preference) theme.Theme
}

// BridgeInstaller wires the page-side console API for one container.
type BridgeInstaller interface {
	Install(ctx context.Context, container string, opts map[string]any) (*bridge.Handle, error)
	Uninstall(ctx context.Context, h *bridge.Handle) error
}

// Config carries the app composition shared by every mount.
type Config struct {
	// Main is the bundle URL of the app entry point invoked per mount.
	Main string `yaml:"main" json:"main"`
	// Plugins are activated into the shared scope before the entry runs.
	Plugins []loader.Descriptor `yaml:"plugins,omitempty" json:"plugins,omitempty"`
}

// SessionConfig selects the per-mount behavior.
type SessionConfig struct {
	Namespace     string           `yaml:"namespace" json:"namespace"`
	Theme         theme.Preference `yaml:"theme" json:"theme"`
	Bridge        bool             `yaml:"bridge" json:"bridge"`
	BridgeOptions map[string]any   `yaml:"bridge_options,omitempty" json:"bridge_options,omitempty"`
}

func (c *SessionConfig) defaults() {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.Theme == "" {
		c.Theme = theme.PrefAuto
	}
}

// Handle is one mounted (or mounting) instance. All methods are safe
// for concurrent use.
type Handle struct {
	m         *Manager
	container string

	mu           sync.Mutex
	id           string
	sess         SessionConfig
	stage        Stage
	theme        theme.Theme
	results      []loader.Result
	bridgeHandle *bridge.Handle
	cancelled    bool
	registered   bool
	tornDown     bool
}

// ID returns the instance id, empty until registration succeeded.
func (h *Handle) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

// Container returns the CSS selector this instance was mounted into.
func (h *Handle) Container() string { return h.container }

// Stage returns the current bootstrapper stage.
func (h *Handle) Stage() Stage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stage
}

// Session returns the session configuration the mount was started with.
func (h *Handle) Session() SessionConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sess
}

// Theme returns the display mode last applied to the container.
func (h *Handle) Theme() theme.Theme {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.theme
}

// Results returns the per-plugin activation outcomes.
func (h *Handle) Results() []loader.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]loader.Result, len(h.results))
	copy(out, h.results)
	return out
}

// Bridged reports whether the console bridge was installed for this
// instance.
func (h *Handle) Bridged() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bridgeHandle != nil
}

func (h *Handle) entityID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.id != "" {
		return h.id
	}
	return h.container
}

// advance moves the handle to the next stage, or stops the bootstrap
// when an unmount was requested in the meantime.
func (h *Handle) advance(ctx context.Context, s Stage) error {
	h.mu.Lock()
	if h.cancelled {
		prev := h.stage
		h.mu.Unlock()
		return &MountError{Stage: prev, Err: ErrCancelled}
	}
	h.stage = s
	h.mu.Unlock()
	h.m.emitStage(ctx, h, s)
	return nil
}

func (h *Handle) fail() {
	h.mu.Lock()
	h.stage = StageFailed
	h.mu.Unlock()
}

// teardown releases whatever the bootstrap acquired. It runs at most
// once; a failed mount never unregisters a record it did not create.
func (h *Handle) teardown() {
	h.mu.Lock()
	if h.tornDown {
		h.mu.Unlock()
		return
	}
	h.tornDown = true
	bh := h.bridgeHandle
	registered := h.registered
	h.mu.Unlock()

	if bh != nil && h.m.bridge != nil {
		if err := h.m.bridge.Uninstall(context.Background(), bh); err != nil {
			h.m.logger.Warn("mount: bridge uninstall failed", "container", h.container, "error", err)
		}
	}
	if registered {
		h.m.reg.Unregister(h.container)
	}
}

// Manager mounts and unmounts notebook instances on one host page.
type Manager struct {
	page    Page
	loader  Loader
	themes  ThemeResolver
	reg     *registry.Registry
	cfg     Config
	logger  *slog.Logger
	bridge  BridgeInstaller
	events  *observability.EventLogger
	metrics *observability.MetricsManager

	mu      sync.Mutex
	handles map[string]*Handle
}

// Option configures optional manager collaborators.
type Option func(*Manager)

// WithBridge enables console bridge installation for sessions that
// request it.
func WithBridge(b BridgeInstaller) Option {
	return func(m *Manager) { m.bridge = b }
}

// WithEvents records lifecycle events for mounts and theme refreshes.
func WithEvents(ev *observability.EventLogger) Option {
	return func(m *Manager) { m.events = ev }
}

// WithMetrics records mount duration and plugin activation counters.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(m *Manager) { m.metrics = mm }
}

// New builds a Manager. A nil logger falls back to slog.Default().
func New(page Page, ld Loader, themes ThemeResolver, reg *registry.Registry, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		page:    page,
		loader:  ld,
		themes:  themes,
		reg:     reg,
		cfg:     cfg,
		logger:  logger,
		handles: make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mount bootstraps a notebook instance into the container. A container
// holding a live or in-flight instance is rejected up front with a
// DuplicateInstanceError. On failure everything the bootstrap acquired
// is rolled back and the returned error carries the stage it stopped
// in. The handle is visible through Handle and Handles while the
// bootstrap runs, so a concurrent Unmount cancels it.
func (m *Manager) Mount(ctx context.Context, container string, sess SessionConfig) (*Handle, error) {
	sess.defaults()
	h := &Handle{m: m, container: container, sess: sess, stage: StageIdle}
	start := time.Now()

	m.mu.Lock()
	existing, occupied := m.handles[container]
	if !occupied {
		m.handles[container] = h
	}
	m.mu.Unlock()
	if occupied {
		return nil, &MountError{Stage: StageIdle, Err: &registry.DuplicateInstanceError{
			Container:  container,
			ExistingID: existing.ID(),
		}}
	}

	if err := m.bootstrap(ctx, h); err != nil {
		h.fail()
		h.teardown()
		m.drop(h)
		m.emitMountEvent(ctx, h, "mount_failed", false, err.Error())
		m.logger.Error("mount: failed", "container", container, "error", err)
		return nil, err
	}

	m.recordMountMetrics(h, time.Since(start))
	m.emitMountEvent(ctx, h, "mount_ready", true, "")
	m.logger.Info("mount: ready",
		"container", container,
		"instance_id", h.ID(),
		"namespace", sess.Namespace,
		"bridged", h.Bridged(),
		"duration", time.Since(start))
	return h, nil
}

func (m *Manager) bootstrap(ctx context.Context, h *Handle) error {
	if err := h.advance(ctx, StageClearing); err != nil {
		return err
	}
	if err := m.page.ClearContainer(ctx, h.container); err != nil {
		return &MountError{Stage: StageClearing, Err: err}
	}

	if err := h.advance(ctx, StageActivatingPlugins); err != nil {
		return err
	}
	results, err := m.loader.ActivateAll(ctx, m.cfg.Plugins)
	h.mu.Lock()
	h.results = results
	h.mu.Unlock()
	if err != nil {
		return &MountError{Stage: StageActivatingPlugins, Err: err}
	}

	if err := h.advance(ctx, StageMainEntry); err != nil {
		return err
	}
	if err := m.loader.InvokeEntry(ctx, m.cfg.Main, h.container); err != nil {
		return &MountError{Stage: StageMainEntry, Err: err}
	}

	if err := h.advance(ctx, StageApplyingTheme); err != nil {
		return err
	}
	m.applyTheme(ctx, h)

	if err := h.advance(ctx, StageBridge); err != nil {
		return err
	}
	if h.sess.Bridge {
		if err := m.installBridge(ctx, h); err != nil {
			return err
		}
	}
	if err := m.register(h); err != nil {
		return err
	}

	return h.advance(ctx, StageReady)
}

// applyTheme resolves and applies the display mode. Theme application
// is cosmetic and never fails the mount.
func (m *Manager) applyTheme(ctx context.Context, h *Handle) {
	mode := m.themes.Resolve(ctx, h.sess.Namespace, h.sess.Theme)
	h.mu.Lock()
	h.theme = mode
	h.mu.Unlock()
	if err := m.page.ApplyTheme(ctx, h.container, string(mode)); err != nil {
		m.logger.Warn("mount: theme apply failed", "container", h.container, "mode", string(mode), "error", err)
	}
}

func (m *Manager) installBridge(ctx context.Context, h *Handle) error {
	if m.bridge == nil {
		return &MountError{Stage: StageBridge, Err: errors.New("no bridge installer configured")}
	}
	bh, err := m.bridge.Install(ctx, h.container, h.sess.BridgeOptions)
	if err != nil {
		return &MountError{Stage: StageBridge, Err: err}
	}

	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		if uerr := m.bridge.Uninstall(context.Background(), bh); uerr != nil {
			m.logger.Warn("mount: bridge rollback failed", "container", h.container, "error", uerr)
		}
		return &MountError{Stage: StageBridge, Err: ErrCancelled}
	}
	h.bridgeHandle = bh
	h.mu.Unlock()
	return nil
}

func (m *Manager) register(h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return &MountError{Stage: StageBridge, Err: ErrCancelled}
	}
	var bh any
	if h.bridgeHandle != nil {
		bh = h.bridgeHandle
	}
	id, err := m.reg.Register(h.container, bh)
	if err != nil {
		return &MountError{Stage: StageBridge, Err: err}
	}
	h.id = id
	h.registered = true
	if h.bridgeHandle != nil {
		h.bridgeHandle.InstanceID = id
	}
	return nil
}

// Unmount tears an instance down. Safe to call on an in-flight mount,
// which then stops at the next stage boundary, and safe to call twice.
func (m *Manager) Unmount(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.cancelled = true
	already := h.tornDown
	h.mu.Unlock()

	h.teardown()
	m.drop(h)

	if !already {
		m.emitMountEvent(context.Background(), h, "unmount", true, "")
		m.logger.Info("mount: unmounted", "container", h.container, "instance_id", h.ID())
	}
}

// UnmountAll tears down every live instance, used at daemon shutdown.
func (m *Manager) UnmountAll() {
	for _, h := range m.Handles() {
		m.Unmount(h)
	}
}

func (m *Manager) drop(h *Handle) {
	m.mu.Lock()
	if m.handles[h.container] == h {
		delete(m.handles, h.container)
	}
	m.mu.Unlock()
}

// Handle returns the handle occupying container, ready or in-flight.
func (m *Manager) Handle(container string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[container]
	return h, ok
}

// Handles returns the tracked handles sorted by container selector.
func (m *Manager) Handles() []*Handle {
	m.mu.Lock()
	out := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].container < out[j].container })
	return out
}

// RefreshThemes re-resolves the display mode for every ready instance
// with an auto preference and re-applies it where it changed. Apply
// errors are logged and skipped, so the returned error is always nil
// and a settings watcher can use this directly as its change action.
func (m *Manager) RefreshThemes(ctx context.Context) error {
	refreshed := 0
	for _, h := range m.Handles() {
		h.mu.Lock()
		sess := h.sess
		st := h.stage
		prev := h.theme
		h.mu.Unlock()
		if st != StageReady || sess.Theme != theme.PrefAuto {
			continue
		}

		mode := m.themes.Resolve(ctx, sess.Namespace, sess.Theme)
		if mode == prev {
			continue
		}
		h.mu.Lock()
		h.theme = mode
		h.mu.Unlock()
		if err := m.page.ApplyTheme(ctx, h.container, string(mode)); err != nil {
			m.logger.Warn("mount: theme refresh failed", "container", h.container, "mode", string(mode), "error", err)
			continue
		}
		refreshed++
	}

	m.logger.Debug("mount: themes refreshed", "count", refreshed)
	if refreshed > 0 && m.events != nil {
		m.events.LogEvent(ctx, observability.LifecycleEvent{
			EventType:  "themes_refreshed",
			Component:  "mount",
			EntityType: "instance",
			Action:     "refresh",
			Success:    true,
		})
	}
	return nil
}

// WatchSettings starts a poller on the settings database and refreshes
// themes whenever its data version advances. The watcher stops when
// ctx is cancelled.
func (m *Manager) WatchSettings(ctx context.Context, db *sql.DB, opts watch.Options) *watch.Watcher {
	if opts.Logger == nil {
		opts.Logger = m.logger
	}
	w := watch.New(db, opts)
	go w.OnChange(ctx, func() error { return m.RefreshThemes(ctx) })
	return w
}

func (m *Manager) emitStage(ctx context.Context, h *Handle, s Stage) {
	m.logger.Debug("mount: stage", "container", h.container, "stage", s.String())
	if m.events == nil {
		return
	}
	m.events.LogEvent(ctx, observability.LifecycleEvent{
		EventType:  "mount_stage",
		Component:  "mount",
		EntityType: "instance",
		EntityID:   h.entityID(),
		Namespace:  h.Session().Namespace,
		Action:     s.String(),
		Success:    true,
	})
}

func (m *Manager) emitMountEvent(ctx context.Context, h *Handle, eventType string, success bool, details string) {
	if m.events == nil {
		return
	}
	m.events.LogEvent(ctx, observability.LifecycleEvent{
		EventType:  eventType,
		Component:  "mount",
		EntityType: "instance",
		EntityID:   h.entityID(),
		Namespace:  h.Session().Namespace,
		Action:     h.Stage().String(),
		Details:    details,
		Success:    success,
	})
}

func (m *Manager) recordMountMetrics(h *Handle, d time.Duration) {
	if m.metrics == nil {
		return
	}
	activated, failed := 0, 0
	for _, r := range h.Results() {
		if r.Activated() {
			activated++
		} else {
			failed++
		}
	}
	now := time.Now()
	labels := map[string]string{"container": h.container}
	m.metrics.Record(&observability.Metric{
		Name:      observability.MetricMountDurationMs,
		Timestamp: now,
		Value:     float64(d) / float64(time.Millisecond),
		Labels:    labels,
		Unit:      "ms",
	})
	m.metrics.Record(&observability.Metric{
		Name:      observability.MetricPluginsActivated,
		Timestamp: now,
		Value:     float64(activated),
		Labels:    labels,
		Unit:      "count",
	})
	m.metrics.Record(&observability.Metric{
		Name:      observability.MetricPluginsFailed,
		Timestamp: now,
		Value:     float64(failed),
		Labels:    labels,
		Unit:      "count",
	})
}
