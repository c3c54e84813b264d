// CLAUDE:SUMMARY Activates plugin bundles on a live page: script injection, shared scope init, parallel batch activation, main entry invocation.
// Package loader fetches and activates plugin bundles at runtime into a
// page-global shared execution scope. It injects script elements into the
// host page, initializes the shared dependency scope exactly once per page,
// fans activation batches out concurrently with partial-failure tolerance,
// and invokes the main entry point scoped to a container element.
package loader

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Page is the host page surface the loader drives. Eval runs a JS function
// expression, awaits its promise, and returns the JSON-encoded value.
type Page interface {
	Eval(ctx context.Context, fn string, args ...any) ([]byte, error)
}

// Descriptor identifies one externally loaded plugin bundle. Immutable,
// supplied by configuration, consumed once per activation attempt.
type Descriptor struct {
	// Name is the identifier the bundle registers itself under in the
	// page-global plugin registry.
	Name string `yaml:"name" json:"name"`
	// Bundle is the script URL to inject.
	Bundle string `yaml:"bundle" json:"bundle"`
	// Entry optionally names a sub-entry point resolved from the bundle
	// after init.
	Entry string `yaml:"entry,omitempty" json:"entry,omitempty"`
}

// Result is the closed per-descriptor outcome of a batch activation.
// Err == nil means the plugin activated.
type Result struct {
	Name string
	Err  error
}

// Activated reports whether the plugin activated successfully.
func (r Result) Activated() bool { return r.Err == nil }

// Config tunes the loader.
type Config struct {
	// ScriptTimeout bounds one script injection and load. Default 30s.
	ScriptTimeout time.Duration `yaml:"script_timeout" json:"script_timeout"`
	// EntryTimeout bounds the main entry invocation, which may render an
	// entire application. Default 60s.
	EntryTimeout time.Duration `yaml:"entry_timeout" json:"entry_timeout"`
	// PluginGlobal is the page-global object bundles register into.
	// Default "_carnetPlugins".
	PluginGlobal string `yaml:"plugin_global" json:"plugin_global"`
	// EntryGlobal is the page-global the main entry script exposes its
	// callable under. Default "carnetMain".
	EntryGlobal string `yaml:"entry_global" json:"entry_global"`
}

func (c *Config) defaults() {
	if c.ScriptTimeout <= 0 {
		c.ScriptTimeout = 30 * time.Second
	}
	if c.EntryTimeout <= 0 {
		c.EntryTimeout = 60 * time.Second
	}
	if c.PluginGlobal == "" {
		c.PluginGlobal = "_carnetPlugins"
	}
	if c.EntryGlobal == "" {
		c.EntryGlobal = "carnetMain"
	}
}

// Loader activates bundles on one page. The shared scope state is per-page
// and lives for the page's lifetime, so a Loader must not be reused across
// page navigations.
type Loader struct {
	page   Page
	cfg    Config
	logger *slog.Logger

	scopeOnce sync.Once
	scopeErr  error

	mu          sync.Mutex
	initialized map[string]bool
}

// New creates a Loader for the given page. A nil logger defaults to
// slog.Default().
func New(page Page, cfg Config, logger *slog.Logger) *Loader {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		page:        page,
		cfg:         cfg,
		logger:      logger,
		initialized: make(map[string]bool),
	}
}

// Activate injects a script element for url into the page's document head,
// one element per call, and returns once the script has executed. No
// deduplication across calls and no retry; the caller decides whether a
// failure is fatal. Bounded by Config.ScriptTimeout and ctx.
func (l *Loader) Activate(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ScriptTimeout)
	defer cancel()

	if _, err := l.page.Eval(ctx, jsLoadScript, url); err != nil {
		return &LoadError{URL: url, Err: err}
	}
	return nil
}

// EnsureSharedScope establishes the page-global shared dependency scope.
// Idempotent and concurrency-safe: exactly one caller performs the page-side
// initialization; every caller observes the same outcome. A failed init is
// latched and returned to all later callers for this page.
func (l *Loader) EnsureSharedScope(ctx context.Context) error {
	l.scopeOnce.Do(func() {
		if _, err := l.page.Eval(ctx, jsInitSharedScope); err != nil {
			l.scopeErr = &SharedScopeError{Err: err}
			l.logger.Error("loader: shared scope init failed", "error", err)
		}
	})
	return l.scopeErr
}

// ActivateAll activates every descriptor concurrently: script injection,
// shared scope, then the bundle's init(sharedScope). It waits for every
// attempt to settle; results align positionally with descs. Per-plugin
// failures land in Result.Err and never fail the call. The call errors only
// when the shared scope init fails, returning (nil, *SharedScopeError)
// since that condition is fatal for every plugin on the page.
func (l *Loader) ActivateAll(ctx context.Context, descs []Descriptor) ([]Result, error) {
	results := make([]Result, len(descs))
	if len(descs) == 0 {
		return results, nil
	}

	var wg sync.WaitGroup
	for i, d := range descs {
		wg.Add(1)
		go func(i int, d Descriptor) {
			defer wg.Done()
			results[i] = Result{Name: d.Name, Err: l.activateOne(ctx, d)}
		}(i, d)
	}
	wg.Wait()

	for _, r := range results {
		var scopeErr *SharedScopeError
		if errors.As(r.Err, &scopeErr) {
			return nil, scopeErr
		}
	}
	for _, r := range results {
		if r.Err != nil {
			l.logger.Warn("loader: plugin activation failed", "plugin", r.Name, "error", r.Err)
		}
	}
	return results, nil
}

func (l *Loader) activateOne(ctx context.Context, d Descriptor) error {
	if err := l.Activate(ctx, d.Bundle); err != nil {
		return &ActivationError{Plugin: d.Name, Err: err}
	}
	if err := l.EnsureSharedScope(ctx); err != nil {
		return err
	}

	// init runs exactly once per bundle name per page. The name is claimed
	// before the page call and released on failure so a later batch can
	// retry; a concurrent duplicate in the same batch reports Activated
	// without waiting.
	l.mu.Lock()
	if l.initialized[d.Name] {
		l.mu.Unlock()
		return nil
	}
	l.initialized[d.Name] = true
	l.mu.Unlock()

	if _, err := l.page.Eval(ctx, jsInitPlugin, l.cfg.PluginGlobal, d.Name, d.Entry); err != nil {
		l.mu.Lock()
		delete(l.initialized, d.Name)
		l.mu.Unlock()
		return &ActivationError{Plugin: d.Name, Err: err}
	}
	return nil
}

// InvokeEntry activates the main entry script at url and invokes its
// callable scoped to the container selector, awaiting the returned promise.
// The entry exposes main(container), a default export, or is itself
// callable. Bounded by Config.EntryTimeout.
func (l *Loader) InvokeEntry(ctx context.Context, url, container string) error {
	if err := l.Activate(ctx, url); err != nil {
		return &MainEntryError{Entry: url, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.EntryTimeout)
	defer cancel()

	if _, err := l.page.Eval(ctx, jsInvokeEntry, l.cfg.EntryGlobal, container); err != nil {
		return &MainEntryError{Entry: url, Err: err}
	}
	return nil
}
