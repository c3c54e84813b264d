// CLAUDE:SUMMARY Drives the host Chrome page: launch or attach, open pages with optional stealth, promise-awaited JS eval and DOM operations.
// Package hostpage owns the Chrome side of an embedding: the browser
// process (launched headless or attached over a remote control URL) and the
// page handles the rest of the module drives. Page exposes promise-awaited
// JS evaluation plus the narrow DOM operations the loader, theme resolver,
// bridge, and bootstrapper need, so those packages stay testable against
// in-memory fakes.
package hostpage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Config configures the browser manager.
type Config struct {
	// RemoteURL attaches to an existing Chrome via its DevTools websocket.
	// Empty launches a local Chrome through the launcher.
	RemoteURL string `yaml:"remote_url" json:"remote_url"`

	// Headful launches a visible browser. Local launches only.
	Headful bool `yaml:"headful" json:"headful"`

	// Stealth hardens new pages against automation detection.
	Stealth bool `yaml:"stealth" json:"stealth"`

	// NavTimeout bounds Open's navigation and load wait. Default 30s.
	NavTimeout time.Duration `yaml:"nav_timeout" json:"nav_timeout"`

	Logger *slog.Logger `yaml:"-" json:"-"`
}

func (c *Config) defaults() {
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns the Chrome process and hands out pages.
type Manager struct {
	cfg     Config
	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewManager creates a Manager. Call Start before opening pages.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Start launches Chrome or connects to the configured remote instance.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("hostpage: manager is closed")
	}
	if m.browser != nil {
		return fmt.Errorf("hostpage: already started")
	}

	log := m.cfg.Logger
	var wsURL string

	if m.cfg.RemoteURL != "" {
		wsURL = m.cfg.RemoteURL
		log.Info("hostpage: connecting to remote chrome", "url", wsURL)
	} else {
		l := launcher.New().
			Headless(!m.cfg.Headful).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("hostpage: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("hostpage: launched chrome", "url", wsURL, "headful", m.cfg.Headful)
	}

	b := rod.New().Context(ctx).ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("hostpage: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("hostpage: ignore cert errors failed", "error", err)
	}

	m.browser = b
	return nil
}

// Open creates a page (stealth-hardened when configured), navigates to url,
// and waits for the load event within Config.NavTimeout.
func (m *Manager) Open(ctx context.Context, url string) (*Page, error) {
	m.mu.RLock()
	b := m.browser
	useStealth := m.cfg.Stealth
	m.mu.RUnlock()

	if b == nil {
		return nil, fmt.Errorf("hostpage: not started")
	}

	var page *rod.Page
	var err error
	if useStealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("hostpage: create page: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(url); err != nil {
		page.Close()
		return nil, fmt.Errorf("hostpage: navigate %s: %w", url, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		m.cfg.Logger.Warn("hostpage: wait load", "url", url, "error", err)
	}

	return &Page{page: page, url: url, logger: m.cfg.Logger}, nil
}

// Stop closes Chrome and releases launcher resources.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	return nil
}

// Page is one open host page.
type Page struct {
	page   *rod.Page
	url    string
	logger *slog.Logger
}

// URL returns the address the page was opened on.
func (p *Page) URL() string { return p.url }

// Eval runs a JS function expression with the given arguments, awaits its
// promise, and returns the JSON-encoded result value.
func (p *Page) Eval(ctx context.Context, fn string, args ...any) ([]byte, error) {
	res, err := p.page.Context(ctx).Eval(fn, args...)
	if err != nil {
		return nil, fmt.Errorf("hostpage: eval: %w", err)
	}
	b, err := json.Marshal(res.Value.Val())
	if err != nil {
		return nil, fmt.Errorf("hostpage: encode eval result: %w", err)
	}
	return b, nil
}

// PrefersDark probes the page's OS-level color-scheme signal.
func (p *Page) PrefersDark(ctx context.Context) (bool, error) {
	res, err := p.page.Context(ctx).Eval(
		`() => window.matchMedia('(prefers-color-scheme: dark)').matches`)
	if err != nil {
		return false, fmt.Errorf("hostpage: prefers-color-scheme: %w", err)
	}
	return res.Value.Bool(), nil
}

// ClearContainer removes all child content of the container. Safe to repeat.
func (p *Page) ClearContainer(ctx context.Context, selector string) error {
	_, err := p.page.Context(ctx).Eval(`(sel) => {
		const el = document.querySelector(sel);
		if (!el) throw new Error('container not found: ' + sel);
		el.replaceChildren();
		return true;
	}`, selector)
	if err != nil {
		return fmt.Errorf("hostpage: clear %s: %w", selector, err)
	}
	return nil
}

// ApplyTheme sets the container's theme classification and invokes the
// page's theme hook when one is exposed.
func (p *Page) ApplyTheme(ctx context.Context, selector, mode string) error {
	_, err := p.page.Context(ctx).Eval(`(sel, mode) => {
		const el = document.querySelector(sel);
		if (!el) throw new Error('container not found: ' + sel);
		el.setAttribute('data-carnet-theme', mode);
		if (window.carnetTheme && typeof window.carnetTheme.apply === 'function') {
			window.carnetTheme.apply(el, mode);
		}
		return true;
	}`, selector, mode)
	if err != nil {
		return fmt.Errorf("hostpage: apply theme %s: %w", selector, err)
	}
	return nil
}

// HTML returns the container's outer HTML.
func (p *Page) HTML(ctx context.Context, selector string) (string, error) {
	res, err := p.page.Context(ctx).Eval(`(sel) => {
		const el = document.querySelector(sel);
		if (!el) throw new Error('container not found: ' + sel);
		return el.outerHTML;
	}`, selector)
	if err != nil {
		return "", fmt.Errorf("hostpage: html %s: %w", selector, err)
	}
	return res.Value.Str(), nil
}

// Info returns the page's current target info.
func (p *Page) Info(ctx context.Context) (*proto.TargetTargetInfo, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return nil, fmt.Errorf("hostpage: info: %w", err)
	}
	return info, nil
}

// Close closes the page.
func (p *Page) Close() error {
	if p.page != nil {
		return p.page.Close()
	}
	return nil
}
