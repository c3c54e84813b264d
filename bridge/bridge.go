// CLAUDE:SUMMARY Console bridge: page-global handle lifecycle, per-instance call routing, Markdown snapshots, MCP tool surface.
// Package bridge installs and tears down the console-accessible handle that
// exposes a mounted embedding's execution surface (exec, execInFile,
// install, listOpenFiles) on the host page, and drives that surface from Go.
// The page global is created lazily on the first instance install and
// removed by the registry's drain hook, so a page with no live embeddings
// carries no bridge state at all.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"github.com/tidwall/gjson"

	"github.com/hazyhaar/carnet/registry"
)

// Page is the host-page surface the bridge drives.
type Page interface {
	Eval(ctx context.Context, fn string, args ...any) ([]byte, error)
	HTML(ctx context.Context, selector string) (string, error)
	URL() string
}

// InstanceView lists live embedding records for call routing.
type InstanceView interface {
	Records() []*registry.Record
}

// Config configures the bridge.
type Config struct {
	// Global is the window property holding the console handle.
	// Default "carnetBridge".
	Global string `yaml:"global" json:"global"`

	// CallTimeout bounds each page-side call. Default 30s.
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`
}

func (c *Config) defaults() {
	if c.Global == "" {
		c.Global = "carnetBridge"
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
}

// Handle identifies one instance's bridge entry. Container is set by
// Install; InstanceID is assigned by the bootstrapper once the instance is
// registered.
type Handle struct {
	Container  string `json:"container"`
	InstanceID string `json:"instance_id"`
}

// InstanceInfo is the admin and tool view of one live embedding.
type InstanceInfo struct {
	InstanceID string `json:"instance_id"`
	Container  string `json:"container"`
	Bridged    bool   `json:"bridged"`
}

// Bridge drives the page-global console handle for one host page.
type Bridge struct {
	page      Page
	view      InstanceView
	cfg       Config
	logger    *slog.Logger
	sanitizer *bluemonday.Policy
	converter *converter.Converter
}

// New creates a Bridge over the given page, routing calls through the
// instance view (normally the process-wide registry).
func New(page Page, view InstanceView, cfg Config, logger *slog.Logger) *Bridge {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		page:      page,
		view:      view,
		cfg:       cfg,
		logger:    logger,
		sanitizer: bluemonday.UGCPolicy(),
		converter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Install creates the page global when absent and registers the container's
// instance entry, forwarding opts verbatim to the page side.
func (b *Bridge) Install(ctx context.Context, container string, opts map[string]any) (*Handle, error) {
	evalCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	raw, err := b.page.Eval(evalCtx, jsInstallGlobal, b.cfg.Global)
	if err != nil {
		return nil, fmt.Errorf("bridge: install global %s: %w", b.cfg.Global, err)
	}
	if gjson.ParseBytes(raw).Bool() {
		b.logger.Debug("bridge: page global installed", "global", b.cfg.Global)
	}

	if opts == nil {
		opts = map[string]any{}
	}
	if _, err := b.page.Eval(evalCtx, jsRegisterInstance, b.cfg.Global, container, opts); err != nil {
		return nil, fmt.Errorf("bridge: register instance %s: %w", container, err)
	}
	b.logger.Debug("bridge: instance entry installed", "container", container)
	return &Handle{Container: container}, nil
}

// Uninstall removes the instance's page-side entry. Nil handles and already
// removed entries are no-ops.
func (b *Bridge) Uninstall(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	evalCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	if _, err := b.page.Eval(evalCtx, jsUnregisterInstance, b.cfg.Global, h.Container); err != nil {
		return fmt.Errorf("bridge: unregister instance %s: %w", h.Container, err)
	}
	return nil
}

// TeardownGlobal deletes the page global. It is wired as the registry's
// drain hook and no-ops when nothing is installed.
func (b *Bridge) TeardownGlobal(ctx context.Context) error {
	evalCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	raw, err := b.page.Eval(evalCtx, jsTeardownGlobal, b.cfg.Global)
	if err != nil {
		return fmt.Errorf("bridge: teardown global %s: %w", b.cfg.Global, err)
	}
	if gjson.ParseBytes(raw).Bool() {
		b.logger.Debug("bridge: page global removed", "global", b.cfg.Global)
	}
	return nil
}

// Resolve maps an instance ID to the record serving bridge calls. An empty
// ID resolves to the sole bridged instance.
func (b *Bridge) Resolve(instanceID string) (*registry.Record, error) {
	records := b.view.Records()

	if instanceID != "" {
		for _, rec := range records {
			if rec.ID == instanceID {
				if !rec.Bridged() {
					return nil, &UnknownInstanceError{InstanceID: instanceID}
				}
				return rec, nil
			}
		}
		return nil, &UnknownInstanceError{InstanceID: instanceID}
	}

	var match *registry.Record
	for _, rec := range records {
		if !rec.Bridged() {
			continue
		}
		if match != nil {
			return nil, ErrAmbiguousInstance
		}
		match = rec
	}
	if match == nil {
		return nil, ErrNoInstance
	}
	return match, nil
}

// Instances reports every live embedding, bridged or not.
func (b *Bridge) Instances() []InstanceInfo {
	records := b.view.Records()
	out := make([]InstanceInfo, 0, len(records))
	for _, rec := range records {
		out = append(out, InstanceInfo{
			InstanceID: rec.ID,
			Container:  rec.Container,
			Bridged:    rec.Bridged(),
		})
	}
	return out
}

// Exec runs code on the instance's kernel and returns its JSON result.
func (b *Bridge) Exec(ctx context.Context, instanceID, code string) (json.RawMessage, error) {
	rec, err := b.Resolve(instanceID)
	if err != nil {
		return nil, err
	}
	raw, err := b.eval(ctx, jsExec, rec.Container, code)
	if err != nil {
		return nil, fmt.Errorf("bridge: exec: %w", err)
	}
	return raw, nil
}

// ExecInFile runs code in the context of an open file.
func (b *Bridge) ExecInFile(ctx context.Context, instanceID, fileID, code string) (json.RawMessage, error) {
	rec, err := b.Resolve(instanceID)
	if err != nil {
		return nil, err
	}
	raw, err := b.eval(ctx, jsExecInFile, rec.Container, fileID, code)
	if err != nil {
		return nil, fmt.Errorf("bridge: exec in file %s: %w", fileID, err)
	}
	return raw, nil
}

// InstallPackage asks the instance's kernel to install a package.
func (b *Bridge) InstallPackage(ctx context.Context, instanceID, pkg string) (json.RawMessage, error) {
	rec, err := b.Resolve(instanceID)
	if err != nil {
		return nil, err
	}
	raw, err := b.eval(ctx, jsInstallPkg, rec.Container, pkg)
	if err != nil {
		return nil, fmt.Errorf("bridge: install package %s: %w", pkg, err)
	}
	return raw, nil
}

// ListOpenFiles reports the files open in the instance.
func (b *Bridge) ListOpenFiles(ctx context.Context, instanceID string) ([]string, error) {
	rec, err := b.Resolve(instanceID)
	if err != nil {
		return nil, err
	}
	raw, err := b.eval(ctx, jsListOpenFiles, rec.Container)
	if err != nil {
		return nil, fmt.Errorf("bridge: list open files: %w", err)
	}
	var files []string
	for _, v := range gjson.ParseBytes(raw).Array() {
		files = append(files, v.String())
	}
	return files, nil
}

// Snapshot captures the instance's container as sanitized Markdown.
func (b *Bridge) Snapshot(ctx context.Context, instanceID string) (string, error) {
	rec, err := b.Resolve(instanceID)
	if err != nil {
		return "", err
	}

	snapCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	html, err := b.page.HTML(snapCtx, rec.Container)
	if err != nil {
		return "", fmt.Errorf("bridge: snapshot %s: %w", rec.Container, err)
	}
	clean := b.sanitizer.Sanitize(html)
	md, err := b.converter.ConvertString(clean, converter.WithDomain(b.page.URL()))
	if err != nil {
		return "", fmt.Errorf("bridge: snapshot %s: convert: %w", rec.Container, err)
	}
	return strings.TrimSpace(md), nil
}

func (b *Bridge) eval(ctx context.Context, js string, args ...any) (json.RawMessage, error) {
	evalCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()
	return b.page.Eval(evalCtx, js, append([]any{b.cfg.Global}, args...)...)
}
