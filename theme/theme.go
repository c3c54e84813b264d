// CLAUDE:SUMMARY Resolves the visual theme for an embedding: explicit preference, stored settings, OS color scheme, light default.
// Package theme classifies the visual mode for one embedding. Resolution is
// infallible: explicit preferences short-circuit, stored settings are read
// best-effort, the OS color-scheme signal is the next tier, and light is the
// final default. A theming failure is cosmetic, never fatal.
package theme

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
)

// Preference is the caller-supplied theme preference for one embedding.
type Preference string

const (
	PrefAuto  Preference = "auto"
	PrefDark  Preference = "dark"
	PrefLight Preference = "light"
)

// Theme is a resolved visual mode.
type Theme string

const (
	Dark  Theme = "dark"
	Light Theme = "light"
)

// darkIndicators classify a stored theme name as dark when the name
// contains any of them, case-insensitively.
var darkIndicators = []string{"dark", "night", "black"}

// Classify maps a theme name to a mode: dark when the name contains a
// dark-indicating substring, light otherwise.
func Classify(name string) Theme {
	lower := strings.ToLower(name)
	for _, ind := range darkIndicators {
		if strings.Contains(lower, ind) {
			return Dark
		}
	}
	return Light
}

// Store reads one persisted settings entry for a session namespace. Any
// error is treated as "absent".
type Store interface {
	Get(ctx context.Context, namespace, key string) (string, error)
}

// OSProbe reports the host's OS-level color-scheme preference.
type OSProbe interface {
	PrefersDark(ctx context.Context) (bool, error)
}

// Config tunes theme resolution.
type Config struct {
	// Key is the settings entry holding the theme blob. The blob is JSON
	// with a "theme" field naming the active theme. Default "themes".
	Key string `yaml:"key" json:"key"`
}

func (c *Config) defaults() {
	if c.Key == "" {
		c.Key = "themes"
	}
}

// Resolver resolves themes through the three fallback tiers. Either
// dependency may be nil; a missing tier is skipped.
type Resolver struct {
	store  Store
	probe  OSProbe
	cfg    Config
	logger *slog.Logger
}

// New creates a Resolver. A nil logger defaults to slog.Default().
func New(store Store, probe OSProbe, cfg Config, logger *slog.Logger) *Resolver {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, probe: probe, cfg: cfg, logger: logger}
}

// Resolve returns the mode for the namespace. Explicit dark/light
// preferences return immediately with no I/O. Otherwise the stored theme
// name decides when present, regardless of the OS signal; then the OS
// color-scheme probe; then light. Storage and probe failures are absorbed
// and logged at debug level.
func (r *Resolver) Resolve(ctx context.Context, namespace string, pref Preference) Theme {
	switch pref {
	case PrefDark:
		return Dark
	case PrefLight:
		return Light
	}

	if r.store != nil {
		raw, err := r.store.Get(ctx, namespace, r.cfg.Key)
		if err != nil {
			r.logger.Debug("theme: settings read failed", "namespace", namespace, "error", err)
		} else if name := gjson.Get(raw, "theme").String(); name != "" {
			return Classify(name)
		}
	}

	if r.probe != nil {
		dark, err := r.probe.PrefersDark(ctx)
		if err != nil {
			r.logger.Debug("theme: os probe failed", "error", err)
		} else if dark {
			return Dark
		} else {
			return Light
		}
	}

	return Light
}
