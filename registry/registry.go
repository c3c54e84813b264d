// CLAUDE:SUMMARY Process-wide instance registry: container-keyed records, duplicate rejection, last-removal teardown hook.
// Package registry tracks the live embeddings on one page. The registry's
// size is the authoritative count of live instances; dropping to zero is the
// sole trigger for releasing page-global bridge state. It is an explicit
// service value injected into the bootstrapper, never ambient global state.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hazyhaar/carnet/idgen"
)

// Record is one live embedding. Owned exclusively by the registry; created
// on successful bootstrap completion, destroyed on teardown. Bridge is the
// instance's opaque bridge handle, nil when bridging is disabled.
type Record struct {
	ID        string `json:"id"`
	Container string `json:"container"`
	Bridge    any    `json:"-"`
}

// Bridged reports whether the instance carries a bridge handle.
func (r *Record) Bridged() bool { return r.Bridge != nil }

// DuplicateInstanceError is returned when a container is registered twice
// without an intervening unregister. Programmer error at the call site.
type DuplicateInstanceError struct {
	Container  string
	ExistingID string
}

func (e *DuplicateInstanceError) Error() string {
	return fmt.Sprintf("registry: container %q already registered as %s", e.Container, e.ExistingID)
}

// Registry is the container-keyed instance map. All mutations are
// serialized by a mutex; the onEmpty hook runs outside it.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record
	newID   idgen.Generator
	onEmpty func()
	logger  *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithIDGenerator sets a custom instance ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(r *Registry) { r.newID = gen }
}

// WithOnEmpty sets the hook fired when an unregister drains the registry to
// empty. Fired exactly once per drain, after the lock is released.
func WithOnEmpty(hook func()) Option {
	return func(r *Registry) { r.onEmpty = hook }
}

// New creates an empty Registry. A nil logger defaults to slog.Default().
func New(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		records: make(map[string]*Record),
		newID:   idgen.Prefixed("inst_", idgen.Default),
		logger:  logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register generates an instance ID, inserts the record, and returns the
// ID. Fails with *DuplicateInstanceError when the container is already
// registered, leaving the registry unchanged.
func (r *Registry) Register(container string, bridge any) (string, error) {
	r.mu.Lock()
	if rec, ok := r.records[container]; ok {
		r.mu.Unlock()
		return "", &DuplicateInstanceError{Container: container, ExistingID: rec.ID}
	}
	id := r.newID()
	r.records[container] = &Record{ID: id, Container: container, Bridge: bridge}
	n := len(r.records)
	r.mu.Unlock()

	r.logger.Debug("registry: registered", "instance", id, "container", container, "live", n)
	return id, nil
}

// Unregister removes the container's record. No-op when absent. When the
// removal drops the registry to empty, the onEmpty hook fires exactly once
// for that drain.
func (r *Registry) Unregister(container string) {
	r.mu.Lock()
	rec, ok := r.records[container]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.records, container)
	drained := len(r.records) == 0
	hook := r.onEmpty
	r.mu.Unlock()

	r.logger.Debug("registry: unregistered", "instance", rec.ID, "container", container)
	if drained && hook != nil {
		hook()
	}
}

// FindByContainer looks up the record for a container.
func (r *Registry) FindByContainer(container string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[container]
	return rec, ok
}

// Len is the count of live embeddings.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Records returns a snapshot sorted by container.
func (r *Registry) Records() []*Record {
	r.mu.Lock()
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Container < out[j].Container })
	return out
}

// Reset clears all records without firing the onEmpty hook. Test and admin
// isolation only.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.records = make(map[string]*Record)
	r.mu.Unlock()
}
