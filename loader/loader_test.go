package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// fakePage records Eval calls keyed by the function expression and fails on
// demand per URL or plugin name.
type fakePage struct {
	mu        sync.Mutex
	loads     []string
	scopeInit int
	inits     []string
	entries   []string

	failLoad map[string]error
	scopeErr error
	failInit map[string]error
	entryErr error
	delay    time.Duration
}

func (f *fakePage) Eval(ctx context.Context, fn string, args ...any) ([]byte, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch fn {
	case jsLoadScript:
		url := args[0].(string)
		f.loads = append(f.loads, url)
		if err := f.failLoad[url]; err != nil {
			return nil, err
		}
	case jsInitSharedScope:
		f.scopeInit++
		if f.scopeErr != nil {
			return nil, f.scopeErr
		}
	case jsInitPlugin:
		name := args[1].(string)
		f.inits = append(f.inits, name)
		if err := f.failInit[name]; err != nil {
			return nil, err
		}
	case jsInvokeEntry:
		f.entries = append(f.entries, args[0].(string))
		if f.entryErr != nil {
			return nil, f.entryErr
		}
	}
	return []byte("true"), nil
}

func (f *fakePage) initCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, in := range f.inits {
		if in == name {
			n++
		}
	}
	return n
}

func newTestLoader(t *testing.T, page Page, cfg Config) *Loader {
	t.Helper()
	return New(page, cfg, nil)
}

func TestActivate_InjectsScript(t *testing.T) {
	page := &fakePage{}
	l := newTestLoader(t, page, Config{})

	if err := l.Activate(context.Background(), "https://cdn.example/bundle.js"); err != nil {
		t.Fatal(err)
	}
	if len(page.loads) != 1 || page.loads[0] != "https://cdn.example/bundle.js" {
		t.Fatalf("loads = %v", page.loads)
	}
}

func TestActivate_LoadError(t *testing.T) {
	page := &fakePage{failLoad: map[string]error{
		"https://cdn.example/broken.js": errors.New("404"),
	}}
	l := newTestLoader(t, page, Config{})

	err := l.Activate(context.Background(), "https://cdn.example/broken.js")
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("error = %v, want *LoadError", err)
	}
	if loadErr.URL != "https://cdn.example/broken.js" {
		t.Fatalf("URL = %q", loadErr.URL)
	}
}

func TestActivate_Timeout(t *testing.T) {
	page := &fakePage{delay: 100 * time.Millisecond}
	l := newTestLoader(t, page, Config{ScriptTimeout: 10 * time.Millisecond})

	err := l.Activate(context.Background(), "https://cdn.example/slow.js")
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("error = %v, want *LoadError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error should wrap DeadlineExceeded, got %v", err)
	}
}

func TestActivate_NoDeduplication(t *testing.T) {
	page := &fakePage{}
	l := newTestLoader(t, page, Config{})

	l.Activate(context.Background(), "https://cdn.example/a.js")
	l.Activate(context.Background(), "https://cdn.example/a.js")
	if len(page.loads) != 2 {
		t.Fatalf("loads = %d, want 2 (one element per call)", len(page.loads))
	}
}

func TestEnsureSharedScope_InitOnce(t *testing.T) {
	page := &fakePage{}
	l := newTestLoader(t, page, Config{})

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = l.EnsureSharedScope(context.Background())
		}(i)
	}
	wg.Wait()

	if page.scopeInit != 1 {
		t.Fatalf("scope init count = %d, want 1", page.scopeInit)
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
}

func TestEnsureSharedScope_LatchesError(t *testing.T) {
	page := &fakePage{scopeErr: errors.New("init sharing blew up")}
	l := newTestLoader(t, page, Config{})

	first := l.EnsureSharedScope(context.Background())
	second := l.EnsureSharedScope(context.Background())

	var scopeErr *SharedScopeError
	if !errors.As(first, &scopeErr) {
		t.Fatalf("first = %v, want *SharedScopeError", first)
	}
	if second != first {
		t.Fatalf("second call should return the latched error, got %v", second)
	}
	if page.scopeInit != 1 {
		t.Fatalf("scope init count = %d, want 1 (no re-init after failure)", page.scopeInit)
	}
}

func TestActivateAll_PartialFailure(t *testing.T) {
	page := &fakePage{failLoad: map[string]error{
		"https://cdn.example/bad.js": errors.New("parse error"),
	}}
	l := newTestLoader(t, page, Config{})

	descs := []Descriptor{
		{Name: "markdown", Bundle: "https://cdn.example/markdown.js"},
		{Name: "broken", Bundle: "https://cdn.example/bad.js"},
		{Name: "kernel-echo", Bundle: "https://cdn.example/echo.js"},
	}
	results, err := l.ActivateAll(context.Background(), descs)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	// Positionally aligned with input.
	if !results[0].Activated() || results[1].Activated() || !results[2].Activated() {
		t.Fatalf("outcomes = %v %v %v", results[0].Err, results[1].Err, results[2].Err)
	}
	var actErr *ActivationError
	if !errors.As(results[1].Err, &actErr) || actErr.Plugin != "broken" {
		t.Fatalf("failed result err = %v", results[1].Err)
	}
}

func TestActivateAll_SharedScopeFatal(t *testing.T) {
	page := &fakePage{scopeErr: errors.New("no federation runtime")}
	l := newTestLoader(t, page, Config{})

	descs := []Descriptor{
		{Name: "a", Bundle: "https://cdn.example/a.js"},
		{Name: "b", Bundle: "https://cdn.example/b.js"},
	}
	results, err := l.ActivateAll(context.Background(), descs)
	if results != nil {
		t.Fatalf("results = %v, want nil on scope failure", results)
	}
	var scopeErr *SharedScopeError
	if !errors.As(err, &scopeErr) {
		t.Fatalf("error = %v, want *SharedScopeError", err)
	}
}

func TestActivateAll_Empty(t *testing.T) {
	page := &fakePage{}
	l := newTestLoader(t, page, Config{})

	results, err := l.ActivateAll(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("results = %d, want 0", len(results))
	}
	if page.scopeInit != 0 {
		t.Fatal("empty batch must not touch the shared scope")
	}
}

func TestActivateAll_InitOncePerName(t *testing.T) {
	page := &fakePage{}
	l := newTestLoader(t, page, Config{})

	descs := []Descriptor{{Name: "markdown", Bundle: "https://cdn.example/markdown.js"}}
	if _, err := l.ActivateAll(context.Background(), descs); err != nil {
		t.Fatal(err)
	}
	results, err := l.ActivateAll(context.Background(), descs)
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].Activated() {
		t.Fatalf("second activation: %v", results[0].Err)
	}

	if got := page.initCount("markdown"); got != 1 {
		t.Fatalf("init count = %d, want 1 (once per bundle name per page)", got)
	}
	// Script injection still happens per call.
	if len(page.loads) != 2 {
		t.Fatalf("loads = %d, want 2", len(page.loads))
	}
}

func TestActivateAll_InitRetriesAfterFailure(t *testing.T) {
	page := &fakePage{failInit: map[string]error{"flaky": errors.New("init threw")}}
	l := newTestLoader(t, page, Config{})

	descs := []Descriptor{{Name: "flaky", Bundle: "https://cdn.example/flaky.js"}}
	results, err := l.ActivateAll(context.Background(), descs)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Activated() {
		t.Fatal("first batch should fail")
	}

	page.mu.Lock()
	delete(page.failInit, "flaky")
	page.mu.Unlock()

	results, err = l.ActivateAll(context.Background(), descs)
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].Activated() {
		t.Fatalf("retry after failed init: %v", results[0].Err)
	}
	if got := page.initCount("flaky"); got != 2 {
		t.Fatalf("init count = %d, want 2 (failed init releases the name)", got)
	}
}

func TestActivateAll_SubEntry(t *testing.T) {
	page := &fakePage{}
	l := newTestLoader(t, page, Config{})

	descs := []Descriptor{{Name: "widgets", Bundle: "https://cdn.example/widgets.js", Entry: "./plugin"}}
	results, err := l.ActivateAll(context.Background(), descs)
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].Activated() {
		t.Fatalf("activation: %v", results[0].Err)
	}
}

func TestInvokeEntry(t *testing.T) {
	page := &fakePage{}
	l := newTestLoader(t, page, Config{EntryGlobal: "notebookMain"})

	if err := l.InvokeEntry(context.Background(), "https://cdn.example/main.js", "#nb"); err != nil {
		t.Fatal(err)
	}
	if len(page.loads) != 1 {
		t.Fatalf("entry script not activated, loads = %v", page.loads)
	}
	if len(page.entries) != 1 || page.entries[0] != "notebookMain" {
		t.Fatalf("entries = %v", page.entries)
	}
}

func TestInvokeEntry_LoadFailure(t *testing.T) {
	page := &fakePage{failLoad: map[string]error{
		"https://cdn.example/main.js": errors.New("network down"),
	}}
	l := newTestLoader(t, page, Config{})

	err := l.InvokeEntry(context.Background(), "https://cdn.example/main.js", "#nb")
	var entryErr *MainEntryError
	if !errors.As(err, &entryErr) {
		t.Fatalf("error = %v, want *MainEntryError", err)
	}
	if entryErr.Entry != "https://cdn.example/main.js" {
		t.Fatalf("Entry = %q", entryErr.Entry)
	}
}

func TestInvokeEntry_MissingCallable(t *testing.T) {
	page := &fakePage{entryErr: errors.New("entry has no callable: carnetMain")}
	l := newTestLoader(t, page, Config{})

	err := l.InvokeEntry(context.Background(), "https://cdn.example/main.js", "#nb")
	var entryErr *MainEntryError
	if !errors.As(err, &entryErr) {
		t.Fatalf("error = %v, want *MainEntryError", err)
	}
}

func TestInvokeEntry_Timeout(t *testing.T) {
	page := &fakePage{delay: 30 * time.Millisecond}
	l := newTestLoader(t, page, Config{
		ScriptTimeout: 200 * time.Millisecond,
		EntryTimeout:  200 * time.Millisecond,
	})
	// Sanity: generous timeouts succeed.
	if err := l.InvokeEntry(context.Background(), "https://cdn.example/main.js", "#nb"); err != nil {
		t.Fatal(err)
	}

	tight := newTestLoader(t, page, Config{
		ScriptTimeout: 200 * time.Millisecond,
		EntryTimeout:  5 * time.Millisecond,
	})
	err := tight.InvokeEntry(context.Background(), "https://cdn.example/main.js", "#nb")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want DeadlineExceeded through MainEntryError", err)
	}
}

// Property: one failing descriptor among N valid ones yields exactly N
// activated and 1 failed result, and the batch itself never errors.
func TestActivateAll_PartialFailureProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(rt, "valid")
		failIdx := rapid.IntRange(0, n).Draw(rt, "failIdx")

		descs := make([]Descriptor, 0, n+1)
		for i := 0; i <= n; i++ {
			descs = append(descs, Descriptor{
				Name:   fmt.Sprintf("plugin-%d", i),
				Bundle: fmt.Sprintf("https://cdn.example/p%d.js", i),
			})
		}
		page := &fakePage{failLoad: map[string]error{
			descs[failIdx].Bundle: errors.New("boom"),
		}}
		l := New(page, Config{}, nil)

		results, err := l.ActivateAll(context.Background(), descs)
		if err != nil {
			rt.Fatalf("batch error: %v", err)
		}
		activated, failed := 0, 0
		for _, r := range results {
			if r.Activated() {
				activated++
			} else {
				failed++
			}
		}
		if activated != n || failed != 1 {
			rt.Fatalf("activated=%d failed=%d, want %d/1", activated, failed, n)
		}
		if results[failIdx].Activated() {
			rt.Fatalf("result %d should be the failed one", failIdx)
		}
	})
}
