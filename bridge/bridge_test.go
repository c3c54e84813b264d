package bridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/carnet/dbopen"
	"github.com/hazyhaar/carnet/kit"
	"github.com/hazyhaar/carnet/registry"
)

type pageCall struct {
	method    string
	container string
	args      []string
}

// fakePage mimics the page-side handle: a global flag, entries keyed by
// container, and canned results for routed calls.
type fakePage struct {
	mu         sync.Mutex
	global     bool
	entries    map[string]map[string]any
	calls      []pageCall
	files      []string
	execResult any
	evalErr    error
	html       map[string]string
}

func newFakePage() *fakePage {
	return &fakePage{
		entries:    make(map[string]map[string]any),
		execResult: map[string]any{"status": "ok"},
		html:       make(map[string]string),
	}
}

func (p *fakePage) Eval(ctx context.Context, fn string, args ...any) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.evalErr != nil {
		return nil, p.evalErr
	}
	switch fn {
	case jsInstallGlobal:
		if p.global {
			return json.Marshal(false)
		}
		p.global = true
		return json.Marshal(true)
	case jsRegisterInstance:
		if !p.global {
			return nil, errors.New("eval: carnet: bridge global missing")
		}
		container := args[1].(string)
		opts, _ := args[2].(map[string]any)
		p.entries[container] = opts
		return json.Marshal(len(p.entries))
	case jsUnregisterInstance:
		if !p.global {
			return json.Marshal(0)
		}
		delete(p.entries, args[1].(string))
		return json.Marshal(len(p.entries))
	case jsTeardownGlobal:
		was := p.global
		p.global = false
		p.entries = make(map[string]map[string]any)
		return json.Marshal(was)
	case jsExec:
		return p.route("exec", args[1].(string), args[2].(string))
	case jsExecInFile:
		return p.route("execInFile", args[1].(string), args[2].(string), args[3].(string))
	case jsInstallPkg:
		return p.route("install", args[1].(string), args[2].(string))
	case jsListOpenFiles:
		if _, err := p.route("listOpenFiles", args[1].(string)); err != nil {
			return nil, err
		}
		return json.Marshal(p.files)
	}
	return nil, fmt.Errorf("eval: unknown script")
}

// route enforces global and entry presence the way the page-side handle does.
func (p *fakePage) route(method, container string, args ...string) ([]byte, error) {
	if !p.global {
		return nil, errors.New("eval: carnet: bridge not installed")
	}
	if _, ok := p.entries[container]; !ok {
		return nil, fmt.Errorf("eval: carnet: no instance in %s", container)
	}
	p.calls = append(p.calls, pageCall{method: method, container: container, args: args})
	return json.Marshal(p.execResult)
}

func (p *fakePage) HTML(ctx context.Context, selector string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.html[selector]; ok {
		return h, nil
	}
	return "", fmt.Errorf("html: container not found: %s", selector)
}

func (p *fakePage) URL() string { return "https://host.example/notebook" }

func newTestBridge(t *testing.T) (*Bridge, *fakePage, *registry.Registry) {
	t.Helper()
	page := newFakePage()
	reg := registry.New(nil)
	return New(page, reg, Config{}, nil), page, reg
}

// mountBridged walks the bootstrapper's bridge stage: install the entry,
// register the instance, stamp the handle.
func mountBridged(t *testing.T, b *Bridge, reg *registry.Registry, container string) string {
	t.Helper()
	h, err := b.Install(context.Background(), container, nil)
	if err != nil {
		t.Fatalf("Install(%s) error = %v", container, err)
	}
	id, err := reg.Register(container, h)
	if err != nil {
		t.Fatalf("Register(%s) error = %v", container, err)
	}
	h.InstanceID = id
	return id
}

func TestInstall_CreatesGlobalOnce(t *testing.T) {
	b, page, _ := newTestBridge(t)
	ctx := context.Background()

	if _, err := b.Install(ctx, "#left", nil); err != nil {
		t.Fatalf("Install(#left) error = %v", err)
	}
	if _, err := b.Install(ctx, "#right", map[string]any{"kernel": "python"}); err != nil {
		t.Fatalf("Install(#right) error = %v", err)
	}

	if !page.global {
		t.Error("page global not installed")
	}
	if len(page.entries) != 2 {
		t.Errorf("entries = %d, want 2", len(page.entries))
	}
	if got := page.entries["#right"]["kernel"]; got != "python" {
		t.Errorf("options not forwarded, kernel = %v", got)
	}
}

func TestUninstall_Idempotent(t *testing.T) {
	b, page, _ := newTestBridge(t)
	ctx := context.Background()

	h, err := b.Install(ctx, "#nb", nil)
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	if err := b.Uninstall(ctx, h); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if len(page.entries) != 0 {
		t.Errorf("entries = %d, want 0", len(page.entries))
	}

	if err := b.Uninstall(ctx, h); err != nil {
		t.Errorf("second Uninstall() error = %v", err)
	}
	if err := b.Uninstall(ctx, nil); err != nil {
		t.Errorf("Uninstall(nil) error = %v", err)
	}
}

func TestTeardownGlobal(t *testing.T) {
	b, page, reg := newTestBridge(t)
	ctx := context.Background()

	// Nothing installed: no-op.
	if err := b.TeardownGlobal(ctx); err != nil {
		t.Fatalf("TeardownGlobal() on empty page error = %v", err)
	}

	id := mountBridged(t, b, reg, "#nb")
	if err := b.TeardownGlobal(ctx); err != nil {
		t.Fatalf("TeardownGlobal() error = %v", err)
	}
	if page.global {
		t.Error("page global still installed")
	}

	// The console surface is gone with it.
	if _, err := b.ListOpenFiles(ctx, id); err == nil {
		t.Error("ListOpenFiles() after teardown expected error")
	}
}

func TestTeardownGlobal_AsDrainHook(t *testing.T) {
	page := newFakePage()
	var b *Bridge
	reg := registry.New(nil, registry.WithOnEmpty(func() {
		b.TeardownGlobal(context.Background())
	}))
	b = New(page, reg, Config{}, nil)

	mountBridged(t, b, reg, "#nb")
	if !page.global {
		t.Fatal("page global not installed")
	}

	reg.Unregister("#nb")
	if page.global {
		t.Error("page global survived registry drain")
	}
}

func TestResolve(t *testing.T) {
	b, _, reg := newTestBridge(t)

	bridgedID := mountBridged(t, b, reg, "#left")
	plainID, err := reg.Register("#plain", nil)
	if err != nil {
		t.Fatalf("Register(#plain) error = %v", err)
	}

	rec, err := b.Resolve(bridgedID)
	if err != nil {
		t.Fatalf("Resolve(%s) error = %v", bridgedID, err)
	}
	if rec.Container != "#left" {
		t.Errorf("Container = %q, want %q", rec.Container, "#left")
	}

	// Empty ID resolves to the sole bridged instance, skipping #plain.
	rec, err = b.Resolve("")
	if err != nil {
		t.Fatalf("Resolve(\"\") error = %v", err)
	}
	if rec.ID != bridgedID {
		t.Errorf("Resolve(\"\") = %s, want %s", rec.ID, bridgedID)
	}

	var unknown *UnknownInstanceError
	if _, err := b.Resolve("inst_missing"); !errors.As(err, &unknown) {
		t.Errorf("Resolve(inst_missing) error = %v, want UnknownInstanceError", err)
	}
	if _, err := b.Resolve(plainID); !errors.As(err, &unknown) {
		t.Errorf("Resolve(%s) error = %v, want UnknownInstanceError", plainID, err)
	}
}

func TestResolve_EmptyRegistry(t *testing.T) {
	b, _, _ := newTestBridge(t)

	if _, err := b.Resolve(""); !errors.Is(err, ErrNoInstance) {
		t.Errorf("Resolve(\"\") error = %v, want ErrNoInstance", err)
	}
}

func TestResolve_Ambiguous(t *testing.T) {
	b, _, reg := newTestBridge(t)

	mountBridged(t, b, reg, "#left")
	mountBridged(t, b, reg, "#right")

	if _, err := b.Resolve(""); !errors.Is(err, ErrAmbiguousInstance) {
		t.Errorf("Resolve(\"\") error = %v, want ErrAmbiguousInstance", err)
	}
}

func TestExec_RoutesByInstance(t *testing.T) {
	b, page, reg := newTestBridge(t)

	mountBridged(t, b, reg, "#left")
	rightID := mountBridged(t, b, reg, "#right")

	raw, err := b.Exec(context.Background(), rightID, "2 + 2")
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	var result struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("Unmarshal(%s) error = %v", raw, err)
	}
	if result.Status != "ok" {
		t.Errorf("status = %q, want %q", result.Status, "ok")
	}

	if len(page.calls) != 1 {
		t.Fatalf("page calls = %d, want 1", len(page.calls))
	}
	call := page.calls[0]
	if call.method != "exec" || call.container != "#right" {
		t.Errorf("routed to %s %s, want exec #right", call.method, call.container)
	}
	if call.args[0] != "2 + 2" {
		t.Errorf("code = %q, want %q", call.args[0], "2 + 2")
	}
}

func TestExecInFile(t *testing.T) {
	b, page, reg := newTestBridge(t)
	id := mountBridged(t, b, reg, "#nb")

	if _, err := b.ExecInFile(context.Background(), id, "file_7", "print(1)"); err != nil {
		t.Fatalf("ExecInFile() error = %v", err)
	}
	call := page.calls[0]
	if call.method != "execInFile" {
		t.Errorf("method = %q, want execInFile", call.method)
	}
	if call.args[0] != "file_7" || call.args[1] != "print(1)" {
		t.Errorf("args = %v, want [file_7 print(1)]", call.args)
	}
}

func TestInstallPackage(t *testing.T) {
	b, page, reg := newTestBridge(t)
	id := mountBridged(t, b, reg, "#nb")

	if _, err := b.InstallPackage(context.Background(), id, "numpy"); err != nil {
		t.Fatalf("InstallPackage() error = %v", err)
	}
	call := page.calls[0]
	if call.method != "install" || call.args[0] != "numpy" {
		t.Errorf("call = %+v, want install numpy", call)
	}
}

func TestListOpenFiles(t *testing.T) {
	b, page, reg := newTestBridge(t)
	page.files = []string{"analysis.ipynb", "scratch.py"}
	id := mountBridged(t, b, reg, "#nb")

	files, err := b.ListOpenFiles(context.Background(), id)
	if err != nil {
		t.Fatalf("ListOpenFiles() error = %v", err)
	}
	if len(files) != 2 || files[0] != "analysis.ipynb" || files[1] != "scratch.py" {
		t.Errorf("files = %v", files)
	}
}

func TestSnapshot(t *testing.T) {
	b, page, reg := newTestBridge(t)
	id := mountBridged(t, b, reg, "#nb")

	page.html["#nb"] = `<div><h1>Notes</h1><script>alert("evil")</script>` +
		`<p>hello <strong>world</strong> <a href="/files/a.md">a</a></p></div>`

	md, err := b.Snapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if !strings.Contains(md, "# Notes") {
		t.Errorf("markdown missing heading: %q", md)
	}
	if !strings.Contains(md, "**world**") {
		t.Errorf("markdown missing bold text: %q", md)
	}
	if !strings.Contains(md, "files/a.md") {
		t.Errorf("markdown missing link: %q", md)
	}
	if strings.Contains(md, "evil") || strings.Contains(md, "<script") {
		t.Errorf("markdown carries unsanitized content: %q", md)
	}
}

func TestSnapshot_UnknownInstance(t *testing.T) {
	b, _, _ := newTestBridge(t)

	var unknown *UnknownInstanceError
	if _, err := b.Snapshot(context.Background(), "inst_gone"); !errors.As(err, &unknown) {
		t.Errorf("Snapshot() error = %v, want UnknownInstanceError", err)
	}
}

func TestInstances(t *testing.T) {
	b, _, reg := newTestBridge(t)

	mountBridged(t, b, reg, "#left")
	if _, err := reg.Register("#plain", nil); err != nil {
		t.Fatalf("Register(#plain) error = %v", err)
	}

	infos := b.Instances()
	if len(infos) != 2 {
		t.Fatalf("Instances() = %d, want 2", len(infos))
	}
	// Records come back sorted by container.
	if infos[0].Container != "#left" || !infos[0].Bridged {
		t.Errorf("infos[0] = %+v, want bridged #left", infos[0])
	}
	if infos[1].Container != "#plain" || infos[1].Bridged {
		t.Errorf("infos[1] = %+v, want unbridged #plain", infos[1])
	}
}

// --- Tool policy ---

func setupPolicyDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if _, err := db.Exec(PolicySchema); err != nil {
		t.Fatalf("apply policy schema: %v", err)
	}
	return db
}

func setRules(t *testing.T, db *sql.DB, tool string, rules ...PolicyRule) {
	t.Helper()
	if err := ReplaceRules(context.Background(), db, tool, rules); err != nil {
		t.Fatalf("replace rules: %v", err)
	}
}

func TestDBPolicy_NoRules_AllowAll(t *testing.T) {
	db := setupPolicyDB(t)
	policy := NewDBPolicy(db)

	if err := policy(context.Background(), "carnet_exec"); err != nil {
		t.Fatalf("no rules should allow all, got: %v", err)
	}
}

func TestDBPolicy_DenyRule_Blocks(t *testing.T) {
	db := setupPolicyDB(t)
	setRules(t, db, "carnet_exec", PolicyRule{Effect: "deny"})

	policy := NewDBPolicy(db)
	err := policy(context.Background(), "carnet_exec")
	if err == nil {
		t.Fatal("deny rule should block access")
	}
	if !strings.Contains(err.Error(), "denied") {
		t.Fatalf("error should mention 'denied', got: %v", err)
	}
}

func TestDBPolicy_AllowRule_MatchesRole(t *testing.T) {
	db := setupPolicyDB(t)
	setRules(t, db, "carnet_install", PolicyRule{Role: "operator", Effect: "allow"})

	policy := NewDBPolicy(db)

	ctx := kit.WithRole(context.Background(), "operator")
	if err := policy(ctx, "carnet_install"); err != nil {
		t.Fatalf("operator should be allowed: %v", err)
	}

	ctx = kit.WithRole(context.Background(), "viewer")
	if err := policy(ctx, "carnet_install"); err == nil {
		t.Fatal("viewer should be denied when only operator is allowed")
	}
}

func TestDBPolicy_DenyOverridesAllow(t *testing.T) {
	db := setupPolicyDB(t)
	setRules(t, db, "carnet_exec",
		PolicyRule{Effect: "allow"},
		PolicyRule{Role: "banned", Effect: "deny"})

	policy := NewDBPolicy(db)

	ctx := kit.WithRole(context.Background(), "banned")
	if err := policy(ctx, "carnet_exec"); err == nil {
		t.Fatal("banned role should be denied")
	}

	ctx = kit.WithRole(context.Background(), "normal")
	if err := policy(ctx, "carnet_exec"); err != nil {
		t.Fatalf("normal role should be allowed: %v", err)
	}
}

func TestDBPolicy_WildcardAllow(t *testing.T) {
	db := setupPolicyDB(t)
	setRules(t, db, "carnet_snapshot", PolicyRule{Effect: "allow"})

	policy := NewDBPolicy(db)

	ctx := kit.WithRole(context.Background(), "anything")
	if err := policy(ctx, "carnet_snapshot"); err != nil {
		t.Fatalf("wildcard allow should allow any role: %v", err)
	}
}

func TestReplaceRules_SwapsAtomically(t *testing.T) {
	db := setupPolicyDB(t)
	setRules(t, db, "carnet_exec", PolicyRule{Effect: "deny"})

	// Replacing leaves exactly the new set, not a union.
	setRules(t, db, "carnet_exec", PolicyRule{Role: "operator", Effect: "allow"})

	policy := NewDBPolicy(db)
	ctx := kit.WithRole(context.Background(), "operator")
	if err := policy(ctx, "carnet_exec"); err != nil {
		t.Fatalf("operator should be allowed after replace: %v", err)
	}

	// Empty set reopens the tool for everyone.
	setRules(t, db, "carnet_exec")
	if err := policy(context.Background(), "carnet_exec"); err != nil {
		t.Fatalf("cleared rules should allow all: %v", err)
	}
}

func TestReplaceRules_RejectsBadEffect(t *testing.T) {
	db := setupPolicyDB(t)
	err := ReplaceRules(context.Background(), db, "carnet_exec",
		[]PolicyRule{{Effect: "maybe"}})
	if err == nil {
		t.Fatal("effect 'maybe' accepted, want error")
	}
}
