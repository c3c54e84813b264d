// CLAUDE:SUMMARY Registers the carnet_* MCP tools via kit.RegisterMCPTool with policy and audit middleware.
package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/carnet/kit"
)

// AuditFunc records one tool execution for observability.
type AuditFunc func(ctx context.Context, tool string, params any, result any, err error, d time.Duration)

// ToolOption configures the MCP tool registration.
type ToolOption func(*toolConfig)

type toolConfig struct {
	policy PolicyFunc
	audit  AuditFunc
}

// WithPolicy adds a policy check before each tool execution.
func WithPolicy(fn PolicyFunc) ToolOption {
	return func(c *toolConfig) { c.policy = fn }
}

// WithAudit adds an audit hook called after each tool execution.
func WithAudit(fn AuditFunc) ToolOption {
	return func(c *toolConfig) { c.audit = fn }
}

// RegisterMCP registers the bridge tools on an MCP server.
func RegisterMCP(srv *mcp.Server, b *Bridge, opts ...ToolOption) {
	var cfg toolConfig
	for _, o := range opts {
		o(&cfg)
	}
	registerExecTool(srv, b, &cfg)
	registerExecInFileTool(srv, b, &cfg)
	registerInstallTool(srv, b, &cfg)
	registerListOpenFilesTool(srv, b, &cfg)
	registerSnapshotTool(srv, b, &cfg)
	registerInstancesTool(srv, b, &cfg)
}

func (c *toolConfig) wrap(tool string, next kit.Endpoint) kit.Endpoint {
	mws := make([]kit.Middleware, 0, 2)
	if c.policy != nil {
		mws = append(mws, policyMiddleware(tool, c.policy))
	}
	if c.audit != nil {
		mws = append(mws, auditMiddleware(tool, c.audit))
	}
	if len(mws) == 0 {
		return next
	}
	return kit.Chain(mws...)(next)
}

func policyMiddleware(tool string, policy PolicyFunc) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			if err := policy(ctx, tool); err != nil {
				return nil, err
			}
			return next(ctx, req)
		}
	}
}

func auditMiddleware(tool string, audit AuditFunc) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			audit(ctx, tool, req, resp, err, time.Since(start))
			return resp, err
		}
	}
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var instanceIDProp = map[string]any{
	"type":        "string",
	"description": "Target instance ID; omit when exactly one bridged instance is live",
}

// --- carnet_exec ---

type execReq struct {
	InstanceID string `json:"instance_id"`
	Code       string `json:"code"`
}

func registerExecTool(srv *mcp.Server, b *Bridge, cfg *toolConfig) {
	tool := &mcp.Tool{
		Name:        "carnet_exec",
		Description: "Execute code on a mounted instance's kernel and return its result.",
		InputSchema: inputSchema(map[string]any{
			"instance_id": instanceIDProp,
			"code":        map[string]any{"type": "string", "description": "Code to execute"},
		}, []string{"code"}),
	}

	endpoint := cfg.wrap("carnet_exec", func(ctx context.Context, req any) (any, error) {
		r := req.(*execReq)
		rec, err := b.Resolve(r.InstanceID)
		if err != nil {
			return nil, err
		}
		value, err := b.Exec(ctx, rec.ID, r.Code)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"instance_id": rec.ID,
			"container":   rec.Container,
			"value":       value,
		}, nil
	})

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r execReq
		if err := decodeArgs(req, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r, EnrichCtx: enrichInstance(r.InstanceID)}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- carnet_exec_in_file ---

type execInFileReq struct {
	InstanceID string `json:"instance_id"`
	FileID     string `json:"file_id"`
	Code       string `json:"code"`
}

func registerExecInFileTool(srv *mcp.Server, b *Bridge, cfg *toolConfig) {
	tool := &mcp.Tool{
		Name:        "carnet_exec_in_file",
		Description: "Execute code in the context of a file open in a mounted instance.",
		InputSchema: inputSchema(map[string]any{
			"instance_id": instanceIDProp,
			"file_id":     map[string]any{"type": "string", "description": "Open file identifier"},
			"code":        map[string]any{"type": "string", "description": "Code to execute"},
		}, []string{"file_id", "code"}),
	}

	endpoint := cfg.wrap("carnet_exec_in_file", func(ctx context.Context, req any) (any, error) {
		r := req.(*execInFileReq)
		rec, err := b.Resolve(r.InstanceID)
		if err != nil {
			return nil, err
		}
		value, err := b.ExecInFile(ctx, rec.ID, r.FileID, r.Code)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"instance_id": rec.ID,
			"container":   rec.Container,
			"file_id":     r.FileID,
			"value":       value,
		}, nil
	})

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r execInFileReq
		if err := decodeArgs(req, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r, EnrichCtx: enrichInstance(r.InstanceID)}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- carnet_install ---

type installReq struct {
	InstanceID string `json:"instance_id"`
	Package    string `json:"package"`
}

func registerInstallTool(srv *mcp.Server, b *Bridge, cfg *toolConfig) {
	tool := &mcp.Tool{
		Name:        "carnet_install",
		Description: "Install a package into a mounted instance's kernel environment.",
		InputSchema: inputSchema(map[string]any{
			"instance_id": instanceIDProp,
			"package":     map[string]any{"type": "string", "description": "Package name"},
		}, []string{"package"}),
	}

	endpoint := cfg.wrap("carnet_install", func(ctx context.Context, req any) (any, error) {
		r := req.(*installReq)
		rec, err := b.Resolve(r.InstanceID)
		if err != nil {
			return nil, err
		}
		value, err := b.InstallPackage(ctx, rec.ID, r.Package)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"instance_id": rec.ID,
			"container":   rec.Container,
			"package":     r.Package,
			"value":       value,
		}, nil
	})

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r installReq
		if err := decodeArgs(req, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r, EnrichCtx: enrichInstance(r.InstanceID)}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- carnet_list_open_files ---

type instanceReq struct {
	InstanceID string `json:"instance_id"`
}

func registerListOpenFilesTool(srv *mcp.Server, b *Bridge, cfg *toolConfig) {
	tool := &mcp.Tool{
		Name:        "carnet_list_open_files",
		Description: "List the files open in a mounted instance.",
		InputSchema: inputSchema(map[string]any{
			"instance_id": instanceIDProp,
		}, nil),
	}

	endpoint := cfg.wrap("carnet_list_open_files", func(ctx context.Context, req any) (any, error) {
		r := req.(*instanceReq)
		rec, err := b.Resolve(r.InstanceID)
		if err != nil {
			return nil, err
		}
		files, err := b.ListOpenFiles(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"instance_id": rec.ID,
			"container":   rec.Container,
			"files":       files,
			"count":       len(files),
		}, nil
	})

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInstanceReq)
}

// --- carnet_snapshot ---

func registerSnapshotTool(srv *mcp.Server, b *Bridge, cfg *toolConfig) {
	tool := &mcp.Tool{
		Name:        "carnet_snapshot",
		Description: "Capture a mounted instance's container as sanitized Markdown.",
		InputSchema: inputSchema(map[string]any{
			"instance_id": instanceIDProp,
		}, nil),
	}

	endpoint := cfg.wrap("carnet_snapshot", func(ctx context.Context, req any) (any, error) {
		r := req.(*instanceReq)
		rec, err := b.Resolve(r.InstanceID)
		if err != nil {
			return nil, err
		}
		md, err := b.Snapshot(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"instance_id": rec.ID,
			"container":   rec.Container,
			"markdown":    md,
		}, nil
	})

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInstanceReq)
}

// --- carnet_instances ---

type instancesReq struct{}

func registerInstancesTool(srv *mcp.Server, b *Bridge, cfg *toolConfig) {
	tool := &mcp.Tool{
		Name:        "carnet_instances",
		Description: "List live embedding instances and whether each is bridged.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := cfg.wrap("carnet_instances", func(ctx context.Context, req any) (any, error) {
		infos := b.Instances()
		return map[string]any{
			"count":     len(infos),
			"instances": infos,
		}, nil
	})

	kit.RegisterMCPTool(srv, tool, endpoint, func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: &instancesReq{}}, nil
	})
}

// decodeArgs unmarshals the tool arguments. Tools whose arguments are all
// optional accept an absent arguments object.
func decodeArgs(req *mcp.CallToolRequest, into any) error {
	if len(req.Params.Arguments) == 0 {
		return nil
	}
	return json.Unmarshal(req.Params.Arguments, into)
}

func enrichInstance(id string) func(context.Context) context.Context {
	if id == "" {
		return nil
	}
	return func(ctx context.Context) context.Context {
		return kit.WithInstanceID(ctx, id)
	}
}

func decodeInstanceReq(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var r instanceReq
	if err := decodeArgs(req, &r); err != nil {
		return nil, err
	}
	return &kit.MCPDecodeResult{Request: &r, EnrichCtx: enrichInstance(r.InstanceID)}, nil
}
