package kit

import "context"

type contextKey string

// Identity attributes attached to every request context. Transports set
// them on the way in (shield.RequestID for HTTP, the QUIC listener for
// MCP); policy checks and audit entries read them on the way out.
const (
	TransportKey  contextKey = "kit_transport" // "http", "mcp_quic"
	RequestIDKey  contextKey = "kit_request_id"
	RoleKey       contextKey = "kit_role"
	InstanceIDKey contextKey = "kit_instance_id"
	SessionIDKey  contextKey = "kit_session_id"
	RemoteAddrKey contextKey = "kit_remote_addr"
)

func with(ctx context.Context, key contextKey, v string) context.Context {
	return context.WithValue(ctx, key, v)
}

func get(ctx context.Context, key contextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return with(ctx, TransportKey, t)
}

// GetTransport defaults to "http": contexts that never passed through a
// transport belong to in-process callers of the admin surface.
func GetTransport(ctx context.Context) string {
	if v := get(ctx, TransportKey); v != "" {
		return v
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return with(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string { return get(ctx, RequestIDKey) }

func WithRole(ctx context.Context, role string) context.Context {
	return with(ctx, RoleKey, role)
}
func GetRole(ctx context.Context) string { return get(ctx, RoleKey) }

func WithInstanceID(ctx context.Context, id string) context.Context {
	return with(ctx, InstanceIDKey, id)
}
func GetInstanceID(ctx context.Context) string { return get(ctx, InstanceIDKey) }

func WithSessionID(ctx context.Context, id string) context.Context {
	return with(ctx, SessionIDKey, id)
}
func GetSessionID(ctx context.Context) string { return get(ctx, SessionIDKey) }

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return with(ctx, RemoteAddrKey, addr)
}
func GetRemoteAddr(ctx context.Context) string { return get(ctx, RemoteAddrKey) }
