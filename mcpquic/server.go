// CLAUDE:SUMMARY QUIC listener side of the remote console: accepts connections, enforces ALPN and the stream preamble, and runs each session against the shared MCP server.

package mcpquic

import (
	"context"
	"crypto/tls"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"

	"github.com/hazyhaar/carnet/idgen"
	"github.com/hazyhaar/carnet/kit"
)

// Listener accepts MCP-over-QUIC connections and runs each one as a
// session against a shared MCP server. One connection carries one
// bidirectional stream and one MCP session; the SDK owns the JSON-RPC
// read/write loop once Connect hands it the stream transport.
//
// Session IDs are minted here because the SDK's IOTransport reports ""
// for its own. sessionConn overrides SessionID so audit rows and logs
// can tie tool calls back to a connection. If sessions leak or hang,
// check that ServerSession.Wait unblocks on stream closure and that
// DefaultIdleTimeout still reaches ProductionQUICConfig.
type Listener struct {
	ln        *quic.Listener
	mcpServer *mcp.Server
	logger    *slog.Logger
	newID     idgen.Generator
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithSessionIDGenerator overrides the generator used for session IDs.
func WithSessionIDGenerator(gen idgen.Generator) ListenerOption {
	return func(l *Listener) { l.newID = gen }
}

// NewListener binds addr and prepares the console listener. Nothing is
// accepted until Serve runs.
func NewListener(addr string, tlsCfg *tls.Config, mcpSrv *mcp.Server, logger *slog.Logger, opts ...ListenerOption) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ql, err := quic.ListenAddr(addr, tlsCfg, ProductionQUICConfig())
	if err != nil {
		return nil, err
	}
	l := &Listener{
		ln:        ql,
		mcpServer: mcpSrv,
		logger:    logger,
		newID:     idgen.NanoID(8),
	}
	for _, o := range opts {
		o(l)
	}
	logger.Info("mcpquic: listener ready", "addr", ql.Addr().String())
	return l, nil
}

// Addr returns the bound address, useful when listening on port 0.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. A connection that negotiated the wrong ALPN is closed before
// any stream is accepted.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error("mcpquic: accept failed", "error", err)
			continue
		}
		if alpn := conn.ConnectionState().TLS.NegotiatedProtocol; alpn != ALPNProtocolMCP {
			conn.CloseWithError(ConnErrorUnsupportedALPN, "unsupported ALPN: "+alpn)
			continue
		}
		go l.serveConn(ctx, conn)
	}
}

// Close stops accepting. In-flight sessions end when their streams close.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// serveConn runs one connection as one MCP session and blocks until the
// session ends.
func (l *Listener) serveConn(ctx context.Context, conn *quic.Conn) {
	remote := conn.RemoteAddr().String()

	stream, err := l.openSession(ctx, conn)
	if err != nil {
		l.logger.Error("mcpquic: session rejected", "remote", remote, "error", err)
		return
	}

	sessionID := "quic_" + l.newID()
	l.logger.Info("mcpquic: session starting", "session", sessionID, "remote", remote)

	// Policy and audit read caller identity from the context, not the wire.
	ctx = kit.WithTransport(ctx, "mcp_quic")
	ctx = kit.WithSessionID(ctx, sessionID)
	ctx = kit.WithRemoteAddr(ctx, remote)

	ss, err := l.mcpServer.Connect(ctx, &serverTransport{stream: stream, sessionID: sessionID}, nil)
	if err != nil {
		l.logger.Error("mcpquic: connect failed", "session", sessionID, "error", err)
		stream.Close()
		return
	}

	// Wait returns when the client disconnects or ctx is cancelled.
	if err := ss.Wait(); err != nil {
		l.logger.Debug("mcpquic: session error", "session", sessionID, "error", err)
	}
	l.logger.Info("mcpquic: session ended", "session", sessionID, "remote", remote)
}

// openSession accepts the connection's first stream and checks the
// preamble. On failure the connection is closed with a protocol error
// code so the peer can see why.
func (l *Listener) openSession(ctx context.Context, conn *quic.Conn) (*quic.Stream, error) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(ConnErrorProtocolViolation, "stream accept failed")
		return nil, err
	}
	if err := ValidateMagicBytes(stream); err != nil {
		stream.CancelWrite(StreamErrorProtocolConfusion)
		stream.CancelRead(StreamErrorProtocolConfusion)
		conn.CloseWithError(ConnErrorProtocolViolation, "invalid magic bytes")
		return nil, err
	}
	return stream, nil
}

// serverTransport implements mcp.Transport for an accepted stream and
// stamps the minted session ID onto the SDK connection.
type serverTransport struct {
	stream    *quic.Stream
	sessionID string
}

func (t *serverTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := streamIO(t.stream).Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &sessionConn{Connection: conn, id: t.sessionID}, nil
}

// sessionConn overrides SessionID on an SDK connection.
type sessionConn struct {
	mcp.Connection
	id string
}

func (c *sessionConn) SessionID() string { return c.id }
