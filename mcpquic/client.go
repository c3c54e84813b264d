// CLAUDE:SUMMARY QUIC dialer side of the remote console: verifies ALPN, sends the stream preamble and runs an MCP client session over the stream.

package mcpquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"
)

// handshakeTimeout bounds the MCP initialize exchange after the QUIC
// connection is up; the dial itself is bounded by the caller's ctx.
const handshakeTimeout = 10 * time.Second

// Client dials the daemon's console listener and runs one MCP session
// over a single QUIC stream.
//
// Connect performs the whole initialize handshake through the SDK, so a
// returned nil error means the session is ready for ListTools and
// CallTool. The zero value is not usable; construct with NewClient.
type Client struct {
	addr    string
	tlsCfg  *tls.Config
	conn    *quic.Conn
	stream  *quic.Stream
	session *mcp.ClientSession
}

// NewClient prepares a client for addr. A nil tlsCfg verifies the server
// certificate; pass ClientTLSConfig(true) only against self-signed
// development servers.
func NewClient(addr string, tlsCfg *tls.Config) *Client {
	if tlsCfg == nil {
		tlsCfg = ClientTLSConfig(false)
	}
	return &Client{addr: addr, tlsCfg: tlsCfg}
}

// Connect dials, checks the negotiated ALPN, opens the session stream,
// sends the preamble and completes the MCP handshake.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := quic.DialAddr(ctx, c.addr, c.tlsCfg, ProductionQUICConfig())
	if err != nil {
		return &ConnectionError{RemoteAddr: c.addr, Code: ConnErrorInternal, Err: err}
	}

	if alpn := conn.ConnectionState().TLS.NegotiatedProtocol; alpn != ALPNProtocolMCP {
		conn.CloseWithError(ConnErrorUnsupportedALPN, "bad ALPN")
		return &ConnectionError{
			RemoteAddr: c.addr,
			Code:       ConnErrorUnsupportedALPN,
			Err:        fmt.Errorf("%w: got %q", ErrUnsupportedALPN, alpn),
		}
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(ConnErrorProtocolViolation, "stream open failed")
		return &ConnectionError{RemoteAddr: c.addr, Code: ConnErrorProtocolViolation, Err: err}
	}
	if err := SendMagicBytes(stream); err != nil {
		stream.Close()
		conn.CloseWithError(ConnErrorProtocolViolation, "magic bytes failed")
		return err
	}

	c.conn = conn
	c.stream = stream

	mcpClient := mcp.NewClient(&mcp.Implementation{
		Name:    "carnet-console",
		Version: "1.0.0",
	}, nil)

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	session, err := mcpClient.Connect(hsCtx, streamIO(stream), nil)
	if err != nil {
		c.closeTransport()
		return fmt.Errorf("mcp connect: %w", err)
	}
	c.session = session
	return nil
}

// ListTools lists the tools the daemon exposes over this session.
func (c *Client) ListTools(ctx context.Context) (*mcp.ListToolsResult, error) {
	s, err := c.live()
	if err != nil {
		return nil, err
	}
	return s.ListTools(ctx, nil)
}

// CallTool invokes a named tool with the given arguments.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	s, err := c.live()
	if err != nil {
		return nil, err
	}
	return s.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
}

// Ping checks session liveness end to end.
func (c *Client) Ping(ctx context.Context) error {
	s, err := c.live()
	if err != nil {
		return err
	}
	return s.Ping(ctx, nil)
}

// Close ends the session and tears down the stream and connection.
func (c *Client) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.closeTransport()
}

// live returns the session or ErrConnectionClosed when Connect has not
// succeeded yet.
func (c *Client) live() (*mcp.ClientSession, error) {
	if c.session == nil {
		return nil, ErrConnectionClosed
	}
	return c.session, nil
}

func (c *Client) closeTransport() error {
	if c.stream != nil {
		c.stream.Close()
	}
	if c.conn != nil {
		c.conn.CloseWithError(ConnErrorNoError, "client closing")
	}
	return nil
}
