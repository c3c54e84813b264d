// CLAUDE:SUMMARY Adapter that presents one bidirectional QUIC stream as the reader/writer pair the MCP SDK's IOTransport expects.

package mcpquic

import (
	"io"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"
)

// streamIO builds the SDK transport for one QUIC stream. Closing the
// writer closes only the send side; the read side drains until the peer
// finishes or the connection goes away, so a final response is never cut
// off by our own close.
func streamIO(stream *quic.Stream) *mcp.IOTransport {
	return &mcp.IOTransport{
		Reader: io.NopCloser(stream),
		Writer: sendSide{stream},
	}
}

// sendSide adapts a *quic.Stream to io.WriteCloser.
type sendSide struct{ stream *quic.Stream }

func (s sendSide) Write(p []byte) (int, error) { return s.stream.Write(p) }
func (s sendSide) Close() error                { return s.stream.Close() }
