package mqtt

import (
	"context"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// webSocketSubprotocol is the subprotocol MQTT brokers expect on WebSocket.
const webSocketSubprotocol = "mqtt"

// dialTransport opens the raw byte stream to the broker.
func dialTransport(ctx context.Context, opts Options) (net.Conn, error) {
	switch opts.Network {
	case NetworkWebSocket:
		u := url.URL{Scheme: "ws", Host: opts.Address, Path: opts.Path}
		dialer := websocket.Dialer{
			Subprotocols:     []string{webSocketSubprotocol},
			HandshakeTimeout: opts.ConnectTimeout,
		}
		ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return NewWebSocketConn(ws), nil
	default:
		var d net.Dialer
		return d.DialContext(ctx, "tcp", opts.Address)
	}
}

// WebSocketConn adapts a gorilla WebSocket to net.Conn so the MQTT codec
// can treat it as a byte stream.
//
// Each Write becomes one binary frame. Reads concatenate binary frames;
// text frames are skipped.
//
// Thread Safety:
//   - At most one goroutine may Read and one may Write at a time.
type WebSocketConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

var _ net.Conn = (*WebSocketConn)(nil)

// NewWebSocketConn wraps ws.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

// Read reads from the current binary frame, advancing to the next one as
// frames are exhausted.
func (c *WebSocketConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			msgType, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as a single binary frame.
func (c *WebSocketConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying connection without a close handshake.
func (c *WebSocketConn) Close() error {
	return c.ws.Close()
}

func (c *WebSocketConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *WebSocketConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *WebSocketConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *WebSocketConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
