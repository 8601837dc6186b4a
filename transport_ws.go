package rosserial

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSubprotocol is the subprotocol announced for device
// connections tunneled over WebSocket.
const WebSocketSubprotocol = "rosserial"

// WSConn wraps a WebSocket connection to implement Conn. Frames arrive
// as binary messages and are re-exposed as a plain byte stream, which is
// what the session's read buffer expects.
type WSConn struct {
	conn   *websocket.Conn
	reader *wsReader
}

// wsReader flattens WebSocket binary messages into a byte stream.
type wsReader struct {
	conn    *websocket.Conn
	buf     []byte
	readPos int
}

func (r *wsReader) Read(p []byte) (int, error) {
	if r.readPos < len(r.buf) {
		n := copy(p, r.buf[r.readPos:])
		r.readPos += n
		return n, nil
	}

	for {
		messageType, data, err := r.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			// Text frames carry nothing of ours; skip them.
			continue
		}
		r.buf = data
		r.readPos = 0
		break
	}

	n := copy(p, r.buf)
	r.readPos = n
	return n, nil
}

// NewWSConn wraps an established WebSocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{
		conn:   conn,
		reader: &wsReader{conn: conn},
	}
}

// Read reads data from the connection.
func (c *WSConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

// Write writes data to the connection as a binary message.
func (c *WSConn) Write(b []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close closes the connection.
func (c *WSConn) Close() error {
	return c.conn.Close()
}

// LocalAddr returns the local network address.
func (c *WSConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *WSConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline sets the read and write deadlines.
func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *WSConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (c *WSConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// WSHandler upgrades HTTP requests to WebSocket device connections and
// hands each one to a callback. It implements http.Handler.
type WSHandler struct {
	upgrader websocket.Upgrader
	handle   func(Conn)
}

// NewWSHandler creates a WebSocket handler invoking handle for every
// upgraded connection.
func NewWSHandler(handle func(Conn)) *WSHandler {
	return &WSHandler{
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{WebSocketSubprotocol},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		handle: handle,
	}
}

// ServeHTTP upgrades the request and starts handling the connection.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.handle(NewWSConn(conn))
}

// WSDialer connects to a bridge endpoint over WebSocket.
type WSDialer struct {
	// Timeout is the maximum time to wait for the handshake.
	Timeout time.Duration
}

// Dial connects to the WebSocket URL, e.g. "ws://host:port/rosserial".
func (d *WSDialer) Dial(ctx context.Context, address string) (Conn, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{WebSocketSubprotocol},
		HandshakeTimeout: d.Timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, address, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return NewWSConn(conn), nil
}
