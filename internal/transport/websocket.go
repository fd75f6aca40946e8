package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketOptions tune the websocket factory.
type WebsocketOptions struct {
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

// WebsocketFactory opens websocket connections.
type WebsocketFactory struct {
	opts WebsocketOptions
}

// NewWebsocketFactory constructs a factory with sane defaults.
func NewWebsocketFactory(opts WebsocketOptions) *WebsocketFactory {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &WebsocketFactory{opts: opts}
}

// Open dials the endpoint. Dial failures are transport errors.
func (f *WebsocketFactory) Open(ctx context.Context, endpoint string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: f.opts.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %v (status %d)", ErrTransport, endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, endpoint, err)
	}
	if f.opts.ReadLimit > 0 {
		conn.SetReadLimit(f.opts.ReadLimit)
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts *websocket.Conn to the Conn contract. Gorilla permits one
// concurrent writer, so sends serialise on a mutex.
type wsConn struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
	closed  bool
}

func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: connection closed", ErrTransport)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: write: %v", ErrTransport, err)
	}
	return nil
}

func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	_, message, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrTransport, err)
	}
	return message, nil
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}

var _ Factory = (*WebsocketFactory)(nil)
