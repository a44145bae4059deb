package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer dials WebSocket connections. http(s) URLs are mapped to
// ws(s).
type WebSocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebSocketDialer) Protocol() string { return "websocket" }

func (d WebSocketDialer) Dial(ctx context.Context, u *url.URL) (Conn, error) {
	target := *u
	switch target.Scheme {
	case "http":
		target.Scheme = "ws"
	case "https":
		target.Scheme = "wss"
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: %s: %w", ErrDial, target.Redacted(), resp.Status, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrDial, target.Redacted(), err)
	}
	return newWSConn(ws), nil
}

type wsConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	readDone  chan struct{}
	readOnce  sync.Once
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws, readDone: make(chan struct{})}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		typ, p, err := c.ws.ReadMessage()
		if err != nil {
			c.readOnce.Do(func() { close(c.readDone) })
			return nil, wsCloseError(err)
		}
		if typ == websocket.BinaryMessage || typ == websocket.TextMessage {
			return p, nil
		}
	}
}

func wsCloseError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: ce.Code, Reason: ce.Text}
	}
	return &CloseError{Code: CloseAbnormal, Reason: err.Error()}
}

func (c *wsConn) WriteMessage(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, p)
}

func (c *wsConn) Close() error { return c.Abort(CloseNormal, "") }

// Abort sends a close frame with code, waits briefly for the peer to
// answer, then closes the socket.
func (c *wsConn) Abort(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeLinger))
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			err = werr
		}
		if code == CloseNormal && werr == nil {
			select {
			case <-c.readDone:
			case <-time.After(closeLinger):
			}
		}
		if cerr := c.ws.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
