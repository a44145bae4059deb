package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DialMode selects which transport to use when dialing.
type DialMode int

const (
	DialWebSocket DialMode = iota
	DialQUIC
)

func (m DialMode) String() string {
	switch m {
	case DialWebSocket:
		return "websocket"
	case DialQUIC:
		return "quic"
	default:
		return "unknown"
	}
}

// ParseDialMode parses "websocket" or "quic".
func ParseDialMode(s string) (DialMode, error) {
	switch strings.ToLower(s) {
	case "", "websocket", "ws":
		return DialWebSocket, nil
	case "quic":
		return DialQUIC, nil
	default:
		return 0, fmt.Errorf("unknown dial mode %q", s)
	}
}

// Close codes shared by the WebSocket and QUIC connections.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

// closeLinger bounds how long Close waits for the peer's close before
// tearing the connection down.
const closeLinger = time.Second

var (
	ErrHandshakeFailed        = errors.New("handshake failed")
	ErrDial                   = errors.New("dial failed")
	ErrUnsupportedContentType = errors.New("unsupported content type")
	ErrUnknownTarget          = errors.New("unknown target")
)

// CloseError reports how the peer closed the connection.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed with code %d", e.Code)
	}
	return fmt.Sprintf("connection closed with code %d: %s", e.Code, e.Reason)
}

// Normal reports whether the close used the normal closure code.
func (e *CloseError) Normal() bool { return e.Code == CloseNormal }

// Conn is a message-oriented connection. ReadMessage is called from a
// single goroutine; WriteMessage may be called concurrently with it.
type Conn interface {
	// ReadMessage blocks for the next message. When the peer closes, it
	// returns a *CloseError.
	ReadMessage() ([]byte, error)
	WriteMessage(p []byte) error
	// Close closes the connection with the normal closure code.
	Close() error
	// Abort closes the connection with the given code.
	Abort(code int, reason string) error
}

// Dialer establishes connections to a URL.
type Dialer interface {
	Protocol() string
	Dial(ctx context.Context, u *url.URL) (Conn, error)
}
