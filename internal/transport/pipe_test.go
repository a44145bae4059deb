package transport

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronologos/telem/internal/codec"
	"github.com/chronologos/telem/internal/protocol"
)

var errPipeClosed = errors.New("pipe closed")

// pipeConn is an in-memory Conn. Closing one end delivers its close code
// to the other end after any messages already sent.
type pipeConn struct {
	recv   chan []byte
	send   chan []byte
	done   chan struct{}
	peer   *pipeConn
	once   sync.Once
	code   int
	reason string
}

func newPipe() (*pipeConn, *pipeConn) {
	a2b, b2a := make(chan []byte, 128), make(chan []byte, 128)
	a := &pipeConn{recv: b2a, send: a2b, done: make(chan struct{})}
	b := &pipeConn{recv: a2b, send: b2a, done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case p := <-c.recv:
		return p, nil
	default:
	}
	select {
	case p := <-c.recv:
		return p, nil
	case <-c.peer.done:
		select {
		case p := <-c.recv:
			return p, nil
		default:
		}
		return nil, &CloseError{Code: c.peer.code, Reason: c.peer.reason}
	case <-c.done:
		return nil, &CloseError{Code: CloseAbnormal, Reason: "closed locally"}
	}
}

func (c *pipeConn) WriteMessage(p []byte) error {
	select {
	case <-c.done:
		return errPipeClosed
	case <-c.peer.done:
		return errPipeClosed
	default:
	}
	c.send <- p
	return nil
}

func (c *pipeConn) Close() error { return c.Abort(CloseNormal, "") }

func (c *pipeConn) Abort(code int, reason string) error {
	c.once.Do(func() {
		c.code, c.reason = code, reason
		close(c.done)
	})
	return nil
}

func (c *pipeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func rawSend[T any](t *testing.T, c Conn, msg protocol.Message[T]) {
	t.Helper()
	b, err := codec.JSON.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(b))
}

func rawRecv[T any](t *testing.T, c Conn) protocol.Message[T] {
	t.Helper()
	b, err := c.ReadMessage()
	require.NoError(t, err)
	var msg protocol.Message[T]
	require.NoError(t, codec.JSON.Decode(b, &msg))
	return msg
}
