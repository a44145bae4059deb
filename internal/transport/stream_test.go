package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologos/telem/internal/codec"
	"github.com/chronologos/telem/internal/protocol"
)

// openPair returns a client stream that completed its handshake and the
// raw connection of the server side.
func openPair(t *testing.T) (*Stream[string, string], *pipeConn) {
	t.Helper()
	client, server := newPipe()
	s := newStream[string, string](client, codec.JSON, zerolog.Nop(), roleClient, "/test")
	rawSend(t, server, protocol.Open[string](nil))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.awaitOpen(ctx))
	return s, server
}

func TestStreamSendReceive(t *testing.T) {
	s, server := openPair(t)

	require.NoError(t, s.Send("ping"))
	msg := rawRecv[string](t, server)
	assert.Equal(t, protocol.MsgData, msg.Type)
	assert.Equal(t, "ping", msg.Payload)

	rawSend(t, server, protocol.Data("a"))
	rawSend(t, server, protocol.Data("b"))
	v, err := s.Receive()
	require.NoError(t, err)
	assert.Equal(t, "a", v)
	v, err = s.Receive()
	require.NoError(t, err)
	assert.Equal(t, "b", v)
}

func TestStreamHandshakeRejectsNonOpen(t *testing.T) {
	client, server := newPipe()
	s := newStream[string, string](client, codec.JSON, zerolog.Nop(), roleClient, "/test")
	rawSend(t, server, protocol.Data("early"))

	err := s.awaitOpen(context.Background())
	require.ErrorIs(t, err, ErrHandshakeFailed)
	assert.True(t, client.isClosed())

	// The offending message is never delivered.
	v, err := s.Receive()
	assert.Error(t, err)
	assert.Empty(t, v)
}

func TestStreamHandshakeOpenWithError(t *testing.T) {
	client, server := newPipe()
	s := newStream[string, string](client, codec.JSON, zerolog.Nop(), roleClient, "/test")
	rawSend(t, server, protocol.Open[string](errors.New("no such channel")))

	err := s.awaitOpen(context.Background())
	require.ErrorIs(t, err, ErrHandshakeFailed)
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "no such channel", remote.Data)
}

func TestStreamHandshakeTimeout(t *testing.T) {
	client, _ := newPipe()
	s := newStream[string, string](client, codec.JSON, zerolog.Nop(), roleClient, "/test")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.awaitOpen(ctx)
	require.ErrorIs(t, err, ErrHandshakeFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, client.isClosed())
}

func TestStreamRemoteCloseIsCachedAfterQueuedData(t *testing.T) {
	s, server := openPair(t)
	rawSend(t, server, protocol.Data("last"))
	rawSend(t, server, protocol.Close[string](nil))

	v, err := s.Receive()
	require.NoError(t, err)
	assert.Equal(t, "last", v)

	for range 3 {
		_, err = s.Receive()
		assert.ErrorIs(t, err, io.EOF)
	}
	assert.ErrorIs(t, s.Send("late"), io.EOF)
}

func TestStreamRemoteCloseWithError(t *testing.T) {
	s, server := openPair(t)
	rawSend(t, server, protocol.Close[string](errors.New("disk full")))

	_, err := s.Receive()
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "disk full", remote.Data)

	_, again := s.Receive()
	assert.Equal(t, err, again)
}

func TestStreamAbruptClosure(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		wantEOF  bool
		wantCode int
	}{
		{"normal", CloseNormal, true, 0},
		{"going away", CloseGoingAway, false, CloseGoingAway},
		{"internal error", CloseInternalError, false, CloseInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, server := openPair(t)
			server.Abort(tt.code, "bye")

			_, err := s.Receive()
			if tt.wantEOF {
				assert.ErrorIs(t, err, io.EOF)
				return
			}
			require.ErrorIs(t, err, protocol.ErrStreamClosed)
			var ce *CloseError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.wantCode, ce.Code)
			assert.Equal(t, "bye", ce.Reason)
		})
	}
}

func TestStreamCloseSend(t *testing.T) {
	s, server := openPair(t)

	require.NoError(t, s.CloseSend())
	require.NoError(t, s.CloseSend())
	assert.ErrorIs(t, s.Send("after"), protocol.ErrStreamClosed)

	msg := rawRecv[string](t, server)
	assert.Equal(t, protocol.MsgClose, msg.Type)
	assert.ErrorIs(t, msg.Err(), io.EOF)

	// Receiving continues after the send side closes.
	rawSend(t, server, protocol.Data("still here"))
	v, err := s.Receive()
	require.NoError(t, err)
	assert.Equal(t, "still here", v)

	rawSend(t, server, protocol.Close[string](nil))
	_, err = s.Receive()
	assert.ErrorIs(t, err, io.EOF)
	require.Eventually(t, func() bool {
		return s.conn.(*pipeConn).isClosed()
	}, time.Second, time.Millisecond, "connection should close once both sides are done")

	select {
	case extra := <-server.recv:
		t.Fatalf("unexpected second message: %s", extra)
	default:
	}
}

func TestStreamUndecodableMessageIsNotTerminal(t *testing.T) {
	s, server := openPair(t)
	require.NoError(t, server.WriteMessage([]byte("{not json")))
	rawSend(t, server, protocol.Data("ok"))

	_, err := s.Receive()
	assert.Error(t, err)
	v, err := s.Receive()
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.NoError(t, s.Err())
}

func TestStreamConcurrentUse(t *testing.T) {
	s, server := openPair(t)
	const n = 50

	var wg sync.WaitGroup
	received := make(chan string, n)
	for range n {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Send("x"))
		}()
		go func() {
			defer wg.Done()
			v, err := s.Receive()
			if assert.NoError(t, err) {
				received <- v
			}
		}()
	}
	for range n {
		rawSend(t, server, protocol.Data("y"))
	}
	wg.Wait()
	close(received)
	count := 0
	for v := range received {
		assert.Equal(t, "y", v)
		count++
	}
	assert.Equal(t, n, count)
	for range n {
		assert.Equal(t, "x", rawRecv[string](t, server).Payload)
	}
}

func TestStreamSendRacingCloseSend(t *testing.T) {
	for range 20 {
		s, server := openPair(t)
		const n = 40

		var wg sync.WaitGroup
		var mu sync.Mutex
		accepted := 0
		start := make(chan struct{})
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				err := s.Send("x")
				if err == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, protocol.ErrStreamClosed)
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, s.CloseSend())
		}()
		close(start)
		wg.Wait()

		// Every accepted payload must reach the peer ahead of the close.
		data := 0
		for {
			msg := rawRecv[string](t, server)
			if msg.Type == protocol.MsgClose {
				break
			}
			data++
		}
		assert.Equal(t, accepted, data)
		select {
		case extra := <-server.recv:
			t.Fatalf("message after close: %s", extra)
		default:
		}
	}
}
