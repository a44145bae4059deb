package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chronologos/telem/internal/codec"
	"github.com/chronologos/telem/internal/metrics"
	"github.com/chronologos/telem/internal/protocol"
)

const (
	roleClient = "client"
	roleServer = "server"
)

// Stream is a bidirectional message stream over one Conn. It sends S
// payloads and receives R payloads.
//
// A background reader decodes inbound messages as they arrive and queues
// them until Receive asks for them. Send, CloseSend and Receive are safe
// for concurrent use.
type Stream[S, R any] struct {
	id     string
	target string
	role   string
	conn   Conn
	codec  codec.Codec
	log    zerolog.Logger
	box    *mailbox[protocol.Message[R]]

	// writeMu serializes writes and is held across the sendClosed check.
	// Lock order is writeMu then mu.
	writeMu sync.Mutex

	mu         sync.Mutex
	sendClosed bool

	closeOnce sync.Once
}

func newStream[S, R any](conn Conn, c codec.Codec, log zerolog.Logger, role, target string) *Stream[S, R] {
	id := uuid.NewString()
	s := &Stream[S, R]{
		id:     id,
		target: target,
		role:   role,
		conn:   conn,
		codec:  c,
		log:    log.With().Str("stream_id", id).Str("target", target).Str("role", role).Logger(),
		box:    newMailbox[protocol.Message[R]](),
	}
	metrics.StreamsActive.WithLabelValues(role).Inc()
	go s.readLoop()
	return s
}

// ID identifies the stream in logs.
func (s *Stream[S, R]) ID() string { return s.id }

// Target returns the path the stream was opened against.
func (s *Stream[S, R]) Target() string { return s.target }

// Codec returns the stream's codec.
func (s *Stream[S, R]) Codec() codec.Codec { return s.codec }

// Done is closed once the remote side has closed the stream.
func (s *Stream[S, R]) Done() <-chan struct{} { return s.box.done }

// Err returns the terminal error once the remote side has closed, or nil.
func (s *Stream[S, R]) Err() error { return s.box.err() }

func (s *Stream[S, R]) readLoop() {
	terminated := false
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			if !terminated {
				s.terminate(streamError(err))
			}
			return
		}
		if terminated {
			// Drain until the peer finishes closing.
			continue
		}
		var msg protocol.Message[R]
		if err := s.codec.Decode(data, &msg); err != nil {
			metrics.MessagesTotal.WithLabelValues("in", "invalid").Inc()
			s.log.Debug().Err(err).Msg("undecodable message")
			s.box.push(msg, err)
			continue
		}
		metrics.MessagesTotal.WithLabelValues("in", string(msg.Type)).Inc()
		if msg.Type == protocol.MsgClose {
			err := msg.Err()
			if err == nil {
				err = io.EOF
			}
			s.terminate(err)
			terminated = true
			continue
		}
		s.box.push(msg, nil)
	}
}

// streamError maps a connection close into the stream's terminal error.
func streamError(err error) error {
	var ce *CloseError
	if errors.As(err, &ce) && ce.Normal() {
		return io.EOF
	}
	return fmt.Errorf("%w: %w", protocol.ErrStreamClosed, err)
}

func (s *Stream[S, R]) terminate(err error) {
	if !s.box.close(err) {
		return
	}
	if errors.Is(err, io.EOF) {
		s.log.Debug().Msg("remote closed stream")
	} else {
		s.log.Debug().Err(err).Msg("remote closed stream with error")
	}
	s.mu.Lock()
	sendClosed := s.sendClosed
	s.mu.Unlock()
	if sendClosed {
		// Close waits for the reader to drain, so it cannot run here.
		go s.closeConn()
	}
}

// Receive returns the next payload. After the remote side closes, it
// returns the terminal error: io.EOF for a clean close, otherwise the
// remote's error or protocol.ErrStreamClosed.
func (s *Stream[S, R]) Receive() (R, error) {
	for {
		msg, err := s.box.next()
		if err != nil {
			var zero R
			return zero, err
		}
		if msg.Type == protocol.MsgOpen {
			s.log.Warn().Msg("ignoring repeated open message")
			continue
		}
		return msg.Payload, nil
	}
}

// Send transmits payload. It returns io.EOF if the remote side has closed
// and protocol.ErrStreamClosed if CloseSend was already called.
func (s *Stream[S, R]) Send(payload S) error {
	if s.box.err() != nil {
		return io.EOF
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	closed := s.sendClosed
	s.mu.Unlock()
	if closed {
		return protocol.ErrStreamClosed
	}
	return s.writeLocked(protocol.Data(payload))
}

func (s *Stream[S, R]) write(msg protocol.Message[S]) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeLocked(msg)
}

// writeLocked sends msg. The caller holds writeMu, so nothing can slip
// between a sendClosed check and the write that depends on it.
func (s *Stream[S, R]) writeLocked(msg protocol.Message[S]) error {
	data, err := s.codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(data); err != nil {
		if s.box.err() != nil {
			return io.EOF
		}
		return fmt.Errorf("%w: %w", protocol.ErrStreamClosed, err)
	}
	metrics.MessagesTotal.WithLabelValues("out", string(msg.Type)).Inc()
	return nil
}

// CloseSend tells the remote side no more payloads will be sent. It is
// idempotent and does not stop Receive.
func (s *Stream[S, R]) CloseSend() error { return s.closeSend(nil) }

func (s *Stream[S, R]) closeSend(cause error) error {
	s.writeMu.Lock()
	s.mu.Lock()
	if s.sendClosed {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return nil
	}
	s.sendClosed = true
	s.mu.Unlock()
	err := s.writeLocked(protocol.Close[S](cause))
	s.writeMu.Unlock()

	if s.box.err() != nil {
		s.closeConn()
		if errors.Is(err, io.EOF) {
			return nil
		}
	}
	return err
}

func (s *Stream[S, R]) closeConn() {
	s.closeOnce.Do(func() {
		metrics.StreamsActive.WithLabelValues(s.role).Dec()
		if err := s.conn.Close(); err != nil {
			s.log.Debug().Err(err).Msg("close connection")
		}
	})
}

func (s *Stream[S, R]) abort(code int, reason string) {
	s.closeOnce.Do(func() {
		metrics.StreamsActive.WithLabelValues(s.role).Dec()
		if err := s.conn.Abort(code, reason); err != nil {
			s.log.Debug().Err(err).Msg("abort connection")
		}
	})
}

// awaitRemoteClose waits up to timeout for the remote side to close.
func (s *Stream[S, R]) awaitRemoteClose(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.box.done:
		return true
	case <-t.C:
		return false
	}
}

// awaitOpen consumes the first inbound message, which must be an open
// without an error. The connection is closed on failure.
func (s *Stream[S, R]) awaitOpen(ctx context.Context) error {
	type result struct {
		msg protocol.Message[R]
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := s.box.next()
		ch <- result{msg, err}
	}()

	select {
	case <-ctx.Done():
		s.abort(CloseGoingAway, "handshake canceled")
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			if s.box.err() != nil {
				s.closeConn()
			} else {
				s.abort(CloseProtocolError, "handshake failed")
			}
			return fmt.Errorf("%w: %w", ErrHandshakeFailed, r.err)
		}
		if r.msg.Type != protocol.MsgOpen {
			s.abort(CloseProtocolError, "expected open message")
			return fmt.Errorf("%w: expected open message, received %q", ErrHandshakeFailed, r.msg.Type)
		}
		if err := r.msg.Err(); err != nil {
			s.closeConn()
			return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
		}
		return nil
	}
}
