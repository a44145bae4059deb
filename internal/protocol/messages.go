package protocol

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrInvalidMessage = errors.New("invalid message")
)

// Message is the envelope exchanged on a stream.
//
//   - open: stream accepted; Error set when the server rejected it.
//   - data: carries Payload; Error must be nil.
//   - close: sender is done; Error is always set (end of stream when the
//     sender finished cleanly).
type Message[P any] struct {
	Type    MessageType   `json:"type"`
	Payload P             `json:"payload"`
	Error   *ErrorPayload `json:"error,omitempty"`
}

// Validator is implemented by payloads that check their own invariants
// after decoding.
type Validator interface {
	Validate() error
}

// Open returns an open message. A non-nil err marks the open as rejected.
func Open[P any](err error) Message[P] {
	m := Message[P]{Type: MsgOpen}
	if err != nil {
		p := EncodeError(err)
		m.Error = &p
	}
	return m
}

// Data wraps a payload.
func Data[P any](payload P) Message[P] {
	return Message[P]{Type: MsgData, Payload: payload}
}

// Close returns a close message. A nil err is sent as end of stream.
func Close[P any](err error) Message[P] {
	if err == nil {
		err = io.EOF
	}
	p := EncodeError(err)
	return Message[P]{Type: MsgClose, Error: &p}
}

// Err decodes the message's error payload.
func (m Message[P]) Err() error {
	if m.Error == nil {
		return nil
	}
	return DecodeError(*m.Error)
}

// Validate enforces that exactly one interpretation is valid for each tag.
func (m Message[P]) Validate() error {
	switch m.Type {
	case MsgOpen:
	case MsgData:
		if m.Error != nil {
			return fmt.Errorf("%w: data message carries an error", ErrInvalidMessage)
		}
		if v, ok := any(m.Payload).(Validator); ok {
			if err := v.Validate(); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
			}
		}
	case MsgClose:
		if m.Error == nil {
			return fmt.Errorf("%w: close message without error", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
	}
	return nil
}
