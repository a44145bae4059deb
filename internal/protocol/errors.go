package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrStreamClosed is returned when operating on a stream that was closed
// locally, or that the remote closed abnormally.
var ErrStreamClosed = errors.New("stream closed")

// Error payload types with fixed meaning.
const (
	TypeNil          = "nil"
	TypeUnknown      = "unknown"
	TypeEOF          = "stream.eof"
	TypeStreamClosed = "stream.closed"
)

// ErrorPayload is the wire form of an error.
type ErrorPayload struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// RemoteError is a remote error whose type has no registered decoder.
type RemoteError struct {
	Type string
	Data string
}

func (e *RemoteError) Error() string {
	if e.Data == "" {
		return e.Type
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Data)
}

// ErrorProvider translates between local errors and error payloads.
// Encode reports false when it does not recognize err; Decode likewise.
type ErrorProvider struct {
	Encode func(err error) (ErrorPayload, bool)
	Decode func(p ErrorPayload) (error, bool)
}

var registry = struct {
	sync.RWMutex
	providers []ErrorProvider
}{}

// RegisterError adds a provider to the process-wide error registry.
func RegisterError(p ErrorProvider) {
	registry.Lock()
	defer registry.Unlock()
	registry.providers = append(registry.providers, p)
}

// RegisterSentinel registers a sentinel error under typ. Decoded errors
// satisfy errors.Is(err, sentinel).
func RegisterSentinel(typ string, sentinel error) {
	RegisterError(ErrorProvider{
		Encode: func(err error) (ErrorPayload, bool) {
			if !errors.Is(err, sentinel) {
				return ErrorPayload{}, false
			}
			return ErrorPayload{Type: typ, Data: err.Error()}, true
		},
		Decode: func(p ErrorPayload) (error, bool) {
			if p.Type != typ {
				return nil, false
			}
			if p.Data == "" || p.Data == sentinel.Error() {
				return sentinel, true
			}
			return &wrapped{sentinel: sentinel, msg: p.Data}, true
		},
	})
}

type wrapped struct {
	sentinel error
	msg      string
}

func (w *wrapped) Error() string { return w.msg }
func (w *wrapped) Unwrap() error { return w.sentinel }

// EncodeError converts err into its wire form.
func EncodeError(err error) ErrorPayload {
	switch {
	case err == nil:
		return ErrorPayload{Type: TypeNil}
	case errors.Is(err, io.EOF):
		return ErrorPayload{Type: TypeEOF}
	case errors.Is(err, ErrStreamClosed):
		return ErrorPayload{Type: TypeStreamClosed, Data: err.Error()}
	}
	registry.RLock()
	defer registry.RUnlock()
	for _, p := range registry.providers {
		if p.Encode == nil {
			continue
		}
		if pld, ok := p.Encode(err); ok {
			return pld
		}
	}
	return ErrorPayload{Type: TypeUnknown, Data: err.Error()}
}

// DecodeError converts a wire error back into a Go error.
func DecodeError(p ErrorPayload) error {
	switch p.Type {
	case TypeNil, "":
		return nil
	case TypeEOF:
		return io.EOF
	case TypeStreamClosed:
		return ErrStreamClosed
	}
	registry.RLock()
	defer registry.RUnlock()
	for _, pr := range registry.providers {
		if pr.Decode == nil {
			continue
		}
		if err, ok := pr.Decode(p); ok {
			return err
		}
	}
	return &RemoteError{Type: p.Type, Data: p.Data}
}
