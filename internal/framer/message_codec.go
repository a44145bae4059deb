package framer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chronologos/telem/internal/codec"
	"github.com/chronologos/telem/internal/metrics"
	"github.com/chronologos/telem/internal/protocol"
	"github.com/chronologos/telem/internal/telem"
)

var errNoSchema = errors.New("no schema bound")

// MessageCodec encodes writer and streamer messages. Data messages carrying
// frames (writer writes, streamer responses) take the binary frame path;
// everything else is JSON. The first byte of every encoding names the
// path.
//
// A server-side codec starts without a schema and binds one when it
// decodes the writer open or streamer request naming the channels.
type MessageCodec struct {
	mu      sync.RWMutex
	frames  *Codec
	resolve SchemaResolver
	low     codec.Codec
}

var _ codec.Codec = (*MessageCodec)(nil)

// NewMessageCodec returns a codec bound to schema.
func NewMessageCodec(schema *Schema) *MessageCodec {
	return &MessageCodec{frames: NewCodec(schema), low: codec.JSON}
}

// NewServerMessageCodec returns a codec that binds its schema through
// resolve.
func NewServerMessageCodec(resolve SchemaResolver) *MessageCodec {
	return &MessageCodec{resolve: resolve, low: codec.JSON}
}

func (c *MessageCodec) ContentType() string { return protocol.ContentTypeFramer }

// Schema returns the bound schema, or nil.
func (c *MessageCodec) Schema() *Schema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.frames == nil {
		return nil
	}
	return c.frames.Schema()
}

// Bind replaces the codec's schema.
func (c *MessageCodec) Bind(schema *Schema) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = NewCodec(schema)
}

func (c *MessageCodec) frameCodec() (*Codec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.frames == nil {
		return nil, fmt.Errorf("%w: %w", ErrSchemaMismatch, errNoSchema)
	}
	return c.frames, nil
}

// highPerfFrame reports whether v travels on the binary path.
func highPerfFrame(v any) (telem.Frame, bool) {
	switch m := v.(type) {
	case protocol.Message[WriterRequest]:
		return m.Payload.Frame, m.Type == protocol.MsgData && m.Payload.Command == WriterWrite
	case *protocol.Message[WriterRequest]:
		return highPerfFrame(*m)
	case protocol.Message[StreamerResponse]:
		return m.Payload.Frame, m.Type == protocol.MsgData
	case *protocol.Message[StreamerResponse]:
		return highPerfFrame(*m)
	}
	return telem.Frame{}, false
}

func (c *MessageCodec) Encode(v any) ([]byte, error) {
	if f, ok := highPerfFrame(v); ok {
		fc, err := c.frameCodec()
		if err != nil {
			return nil, err
		}
		out, err := fc.AppendEncode(make([]byte, 1, 64+f.Size()), f)
		if err != nil {
			return nil, err
		}
		out[0] = protocol.HighPerformance
		metrics.FrameCodecBytes.WithLabelValues("encode").Add(float64(len(out)))
		return out, nil
	}
	b, err := c.low.Encode(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(b))
	out[0] = protocol.LowPerformance
	copy(out[1:], b)
	return out, nil
}

func (c *MessageCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty message", ErrMalformedFrame)
	}
	switch data[0] {
	case protocol.HighPerformance:
		return c.decodeHigh(data[1:], v)
	case protocol.LowPerformance:
		if err := c.low.Decode(data[1:], v); err != nil {
			return err
		}
		return c.bindFrom(v)
	default:
		return fmt.Errorf("%w: unknown discriminator %#x", ErrMalformedFrame, data[0])
	}
}

func (c *MessageCodec) decodeHigh(data []byte, v any) error {
	fc, err := c.frameCodec()
	if err != nil {
		return err
	}
	f, err := fc.Decode(data)
	if err != nil {
		return err
	}
	metrics.FrameCodecBytes.WithLabelValues("decode").Add(float64(len(data) + 1))
	switch m := v.(type) {
	case *protocol.Message[WriterRequest]:
		*m = protocol.Data(WriterRequest{Command: WriterWrite, Frame: f})
	case *protocol.Message[StreamerResponse]:
		*m = protocol.Data(StreamerResponse{Frame: f})
	default:
		return fmt.Errorf("%w: cannot decode frame into %T", ErrMalformedFrame, v)
	}
	return nil
}

// bindFrom binds the schema named by an inbound writer open or streamer
// request.
func (c *MessageCodec) bindFrom(v any) error {
	if c.resolve == nil {
		return nil
	}
	var keys []telem.ChannelKey
	switch m := v.(type) {
	case *protocol.Message[WriterRequest]:
		if m.Type != protocol.MsgData || m.Payload.Command != WriterOpen {
			return nil
		}
		keys = m.Payload.Config.Keys
	case *protocol.Message[StreamerRequest]:
		if m.Type != protocol.MsgData {
			return nil
		}
		keys = m.Payload.Keys
	default:
		return nil
	}
	schema, err := c.resolve(keys)
	if err != nil {
		return err
	}
	c.Bind(schema)
	return nil
}
