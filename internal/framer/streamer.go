package framer

import (
	"context"
	"errors"
	"io"

	"github.com/chronologos/telem/internal/telem"
	"github.com/chronologos/telem/internal/transport"
)

// Streamer receives live frames for a fixed set of channels.
type Streamer struct {
	stream *transport.Stream[StreamerRequest, StreamerResponse]
	keys   []telem.ChannelKey
}

// OpenStreamer opens a streamer on t for keys. schema must cover keys.
func OpenStreamer(ctx context.Context, t *transport.Transport, keys []telem.ChannelKey, schema *Schema) (*Streamer, error) {
	req := StreamerRequest{Keys: keys}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	schema, err := schema.Sub(keys)
	if err != nil {
		return nil, err
	}
	stream, err := transport.Open[StreamerRequest, StreamerResponse](ctx, t.WithCodec(NewMessageCodec(schema)), StreamerTarget)
	if err != nil {
		return nil, err
	}
	if err := stream.Send(req); err != nil {
		stream.CloseSend()
		return nil, err
	}
	// The server acknowledges with an empty frame once subscribed.
	if _, err := stream.Receive(); err != nil {
		stream.CloseSend()
		return nil, err
	}
	return &Streamer{stream: stream, keys: keys}, nil
}

// Keys returns the streamed channels.
func (s *Streamer) Keys() []telem.ChannelKey { return s.keys }

// Read blocks for the next frame.
func (s *Streamer) Read() (telem.Frame, error) {
	res, err := s.stream.Receive()
	return res.Frame, err
}

// Close ends the stream. Frames in flight are discarded.
func (s *Streamer) Close() error {
	if err := s.stream.CloseSend(); err != nil {
		return err
	}
	for {
		_, err := s.stream.Receive()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil && s.stream.Err() != nil {
			return err
		}
	}
}
