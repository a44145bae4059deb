package framer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/chronologos/telem/internal/telem"
	"github.com/chronologos/telem/internal/transport"
)

// Writer writes frames to a set of channels over one stream.
type Writer struct {
	stream *transport.Stream[WriterRequest, WriterResponse]
	cfg    WriterConfig
}

// OpenWriter opens a writer stream on t for cfg.Keys. schema must cover
// those keys; the stream's codec is bound to the keys in cfg.Keys order.
func OpenWriter(ctx context.Context, t *transport.Transport, cfg WriterConfig, schema *Schema) (*Writer, error) {
	req := WriterRequest{Command: WriterOpen, Config: cfg}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	schema, err := schema.Sub(cfg.Keys)
	if err != nil {
		return nil, err
	}
	stream, err := transport.Open[WriterRequest, WriterResponse](ctx, t.WithCodec(NewMessageCodec(schema)), WriterTarget)
	if err != nil {
		return nil, err
	}
	w := &Writer{stream: stream, cfg: cfg}
	if err := stream.Send(req); err != nil {
		return nil, w.fail(err)
	}
	if _, err := w.await(WriterOpen); err != nil {
		return nil, w.fail(err)
	}
	return w, nil
}

// fail closes the stream after an establishment error.
func (w *Writer) fail(err error) error {
	w.stream.CloseSend()
	return err
}

// Write sends f without waiting for acknowledgement. Failures reported by
// the server surface on a later call.
func (w *Writer) Write(f telem.Frame) error {
	for _, k := range f.Keys {
		if !slices.Contains(w.cfg.Keys, k) {
			return fmt.Errorf("%w: writer is not configured for channel %d", ErrSchemaMismatch, k)
		}
	}
	err := w.stream.Send(WriterRequest{Command: WriterWrite, Frame: f})
	if errors.Is(err, io.EOF) {
		// The server closed; its reason is the stream's terminal error.
		_, err = w.stream.Receive()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("writer closed by server: %w", err)
		}
	}
	return err
}

// SetAuthority changes the writer's control authority. A single-entry map
// keyed by 0 applies one authority to every channel.
func (w *Writer) SetAuthority(authorities map[telem.ChannelKey]uint8) error {
	cfg := WriterConfig{}
	if a, ok := authorities[0]; ok && len(authorities) == 1 {
		cfg.Keys = w.cfg.Keys
		cfg.Authorities = []uint8{a}
	} else {
		for k, a := range authorities {
			cfg.Keys = append(cfg.Keys, k)
			cfg.Authorities = append(cfg.Authorities, a)
		}
	}
	if err := w.stream.Send(WriterRequest{Command: WriterSetAuthority, Config: cfg}); err != nil {
		return err
	}
	_, err := w.await(WriterSetAuthority)
	return err
}

// Commit waits until the server has accepted every preceding write and
// returns the end of the written range.
func (w *Writer) Commit() (telem.TimeStamp, error) {
	if err := w.stream.Send(WriterRequest{Command: WriterCommit}); err != nil {
		return 0, err
	}
	res, err := w.await(WriterCommit)
	return res.End, err
}

// await receives until a response for cmd arrives. Error responses for
// earlier writes are returned as they are encountered.
func (w *Writer) await(cmd WriterCommand) (WriterResponse, error) {
	for {
		res, err := w.stream.Receive()
		if err != nil {
			return res, err
		}
		if rerr := res.Err(); rerr != nil {
			return res, rerr
		}
		if res.Command == cmd {
			return res, nil
		}
	}
}

// Close closes the send side and waits for the server to finish. A clean
// shutdown returns nil.
func (w *Writer) Close() error {
	if err := w.stream.CloseSend(); err != nil {
		return err
	}
	for {
		res, err := w.stream.Receive()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if rerr := res.Err(); rerr != nil {
			return rerr
		}
	}
}
