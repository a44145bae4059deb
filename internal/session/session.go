// Package session implements the relay server: writers publish frames for
// registered channels and streamers receive them live.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chronologos/telem/internal/auth"
	"github.com/chronologos/telem/internal/codec"
	"github.com/chronologos/telem/internal/framer"
	"github.com/chronologos/telem/internal/metrics"
	"github.com/chronologos/telem/internal/middleware"
	"github.com/chronologos/telem/internal/protocol"
	"github.com/chronologos/telem/internal/telem"
	"github.com/chronologos/telem/internal/transport"
)

const defaultSubscriberBuffer = 64

// Config holds relay configuration.
type Config struct {
	// SubscriberBuffer is the number of frames queued per streamer before
	// new frames are dropped for it.
	SubscriberBuffer int
}

type (
	writerStream   = transport.Stream[framer.WriterResponse, framer.WriterRequest]
	streamerStream = transport.Stream[framer.StreamerResponse, framer.StreamerRequest]
)

// subscriber is one open streamer.
type subscriber struct {
	keys   []telem.ChannelKey
	frames chan telem.Frame
}

// Relay fans frames out from writers to streamers.
type Relay struct {
	cfg     Config
	reg     *Registry
	log     zerolog.Logger
	control *controller

	mu   sync.RWMutex
	subs map[string]*subscriber
}

// New creates a relay over the channels in reg.
func New(reg *Registry, cfg Config, log zerolog.Logger) *Relay {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	return &Relay{
		cfg:     cfg,
		reg:     reg,
		log:     log.With().Str("component", "relay").Logger(),
		control: newController(),
		subs:    make(map[string]*subscriber),
	}
}

// Codecs returns a codec registry that negotiates JSON and the framer codec.
// Framer codecs bind their schema from the registry when a writer or
// streamer opens.
func (r *Relay) Codecs() *codec.Registry {
	codecs := codec.NewRegistry()
	codecs.Register(func() codec.Codec { return framer.NewServerMessageCodec(r.reg.Resolve) })
	return codecs
}

// Register installs the writer and streamer handlers on srv.
func (r *Relay) Register(srv *transport.Server) {
	transport.Handle(srv, framer.WriterTarget, r.handleWriter)
	transport.Handle(srv, framer.StreamerTarget, r.handleStreamer)
}

func subject(ctx context.Context) string {
	md, ok := middleware.FromContext(ctx)
	if !ok {
		return ""
	}
	s, _ := md.Get(auth.SubjectKey)
	return s
}

func (r *Relay) handleWriter(ctx context.Context, stream *writerStream) error {
	req, err := stream.Receive()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}
	if req.Command != framer.WriterOpen {
		return fmt.Errorf("%w: expected open, got %s", protocol.ErrInvalidMessage, req.Command)
	}
	cfg := req.Config
	if _, err := r.reg.Resolve(cfg.Keys); err != nil {
		return err
	}
	log := r.log.With().
		Str("stream_id", stream.ID()).
		Str("writer", cfg.Name).
		Str("subject", subject(ctx)).
		Logger()

	id := stream.ID()
	authorities := cfg.Authorities
	if len(authorities) == 0 {
		authorities = []uint8{framer.AuthorityAbsolute}
	}
	r.control.set(id, cfg.Keys, authorities)
	defer r.control.release(id)
	log.Debug().Int("channels", len(cfg.Keys)).Msg("writer opened")

	if err := stream.Send(framer.WriterResponse{
		Command:    framer.WriterOpen,
		Authorized: r.control.authorizedAll(id, cfg.Keys),
	}); err != nil {
		return err
	}

	end := cfg.Start
	for {
		req, err := stream.Receive()
		if errors.Is(err, io.EOF) {
			log.Debug().Msg("writer closed")
			return nil
		}
		if err != nil {
			// Undecodable requests are reported and the writer keeps going.
			if !terminal(stream, err) {
				log.Debug().Err(err).Msg("bad writer request")
				if serr := r.respondErr(stream, framer.WriterWrite, err); serr != nil {
					return serr
				}
				continue
			}
			return err
		}

		switch req.Command {
		case framer.WriterWrite:
			f, err := r.authorize(id, cfg, req.Frame)
			if err != nil {
				if serr := r.respondErr(stream, framer.WriterWrite, err); serr != nil {
					return serr
				}
				continue
			}
			if f.Empty() {
				continue
			}
			for _, s := range f.Series {
				if s.TimeRange.End > end {
					end = s.TimeRange.End
				}
			}
			metrics.RelayFramesTotal.WithLabelValues("accepted").Inc()
			r.publish(f)
		case framer.WriterCommit:
			if end == 0 {
				end = telem.Now()
			}
			if err := stream.Send(framer.WriterResponse{
				Command:    framer.WriterCommit,
				End:        end,
				Authorized: r.control.authorizedAll(id, cfg.Keys),
			}); err != nil {
				return err
			}
		case framer.WriterSetAuthority:
			keys := req.Config.Keys
			if len(keys) == 0 {
				keys = cfg.Keys
			}
			if i := slices.IndexFunc(keys, func(k telem.ChannelKey) bool { return !slices.Contains(cfg.Keys, k) }); i >= 0 {
				err := fmt.Errorf("%w: writer is not configured for channel %d", framer.ErrSchemaMismatch, keys[i])
				if serr := r.respondErr(stream, framer.WriterSetAuthority, err); serr != nil {
					return serr
				}
				continue
			}
			r.control.set(id, keys, req.Config.Authorities)
			if err := stream.Send(framer.WriterResponse{
				Command:    framer.WriterSetAuthority,
				Authorized: r.control.authorizedAll(id, cfg.Keys),
			}); err != nil {
				return err
			}
		case framer.WriterOpen:
			err := fmt.Errorf("%w: writer is already open", protocol.ErrInvalidMessage)
			if serr := r.respondErr(stream, framer.WriterOpen, err); serr != nil {
				return serr
			}
		}
	}
}

// authorize returns the part of f the writer may publish. Channels the
// writer does not control are dropped, or rejected when the writer asked
// for errors on unauthorized writes.
func (r *Relay) authorize(id string, cfg framer.WriterConfig, f telem.Frame) (telem.Frame, error) {
	var out telem.Frame
	for i, k := range f.Keys {
		if !slices.Contains(cfg.Keys, k) {
			return telem.Frame{}, fmt.Errorf("%w: writer is not configured for channel %d", framer.ErrSchemaMismatch, k)
		}
		s := f.Series[i]
		schema, err := r.reg.Resolve([]telem.ChannelKey{k})
		if err != nil {
			return telem.Frame{}, err
		}
		if dt, _ := schema.DataType(k); dt != s.DataType {
			return telem.Frame{}, fmt.Errorf("%w: channel %d is %s, got %s", framer.ErrSchemaMismatch, k, dt, s.DataType)
		}
		if !r.control.authorized(id, k) {
			if cfg.ErrOnUnauthorized {
				return telem.Frame{}, fmt.Errorf("%w: no control of channel %d", framer.ErrUnauthorized, k)
			}
			metrics.RelayFramesTotal.WithLabelValues("unauthorized").Inc()
			continue
		}
		out.Append(k, s)
	}
	return out, nil
}

// terminal reports whether err ended the stream rather than a single
// message.
func terminal(stream *writerStream, err error) bool {
	t := stream.Err()
	return t != nil && errors.Is(err, t)
}

func (r *Relay) respondErr(stream *writerStream, cmd framer.WriterCommand, err error) error {
	p := protocol.EncodeError(err)
	return stream.Send(framer.WriterResponse{Command: cmd, Error: &p})
}

// publish delivers f to every streamer subscribed to any of its channels.
// Slow streamers miss frames rather than stall writers.
func (r *Relay) publish(f telem.Frame) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, sub := range r.subs {
		sf := f.FilterKeys(sub.keys)
		if sf.Empty() {
			continue
		}
		select {
		case sub.frames <- sf:
			metrics.RelayFramesTotal.WithLabelValues("delivered").Inc()
		default:
			metrics.RelayFramesTotal.WithLabelValues("dropped").Inc()
			r.log.Debug().Str("stream_id", id).Msg("streamer behind, frame dropped")
		}
	}
}

func (r *Relay) subscribe(id string, keys []telem.ChannelKey) *subscriber {
	sub := &subscriber{keys: keys, frames: make(chan telem.Frame, r.cfg.SubscriberBuffer)}
	r.mu.Lock()
	r.subs[id] = sub
	r.mu.Unlock()
	return sub
}

func (r *Relay) unsubscribe(id string) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

// Subscribers returns the number of open streamers.
func (r *Relay) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Relay) handleStreamer(ctx context.Context, stream *streamerStream) error {
	req, err := stream.Receive()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := r.reg.Resolve(req.Keys); err != nil {
		return err
	}
	id := stream.ID()
	sub := r.subscribe(id, req.Keys)
	defer r.unsubscribe(id)
	r.log.Debug().
		Str("stream_id", id).
		Str("subject", subject(ctx)).
		Int("channels", len(req.Keys)).
		Msg("streamer opened")

	if err := stream.Send(framer.StreamerResponse{}); err != nil {
		return err
	}
	for {
		select {
		case f := <-sub.frames:
			if err := stream.Send(framer.StreamerResponse{Frame: f}); err != nil {
				return err
			}
		case <-stream.Done():
			// The client closed; nothing more can be sent that it will read.
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
