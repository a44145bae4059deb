// Package transport opens and serves message streams over WebSocket and
// QUIC connections.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chronologos/telem/internal/codec"
	"github.com/chronologos/telem/internal/metrics"
	"github.com/chronologos/telem/internal/middleware"
	"github.com/chronologos/telem/internal/protocol"
)

const defaultHandshakeTimeout = 10 * time.Second

// Transport opens streams against a base URL. Copies made by WithCodec
// share the middleware chain.
type Transport struct {
	base             *url.URL
	codec            codec.Codec
	dialer           Dialer
	chain            *middleware.Chain
	log              zerolog.Logger
	handshakeTimeout time.Duration
}

// Option configures a Transport.
type Option func(*Transport)

func WithDialer(d Dialer) Option { return func(t *Transport) { t.dialer = d } }

func WithLogger(log zerolog.Logger) Option { return func(t *Transport) { t.log = log } }

func WithDefaultCodec(c codec.Codec) Option { return func(t *Transport) { t.codec = c } }

func WithHandshakeTimeout(d time.Duration) Option {
	return func(t *Transport) { t.handshakeTimeout = d }
}

// New creates a Transport for baseURL, e.g. "http://localhost:9090".
func New(baseURL string, opts ...Option) (*Transport, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base URL %q has no host", baseURL)
	}
	t := &Transport{
		base:             u,
		codec:            codec.JSON,
		dialer:           WebSocketDialer{},
		chain:            &middleware.Chain{},
		log:              zerolog.Nop(),
		handshakeTimeout: defaultHandshakeTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Use appends client middleware.
func (t *Transport) Use(mw ...middleware.Middleware) { t.chain.Use(mw...) }

// WithCodec returns a Transport that encodes with c and otherwise shares
// t's middleware, dialer and base URL.
func (t *Transport) WithCodec(c codec.Codec) *Transport {
	cp := *t
	cp.codec = c
	return &cp
}

// Codec returns the active codec.
func (t *Transport) Codec() codec.Codec { return t.codec }

// URL builds the connection URL for target. The content type and every
// middleware param (under protocol.MetadataPrefix) are added to the query.
func (t *Transport) URL(target string, md middleware.Context) (*url.URL, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse target %q: %w", target, err)
	}
	u := t.base.JoinPath(ref.Path)
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}
	q := ref.Query()
	for k := range q {
		if strings.HasPrefix(k, protocol.MetadataPrefix) || k == protocol.ContentTypeKey {
			return nil, fmt.Errorf("target parameter %q uses a reserved name", k)
		}
	}
	q.Set(protocol.ContentTypeKey, t.codec.ContentType())
	for k, v := range md.Params {
		q.Set(protocol.MetadataPrefix+k, v)
	}
	u.RawQuery = q.Encode()
	return u, nil
}

// Open runs the middleware chain, dials target and waits for the server's
// open message.
func Open[S, R any](ctx context.Context, t *Transport, target string) (*Stream[S, R], error) {
	var stream *Stream[S, R]
	md := middleware.New(target, t.dialer.Protocol())
	_, err := t.chain.Exec(ctx, md, func(ctx context.Context, md middleware.Context) (middleware.Context, error) {
		u, err := t.URL(target, md)
		if err != nil {
			return md, err
		}
		start := time.Now()
		conn, err := t.dialer.Dial(ctx, u)
		if err != nil {
			return md, err
		}
		s := newStream[S, R](conn, t.codec, t.log, roleClient, target)
		hctx, cancel := context.WithTimeout(ctx, t.handshakeTimeout)
		defer cancel()
		if err := s.awaitOpen(hctx); err != nil {
			return md, err
		}
		metrics.HandshakeDuration.Observe(time.Since(start).Seconds())
		stream = s
		return md, nil
	})
	if err != nil {
		if stream != nil {
			// A middleware failed after the stream opened.
			stream.abort(CloseGoingAway, "open canceled")
		}
		metrics.StreamsTotal.WithLabelValues(roleClient, target, metrics.OutcomeRejected).Inc()
		t.log.Debug().Err(err).Str("target", target).Msg("open stream failed")
		return nil, err
	}
	metrics.StreamsTotal.WithLabelValues(roleClient, target, metrics.OutcomeOK).Inc()
	return stream, nil
}
