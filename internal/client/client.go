// Package client opens writers and streamers against a telem server,
// retrying connection establishment with backoff.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chronologos/telem/internal/auth"
	"github.com/chronologos/telem/internal/framer"
	"github.com/chronologos/telem/internal/telem"
	"github.com/chronologos/telem/internal/transport"
)

const defaultTokenTTL = 15 * time.Minute

// Config holds client configuration.
type Config struct {
	URL              string        `mapstructure:"url" yaml:"url"`
	Mode             string        `mapstructure:"mode" yaml:"mode"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	Retry            RetryConfig   `mapstructure:"retry" yaml:"retry"`
	// Token is a pre-issued bearer token. Passkey (hex) lets the client
	// issue its own tokens for Subject instead.
	Token   string `mapstructure:"token" yaml:"token,omitempty"`
	Passkey string `mapstructure:"passkey" yaml:"passkey,omitempty"`
	Subject string `mapstructure:"subject" yaml:"subject,omitempty"`
	// CertFingerprint pins the QUIC server certificate (hex SHA-256).
	CertFingerprint string `mapstructure:"cert_fingerprint" yaml:"cert_fingerprint,omitempty"`
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		URL:              "http://localhost:9090",
		Mode:             transport.DialWebSocket.String(),
		HandshakeTimeout: 10 * time.Second,
		Retry:            DefaultRetryConfig(),
		Subject:          "telem-client",
	}
}

// Client opens streams on one transport.
type Client struct {
	cfg Config
	t   *transport.Transport
	log zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a client for cfg.
func New(cfg Config, log zerolog.Logger) (*Client, error) {
	mode, err := transport.ParseDialMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	var dialer transport.Dialer = transport.WebSocketDialer{}
	if mode == transport.DialQUIC {
		dialer = transport.QUICDialer{TLSConfig: transport.ClientTLSConfig(cfg.CertFingerprint)}
	}
	log = log.With().Str("component", "client").Logger()
	opts := []transport.Option{transport.WithDialer(dialer), transport.WithLogger(log)}
	if cfg.HandshakeTimeout > 0 {
		opts = append(opts, transport.WithHandshakeTimeout(cfg.HandshakeTimeout))
	}
	t, err := transport.New(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}

	switch {
	case cfg.Token != "":
		t.Use(auth.ClientMiddleware(auth.StaticToken(cfg.Token)))
	case cfg.Passkey != "":
		passkey, err := auth.ParsePasskey(cfg.Passkey)
		if err != nil {
			return nil, err
		}
		subject := cfg.Subject
		t.Use(auth.ClientMiddleware(auth.RefreshingToken(func(context.Context) (string, error) {
			return auth.IssueToken(passkey, subject, defaultTokenTTL)
		})))
	}

	return &Client{
		cfg: cfg,
		t:   t,
		log: log,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Transport returns the client's transport.
func (c *Client) Transport() *transport.Transport { return c.t }

// OpenWriter opens a writer, retrying failed dials.
func (c *Client) OpenWriter(ctx context.Context, cfg framer.WriterConfig, schema *framer.Schema) (*framer.Writer, error) {
	return retry(ctx, c, framer.WriterTarget, func(ctx context.Context) (*framer.Writer, error) {
		return framer.OpenWriter(ctx, c.t, cfg, schema)
	})
}

// OpenStreamer opens a streamer, retrying failed dials.
func (c *Client) OpenStreamer(ctx context.Context, keys []telem.ChannelKey, schema *framer.Schema) (*framer.Streamer, error) {
	return retry(ctx, c, framer.StreamerTarget, func(ctx context.Context) (*framer.Streamer, error) {
		return framer.OpenStreamer(ctx, c.t, keys, schema)
	})
}

func (c *Client) backoff(attempt int) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return NextBackoffDelay(c.cfg.Retry, attempt, c.rng)
}

// retry runs open until it succeeds, fails with something other than a
// dial error, or runs out of attempts. A server that answered and refused
// is never retried.
func retry[T any](ctx context.Context, c *Client, target string, open func(context.Context) (T, error)) (T, error) {
	attempts := max(c.cfg.Retry.MaxAttempts, 1)
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := open(ctx)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, transport.ErrDial) || attempt >= attempts {
			return zero, err
		}
		delay := c.backoff(attempt)
		c.log.Warn().Err(err).
			Str("target", target).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("open failed, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("%w (last error: %w)", ctx.Err(), err)
		}
	}
}
