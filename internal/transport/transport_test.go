package transport

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologos/telem/internal/codec"
	"github.com/chronologos/telem/internal/middleware"
	"github.com/chronologos/telem/internal/protocol"
)

var errBoom = errors.New("boom")

func echoHandler(ctx context.Context, stream *Stream[string, string]) error {
	for {
		v, err := stream.Receive()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if v == "fail" {
			return errBoom
		}
		if err := stream.Send(strings.ToUpper(v)); err != nil {
			return err
		}
	}
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.CloseTimeout = time.Second
	srv := NewServer(cfg, codec.NewRegistry(), zerolog.Nop())
	Handle(srv, "/echo", echoHandler)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func newTestTransport(t *testing.T, url string, opts ...Option) *Transport {
	t.Helper()
	tr, err := New(url, append([]Option{WithHandshakeTimeout(2 * time.Second)}, opts...)...)
	require.NoError(t, err)
	return tr
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestWebSocketEcho(t *testing.T) {
	_, ts := newTestServer(t)
	tr := newTestTransport(t, ts.URL)

	stream, err := Open[string, string](testContext(t), tr, "/echo")
	require.NoError(t, err)

	for _, word := range []string{"alpha", "beta"} {
		require.NoError(t, stream.Send(word))
		v, err := stream.Receive()
		require.NoError(t, err)
		assert.Equal(t, strings.ToUpper(word), v)
	}

	require.NoError(t, stream.CloseSend())
	_, err = stream.Receive()
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, stream.Send("late"), io.EOF)
}

func TestWebSocketHandlerError(t *testing.T) {
	_, ts := newTestServer(t)
	tr := newTestTransport(t, ts.URL)

	stream, err := Open[string, string](testContext(t), tr, "/echo")
	require.NoError(t, err)
	require.NoError(t, stream.Send("fail"))

	_, err = stream.Receive()
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "boom", remote.Data)
	require.NoError(t, stream.CloseSend())
}

func TestMiddlewareParamsReachServer(t *testing.T) {
	srv, ts := newTestServer(t)
	errDenied := errors.New("denied")
	srv.Use(func(ctx context.Context, md middleware.Context, next middleware.Next) (middleware.Context, error) {
		if v, _ := md.Get("token"); v != "secret" {
			return md, errDenied
		}
		return next(ctx, md)
	})

	tr := newTestTransport(t, ts.URL)
	_, err := Open[string, string](testContext(t), tr, "/echo")
	require.ErrorIs(t, err, ErrHandshakeFailed)
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "denied", remote.Data)

	tr.Use(func(ctx context.Context, md middleware.Context, next middleware.Next) (middleware.Context, error) {
		md.Set("token", "secret")
		return next(ctx, md)
	})
	stream, err := Open[string, string](testContext(t), tr, "/echo")
	require.NoError(t, err)
	require.NoError(t, stream.CloseSend())
}

func TestOpenClosesStreamWhenMiddlewareFailsAfterNext(t *testing.T) {
	srv, ts := newTestServer(t)
	ended := make(chan error, 1)
	Handle(srv, "/hold", func(ctx context.Context, stream *Stream[string, string]) error {
		_, err := stream.Receive()
		ended <- err
		return nil
	})

	tr := newTestTransport(t, ts.URL)
	tr.Use(func(ctx context.Context, md middleware.Context, next middleware.Next) (middleware.Context, error) {
		md, err := next(ctx, md)
		if err != nil {
			return md, err
		}
		return md, errBoom
	})
	stream, err := Open[string, string](testContext(t), tr, "/hold")
	require.ErrorIs(t, err, errBoom)
	assert.Nil(t, stream)

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("server stream still open after the client open failed")
	}
}

type aliasCodec struct{ codec.Codec }

func (aliasCodec) ContentType() string { return "application/x-unknown" }

func TestUnsupportedContentTypeIsRejected(t *testing.T) {
	_, ts := newTestServer(t)
	tr := newTestTransport(t, ts.URL).WithCodec(aliasCodec{codec.JSON})

	_, err := Open[string, string](testContext(t), tr, "/echo")
	require.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Contains(t, err.Error(), "unsupported content type")
}

func TestUnknownTargetFailsToDial(t *testing.T) {
	_, ts := newTestServer(t)
	tr := newTestTransport(t, ts.URL)
	_, err := Open[string, string](testContext(t), tr, "/missing")
	assert.ErrorIs(t, err, ErrDial)
}

func TestWithCodecSharesMiddleware(t *testing.T) {
	tr := newTestTransport(t, "http://localhost:9090")
	alt := tr.WithCodec(aliasCodec{codec.JSON})
	tr.Use(func(ctx context.Context, md middleware.Context, next middleware.Next) (middleware.Context, error) {
		return next(ctx, md)
	})
	assert.Equal(t, 1, alt.chain.Len())
	assert.Equal(t, protocol.ContentTypeJSON, tr.Codec().ContentType())
	assert.Equal(t, "application/x-unknown", alt.Codec().ContentType())
}

func TestTransportURL(t *testing.T) {
	tr := newTestTransport(t, "http://localhost:9090/api")
	md := middleware.New("/frame/write", "websocket")
	md.Set("Authorization", "Bearer abc")

	u, err := tr.URL("/frame/write?name=w1", md)
	require.NoError(t, err)
	assert.Equal(t, "/api/frame/write", u.Path)
	q := u.Query()
	assert.Equal(t, protocol.ContentTypeJSON, q.Get(protocol.ContentTypeKey))
	assert.Equal(t, "Bearer abc", q.Get(protocol.MetadataPrefix+"Authorization"))
	assert.Equal(t, "w1", q.Get("name"))

	_, err = tr.URL("/x?"+protocol.MetadataPrefix+"a=1", md)
	assert.Error(t, err)
}

func TestTransportURLRootsPath(t *testing.T) {
	for _, base := range []string{"http://localhost:9090", "quic://127.0.0.1:4433", "http://localhost:9090/"} {
		tr := newTestTransport(t, base)
		u, err := tr.URL("echo", middleware.New("echo", "websocket"))
		require.NoError(t, err, base)
		assert.Equal(t, "/echo", u.Path, base)
		_, err = url.ParseRequestURI(u.RequestURI())
		assert.NoError(t, err, base)
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("not a url")
	assert.Error(t, err)
}

func TestParseDialMode(t *testing.T) {
	m, err := ParseDialMode("QUIC")
	require.NoError(t, err)
	assert.Equal(t, DialQUIC, m)
	m, err = ParseDialMode("")
	require.NoError(t, err)
	assert.Equal(t, DialWebSocket, m)
	_, err = ParseDialMode("carrier-pigeon")
	assert.Error(t, err)
}
