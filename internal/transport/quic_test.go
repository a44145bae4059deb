package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologos/telem/internal/codec"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, frameMessage, []byte("payload")))
	require.NoError(t, writeFrame(&buf, frameClose, encodeClose(CloseGoingAway, "later")))

	typ, p, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, frameMessage, typ)
	assert.Equal(t, "payload", string(p))

	typ, p, err = readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, frameClose, typ)
	assert.Equal(t, &CloseError{Code: CloseGoingAway, Reason: "later"}, decodeClose(p))

	_, _, err = readFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameTooLarge(t *testing.T) {
	header := []byte{0xff, 0xff, 0xff, 0xff, frameMessage}
	_, _, err := readFrame(bytes.NewReader(header))
	assert.ErrorIs(t, err, errFrameTooLarge)
}

func TestQUICEcho(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.CloseTimeout = time.Second
	srv := NewServer(cfg, codec.NewRegistry(), zerolog.Nop())
	Handle(srv, "/echo", echoHandler)

	cert, err := GenerateSelfSignedCert()
	require.NoError(t, err)
	ln, err := ListenQUICWithCert("127.0.0.1:0", srv, cert)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go ln.Serve(ctx)

	tr, err := New(fmt.Sprintf("quic://127.0.0.1:%d", ln.Port()), WithDialer(QUICDialer{}))
	require.NoError(t, err)

	stream, err := Open[string, string](ctx, tr, "/echo")
	require.NoError(t, err)

	require.NoError(t, stream.Send("over quic"))
	v, err := stream.Receive()
	require.NoError(t, err)
	assert.Equal(t, strings.ToUpper("over quic"), v)

	require.NoError(t, stream.CloseSend())
	_, err = stream.Receive()
	assert.ErrorIs(t, err, io.EOF)
}

func TestQUICUnknownTarget(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), codec.NewRegistry(), zerolog.Nop())
	ln, err := ListenQUIC("127.0.0.1:0", srv)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go ln.Serve(ctx)

	tr, err := New(fmt.Sprintf("quic://127.0.0.1:%d", ln.Port()), WithDialer(QUICDialer{}))
	require.NoError(t, err)

	_, err = Open[string, string](ctx, tr, "/missing")
	require.ErrorIs(t, err, ErrHandshakeFailed)
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ClosePolicyViolation, ce.Code)
}

func TestQUICCertificatePinning(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.CloseTimeout = time.Second
	srv := NewServer(cfg, codec.NewRegistry(), zerolog.Nop())
	Handle(srv, "/echo", echoHandler)

	cert, err := GenerateSelfSignedCert("127.0.0.1", "localhost")
	require.NoError(t, err)
	ln, err := ListenQUICWithCert("127.0.0.1:0", srv, cert)
	require.NoError(t, err)
	require.Equal(t, Fingerprint(cert), ln.Fingerprint())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go ln.Serve(ctx)
	base := fmt.Sprintf("quic://127.0.0.1:%d", ln.Port())

	pinned, err := New(base, WithDialer(QUICDialer{TLSConfig: ClientTLSConfig(ln.Fingerprint())}))
	require.NoError(t, err)
	stream, err := Open[string, string](ctx, pinned, "/echo")
	require.NoError(t, err)
	require.NoError(t, stream.CloseSend())

	other, err := GenerateSelfSignedCert()
	require.NoError(t, err)
	wrong, err := New(base, WithDialer(QUICDialer{TLSConfig: ClientTLSConfig(Fingerprint(other))}))
	require.NoError(t, err)
	_, err = Open[string, string](ctx, wrong, "/echo")
	assert.ErrorIs(t, err, ErrDial)
}
