package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// QUIC stream framing: [4B payload_length big-endian][1B frame_type].
const (
	frameHeaderSize = 5
	maxFrameSize    = 16 * 1024 * 1024

	frameUpgrade byte = 0x01 // request URI, first frame from the client
	frameClose   byte = 0x12 // u16 close code + reason
	frameMessage byte = 0x20
)

var errFrameTooLarge = errors.New("frame exceeds maximum size")

func writeFrame(w io.Writer, typ byte, payload []byte) error {
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(payload)))
	header[4] = typ
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(header[:4])
	if n > maxFrameSize {
		return 0, nil, errFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return header[4], payload, nil
}

func encodeClose(code int, reason string) []byte {
	b := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(b, uint16(code))
	copy(b[2:], reason)
	return b
}

func decodeClose(p []byte) *CloseError {
	if len(p) < 2 {
		return &CloseError{Code: CloseProtocolError, Reason: "short close frame"}
	}
	return &CloseError{Code: int(binary.BigEndian.Uint16(p)), Reason: string(p[2:])}
}

// quicConn carries one message stream over a single bidirectional QUIC
// stream.
type quicConn struct {
	qconn     *quic.Conn
	stream    *quic.Stream
	tr        *quic.Transport // client side only; keeps the UDP socket alive
	writeMu   sync.Mutex
	readDone  chan struct{}
	readOnce  sync.Once
	closeOnce sync.Once
}

func newQUICConn(qconn *quic.Conn, stream *quic.Stream, tr *quic.Transport) *quicConn {
	return &quicConn{qconn: qconn, stream: stream, tr: tr, readDone: make(chan struct{})}
}

func (c *quicConn) ReadMessage() ([]byte, error) {
	typ, p, err := readFrame(c.stream)
	if err != nil {
		c.markReadDone()
		return nil, quicCloseError(err)
	}
	switch typ {
	case frameMessage:
		return p, nil
	case frameClose:
		c.markReadDone()
		return nil, decodeClose(p)
	default:
		c.markReadDone()
		return nil, &CloseError{Code: CloseProtocolError, Reason: fmt.Sprintf("unexpected frame type %#x", typ)}
	}
}

func (c *quicConn) markReadDone() { c.readOnce.Do(func() { close(c.readDone) }) }

func quicCloseError(err error) error {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return &CloseError{Code: int(appErr.ErrorCode), Reason: appErr.ErrorMessage}
	}
	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) {
		return &CloseError{Code: int(streamErr.ErrorCode), Reason: streamErr.Error()}
	}
	if errors.Is(err, io.EOF) {
		return &CloseError{Code: CloseAbnormal, Reason: "stream ended without close frame"}
	}
	return &CloseError{Code: CloseAbnormal, Reason: err.Error()}
}

func (c *quicConn) WriteMessage(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.stream, frameMessage, p)
}

func (c *quicConn) Close() error { return c.Abort(CloseNormal, "") }

// Abort writes a close frame and finishes the send side. A normal close
// waits for the peer's close frame before closing the QUIC connection;
// any other code tears it down immediately.
func (c *quicConn) Abort(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		err = writeFrame(c.stream, frameClose, encodeClose(code, reason))
		c.stream.Close()
		c.writeMu.Unlock()

		if code == CloseNormal && err == nil {
			select {
			case <-c.readDone:
			case <-time.After(closeLinger):
			}
		}
		c.stream.CancelRead(quic.StreamErrorCode(code))
		c.qconn.CloseWithError(quic.ApplicationErrorCode(code), reason)
		if c.tr != nil {
			c.tr.Close()
		}
	})
	return err
}

// QUICDialer dials QUIC connections. The URL host selects the UDP address;
// the path and query travel in the first frame.
type QUICDialer struct {
	TLSConfig *tls.Config
	Config    *quic.Config
}

func (d QUICDialer) Protocol() string { return "quic" }

func (d QUICDialer) Dial(ctx context.Context, u *url.URL) (Conn, error) {
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrDial, u.Host, err)
	}
	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: listen UDP: %w", ErrDial, err)
	}

	tr := &quic.Transport{Conn: udpConn}
	tlsConf := d.TLSConfig
	if tlsConf == nil {
		tlsConf = ClientTLSConfig("")
	}
	quicConf := d.Config
	if quicConf == nil {
		quicConf = defaultQUICConfig()
	}

	qconn, err := tr.Dial(ctx, addr, tlsConf, quicConf)
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("%w: QUIC dial: %w", ErrDial, err)
	}
	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(quic.ApplicationErrorCode(CloseAbnormal), "open stream failed")
		tr.Close()
		return nil, fmt.Errorf("%w: open stream: %w", ErrDial, err)
	}
	// Announces the stream to the server; QUIC sends nothing until the
	// first write.
	if err := writeFrame(stream, frameUpgrade, []byte(u.RequestURI())); err != nil {
		qconn.CloseWithError(quic.ApplicationErrorCode(CloseAbnormal), "upgrade failed")
		tr.Close()
		return nil, fmt.Errorf("%w: write upgrade: %w", ErrDial, err)
	}
	return newQUICConn(qconn, stream, tr), nil
}

func defaultQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:    30 * time.Second,
		KeepAlivePeriod:   10 * time.Second,
		InitialPacketSize: 1200,
	}
}
