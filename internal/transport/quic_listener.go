package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/quic-go/quic-go"
)

// upgradeTimeout bounds how long an accepted QUIC connection may take to
// open its stream and send the request URI.
const upgradeTimeout = 10 * time.Second

// QUICListener accepts QUIC connections and dispatches each one's stream
// to a Server.
type QUICListener struct {
	tr   *quic.Transport
	ln   *quic.Listener
	port int
	srv  *Server
	fp   string
}

// ListenQUIC listens on addr (e.g. ":9091") with an ephemeral self-signed
// certificate.
func ListenQUIC(addr string, srv *Server) (*QUICListener, error) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate TLS cert: %w", err)
	}
	return ListenQUICWithCert(addr, srv, cert)
}

// ListenQUICWithCert listens on addr using cert.
func ListenQUICWithCert(addr string, srv *Server, cert tls.Certificate) (*QUICListener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(ServerTLSConfig(cert), defaultQUICConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}

	return &QUICListener{
		tr:   tr,
		ln:   ln,
		port: udpConn.LocalAddr().(*net.UDPAddr).Port,
		srv:  srv,
		fp:   Fingerprint(cert),
	}, nil
}

// Port returns the UDP port the listener is bound to.
func (l *QUICListener) Port() int { return l.port }

// Fingerprint returns the SHA-256 fingerprint of the listener's
// certificate, for clients that pin it.
func (l *QUICListener) Fingerprint() string { return l.fp }

// Serve accepts connections until ctx is done or the listener closes.
func (l *QUICListener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	l.srv.log.Info().Int("port", l.port).Msg("QUIC listener starting")
	for {
		qconn, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				l.srv.log.Info().Msg("QUIC listener stopped")
				return nil
			}
			return fmt.Errorf("accept QUIC connection: %w", err)
		}
		go l.handle(ctx, qconn)
	}
}

func (l *QUICListener) handle(ctx context.Context, qconn *quic.Conn) {
	conn, u, err := l.accept(ctx, qconn)
	if err != nil {
		l.srv.log.Warn().Err(err).Str("remote", qconn.RemoteAddr().String()).Msg("QUIC upgrade failed")
		qconn.CloseWithError(quic.ApplicationErrorCode(CloseProtocolError), "upgrade failed")
		return
	}
	l.srv.serveConn(ctx, conn, u, "quic")
}

func (l *QUICListener) accept(ctx context.Context, qconn *quic.Conn) (*quicConn, *url.URL, error) {
	actx, cancel := context.WithTimeout(ctx, upgradeTimeout)
	defer cancel()

	stream, err := qconn.AcceptStream(actx)
	if err != nil {
		return nil, nil, fmt.Errorf("accept stream: %w", err)
	}
	stream.SetReadDeadline(time.Now().Add(upgradeTimeout))
	typ, payload, err := readFrame(stream)
	if err != nil {
		return nil, nil, fmt.Errorf("read upgrade: %w", err)
	}
	stream.SetReadDeadline(time.Time{})
	if typ != frameUpgrade {
		return nil, nil, fmt.Errorf("expected upgrade frame, got %#x", typ)
	}
	u, err := url.ParseRequestURI(string(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("parse request URI: %w", err)
	}
	return newQUICConn(qconn, stream, nil), u, nil
}

// Close shuts down the listener and underlying transport.
func (l *QUICListener) Close() error {
	l.ln.Close()
	return l.tr.Close()
}
