package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chronologos/telem/internal/codec"
	"github.com/chronologos/telem/internal/metrics"
	"github.com/chronologos/telem/internal/middleware"
	"github.com/chronologos/telem/internal/protocol"
)

// ServerConfig defines runtime parameters for the stream server.
type ServerConfig struct {
	ListenAddr        string        `mapstructure:"addr" yaml:"addr"`
	QUICAddr          string        `mapstructure:"quic_addr" yaml:"quic_addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	// CloseTimeout bounds how long the server waits for a client to close
	// its side after the handler returns.
	CloseTimeout time.Duration `mapstructure:"close_timeout" yaml:"close_timeout"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:        ":9090",
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		CloseTimeout:      5 * time.Second,
	}
}

type route func(ctx context.Context, conn Conn, c codec.Codec, md middleware.Context, reject error)

// Server accepts streams over WebSocket (HTTP upgrade) and, when a QUIC
// listener is attached, over QUIC.
type Server struct {
	cfg      ServerConfig
	log      zerolog.Logger
	codecs   *codec.Registry
	chain    middleware.Chain
	upgrader websocket.Upgrader

	Router *mux.Router
	http   *http.Server

	mu     sync.RWMutex
	routes map[string]route
	ln     net.Listener
}

// NewServer creates a Server. codecs selects the codec for each connection
// by the client's content type.
func NewServer(cfg ServerConfig, codecs *codec.Registry, log zerolog.Logger) *Server {
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultServerConfig().CloseTimeout
	}
	r := mux.NewRouter()
	s := &Server{
		cfg:    cfg,
		log:    log.With().Str("component", "stream-server").Logger(),
		codecs: codecs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		Router: r,
		routes: make(map[string]route),
	}
	s.http = &http.Server{
		Addr: cfg.ListenAddr,
		Handler: handlers.RecoveryHandler(
			handlers.RecoveryLogger(recoveryLogger{s.log}),
		)(handlers.ProxyHeaders(r)),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s
}

type recoveryLogger struct{ log zerolog.Logger }

func (l recoveryLogger) Println(v ...any) {
	l.log.Error().Msg(fmt.Sprint(v...))
}

// Use appends server middleware. It runs for every stream before the
// handler, with the client's params stripped of their reserved prefix.
func (s *Server) Use(mw ...middleware.Middleware) { s.chain.Use(mw...) }

// ServeHTTP serves WebSocket upgrades and any other routes on Router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.http.Handler.ServeHTTP(w, r)
}

// Handler is a typed stream handler. The stream receives RQ and sends RS.
// Returning nil closes the stream cleanly; an error is sent to the client
// in the close message.
type Handler[RQ, RS any] func(ctx context.Context, stream *Stream[RS, RQ]) error

// Handle registers h for target.
func Handle[RQ, RS any](s *Server, target string, h Handler[RQ, RS]) {
	s.mu.Lock()
	s.routes[target] = func(ctx context.Context, conn Conn, c codec.Codec, md middleware.Context, reject error) {
		stream := newStream[RS, RQ](conn, c, s.log, roleServer, target)
		serveStream(ctx, s, stream, md, reject, h)
	}
	s.mu.Unlock()
	s.Router.HandleFunc(target, func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn().Err(err).Str("target", target).Msg("websocket upgrade failed")
			return
		}
		s.serveConn(r.Context(), newWSConn(ws), r.URL, "websocket")
	})
}

func (s *Server) route(target string) (route, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.routes[target]
	return rt, ok
}

// serveConn dispatches an accepted connection to the handler registered
// for u's path.
func (s *Server) serveConn(ctx context.Context, conn Conn, u *url.URL, proto string) {
	rt, ok := s.route(u.Path)
	if !ok {
		s.log.Warn().Str("target", u.Path).Msg("unknown target")
		conn.Abort(ClosePolicyViolation, ErrUnknownTarget.Error())
		return
	}
	md := middleware.New(u.Path, proto)
	q := u.Query()
	for k, vs := range q {
		if name, ok := strings.CutPrefix(k, protocol.MetadataPrefix); ok && len(vs) > 0 {
			md.Params[name] = vs[0]
		}
	}
	ct := q.Get(protocol.ContentTypeKey)
	c, ok := s.codecs.Get(ct)
	var reject error
	if !ok {
		c = s.codecs.Default()
		reject = fmt.Errorf("%w: %q", ErrUnsupportedContentType, ct)
	}
	rt(ctx, conn, c, md, reject)
}

func serveStream[RQ, RS any](ctx context.Context, s *Server, stream *Stream[RS, RQ], md middleware.Context, reject error, h Handler[RQ, RS]) {
	log := stream.log
	opened := false
	var handlerErr error
	err := reject
	if err == nil {
		_, err = s.chain.Exec(ctx, md, func(ctx context.Context, md middleware.Context) (middleware.Context, error) {
			if err := stream.write(protocol.Open[RS](nil)); err != nil {
				return md, err
			}
			opened = true
			handlerErr = h(middleware.WithContext(ctx, md), stream)
			return md, nil
		})
	}

	outcome := metrics.OutcomeOK
	switch {
	case !opened:
		outcome = metrics.OutcomeRejected
		log.Info().Err(err).Msg("stream rejected")
		if werr := stream.write(protocol.Open[RS](err)); werr != nil {
			log.Debug().Err(werr).Msg("write rejection")
		}
		stream.mu.Lock()
		stream.sendClosed = true
		stream.mu.Unlock()
	default:
		if handlerErr != nil && !errors.Is(handlerErr, context.Canceled) {
			outcome = metrics.OutcomeError
			log.Warn().Err(handlerErr).Msg("stream handler failed")
		}
		if err := stream.closeSend(handlerErr); err != nil {
			log.Debug().Err(err).Msg("send close")
		}
	}
	metrics.StreamsTotal.WithLabelValues(roleServer, stream.target, outcome).Inc()

	if !stream.awaitRemoteClose(s.cfg.CloseTimeout) {
		log.Debug().Msg("client did not close in time")
	}
	stream.closeConn()
}

// Start serves HTTP on the configured address until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	// Hijacked connections outlive Shutdown; their handlers stop when ctx does.
	s.http.BaseContext = func(net.Listener) context.Context { return ctx }

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("stream server starting")
	err := s.http.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info().Msg("stream server stopped")
	return nil
}

// Addr returns the bound listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}
