package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/chronologos/telem/internal/auth"
	"github.com/chronologos/telem/internal/session"
	"github.com/chronologos/telem/internal/transport"
	"github.com/chronologos/telem/internal/version"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	flags := cmd.Flags()
	flags.String("addr", "", "HTTP/WebSocket listen address")
	flags.String("quic-addr", "", "QUIC listen address (disabled when empty)")
	_ = a.v.BindPFlag("server.addr", flags.Lookup("addr"))
	_ = a.v.BindPFlag("server.quic_addr", flags.Lookup("quic-addr"))
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	chs, err := cfg.Relay.FramerChannels()
	if err != nil {
		return err
	}
	reg, err := session.NewRegistry(chs...)
	if err != nil {
		return err
	}
	relay := session.New(reg, session.Config{SubscriberBuffer: cfg.Relay.SubscriberBuffer}, a.log)
	srv := transport.NewServer(cfg.Server.ServerConfig, relay.Codecs(), a.log)

	if cfg.Server.Passkey != "" {
		passkey, err := auth.ParsePasskey(cfg.Server.Passkey)
		if err != nil {
			return err
		}
		srv.Use(auth.ServerMiddleware(passkey))
		a.log.Info().Msg("bearer token auth enabled")
	}
	relay.Register(srv)

	srv.Router.Handle(cfg.Server.MetricsPath, promhttp.Handler())
	srv.Router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	errCh := make(chan error, 1)
	if cfg.Server.QUICAddr != "" {
		ln, err := a.listenQUIC(srv)
		if err != nil {
			return err
		}
		a.log.Info().Str("fingerprint", ln.Fingerprint()).Msg("QUIC certificate")
		go func() { errCh <- ln.Serve(ctx) }()
	}

	a.log.Info().Int("channels", len(chs)).Str("version", version.String()).Msg("relay ready")
	if err := srv.Start(ctx); err != nil {
		return err
	}
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (a *app) listenQUIC(srv *transport.Server) (*transport.QUICListener, error) {
	cfg := a.cfg.Server
	if cfg.TLSCert == "" {
		return transport.ListenQUIC(cfg.QUICAddr, srv)
	}
	cert, err := transport.LoadCertificate(cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		return nil, err
	}
	return transport.ListenQUICWithCert(cfg.QUICAddr, srv, cert)
}
