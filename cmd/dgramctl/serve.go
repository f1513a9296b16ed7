package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/andaru/dgram/framing"
	"github.com/andaru/dgram/session"
	"github.com/andaru/dgram/stats"
	"github.com/andaru/dgram/udpserver"
	"github.com/spf13/cobra"
)

// serveReady, if set, is called with the Server once it is listening.
var serveReady func(*udpserver.Server)

func newServeCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Echo every received message back to its sender",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				a.cfg.Server.Listen = listen
			}
			return a.serve(cmd)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "local host:port to bind (overrides server.listen)")
	return cmd
}

func (a *app) serve(cmd *cobra.Command) error {
	cfg, err := a.cfg.ServerConfig(&a.logger)
	if err != nil {
		return err
	}
	var sent, recv stats.Counter
	cfg.Session.SendStats = &sent
	cfg.Session.RecvStats = &recv
	cfg.Session.CountReceiveBytes = true
	cfg.OnNewSession = func(s *session.Session) {
		echo := encoderFor(cfg.NewFramer)
		s.OnReceived(func(ev session.ReceivedEvent) {
			b, err := echo(ev.Message)
			if err != nil {
				a.logger.Warn().Err(err).Str("session", ev.Session.ID()).Msg("echo encode failed")
				return
			}
			ev.Session.Send(b)
		})
		s.OnError(func(ev session.ErrorEvent) {
			a.logger.Warn().Err(ev.Err).Str("action", ev.Action).Str("session", ev.Session.String()).Msg("session error")
		})
	}

	srv, err := udpserver.Listen(cfg)
	if err != nil {
		return err
	}
	a.logger.Info().Str("listen", srv.LocalAddr().String()).Msg("serving")
	if serveReady != nil {
		serveReady(srv)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = srv.Serve(ctx)
	a.logger.Info().
		Interface("sent", sent.Snapshot()).
		Interface("received", recv.Snapshot()).
		Msg("server stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// encoderFor returns the encoder of the configured framing.
func encoderFor(newFramer func() framing.Framer) func([]byte) ([]byte, error) {
	if newFramer != nil {
		if enc, ok := newFramer().(framing.Encoder); ok {
			return enc.Encode
		}
	}
	return func(b []byte) ([]byte, error) { return b, nil }
}
