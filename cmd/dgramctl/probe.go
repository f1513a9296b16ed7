package main

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"time"

	"github.com/andaru/dgram/udpserver"
	"github.com/andaru/dgram/xmlmatch"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type probeOptions struct {
	listen    string
	timeout   time.Duration
	hexInput  bool
	messageID string
}

func newProbeCmd(a *app) *cobra.Command {
	var o probeOptions
	cmd := &cobra.Command{
		Use:   "probe <remote host:port> <payload>",
		Short: "Send a payload and print the reply, or \"timeout\"",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.probe(cmd, o, args[0], args[1])
		},
	}
	cmd.Flags().StringVarP(&o.listen, "listen", "l", "", "local host:port to bind (overrides server.listen)")
	cmd.Flags().DurationVarP(&o.timeout, "timeout", "t", 0, "reply timeout (overrides session.timeout)")
	cmd.Flags().BoolVar(&o.hexInput, "hex", false, "payload is hex encoded")
	cmd.Flags().StringVar(&o.messageID, "message-id", "", "only accept an <rpc-reply> with this message-id")
	return cmd
}

func (a *app) probe(cmd *cobra.Command, o probeOptions, remoteArg, payload string) error {
	remote, err := netip.ParseAddrPort(remoteArg)
	if err != nil {
		return errors.Wrap(err, "remote")
	}
	msg := []byte(payload)
	if o.hexInput {
		if msg, err = hex.DecodeString(payload); err != nil {
			return errors.Wrap(err, "payload")
		}
	}

	cfg, err := a.cfg.ServerConfig(&a.logger)
	if err != nil {
		return err
	}
	if o.listen != "" {
		cfg.Listen = o.listen
	}
	if o.timeout > 0 {
		cfg.Session.Timeout = o.timeout
	}
	if o.messageID != "" {
		cfg.Session.Matcher = xmlmatch.MessageID(o.messageID)
	}

	srv, err := udpserver.Listen(cfg)
	if err != nil {
		return err
	}
	defer srv.Close()
	sess, err := srv.Session(remote)
	if err != nil {
		return err
	}
	b, err := encoderFor(cfg.NewFramer)(msg)
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}

	a.logger.Debug().Str("session", sess.String()).Dur("timeout", cfg.Session.Timeout).Msg("probing")
	reply, err := sess.SendAndAwait(cmd.Context(), b, cfg.Session.Timeout)
	if err != nil {
		return err
	}
	if reply == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "timeout")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(reply))
	return nil
}
