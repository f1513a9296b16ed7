package main

import (
	"io"
	"os"
	"time"

	"github.com/andaru/dgram/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app is the state shared by subcommands, set up before each runs.
type app struct {
	cfgFile  string
	logLevel string

	cfg    config.File
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "dgramctl",
		Short:         "Run and probe UDP datagram sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "TOML or YAML config file (defaults apply when unset)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	root.AddCommand(newServeCmd(a), newProbeCmd(a))
	return root
}

func (a *app) setup(logOut io.Writer) error {
	level, err := zerolog.ParseLevel(a.logLevel)
	if err != nil {
		return errors.Wrap(err, "--log-level")
	}
	a.logger = newLogger(logOut, level)

	a.cfg = config.Default()
	if a.cfgFile != "" {
		if a.cfg, err = config.Load(a.cfgFile); err != nil {
			return errors.Wrap(err, "failed to load config")
		}
	}
	return nil
}

func newLogger(out io.Writer, level zerolog.Level) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	cw := zerolog.ConsoleWriter{Out: zerolog.SyncWriter(out), TimeFormat: time.RFC3339}
	return zerolog.New(cw).Level(level).With().Timestamp().Str("app", "dgramctl").Logger()
}
