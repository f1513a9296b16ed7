// Package config loads server and session settings from TOML or YAML
// files.
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/andaru/dgram/framing"
	"github.com/andaru/dgram/session"
	"github.com/andaru/dgram/udpserver"
	"github.com/andaru/dgram/xmlmatch"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Framing names accepted by the session.framing key.
const (
	FramingPassthrough = "passthrough"
	FramingEOM         = "eom"
	FramingChunked     = "chunked"
	FramingLength16    = "length16"
	FramingLength32    = "length32"
)

const (
	// DefaultListen is the listen address used when none is configured.
	DefaultListen = "0.0.0.0:0"
	// DefaultMaxBuffer bounds the partial message bytes a session's
	// framer retains.
	DefaultMaxBuffer = 64 * 1024
)

// File is the on-disk configuration.
type File struct {
	Server  Server  `toml:"server" yaml:"server"`
	Session Session `toml:"session" yaml:"session"`
}

// Server is the [server] table.
type Server struct {
	Listen                string `toml:"listen" yaml:"listen"`
	session.ServerOptions `yaml:",inline"`
}

// Session is the [session] table.
type Session struct {
	// Timeout is a time.ParseDuration string bounding Receive.
	Timeout           string `toml:"timeout" yaml:"timeout"`
	LogSend           bool   `toml:"log_send" yaml:"log_send"`
	LogReceive        bool   `toml:"log_receive" yaml:"log_receive"`
	CountReceiveBytes bool   `toml:"count_receive_bytes" yaml:"count_receive_bytes"`
	Framing           string `toml:"framing" yaml:"framing"`
	FramingPolicy     string `toml:"framing_policy" yaml:"framing_policy"`
	// MaxBuffer limits the partial message bytes retained between
	// datagrams; 0 means no limit. Ignored by passthrough framing.
	MaxBuffer int `toml:"max_buffer" yaml:"max_buffer"`
	// MatchXPath, if set, restricts which messages resolve SendAndAwait.
	MatchXPath string `toml:"match_xpath" yaml:"match_xpath"`
}

// Default returns the configuration used for keys a file leaves unset.
func Default() File {
	return File{
		Server: Server{
			Listen:        DefaultListen,
			ServerOptions: session.ServerOptions{BufferSize: udpserver.DefaultBufferSize},
		},
		Session: Session{
			Timeout:       "5s",
			Framing:       FramingPassthrough,
			FramingPolicy: session.FramingFatal.String(),
			MaxBuffer:     DefaultMaxBuffer,
		},
	}
}

// Load reads and validates the configuration at path. Files ending in
// .yaml or .yml are parsed as YAML, all others as TOML.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, errors.Wrapf(err, "config load failed (%s)", path)
	}
	format := "toml"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	}
	f, err := Parse(data, format)
	if err != nil {
		return File{}, errors.Wrapf(err, "config %s", path)
	}
	return f, nil
}

// Parse decodes data in the named format ("toml" or "yaml") over the
// defaults and validates the result.
func Parse(data []byte, format string) (File, error) {
	f := Default()
	switch format {
	case "toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
			return File{}, errors.Wrap(err, "parse failed")
		}
	case "yaml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return File{}, errors.Wrap(err, "parse failed")
		}
	default:
		return File{}, errors.Errorf("unknown config format %q", format)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate checks every field of f.
func (f File) Validate() error {
	if strings.TrimSpace(f.Server.Listen) == "" {
		return errors.New("server.listen is required")
	}
	if f.Server.BufferSize < 0 {
		return errors.Errorf("server.buffer_size %d is negative", f.Server.BufferSize)
	}
	if _, err := f.timeout(); err != nil {
		return err
	}
	if f.Session.MaxBuffer < 0 {
		return errors.Errorf("session.max_buffer %d is negative", f.Session.MaxBuffer)
	}
	if _, err := newFramerFunc(f.Session.Framing, f.Session.MaxBuffer); err != nil {
		return err
	}
	if _, err := parsePolicy(f.Session.FramingPolicy); err != nil {
		return err
	}
	if _, err := f.matcher(); err != nil {
		return err
	}
	return nil
}

// ServerOptions returns the [server] options.
func (f File) ServerOptions() session.ServerOptions { return f.Server.ServerOptions }

// NewFramer returns a factory for the configured framing.
func (f File) NewFramer() (func() framing.Framer, error) {
	return newFramerFunc(f.Session.Framing, f.Session.MaxBuffer)
}

// SessionConfig returns the [session] settings as a session.Config with
// its own Framer.
func (f File) SessionConfig() (session.Config, error) {
	timeout, err := f.timeout()
	if err != nil {
		return session.Config{}, err
	}
	newFramer, err := f.NewFramer()
	if err != nil {
		return session.Config{}, err
	}
	policy, err := parsePolicy(f.Session.FramingPolicy)
	if err != nil {
		return session.Config{}, err
	}
	m, err := f.matcher()
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		Timeout:           timeout,
		LogSend:           f.Session.LogSend,
		LogReceive:        f.Session.LogReceive,
		CountReceiveBytes: f.Session.CountReceiveBytes,
		Framer:            newFramer(),
		FramingPolicy:     policy,
		Matcher:           m,
	}, nil
}

// ServerConfig returns a udpserver.Config for f, logging to logger.
func (f File) ServerConfig(logger *zerolog.Logger) (udpserver.Config, error) {
	sc, err := f.SessionConfig()
	if err != nil {
		return udpserver.Config{}, err
	}
	newFramer, err := f.NewFramer()
	if err != nil {
		return udpserver.Config{}, err
	}
	sc.Logger = logger
	return udpserver.Config{
		Listen:        f.Server.Listen,
		ServerOptions: f.ServerOptions(),
		Session:       sc,
		NewFramer:     newFramer,
		Logger:        logger,
	}, nil
}

func (f File) timeout() (time.Duration, error) {
	s := strings.TrimSpace(f.Session.Timeout)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrap(err, "session.timeout")
	}
	if d < 0 {
		return 0, errors.Errorf("session.timeout %s is negative", d)
	}
	return d, nil
}

func (f File) matcher() (session.Matcher, error) {
	if strings.TrimSpace(f.Session.MatchXPath) == "" {
		return nil, nil
	}
	m, err := xmlmatch.Compile(f.Session.MatchXPath)
	if err != nil {
		return nil, errors.Wrap(err, "session.match_xpath")
	}
	return m, nil
}

func newFramerFunc(name string, maxBuffer int) (func() framing.Framer, error) {
	limit := framing.WithMaxBuffer(maxBuffer)
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", FramingPassthrough:
		return framing.Passthrough, nil
	case FramingEOM:
		return func() framing.Framer { return framing.NewEOM(limit) }, nil
	case FramingChunked:
		return func() framing.Framer { return framing.NewChunked(limit) }, nil
	case FramingLength16:
		return func() framing.Framer { return framing.NewLengthPrefixed(2, limit) }, nil
	case FramingLength32:
		return func() framing.Framer { return framing.NewLengthPrefixed(4, limit) }, nil
	}
	return nil, errors.Errorf("session.framing %q unknown", name)
}

func parsePolicy(name string) (session.FramingPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", session.FramingFatal.String():
		return session.FramingFatal, nil
	case session.FramingDrop.String():
		return session.FramingDrop, nil
	}
	return 0, errors.Errorf("session.framing_policy %q unknown", name)
}
