package session

import (
	"net/netip"
	"time"

	"github.com/andaru/dgram/framing"
	"github.com/andaru/dgram/stats"
	"github.com/rs/zerolog"
)

// Server is the datagram socket owner shared by many Sessions.
type Server interface {
	// LocalAddr returns the bound local address.
	LocalAddr() netip.AddrPort
	// Options returns the Server's current options.
	Options() ServerOptions
	// TransmitTo sends b as one datagram to remote.
	TransmitTo(b []byte, remote netip.AddrPort) error
	// BeginReceiving registers s to be delivered datagrams from its
	// remote endpoint, starting the Server's receive path if needed.
	BeginReceiving(s *Session) error
	// CheckAndEnableBroadcast enables broadcast transmission on the
	// socket if remote is a broadcast address.
	CheckAndEnableBroadcast(remote netip.AddrPort) error
}

// ServerOptions is Server-owned configuration visible to its Sessions.
type ServerOptions struct {
	// ThrowOnError makes receive errors terminate the Server instead of
	// being logged.
	ThrowOnError bool `toml:"throw_on_error" yaml:"throw_on_error"`
	// AsyncProcessing delivers datagrams to Sessions from per-session
	// workers rather than the receive loop.
	AsyncProcessing bool `toml:"async_processing" yaml:"async_processing"`
	// BufferSize is the receive buffer size, and so the largest datagram
	// the Server accepts.
	BufferSize int `toml:"buffer_size" yaml:"buffer_size"`
}

// FramingPolicy decides what a Session does with a framing error.
type FramingPolicy int

const (
	// FramingFatal logs the error, raises the Error event and disposes
	// the Session.
	FramingFatal FramingPolicy = iota
	// FramingDrop logs the error, resets the Framer and carries on.
	FramingDrop
)

func (p FramingPolicy) String() string {
	if p == FramingDrop {
		return "drop"
	}
	return "fatal"
}

// Matcher reports whether msg may resolve an outstanding SendAndAwait.
type Matcher func(msg []byte) bool

// Config contains Session configuration
type Config struct {
	// ID identifies the Session within its Server. Defaults to the
	// remote endpoint's string form.
	ID string
	// Timeout bounds Receive. Zero waits until a message arrives or the
	// Session is disposed.
	Timeout time.Duration

	// LogSend and LogReceive enable a debug line per datagram sent or
	// message received.
	LogSend    bool
	LogReceive bool
	// CountReceiveBytes enables reporting received datagrams to RecvStats.
	CountReceiveBytes bool

	// Framer splits received datagrams into messages; nil means each
	// datagram is one message.
	Framer        framing.Framer
	FramingPolicy FramingPolicy
	// Matcher selects which message resolves an outstanding
	// SendAndAwait; nil accepts any message.
	Matcher Matcher

	SendStats stats.Sink
	RecvStats stats.Sink

	// Logger defaults to a disabled logger.
	Logger *zerolog.Logger

	// OnDisposed, if set, is called once when the Session is disposed,
	// after its subscribers are closed.
	OnDisposed func(*Session)
}
