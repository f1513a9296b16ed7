package session

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andaru/dgram/framing"
	"github.com/andaru/dgram/notify"
	"github.com/andaru/dgram/rendezvous"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Actions reported in ErrorEvent.Action.
const (
	ActionSend    = "Send"
	ActionReceive = "Receive"
)

// previewLen bounds the hex preview in receive and send log lines.
const previewLen = 32

var (
	// ErrDisposed is returned by operations on a disposed Session.
	ErrDisposed = errors.New("session disposed")
	// ErrClosed is returned to a SendAndAwait woken by disposal.
	ErrClosed = errors.New("session closed")
	// ErrRequestInFlight is returned by SendAndAwait while another
	// SendAndAwait on the same Session is outstanding.
	ErrRequestInFlight = rendezvous.ErrArmed
	// ErrNoServer is returned by New when no Server is given.
	ErrNoServer = errors.New("session requires a server")
	// ErrNilBuffer is returned by Send for a nil buffer.
	ErrNilBuffer = errors.New("nil send buffer")
	// ErrOutOfRange is returned by SendRange for an invalid offset or count.
	ErrOutOfRange = errors.New("send range out of bounds")
)

// ReceivedEvent is published for every message a Session receives.
type ReceivedEvent struct {
	Message framing.Message
	Remote  netip.AddrPort
	Session *Session
}

// ErrorEvent is raised when a Session operation fails.
type ErrorEvent struct {
	Action  string
	Err     error
	Session *Session
}

// Session is a datagram session with one remote endpoint.
type Session struct {
	id     string
	local  netip.AddrPort
	remote netip.AddrPort
	cfg    Config
	log    zerolog.Logger
	framer framing.Framer
	slot   rendezvous.Slot

	received *notify.Dispatcher[ReceivedEvent]
	errs     *notify.Dispatcher[ErrorEvent]

	lastActivity atomic.Int64

	mu        sync.Mutex
	status    Status
	srv       Server
	startedAt time.Time
}

// New returns a Session bound to remote on srv. The Session does not
// receive until Start is called. If remote is a broadcast address, the
// Server is asked to enable broadcast.
func New(srv Server, remote netip.AddrPort, config Config) (*Session, error) {
	if srv == nil {
		return nil, errors.WithStack(ErrNoServer)
	}
	if isBroadcast(remote) {
		if err := srv.CheckAndEnableBroadcast(remote); err != nil {
			return nil, errors.Wrapf(err, "enable broadcast for %s", remote)
		}
	}
	s := &Session{
		id:     config.ID,
		local:  srv.LocalAddr(),
		remote: remote,
		cfg:    config,
		framer: config.Framer,
		srv:    srv,
	}
	if s.id == "" {
		s.id = remote.String()
	}
	if s.framer == nil {
		s.framer = framing.Passthrough()
	}
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	s.log = logger.With().Str("session", s.id).Logger()
	onPanic := func(r any) { s.log.Error().Interface("panic", r).Msg("subscriber panicked") }
	s.received = notify.New[ReceivedEvent](onPanic)
	s.errs = notify.New[ErrorEvent](onPanic)
	s.lastActivity.Store(time.Now().UnixNano())
	return s, nil
}

// ID returns the Session identifier.
func (s *Session) ID() string { return s.id }

// Local returns the local address of the Session's Server.
func (s *Session) Local() netip.AddrPort { return s.local }

// Remote returns the Session's remote endpoint.
func (s *Session) Remote() netip.AddrPort { return s.remote }

// Status returns the Session's current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// StartedAt returns when Start last succeeded, or the zero time.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// LastActivity returns the time of the last send or receive.
func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

// ServerOptions returns the options of the Session's Server. It reports
// false once the Session is disposed.
func (s *Session) ServerOptions() (ServerOptions, bool) {
	srv, err := s.server()
	if err != nil {
		return ServerOptions{}, false
	}
	return srv.Options(), true
}

// String renders the Session as "local=>remote", or just "local" when
// the remote endpoint is unset or a wildcard address.
func (s *Session) String() string {
	if isWildcard(s.remote) {
		return s.local.String()
	}
	return s.local.String() + "=>" + s.remote.String()
}

// OnReceived subscribes fn to every message received. fn is called on a
// goroutine of its own, in arrival order.
func (s *Session) OnReceived(fn func(ReceivedEvent)) (cancel func()) {
	return s.received.Subscribe(fn)
}

// OnError subscribes fn to the Session's Error event. fn is called
// synchronously by the failing operation, before the Session is disposed.
func (s *Session) OnError(fn func(ErrorEvent)) (cancel func()) {
	return s.errs.Subscribe(fn)
}

// Start registers the Session with its Server to begin receiving.
// Start is idempotent while the Session is active.
func (s *Session) Start() error {
	s.mu.Lock()
	switch s.status {
	case StatusDisposed:
		s.mu.Unlock()
		return errors.WithStack(ErrDisposed)
	case StatusActive:
		s.mu.Unlock()
		return nil
	}
	s.status = StatusActive
	s.startedAt = time.Now()
	srv := s.srv
	s.mu.Unlock()

	if err := srv.BeginReceiving(s); err != nil {
		s.mu.Lock()
		if s.status == StatusActive {
			s.status = StatusCreated
			s.startedAt = time.Time{}
		}
		s.mu.Unlock()
		return errors.Wrapf(err, "session %s begin receiving", s)
	}
	s.log.Debug().Str("local", s.local.String()).Str("remote", s.remote.String()).Msg("session started")
	return nil
}

// Send transmits b to the remote endpoint.
func (s *Session) Send(b []byte) error {
	if b == nil {
		return errors.WithStack(ErrNilBuffer)
	}
	return s.SendRange(b, 0, len(b))
}

// SendRange transmits b[offset:offset+count] to the remote endpoint.
// Nothing is transmitted when count is zero.
//
// A transmit failure is fatal: the Error event is raised with action
// "Send", the Session is disposed and the failure is returned.
func (s *Session) SendRange(b []byte, offset, count int) error {
	if b == nil {
		return errors.WithStack(ErrNilBuffer)
	}
	if offset < 0 || count < 0 || offset > len(b)-count {
		return errors.Wrapf(ErrOutOfRange, "offset %d count %d length %d", offset, count, len(b))
	}
	srv, err := s.server()
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	return s.transmit(srv, b[offset:offset+count])
}

// SendAndAwait transmits b, if non-empty, and waits up to timeout for
// the next matching message. A timeout of zero waits on ctx alone.
//
// It returns (nil, nil) on timeout or when the reply is empty,
// ErrClosed if the Session is disposed while waiting, and
// ErrRequestInFlight if another SendAndAwait is outstanding.
func (s *Session) SendAndAwait(ctx context.Context, b []byte, timeout time.Duration) ([]byte, error) {
	srv, err := s.server()
	if err != nil {
		return nil, err
	}
	h, err := s.slot.Arm()
	if err != nil {
		return nil, err
	}
	// a Dispose which ran before Arm has already cancelled the slot
	if s.Status() == StatusDisposed {
		s.slot.Cancel(h, ErrClosed)
		return nil, errors.WithStack(ErrDisposed)
	}
	if len(b) > 0 {
		if err := s.transmit(srv, b); err != nil {
			s.slot.Cancel(h, err)
			return nil, err
		}
	}
	msg, err := s.slot.Await(ctx, h, timeout)
	switch {
	case errors.Is(err, rendezvous.ErrTimeout):
		s.log.Debug().Dur("timeout", timeout).Msg("await timed out")
		return nil, nil
	case err != nil:
		return nil, errors.WithStack(err)
	case len(msg) == 0:
		return nil, nil
	}
	return msg, nil
}

// Receive waits for the next matching message using Config.Timeout.
func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	return s.SendAndAwait(ctx, nil, s.cfg.Timeout)
}

// OnReceive is called by the Server for each datagram from the remote
// endpoint. The Server must not call OnReceive concurrently for the
// same Session.
func (s *Session) OnReceive(chunk []byte, from netip.AddrPort) {
	if s.Status() == StatusDisposed {
		return
	}
	s.touch()
	if s.cfg.CountReceiveBytes && s.cfg.RecvStats != nil {
		s.cfg.RecvStats.Add(len(chunk))
	}

	msgs, ferr := s.framer.Feed(chunk)
	attempted := false
	for _, m := range msgs {
		if !attempted && s.matches(m) {
			attempted = true
			s.slot.Resolve(append([]byte(nil), m...))
		}
		if s.cfg.LogReceive {
			s.log.Debug().
				Str("from", from.String()).
				Int("len", len(m)).
				Hex("hex", head(m)).
				Bool("truncated", len(m) > previewLen).
				Msg("received")
		}
		s.received.Publish(ReceivedEvent{Message: m, Remote: from, Session: s})
	}
	if ferr != nil {
		s.onFramingError(ferr)
	}
}

// Dispose ends the Session. Any waiting SendAndAwait returns ErrClosed,
// subscribers are removed and the Server reference is dropped; the
// socket itself is left to the Server. Config.OnDisposed is then called.
// Dispose is idempotent.
func (s *Session) Dispose() error {
	s.mu.Lock()
	if s.status == StatusDisposed {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusDisposed
	s.srv = nil
	s.mu.Unlock()

	s.slot.Cancel(nil, ErrClosed)
	s.received.Close()
	s.errs.Close()
	s.log.Debug().Msg("session disposed")
	if s.cfg.OnDisposed != nil {
		s.cfg.OnDisposed(s)
	}
	return nil
}

func (s *Session) server() (Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusDisposed || s.srv == nil {
		return nil, errors.WithStack(ErrDisposed)
	}
	return s.srv, nil
}

func (s *Session) transmit(srv Server, b []byte) error {
	s.touch()
	if s.cfg.SendStats != nil {
		s.cfg.SendStats.Add(len(b))
	}
	if s.cfg.LogSend {
		s.log.Debug().
			Str("to", s.remote.String()).
			Int("len", len(b)).
			Hex("hex", head(b)).
			Bool("truncated", len(b) > previewLen).
			Msg("send")
	}
	if err := srv.TransmitTo(b, s.remote); err != nil {
		err = errors.Wrapf(err, "send to %s", s.remote)
		s.fail(ActionSend, err)
		return err
	}
	return nil
}

func (s *Session) onFramingError(err error) {
	if s.cfg.FramingPolicy == FramingDrop {
		s.log.Warn().Err(err).Msg("dropping malformed input")
		s.framer.Reset()
		return
	}
	s.fail(ActionReceive, err)
}

// fail raises the Error event and then disposes the Session. The
// Server reference is dropped first, so operations attempted by Error
// subscribers return ErrDisposed and a nested failure is ignored.
func (s *Session) fail(action string, err error) {
	s.mu.Lock()
	if s.status == StatusDisposed || s.srv == nil {
		s.mu.Unlock()
		return
	}
	s.srv = nil
	s.mu.Unlock()

	s.log.Error().Err(err).Str("action", action).Msg("session failed")
	s.errs.Emit(ErrorEvent{Action: action, Err: err, Session: s})
	s.Dispose()
}

func (s *Session) matches(m []byte) bool { return s.cfg.Matcher == nil || s.cfg.Matcher(m) }

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// head returns at most the first previewLen bytes of b.
func head(b []byte) []byte { return b[:min(len(b), previewLen)] }

// isWildcard reports whether ap is unset or an unspecified address.
func isWildcard(ap netip.AddrPort) bool {
	return !ap.IsValid() || ap.Addr().IsUnspecified()
}

var limitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

func isBroadcast(ap netip.AddrPort) bool {
	return ap.IsValid() && ap.Addr().Unmap() == limitedBroadcast
}
