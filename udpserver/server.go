package udpserver

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/andaru/dgram/framing"
	"github.com/andaru/dgram/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// DefaultBufferSize is the receive buffer size used when none is
	// configured; large enough for any UDP payload.
	DefaultBufferSize = 64 * 1024
	// workerQueueLen is the per-session datagram backlog in async mode.
	workerQueueLen = 256
)

// ErrClosed is returned by operations on a closed Server.
var ErrClosed = errors.New("server closed")

// Config contains Server configuration
type Config struct {
	// Listen is the local "host:port" to bind.
	Listen string
	session.ServerOptions

	// Session is the template for sessions the Server creates. Its
	// Framer and ID fields are ignored; see NewFramer.
	Session session.Config
	// NewFramer, if set, returns a fresh Framer for each new session.
	NewFramer func() framing.Framer
	// OnNewSession is called with each session created by the Server,
	// after it is started and before it receives its first datagram.
	// It must not call the Server's Session method.
	OnNewSession func(*session.Session)

	Logger *zerolog.Logger
}

// packetConn is the subset of *net.UDPConn a Server uses.
type packetConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	LocalAddr() net.Addr
	SyscallConn() (syscall.RawConn, error)
	Close() error
}

// Server is a UDP socket shared by per-remote sessions. It implements
// session.Server. Sessions it creates are removed from its table as soon
// as they are disposed.
type Server struct {
	cfg   Config
	conn  packetConn
	local netip.AddrPort
	log   zerolog.Logger

	ids       atomic.Uint64
	createMu  sync.Mutex
	startOnce sync.Once
	loopDone  chan struct{}
	loopErr   error

	broadcastOnce sync.Once
	broadcastErr  error

	mu       sync.Mutex
	sessions map[netip.AddrPort]*entry
	closed   bool
}

var _ session.Server = (*Server)(nil)

// Listen binds a UDP socket as configured and returns its Server. The
// Server does not read until BeginReceiving or Serve is called.
func Listen(cfg Config) (*Server, error) {
	laddr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve listen address %q", cfg.Listen)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", cfg.Listen)
	}
	return newServer(conn, cfg), nil
}

// New returns a Server using an already bound conn, which it then owns.
func New(conn *net.UDPConn, cfg Config) *Server { return newServer(conn, cfg) }

func newServer(conn packetConn, cfg Config) *Server {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	s := &Server{
		cfg:      cfg,
		conn:     conn,
		local:    conn.LocalAddr().(*net.UDPAddr).AddrPort(),
		loopDone: make(chan struct{}),
		sessions: make(map[netip.AddrPort]*entry),
	}
	s.log = logger.With().Str("local", s.local.String()).Logger()
	return s
}

// LocalAddr returns the bound local address.
func (s *Server) LocalAddr() netip.AddrPort { return s.local }

// Options returns the Server's options.
func (s *Server) Options() session.ServerOptions { return s.cfg.ServerOptions }

// TransmitTo sends b as one datagram to remote.
func (s *Server) TransmitTo(b []byte, remote netip.AddrPort) error {
	if s.isClosed() {
		return errors.WithStack(ErrClosed)
	}
	n, err := s.conn.WriteToUDPAddrPort(b, remote)
	if err == nil && n < len(b) {
		err = errors.Errorf("short write: %d of %d bytes", n, len(b))
	}
	return errors.WithStack(err)
}

// CheckAndEnableBroadcast enables SO_BROADCAST on the socket, once, if
// remote is the limited broadcast address.
func (s *Server) CheckAndEnableBroadcast(remote netip.AddrPort) error {
	if !remote.IsValid() || !remote.Addr().Unmap().Is4() || remote.Addr().Unmap().As4() != [4]byte{255, 255, 255, 255} {
		return nil
	}
	s.broadcastOnce.Do(func() {
		rc, err := s.conn.SyscallConn()
		if err == nil {
			err = setBroadcast(rc)
		}
		s.broadcastErr = errors.WithStack(err)
		if err == nil {
			s.log.Debug().Msg("broadcast enabled")
		}
	})
	return s.broadcastErr
}

// BeginReceiving registers sess to receive datagrams from its remote
// endpoint and starts the receive loop if it is not yet running. sess
// may be nil to only start the loop.
func (s *Server) BeginReceiving(sess *session.Session) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.WithStack(ErrClosed)
	}
	if sess != nil {
		key := normalize(sess.Remote())
		if old, ok := s.sessions[key]; !ok || old.s != sess {
			if ok {
				old.stop()
			}
			s.sessions[key] = s.newEntry(sess)
		}
	}
	s.mu.Unlock()
	s.startOnce.Do(func() { go s.receive() })
	return nil
}

// Serve starts the receive loop, if needed, and blocks until it ends or
// ctx is done, in which case the Server is closed.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.BeginReceiving(nil); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		s.Close()
		<-s.loopDone
		return ctx.Err()
	case <-s.loopDone:
		return s.loopErr
	}
}

// Session returns the live session for remote, creating and starting
// one if there is none.
func (s *Server) Session(remote netip.AddrPort) (*session.Session, error) {
	key := normalize(remote)
	s.createMu.Lock()
	defer s.createMu.Unlock()
	if sess := s.lookup(key); sess != nil {
		return sess, nil
	}
	cfg := s.cfg.Session
	cfg.ID = strconv.FormatUint(s.ids.Add(1), 10)
	cfg.Framer = nil
	if s.cfg.NewFramer != nil {
		cfg.Framer = s.cfg.NewFramer()
	}
	if cfg.Logger == nil {
		cfg.Logger = &s.log
	}
	onDisposed := cfg.OnDisposed
	cfg.OnDisposed = func(sess *session.Session) {
		s.forget(key, sess)
		if onDisposed != nil {
			onDisposed(sess)
		}
	}
	sess, err := session.New(s, key, cfg)
	if err != nil {
		return nil, err
	}
	if err := sess.Start(); err != nil {
		sess.Dispose()
		return nil, err
	}
	s.log.Debug().Str("remote", key.String()).Str("session", sess.ID()).Msg("new session")
	if s.cfg.OnNewSession != nil {
		s.cfg.OnNewSession(sess)
	}
	return sess, nil
}

// Sessions returns the live sessions.
func (s *Server) Sessions() []*session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session.Session, 0, len(s.sessions))
	for _, e := range s.sessions {
		if e.s.Status() != session.StatusDisposed {
			out = append(out, e.s)
		}
	}
	return out
}

// Remove disposes and forgets the session for remote, if any.
func (s *Server) Remove(remote netip.AddrPort) {
	key := normalize(remote)
	s.mu.Lock()
	e, ok := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()
	if ok {
		e.stop()
		e.s.Dispose()
	}
}

// Close closes the socket, stops the receive loop and disposes every
// session.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	entries := s.sessions
	s.sessions = make(map[netip.AddrPort]*entry)
	s.mu.Unlock()

	err := s.conn.Close()
	for _, e := range entries {
		e.stop()
		e.s.Dispose()
	}
	s.log.Debug().Msg("server closed")
	return errors.WithStack(err)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// lookup returns the live session for key, evicting a disposed one.
func (s *Server) lookup(key netip.AddrPort) *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[key]
	if !ok {
		return nil
	}
	if e.s.Status() == session.StatusDisposed {
		delete(s.sessions, key)
		e.stop()
		return nil
	}
	return e.s
}

// forget evicts sess from the table, stopping its worker, if it is still
// the session registered for key.
func (s *Server) forget(key netip.AddrPort, sess *session.Session) {
	s.mu.Lock()
	e, ok := s.sessions[key]
	if ok && e.s == sess {
		delete(s.sessions, key)
	}
	s.mu.Unlock()
	if ok && e.s == sess {
		e.stop()
		s.log.Debug().Str("remote", key.String()).Str("session", sess.ID()).Msg("session removed")
	}
}

func (s *Server) entry(key netip.AddrPort) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[key]
}

func (s *Server) receive() {
	defer close(s.loopDone)
	buf := make([]byte, s.cfg.BufferSize)
	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			if s.cfg.ThrowOnError {
				s.loopErr = errors.Wrap(err, "receive")
				s.log.Error().Err(err).Msg("receive failed, stopping")
				return
			}
			s.log.Warn().Err(err).Msg("receive failed")
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.dispatch(normalize(from), data)
	}
}

func (s *Server) dispatch(from netip.AddrPort, data []byte) {
	sess, err := s.Session(from)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", from.String()).Msg("dropping datagram, no session")
		return
	}
	e := s.entry(from)
	if e == nil || e.s != sess {
		return
	}
	if e.in == nil {
		sess.OnReceive(data, from)
		return
	}
	if !e.deliver(datagram{b: data, from: from}) {
		s.log.Warn().Str("remote", from.String()).Int("len", len(data)).Msg("session backlog full, dropping datagram")
	}
}

func (s *Server) newEntry(sess *session.Session) *entry {
	e := &entry{s: sess, done: make(chan struct{})}
	if s.cfg.AsyncProcessing {
		e.in = make(chan datagram, workerQueueLen)
		go e.work()
	}
	return e
}

type datagram struct {
	b    []byte
	from netip.AddrPort
}

// entry is a session table slot, with its worker in async mode.
type entry struct {
	s        *session.Session
	in       chan datagram
	done     chan struct{}
	stopOnce sync.Once
}

func (e *entry) deliver(d datagram) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.in <- d:
		return true
	default:
		return false
	}
}

func (e *entry) work() {
	for {
		select {
		case d := <-e.in:
			e.s.OnReceive(d.b, d.from)
		case <-e.done:
			return
		}
	}
}

func (e *entry) stop() { e.stopOnce.Do(func() { close(e.done) }) }

// normalize unmaps IPv4-mapped IPv6 addresses so dual-stack sockets key
// sessions consistently.
func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
