package session

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/andaru/dgram/framing"
	"github.com/andaru/dgram/stats"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testLocal  = netip.MustParseAddrPort("0.0.0.0:5000")
	testRemote = netip.MustParseAddrPort("203.0.113.5:9000")
)

// fakeServer is a Server recording every call made to it.
type fakeServer struct {
	mu        sync.Mutex
	local     netip.AddrPort
	opts      ServerOptions
	sent      [][]byte
	begun     int
	broadcast []netip.AddrPort
	txErr     error
	beginErr  error
	// onTransmit, if set, runs inside TransmitTo after recording.
	onTransmit func(b []byte)
}

func newFakeServer() *fakeServer { return &fakeServer{local: testLocal, opts: ServerOptions{BufferSize: 1500}} }

func (f *fakeServer) LocalAddr() netip.AddrPort { return f.local }
func (f *fakeServer) Options() ServerOptions    { return f.opts }

func (f *fakeServer) TransmitTo(b []byte, remote netip.AddrPort) error {
	f.mu.Lock()
	f.sent = append(f.sent, append([]byte(nil), b...))
	err, hook := f.txErr, f.onTransmit
	f.mu.Unlock()
	if err == nil && hook != nil {
		hook(b)
	}
	return err
}

func (f *fakeServer) BeginReceiving(*Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begun++
	return f.beginErr
}

func (f *fakeServer) CheckAndEnableBroadcast(remote netip.AddrPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, remote)
	return nil
}

func (f *fakeServer) transmits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newSession(t *testing.T, srv Server, cfg Config) *Session {
	t.Helper()
	s, err := New(srv, testRemote, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	return s
}

// collect subscribes to s and returns a channel of received messages.
func collect(s *Session) <-chan string {
	ch := make(chan string, 16)
	s.OnReceived(func(ev ReceivedEvent) { ch <- string(ev.Message) })
	return ch
}

func next(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a received event")
		return ""
	}
}

func TestSessionString(t *testing.T) {
	for _, tc := range []struct {
		remote netip.AddrPort
		want   string
	}{
		{remote: testRemote, want: "0.0.0.0:5000=>203.0.113.5:9000"},
		{remote: netip.AddrPort{}, want: "0.0.0.0:5000"},
		{remote: netip.MustParseAddrPort("0.0.0.0:0"), want: "0.0.0.0:5000"},
		{remote: netip.MustParseAddrPort("[::]:53"), want: "0.0.0.0:5000"},
		{remote: netip.MustParseAddrPort("[2001:db8::1]:53"), want: "0.0.0.0:5000=>[2001:db8::1]:53"},
	} {
		t.Run(tc.want, func(t *testing.T) {
			s, err := New(newFakeServer(), tc.remote, Config{})
			require.NoError(t, err)
			assert.Equal(t, tc.want, s.String())
		})
	}
}

func TestSessionNew(t *testing.T) {
	a := assert.New(t)
	_, err := New(nil, testRemote, Config{})
	a.True(errors.Is(err, ErrNoServer))

	srv := newFakeServer()
	s, err := New(srv, testRemote, Config{})
	require.NoError(t, err)
	a.Equal(StatusCreated, s.Status())
	a.Equal(testRemote.String(), s.ID())
	a.Equal(0, srv.begun, "New must not begin receiving")
	a.Empty(srv.broadcast)

	bcast := netip.MustParseAddrPort("255.255.255.255:67")
	_, err = New(srv, bcast, Config{ID: "dhcp"})
	require.NoError(t, err)
	a.Equal([]netip.AddrPort{bcast}, srv.broadcast)
}

func TestSessionStart(t *testing.T) {
	a := assert.New(t)
	srv := newFakeServer()
	s, err := New(srv, testRemote, Config{})
	require.NoError(t, err)
	a.True(s.StartedAt().IsZero())
	a.NoError(s.Start())
	a.NoError(s.Start())
	a.Equal(StatusActive, s.Status())
	a.Equal(1, srv.begun)
	a.False(s.StartedAt().IsZero())

	opts, ok := s.ServerOptions()
	a.True(ok)
	a.Equal(1500, opts.BufferSize)

	a.NoError(s.Dispose())
	a.True(errors.Is(s.Start(), ErrDisposed))
	_, ok = s.ServerOptions()
	a.False(ok)

	srv = newFakeServer()
	srv.beginErr = errors.New("socket closed")
	s, err = New(srv, testRemote, Config{})
	require.NoError(t, err)
	a.Error(s.Start())
	a.Equal(StatusCreated, s.Status(), "failed start leaves the session created")
}

func TestSessionSend(t *testing.T) {
	a := assert.New(t)
	srv := newFakeServer()
	var sendStats stats.Counter
	s := newSession(t, srv, Config{SendStats: &sendStats, LogSend: true})
	before := s.LastActivity()
	time.Sleep(time.Millisecond)

	a.NoError(s.Send([]byte("hello")))
	a.NoError(s.SendRange([]byte("xxabcxx"), 2, 3))
	a.NoError(s.SendRange([]byte("abc"), 1, 0), "empty range transmits nothing")
	a.True(errors.Is(s.Send(nil), ErrNilBuffer))
	a.True(errors.Is(s.SendRange([]byte("abc"), 2, 2), ErrOutOfRange))
	a.True(errors.Is(s.SendRange([]byte("abc"), -1, 1), ErrOutOfRange))

	a.Equal([][]byte{[]byte("hello"), []byte("abc")}, srv.sent)
	a.Equal(stats.Snapshot{Packets: 2, Bytes: 8}, sendStats.Snapshot())
	a.True(s.LastActivity().After(before))
}

func TestSessionSendAfterDispose(t *testing.T) {
	a := assert.New(t)
	srv := newFakeServer()
	s := newSession(t, srv, Config{})
	a.NoError(s.Dispose())
	a.NoError(s.Dispose(), "second dispose is a no-op")
	a.Equal(StatusDisposed, s.Status())

	a.True(errors.Is(s.Send([]byte("x")), ErrDisposed))
	_, err := s.SendAndAwait(context.Background(), []byte("x"), time.Second)
	a.True(errors.Is(err, ErrDisposed))
	a.Equal(0, srv.transmits())
}

func TestSessionSendFailure(t *testing.T) {
	a := assert.New(t)
	srv := newFakeServer()
	srv.txErr = errors.New("network unreachable")
	s := newSession(t, srv, Config{})

	var events []ErrorEvent
	s.OnError(func(ev ErrorEvent) {
		a.Equal(StatusActive, ev.Session.Status(), "error is raised before disposal")
		events = append(events, ev)
	})
	s.OnError(func(ErrorEvent) { panic("faulty subscriber") })

	err := s.Send([]byte("x"))
	a.True(errors.Is(err, srv.txErr))
	a.Equal(StatusDisposed, s.Status())
	if a.Len(events, 1) {
		a.Equal(ActionSend, events[0].Action)
		a.True(errors.Is(events[0].Err, srv.txErr))
		a.Equal(s, events[0].Session)
	}

	a.True(errors.Is(s.Send([]byte("y")), ErrDisposed))
	a.Equal(1, srv.transmits())
	a.Len(events, 1, "no further errors after disposal")
}

func TestSessionSendFromErrorSubscriber(t *testing.T) {
	a := assert.New(t)
	srv := newFakeServer()
	srv.txErr = errors.New("network unreachable")
	s := newSession(t, srv, Config{})

	var (
		events  int
		nested  []error
		goodbye = []byte("goodbye")
	)
	s.OnError(func(ev ErrorEvent) {
		events++
		nested = append(nested, ev.Session.Send(goodbye))
		_, err := ev.Session.SendAndAwait(context.Background(), goodbye, time.Second)
		nested = append(nested, err)
	})

	err := s.Send([]byte("hello"))
	a.True(errors.Is(err, srv.txErr))
	a.Equal(1, events)
	a.Equal(1, srv.transmits())
	if a.Len(nested, 2) {
		a.True(errors.Is(nested[0], ErrDisposed))
		a.True(errors.Is(nested[1], ErrDisposed))
	}
	a.Equal(StatusDisposed, s.Status())
}

func TestSessionOnDisposed(t *testing.T) {
	a := assert.New(t)
	srv := newFakeServer()
	var disposed []*Session
	s := newSession(t, srv, Config{OnDisposed: func(s *Session) {
		a.Equal(StatusDisposed, s.Status())
		disposed = append(disposed, s)
	}})
	a.Empty(disposed)
	a.NoError(s.Dispose())
	a.NoError(s.Dispose())
	if a.Len(disposed, 1) {
		a.Same(s, disposed[0])
	}

	srv.txErr = errors.New("network unreachable")
	disposed = nil
	s = newSession(t, srv, Config{OnDisposed: func(s *Session) { disposed = append(disposed, s) }})
	a.Error(s.Send([]byte("x")))
	a.Len(disposed, 1, "a fatal send failure disposes once")
}

func TestSessionLogPreview(t *testing.T) {
	a := assert.New(t)
	a.Equal([]byte("abc"), head([]byte("abc")))
	long := make([]byte, previewLen+10)
	a.Len(head(long), previewLen)
	a.Empty(head(nil))
}

func TestSessionSendAndAwaitFailure(t *testing.T) {
	a := assert.New(t)
	srv := newFakeServer()
	srv.txErr = errors.New("closed socket")
	s := newSession(t, srv, Config{})
	msg, err := s.SendAndAwait(context.Background(), []byte("req"), time.Minute)
	a.Nil(msg)
	a.True(errors.Is(err, srv.txErr))
	a.Equal(StatusDisposed, s.Status())
}

func TestSessionSendAndAwait(t *testing.T) {
	a := assert.New(t)
	srv := newFakeServer()
	s := newSession(t, srv, Config{Framer: framing.NewEOM()})
	received := collect(s)

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.OnReceive([]byte("first]]>]]>second]]>]]>thi"), testRemote)
	}()
	msg, err := s.SendAndAwait(context.Background(), []byte("request"), time.Second)
	a.NoError(err)
	a.Equal("first", string(msg))
	a.Equal("first", next(t, received))
	a.Equal("second", next(t, received))

	s.OnReceive([]byte("rd]]>]]>"), testRemote)
	a.Equal("third", next(t, received))
	a.Equal([][]byte{[]byte("request")}, srv.sent)
}

func TestSessionReplyDuringTransmit(t *testing.T) {
	a := assert.New(t)
	srv := newFakeServer()
	s := newSession(t, srv, Config{})
	// the reply is delivered on the sending goroutine before it waits
	srv.onTransmit = func(b []byte) { s.OnReceive(append([]byte("re:"), b...), testRemote) }
	msg, err := s.SendAndAwait(context.Background(), []byte("ping"), time.Second)
	a.NoError(err)
	a.Equal("re:ping", string(msg))
}

func TestSessionAwaitTimeout(t *testing.T) {
	a := assert.New(t)
	srv := newFakeServer()
	s := newSession(t, srv, Config{})

	start := time.Now()
	msg, err := s.SendAndAwait(context.Background(), []byte("ping"), time.Second)
	elapsed := time.Since(start)
	a.NoError(err, "timeout is not an error")
	a.Nil(msg)
	a.GreaterOrEqual(elapsed, time.Second)
	a.Less(elapsed, 2*time.Second)

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.OnReceive([]byte("pong"), testRemote)
	}()
	msg, err = s.SendAndAwait(context.Background(), nil, time.Second)
	a.NoError(err, "slot is re-armable after a timeout")
	a.Equal("pong", string(msg))
}

func TestSessionReceive(t *testing.T) {
	a := assert.New(t)
	s := newSession(t, newFakeServer(), Config{Timeout: 30 * time.Millisecond})
	msg, err := s.Receive(context.Background())
	a.NoError(err)
	a.Nil(msg)

	go func() {
		time.Sleep(5 * time.Millisecond)
		s.OnReceive([]byte(""), testRemote)
	}()
	msg, err = s.Receive(context.Background())
	a.NoError(err)
	a.Nil(msg, "empty reply is reported as absent")
}

func TestSessionAwaitCollision(t *testing.T) {
	a := assert.New(t)
	srv := newFakeServer()
	s := newSession(t, srv, Config{})

	type reply struct {
		msg []byte
		err error
	}
	first := make(chan reply, 1)
	go func() {
		msg, err := s.SendAndAwait(context.Background(), []byte("one"), 5*time.Second)
		first <- reply{msg, err}
	}()
	require.Eventually(t, func() bool { return srv.transmits() == 1 }, time.Second, time.Millisecond)

	_, err := s.SendAndAwait(context.Background(), []byte("two"), time.Second)
	a.True(errors.Is(err, ErrRequestInFlight))
	a.Equal(1, srv.transmits(), "rejected request is not transmitted")

	s.OnReceive([]byte("answer"), testRemote)
	r := <-first
	a.NoError(r.err)
	a.Equal("answer", string(r.msg))
}

func TestSessionDisposeWakesWaiter(t *testing.T) {
	a := assert.New(t)
	s := newSession(t, newFakeServer(), Config{})
	done := make(chan error, 1)
	go func() {
		_, err := s.SendAndAwait(context.Background(), []byte("ping"), time.Minute)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	a.NoError(s.Dispose())
	select {
	case err := <-done:
		a.True(errors.Is(err, ErrClosed))
		a.Less(time.Since(start), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("dispose did not wake the waiter")
	}
	a.NoError(s.Dispose())
}

func TestSessionPassthrough(t *testing.T) {
	a := assert.New(t)
	s := newSession(t, newFakeServer(), Config{})
	received := collect(s)
	in := []byte("0123456789")
	s.OnReceive(in, testRemote)
	a.Equal(string(in), next(t, received))
	select {
	case extra := <-received:
		t.Fatalf("unexpected extra message %q", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSessionReceiveStats(t *testing.T) {
	for _, tc := range []struct {
		count bool
		want  stats.Snapshot
	}{
		{count: false},
		{count: true, want: stats.Snapshot{Packets: 2, Bytes: 7}},
	} {
		var rx stats.Counter
		s := newSession(t, newFakeServer(), Config{RecvStats: &rx, CountReceiveBytes: tc.count, LogReceive: true})
		s.OnReceive([]byte("abc"), testRemote)
		s.OnReceive([]byte("defg"), testRemote)
		assert.Equal(t, tc.want, rx.Snapshot())
	}
}

func TestSessionMatcher(t *testing.T) {
	a := assert.New(t)
	s := newSession(t, newFakeServer(), Config{
		Framer:  framing.NewDelimited([]byte("\n")),
		Matcher: func(m []byte) bool { return len(m) > 0 && m[0] == 'R' },
	})
	received := collect(s)
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.OnReceive([]byte("notify\nR1\nR2\n"), testRemote)
	}()
	msg, err := s.SendAndAwait(context.Background(), []byte("q"), time.Second)
	a.NoError(err)
	a.Equal("R1", string(msg))
	a.Equal("notify", next(t, received))
	a.Equal("R1", next(t, received))
	a.Equal("R2", next(t, received))
}

func TestSessionFramingPolicy(t *testing.T) {
	a := assert.New(t)

	s := newSession(t, newFakeServer(), Config{Framer: framing.NewChunked()})
	var events []ErrorEvent
	s.OnError(func(ev ErrorEvent) { events = append(events, ev) })
	s.OnReceive([]byte("not chunked"), testRemote)
	a.Equal(StatusDisposed, s.Status())
	if a.Len(events, 1) {
		a.Equal(ActionReceive, events[0].Action)
		var ferr *framing.Error
		a.True(errors.As(events[0].Err, &ferr))
	}

	s = newSession(t, newFakeServer(), Config{Framer: framing.NewChunked(), FramingPolicy: FramingDrop})
	received := collect(s)
	s.OnReceive([]byte("not chunked"), testRemote)
	a.Equal(StatusActive, s.Status())
	s.OnReceive([]byte("\n#2\nok\n##\n"), testRemote)
	a.Equal("ok", next(t, received))
}

func TestSessionSubscriberDisposes(t *testing.T) {
	s := newSession(t, newFakeServer(), Config{})
	done := make(chan struct{})
	s.OnReceived(func(ev ReceivedEvent) {
		ev.Session.Dispose()
		close(done)
	})
	s.OnReceive([]byte("bye"), testRemote)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispose from a subscriber deadlocked")
	}
	assert.Equal(t, StatusDisposed, s.Status())
}

// TestSessionDisposeRace exercises disposal against in-flight sends,
// receives and waiters; run with -race.
func TestSessionDisposeRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		srv := newFakeServer()
		s := newSession(t, srv, Config{Framer: framing.NewEOM()})
		s.OnReceived(func(ReceivedEvent) {})
		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s.OnReceive([]byte("m]]>]]>"), testRemote)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := s.Send([]byte("x")); err != nil {
					assert.True(t, errors.Is(err, ErrDisposed))
				}
			}
		}()
		go func() {
			defer wg.Done()
			_, err := s.SendAndAwait(context.Background(), nil, time.Second)
			if err != nil {
				assert.True(t, errors.Is(err, ErrClosed) || errors.Is(err, ErrDisposed), "%v", err)
			}
		}()
		s.Dispose()
		wg.Wait()
		assert.Equal(t, StatusDisposed, s.Status())
	}
}
