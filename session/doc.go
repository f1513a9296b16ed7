/*
Package session offers a per-remote-endpoint datagram Session.

A Session sits above a shared datagram Server, which owns the socket,
delivers each datagram received from the Session's remote endpoint to
OnReceive and transmits on the Session's behalf. The Session turns that
push-style delivery into two consumption models:

Passive subscribers register with OnReceived and see every message.

Active callers use SendAndAwait (or Receive), which arms the Session's
rendezvous slot, transmits, and waits for the next matching message,
the timeout, or disposal. Only one SendAndAwait may be outstanding per
Session; a second call fails at once with ErrRequestInFlight.

Received datagrams pass through the configured framing.Framer (each
datagram is one message when none is configured). For each batch of
messages produced by one datagram, the first message accepted by
Config.Matcher resolves the slot, and then every message is published
to subscribers in order, including the one used to resolve the slot.

Session lifecycle

Sessions are created by New in StatusCreated. Start registers the
Session with its Server and moves it to StatusActive. Dispose moves it
to StatusDisposed, which is final: waiters are woken with ErrClosed,
subscribers are dropped and every later operation fails with
ErrDisposed without I/O. A transmit failure raises the Error event with
action "Send", disposes the Session and is then returned to the caller.
*/
package session
