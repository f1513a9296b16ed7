/*
Package udpserver provides the shared UDP socket behind a set of
datagram sessions.

A Server owns one bound *net.UDPConn and a table of sessions keyed by
remote address. Its receive loop, started by the first call to
BeginReceiving (or by Serve), reads datagrams and hands each to the
session for its sender, creating and starting a session on first
contact. Sessions transmit through the Server, which never closes the
socket on a session's behalf.

With AsyncProcessing, each session is fed by a worker goroutine of its
own so a slow session cannot hold up the receive loop; otherwise
sessions are fed inline. Either way a session sees at most one
OnReceive at a time.
*/
package udpserver
