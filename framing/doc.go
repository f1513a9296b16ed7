/*
Package framing splits a datagram byte stream into discrete messages.

A Framer is fed each received chunk in turn and returns the complete
messages found so far, retaining any partial trailing bytes for the
next call. Framers built with New are driven by a bufio.SplitFunc
which must only ever return whole messages; the split functions in
this package (SplitDelimited, SplitEOM, SplitChunked and
SplitLengthPrefixed) follow that rule, so the messages produced do
not depend on where chunk boundaries fall.

Malformed input is reported as an *Error, after which the Framer's
buffered bytes are discarded.
*/
package framing
