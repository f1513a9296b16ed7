/*
Package dgram is a set of UDP datagram session libraries.

A Server (see the udpserver sub-directory) owns one UDP socket and
demultiplexes received datagrams to a Session per remote endpoint.
Sessions send to their remote endpoint, publish every received message
to subscribers, and support a single outstanding request/response
exchange with SendAndAwait.

Datagram payloads may carry framed messages: the framing sub-directory
provides passthrough, end-of-message delimited, RFC6242 chunked and
length-prefixed framers, and xmlmatch builds XPath matchers to correlate
XML replies with their request.

See the session sub-directory for more information about Session objects
and the Server interface they are bound to.
*/
package dgram
