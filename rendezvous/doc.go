/*
Package rendezvous correlates one outbound request with the next inbound
message.

A Slot holds at most one armed Handle. Arm claims the slot for a caller,
which then waits in Await. The receive path hands messages to Resolve,
which delivers to the armed Handle, if any, and retires it in a single
compare-and-swap. Resolve never blocks: every Handle owns a result
channel with room for exactly one result, and only the goroutine which
retires a Handle may send on it.

A Handle is resolved exactly once, by Resolve, by its Await timing out
or by Cancel, whichever comes first.
*/
package rendezvous
