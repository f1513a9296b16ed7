// Package stats holds the byte and packet counters sessions report to.
package stats

import "sync/atomic"

// Sink receives one observation per datagram sent or received.
type Sink interface {
	Add(bytes int)
}

// Counter is a monotonic packet and byte Sink, safe for concurrent use.
// The zero value is ready to use.
type Counter struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
}

// Snapshot is a point in time copy of a Counter.
type Snapshot struct {
	Packets uint64 `json:"packets" yaml:"packets"`
	Bytes   uint64 `json:"bytes" yaml:"bytes"`
}

// Add records one packet of n bytes. Negative sizes count as zero bytes.
func (c *Counter) Add(n int) {
	c.packets.Add(1)
	if n > 0 {
		c.bytes.Add(uint64(n))
	}
}

// Snapshot returns the current counts.
func (c *Counter) Snapshot() Snapshot {
	return Snapshot{Packets: c.packets.Load(), Bytes: c.bytes.Load()}
}

// Multi returns a Sink forwarding to each non-nil sink.
func Multi(sinks ...Sink) Sink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multi []Sink

func (m multi) Add(n int) {
	for _, s := range m {
		s.Add(n)
	}
}
