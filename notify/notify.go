package notify

import (
	"sync"

	"github.com/eapache/queue"
)

// Dispatcher delivers values of type T to registered subscribers.
// The zero value is not usable; create Dispatchers with New.
type Dispatcher[T any] struct {
	onPanic func(any)

	mu     sync.Mutex
	subs   map[uint64]*mailbox[T]
	order  []uint64
	next   uint64
	closed bool
}

// New returns a Dispatcher. onPanic, if non-nil, is called with the
// recovered value whenever a subscriber panics.
func New[T any](onPanic func(any)) *Dispatcher[T] {
	return &Dispatcher[T]{onPanic: onPanic, subs: make(map[uint64]*mailbox[T])}
}

// Subscribe registers fn and returns a function removing it again.
// Values already queued for fn are still delivered after removal.
func (d *Dispatcher[T]) Subscribe(fn func(T)) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return func() {}
	}
	id := d.next
	d.next++
	mb := &mailbox[T]{fn: fn, d: d, q: queue.New()}
	mb.cond = sync.NewCond(&mb.mu)
	d.subs[id] = mb
	d.order = append(d.order, id)
	return func() { d.unsubscribe(id) }
}

func (d *Dispatcher[T]) unsubscribe(id uint64) {
	d.mu.Lock()
	mb, ok := d.subs[id]
	if ok {
		delete(d.subs, id)
		for i, v := range d.order {
			if v == id {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
	}
	d.mu.Unlock()
	if ok {
		mb.stop()
	}
}

// snapshot returns the current mailboxes in subscription order.
func (d *Dispatcher[T]) snapshot() []*mailbox[T] {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	out := make([]*mailbox[T], 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.subs[id])
	}
	return out
}

// Len returns the number of subscribers.
func (d *Dispatcher[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Publish queues v for every subscriber without waiting for delivery.
// It reports false if the Dispatcher is closed.
func (d *Dispatcher[T]) Publish(v T) bool {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return false
	}
	for _, mb := range d.snapshot() {
		mb.push(entry[T]{v: v})
	}
	return true
}

// Emit calls every subscriber with v on the calling goroutine, in
// subscription order. Panicking subscribers are recovered and do not
// prevent delivery to the others.
func (d *Dispatcher[T]) Emit(v T) bool {
	mbs := d.snapshot()
	for _, mb := range mbs {
		d.call(mb.fn, v)
	}
	return mbs != nil
}

// Flush blocks until every value published before the call has been
// delivered. It must not be called from a subscriber.
func (d *Dispatcher[T]) Flush() {
	var barriers []chan struct{}
	for _, mb := range d.snapshot() {
		b := make(chan struct{})
		if mb.push(entry[T]{barrier: b}) {
			barriers = append(barriers, b)
		}
	}
	for _, b := range barriers {
		<-b
	}
}

// Close removes all subscribers. Values already queued are still
// delivered; later calls to Publish and Emit are dropped. Close does not
// wait for delivery and may be called from a subscriber.
func (d *Dispatcher[T]) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	subs := d.subs
	d.subs = nil
	d.order = nil
	d.mu.Unlock()
	for _, mb := range subs {
		mb.stop()
	}
}

func (d *Dispatcher[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil && d.onPanic != nil {
			d.onPanic(r)
		}
	}()
	fn(v)
}

type entry[T any] struct {
	v       T
	barrier chan struct{}
}

// mailbox is one subscriber's unbounded FIFO and its delivery goroutine,
// started on first use.
type mailbox[T any] struct {
	fn func(T)
	d  *Dispatcher[T]

	mu      sync.Mutex
	cond    *sync.Cond
	q       *queue.Queue
	running bool
	stopped bool
}

func (m *mailbox[T]) push(e entry[T]) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	m.q.Add(e)
	if !m.running {
		m.running = true
		go m.run()
	}
	m.cond.Signal()
	return true
}

func (m *mailbox[T]) stop() {
	m.mu.Lock()
	m.stopped = true
	m.cond.Signal()
	m.mu.Unlock()
}

func (m *mailbox[T]) run() {
	for {
		m.mu.Lock()
		for m.q.Length() == 0 && !m.stopped {
			m.cond.Wait()
		}
		if m.q.Length() == 0 {
			m.running = false
			m.mu.Unlock()
			return
		}
		e := m.q.Remove().(entry[T])
		m.mu.Unlock()

		if e.barrier != nil {
			close(e.barrier)
			continue
		}
		m.d.call(m.fn, e.v)
	}
}
