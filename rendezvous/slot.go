package rendezvous

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrArmed is returned by Arm when a Handle is already armed.
	ErrArmed = errors.New("request already in flight")
	// ErrTimeout is returned by Await when its timeout elapses first.
	ErrTimeout = errors.New("rendezvous timed out")
	// ErrCancelled is the result of a Handle cancelled without a reason.
	ErrCancelled = errors.New("rendezvous cancelled")
)

// Slot is a single-flight request/response correlation point.
// The zero value is an empty Slot ready to use.
type Slot struct {
	cur atomic.Pointer[Handle]
}

// Handle is an armed claim on a Slot. Await must be called at most once
// per Handle.
type Handle struct {
	ch chan result
}

type result struct {
	msg []byte
	err error
}

// Arm claims the Slot, returning ErrArmed if another Handle is armed.
func (s *Slot) Arm() (*Handle, error) {
	h := &Handle{ch: make(chan result, 1)}
	if !s.cur.CompareAndSwap(nil, h) {
		return nil, errors.WithStack(ErrArmed)
	}
	return h, nil
}

// Armed reports whether a Handle is currently armed.
func (s *Slot) Armed() bool { return s.cur.Load() != nil }

// Resolve delivers msg to the armed Handle and retires it, reporting
// whether a Handle received msg.
func (s *Slot) Resolve(msg []byte) bool { return s.complete(nil, result{msg: msg}) }

// Cancel retires h, waking its waiter with reason (or ErrCancelled when
// reason is nil). If h is nil, whichever Handle is armed is cancelled.
// Cancel reports whether a Handle was retired.
func (s *Slot) Cancel(h *Handle, reason error) bool {
	if reason == nil {
		reason = ErrCancelled
	}
	return s.complete(h, result{err: reason})
}

func (s *Slot) complete(want *Handle, r result) bool {
	for {
		h := s.cur.Load()
		if h == nil || (want != nil && h != want) {
			return false
		}
		if s.cur.CompareAndSwap(h, nil) {
			// the retiring goroutine is the only sender; never blocks
			h.ch <- r
			return true
		}
	}
}

// Await waits for h to be resolved or cancelled, for timeout to elapse
// or for ctx to be done. A timeout of zero or less waits on ctx alone.
//
// On timeout Await retires h and returns ErrTimeout; on ctx completion it
// returns the context's error. If h was claimed by Resolve or Cancel at
// the same instant, that result is returned instead.
func (s *Slot) Await(ctx context.Context, h *Handle, timeout time.Duration) ([]byte, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case r := <-h.ch:
		return r.msg, r.err
	case <-expired:
		return s.retire(h, ErrTimeout)
	case <-ctx.Done():
		return s.retire(h, ctx.Err())
	}
}

func (s *Slot) retire(h *Handle, reason error) ([]byte, error) {
	if s.cur.CompareAndSwap(h, nil) {
		return nil, errors.WithStack(reason)
	}
	r := <-h.ch
	return r.msg, r.err
}
