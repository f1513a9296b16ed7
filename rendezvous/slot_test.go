package rendezvous

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotResolve(t *testing.T) {
	a := assert.New(t)
	var s Slot
	a.False(s.Resolve([]byte("nobody")), "resolve without an armed handle is a no-op")

	h, err := s.Arm()
	require.NoError(t, err)
	a.True(s.Armed())

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Resolve([]byte("reply"))
	}()
	msg, err := s.Await(context.Background(), h, time.Second)
	a.NoError(err)
	a.Equal("reply", string(msg))
	a.False(s.Armed())
	a.False(s.Resolve([]byte("late")))
}

func TestSlotResolveBeforeAwait(t *testing.T) {
	a := assert.New(t)
	var s Slot
	h, err := s.Arm()
	require.NoError(t, err)
	// resolving from the waiter's own goroutine must not deadlock
	a.True(s.Resolve([]byte("early")))
	msg, err := s.Await(context.Background(), h, time.Second)
	a.NoError(err)
	a.Equal("early", string(msg))
}

func TestSlotArmCollision(t *testing.T) {
	a := assert.New(t)
	var s Slot
	h, err := s.Arm()
	require.NoError(t, err)
	_, err = s.Arm()
	a.True(errors.Is(err, ErrArmed))

	a.True(s.Resolve([]byte("first")))
	msg, err := s.Await(context.Background(), h, time.Second)
	a.NoError(err)
	a.Equal("first", string(msg))

	_, err = s.Arm()
	a.NoError(err, "a retired slot may be armed again")
}

func TestSlotTimeout(t *testing.T) {
	a := assert.New(t)
	var s Slot
	h, err := s.Arm()
	require.NoError(t, err)
	start := time.Now()
	msg, err := s.Await(context.Background(), h, 50*time.Millisecond)
	a.Nil(msg)
	a.True(errors.Is(err, ErrTimeout))
	a.GreaterOrEqual(time.Since(start), 50*time.Millisecond)
	a.False(s.Armed(), "timed out handle must be retired")
	a.False(s.Resolve([]byte("late")))

	_, err = s.Arm()
	a.NoError(err)
}

func TestSlotCancel(t *testing.T) {
	a := assert.New(t)
	var s Slot
	h, err := s.Arm()
	require.NoError(t, err)
	closed := errors.New("closed")

	done := make(chan error, 1)
	go func() {
		_, err := s.Await(context.Background(), h, time.Minute)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	a.True(s.Cancel(nil, closed))
	select {
	case err := <-done:
		a.Equal(closed, err)
	case <-time.After(time.Second):
		t.Fatal("cancel did not wake the waiter")
	}
	a.False(s.Cancel(h, closed), "cancelling a retired handle is a no-op")
}

func TestSlotCancelOtherHandle(t *testing.T) {
	a := assert.New(t)
	var s Slot
	old, err := s.Arm()
	require.NoError(t, err)
	s.Resolve(nil)
	_, err = s.Await(context.Background(), old, time.Second)
	a.NoError(err)

	_, err = s.Arm()
	require.NoError(t, err)
	a.False(s.Cancel(old, nil), "stale handle must not cancel the armed one")
	a.True(s.Armed())
	a.True(s.Cancel(nil, nil))
}

func TestSlotContext(t *testing.T) {
	a := assert.New(t)
	var s Slot
	h, err := s.Arm()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Await(ctx, h, 0)
	a.True(errors.Is(err, context.DeadlineExceeded))
	a.False(s.Armed())
}

// TestSlotExactlyOnce races many resolvers against a single armed handle
// and its timeout; the handle must see exactly one outcome.
func TestSlotExactlyOnce(t *testing.T) {
	a := assert.New(t)
	for i := 0; i < 200; i++ {
		var s Slot
		h, err := s.Arm()
		require.NoError(t, err)
		var wins int32
		var wg sync.WaitGroup
		for j := 0; j < 8; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				if s.Resolve([]byte{byte(j)}) {
					atomic.AddInt32(&wins, 1)
				}
			}(j)
		}
		msg, err := s.Await(context.Background(), h, time.Microsecond)
		wg.Wait()
		if err == nil {
			a.Len(msg, 1)
			a.Equal(int32(1), wins)
		} else {
			a.True(errors.Is(err, ErrTimeout))
			a.Equal(int32(0), wins)
		}
		a.False(s.Armed())
	}
}
