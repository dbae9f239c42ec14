package dispatch

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPromiseSingleAssignment(t *testing.T) {
	r := require.New(t)

	pr, f := NewPromise[int]()
	r.NoError(pr.Set(11))
	r.ErrorIs(pr.Set(12), ErrPromiseAlreadySet)
	r.ErrorIs(pr.SetError(errors.New("late")), ErrPromiseAlreadySet)

	v, err := f.Get()
	r.NoError(err)
	r.Equal(11, v, "the second set must not mutate the value")
	r.True(f.Ready())
}

func TestPromiseError(t *testing.T) {
	r := require.New(t)

	errBad := errors.New("bad")
	pr, f := NewPromise[string]()
	r.NoError(pr.SetError(errBad))

	_, err := f.Get()
	r.ErrorIs(err, errBad)
}

func TestFutureWaitTimeout(t *testing.T) {
	r := require.New(t)

	pr, f := NewPromise[int]()
	start := time.Now()
	r.Equal(WaitTimeout, f.WaitFor(30*time.Millisecond))
	r.GreaterOrEqual(time.Since(start), 30*time.Millisecond)

	r.NoError(pr.Set(1))
	r.Equal(WaitReady, f.WaitFor(30*time.Millisecond))
}

func TestFutureWaitCrossThread(t *testing.T) {
	r := require.New(t)

	pr, f := NewPromise[int]()
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = pr.Set(77)
	}()
	v, err := f.Get()
	r.NoError(err)
	r.Equal(77, v)
}

func TestBufferThreadSide(t *testing.T) {
	r := require.New(t)

	pr, f := NewPromise[int]()
	go func() {
		for i := 1; i <= 3; i++ {
			_ = pr.Push(i)
		}
		_ = pr.CloseBuffer()
	}()

	var got []int
	for {
		v, closed, err := f.Pull()
		r.NoError(err)
		if closed {
			break
		}
		got = append(got, v)
	}
	r.Equal([]int{1, 2, 3}, got)

	r.ErrorIs(pr.Push(4), ErrBufferClosed)
	r.NoError(pr.CloseBuffer(), "closing twice is a no-op")
}

func TestAwaitForTimeoutInCoroutine(t *testing.T) {
	r := require.New(t)
	d := newTestDispatcher(t, 1, 1)

	_, never := NewPromise[int]()
	c := Post(d, func(c *Context[int]) (int, error) {
		status, err := never.AwaitFor(c, 50*time.Millisecond)
		if err != nil {
			return 0, err
		}
		if status != WaitTimeout {
			return 0, errors.New("expected timeout")
		}
		return 1, nil
	})
	v, err := c.Get()
	r.NoError(err)
	r.Equal(1, v)
}

func TestAwaitWithoutCoroutineHandle(t *testing.T) {
	r := require.New(t)
	d := newTestDispatcher(t, 1, 1)

	c := Post(d, func(*Context[int]) (int, error) { return 1, nil })
	_, err := c.Get()
	r.NoError(err)

	_, second := NewPromise[int]()
	// c's coroutine is no longer running; its chain has no yield
	// handle bound, so a coroutine wait through it must be refused.
	r.Panics(func() {
		_, _ = second.Await(c)
	})

	var derr *DomainError
	_, err = second.Await(nil)
	r.ErrorAs(err, &derr)
}
