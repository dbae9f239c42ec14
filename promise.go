package dispatch

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// WaitStatus reports the outcome of a timed wait.
type WaitStatus int

const (
	// WaitReady means the awaited promise is set.
	WaitReady WaitStatus = iota
	// WaitTimeout means the wait exhausted its budget. The producer
	// is not cancelled.
	WaitTimeout
	// WaitDeferred is returned, together with an error, when a
	// coroutine wait cannot start because its sync handle is invalid.
	WaitDeferred
)

type promiseState uint8

const (
	promiseUnset promiseState = iota
	promiseValue
	promiseError
)

// promise is the untyped single-assignment cell backing every chain
// stage and I/O task. It supports two reader styles: OS-thread waits
// on the condition variable, and coroutine waits through the chain
// signal protocol (readers register their chain core; every mutation
// wakes registered cores, which re-enqueue the parked task).
//
// In buffer mode the cell additionally carries an ordered queue of
// elements and a closed flag; push/pull/closeBuffer go through the
// same wake paths.
type promise struct {
	noCopy noCopy

	mu      sync.Mutex
	cond    sync.Cond
	state   promiseState
	value   any
	err     error
	buf     deque.Deque[any]
	closed  bool
	owner   *chainCore
	waiters []*chainCore
}

// newPromise returns an unset promise. owner, when non-nil, is the
// chain whose signal counter is incremented on every mutation.
func newPromise(owner *chainCore) *promise {
	p := &promise{owner: owner}
	p.cond.L = &p.mu
	return p
}

// set transitions the cell from unset to value exactly once. A second
// call returns ErrPromiseAlreadySet without mutating state.
func (p *promise) set(v any) error {
	p.mu.Lock()
	if p.state != promiseUnset {
		p.mu.Unlock()
		return ErrPromiseAlreadySet
	}
	p.state = promiseValue
	p.value = v
	w := p.takeWaitersLocked()
	p.cond.Broadcast()
	p.mu.Unlock()
	p.notify(w)
	return nil
}

// setError transitions the cell from unset to error exactly once.
func (p *promise) setError(err error) error {
	p.mu.Lock()
	if p.state != promiseUnset {
		p.mu.Unlock()
		return ErrPromiseAlreadySet
	}
	p.state = promiseError
	p.err = err
	w := p.takeWaitersLocked()
	p.cond.Broadcast()
	p.mu.Unlock()
	p.notify(w)
	return nil
}

func (p *promise) takeWaitersLocked() []*chainCore {
	w := p.waiters
	p.waiters = nil
	return w
}

func (p *promise) notify(waiters []*chainCore) {
	if p.owner != nil {
		p.owner.wake()
	}
	for _, c := range waiters {
		if c != p.owner {
			c.wake()
		}
	}
}

func (p *promise) ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state != promiseUnset
}

func (p *promise) result() (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == promiseError {
		return nil, p.err
	}
	return p.value, nil
}

// waitThread blocks the calling OS thread until the promise is set.
// A non-positive timeout waits indefinitely.
func (p *promise) waitThread(timeout time.Duration) WaitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if timeout <= 0 {
		for p.state == promiseUnset {
			p.cond.Wait()
		}
		return WaitReady
	}
	deadline := time.Now().Add(timeout)
	for p.state == promiseUnset {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return WaitTimeout
		}
		t := time.AfterFunc(remaining, func() {
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		p.cond.Wait()
		t.Stop()
	}
	return WaitReady
}

// getThread waits on the calling OS thread and returns the result.
func (p *promise) getThread() (any, error) {
	p.waitThread(0)
	return p.result()
}

// waitCoro yields the calling coroutine until the promise is set or
// the timeout expires. core must be the chain the caller is running
// on.
func (p *promise) waitCoro(core *chainCore, timeout time.Duration) (WaitStatus, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, core.wake)
		defer timer.Stop()
	}
	for {
		s0 := core.signal.Load()
		p.mu.Lock()
		if p.state != promiseUnset {
			p.mu.Unlock()
			return WaitReady, nil
		}
		p.waiters = append(p.waiters, core)
		p.mu.Unlock()
		if timeout > 0 && !time.Now().Before(deadline) {
			return WaitTimeout, nil
		}
		if err := core.block(s0); err != nil {
			return WaitTimeout, err
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			if p.ready() {
				return WaitReady, nil
			}
			return WaitTimeout, nil
		}
	}
}

// getCoro yields the calling coroutine until set, then returns the
// result.
func (p *promise) getCoro(core *chainCore) (any, error) {
	if _, err := p.waitCoro(core, 0); err != nil {
		return nil, err
	}
	return p.result()
}

// push appends to the buffer. Thread-safe; wakes all waiters.
func (p *promise) push(v any) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrBufferClosed
	}
	p.buf.PushBack(v)
	w := p.takeWaitersLocked()
	p.cond.Broadcast()
	p.mu.Unlock()
	p.notify(w)
	return nil
}

// closeBuffer marks end-of-stream. Idempotent.
func (p *promise) closeBuffer() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	w := p.takeWaitersLocked()
	p.cond.Broadcast()
	p.mu.Unlock()
	p.notify(w)
	return nil
}

// tryPullLocked returns (value, false) when an element is available,
// or (nil, true) when the buffer is closed and drained. The third
// return reports whether either case applied.
func (p *promise) tryPullLocked() (any, bool, bool) {
	if p.buf.Len() > 0 {
		return p.buf.PopFront(), false, true
	}
	if p.closed {
		return nil, true, true
	}
	return nil, false, false
}

// pullThread blocks the calling OS thread until an element or
// end-of-stream is available. The bool reports end-of-stream: the
// buffer was closed and fully drained before this read.
func (p *promise) pullThread() (any, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if v, closed, ok := p.tryPullLocked(); ok {
			return v, closed, nil
		}
		p.cond.Wait()
	}
}

// pullCoro is pullThread for coroutine callers.
func (p *promise) pullCoro(core *chainCore) (any, bool, error) {
	for {
		s0 := core.signal.Load()
		p.mu.Lock()
		if v, closed, ok := p.tryPullLocked(); ok {
			p.mu.Unlock()
			return v, closed, nil
		}
		p.waiters = append(p.waiters, core)
		p.mu.Unlock()
		if err := core.block(s0); err != nil {
			return nil, false, err
		}
	}
}

// A Promise is the write side of a typed single-assignment slot; a
// Future is the read side. The pair also supports buffered streaming
// through Push/Pull/CloseBuffer.
type Promise[T any] struct {
	p *promise
}

// Future is the read side of a Promise. Readers either block the
// calling OS thread (Get, Wait) or yield the calling coroutine
// (Await, AwaitFor) until the slot is set.
type Future[T any] struct {
	p *promise
}

// NewPromise returns a linked promise/future pair.
func NewPromise[T any]() (*Promise[T], *Future[T]) {
	p := newPromise(nil)
	return &Promise[T]{p: p}, &Future[T]{p: p}
}

// Set fulfills the promise. A second set returns
// ErrPromiseAlreadySet.
func (pr *Promise[T]) Set(v T) error { return pr.p.set(v) }

// SetError fails the promise.
func (pr *Promise[T]) SetError(err error) error { return pr.p.setError(err) }

// Push appends an element to the promise's buffer.
func (pr *Promise[T]) Push(v T) error { return pr.p.push(v) }

// CloseBuffer marks the buffer's end-of-stream.
func (pr *Promise[T]) CloseBuffer() error { return pr.p.closeBuffer() }

// Get blocks the calling OS thread until the future is set.
func (f *Future[T]) Get() (T, error) {
	v, err := f.p.getThread()
	return castResult[T](v, err)
}

// Wait blocks the calling OS thread until the future is set.
func (f *Future[T]) Wait() { f.p.waitThread(0) }

// WaitFor blocks the calling OS thread until the future is set or
// the timeout expires.
func (f *Future[T]) WaitFor(timeout time.Duration) WaitStatus {
	return f.p.waitThread(timeout)
}

// Await yields the calling coroutine until the future is set. sync
// must be the context of the coroutine the caller runs on.
func (f *Future[T]) Await(sync Awaiter) (T, error) {
	core, err := syncCore(sync)
	if err != nil {
		var zero T
		return zero, err
	}
	v, err := f.p.getCoro(core)
	return castResult[T](v, err)
}

// AwaitFor yields the calling coroutine until the future is set or
// the timeout expires.
func (f *Future[T]) AwaitFor(sync Awaiter, timeout time.Duration) (WaitStatus, error) {
	core, err := syncCore(sync)
	if err != nil {
		return WaitDeferred, err
	}
	return f.p.waitCoro(core, timeout)
}

// Pull blocks the calling OS thread for the next buffered element.
// The bool reports end-of-stream.
func (f *Future[T]) Pull() (T, bool, error) {
	v, closed, err := f.p.pullThread()
	t, err := castResult[T](v, err)
	return t, closed, err
}

// AwaitPull yields the calling coroutine for the next buffered
// element. The bool reports end-of-stream.
func (f *Future[T]) AwaitPull(sync Awaiter) (T, bool, error) {
	core, err := syncCore(sync)
	if err != nil {
		var zero T
		return zero, false, err
	}
	v, closed, err := f.p.pullCoro(core)
	t, err := castResult[T](v, err)
	return t, closed, err
}

// Ready reports whether the future is set.
func (f *Future[T]) Ready() bool { return f.p.ready() }

func castResult[T any](v any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, domainErrorf("result type %T does not match requested type", v)
	}
	return t, nil
}
