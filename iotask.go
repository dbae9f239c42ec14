package dispatch

import "sync/atomic"

// ioTask is the runnable wrapping one blocking callable and its
// future-backed promise. It runs to completion on an I/O worker
// thread: it never yields and never spawns continuations of its own
// kind.
type ioTask struct {
	fn         func() (any, error)
	p          *promise
	queueID    int
	highPri    bool
	terminated atomic.Bool
}

// run invokes the callable and captures its return or panic into the
// promise. Reports whether the task completed with an error.
func (t *ioTask) run() (failed bool) {
	if t.terminated.Load() {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			_ = t.p.setError(newPanicError(r))
			failed = true
		}
	}()
	v, err := t.fn()
	if err != nil {
		_ = t.p.setError(err)
		return true
	}
	_ = t.p.set(v)
	return false
}

// terminate is idempotent; a dropped task's promise settles with
// ErrTerminated so readers unblock.
func (t *ioTask) terminate() {
	if !t.terminated.CompareAndSwap(false, true) {
		return
	}
	_ = t.p.setError(ErrTerminated)
}
