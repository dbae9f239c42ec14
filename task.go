package dispatch

import "sync/atomic"

// taskKind positions a task within its continuation chain.
type taskKind uint8

const (
	// taskFirst is the head of a chain.
	taskFirst taskKind = iota
	// taskContinuation runs after its predecessor succeeds.
	taskContinuation
	// taskErrorHandler runs only when a preceding stage failed, and
	// consumes the failure.
	taskErrorHandler
	// taskFinal always runs, last.
	taskFinal
)

func (k taskKind) String() string {
	switch k {
	case taskFirst:
		return "first"
	case taskContinuation:
		return "continuation"
	case taskErrorHandler:
		return "onError"
	case taskFinal:
		return "finally"
	}
	return "unknown"
}

// task is the runnable wrapping one user callable, its coroutine and
// its owning chain. Tasks form a doubly linked list; the queue id,
// once bound to a concrete queue, is immutable.
//
// next and prev are guarded by the chain core's mutex. rc, stageErr
// and coroYield are written by the coroutine body and read by the
// worker resuming it; the resume/yield handoff orders those accesses.
type task struct {
	core    *chainCore
	coro    *coroutine
	kind    taskKind
	pos     int // stage index == promise index in the chain core
	queueID int
	highPri bool

	rc        runResult
	stageErr  error
	coroYield func(runResult) int

	next *task
	prev *task

	running    atomic.Bool
	scheduled  atomic.Bool
	terminated atomic.Bool
}

// run resumes the coroutine once. The scheduler interprets the
// result: Running is re-queued, Blocked is parked until a signal,
// Success advances the chain, Error fast-forwards it.
func (t *task) run() (rc runResult) {
	if t.terminated.Load() || t.core.terminated.Load() {
		t.coro.unwind()
		return runTerminated
	}
	t.running.Store(true)
	defer t.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			t.coro.done = true
			perr := newPanicError(r)
			t.stageErr = perr
			_ = t.core.promises[t.pos].setError(perr)
			t.rc = runError
			rc = runError
		}
	}()

	t.core.current.Store(t)
	t.core.bindYield(t.coroYield)
	res, alive := t.coro.step()
	t.core.bindYield(nil)
	if alive {
		return res
	}
	return t.rc
}

// terminate is idempotent. It marks the whole chain terminated,
// settles every unset stage promise with ErrTerminated and severs
// links so the chain becomes collectable. Coroutines of tasks that
// ever reached a queue are unwound by that queue (on the next resume
// or during its shutdown drain); only never-scheduled coroutines are
// unwound here.
func (t *task) terminate() {
	if !t.terminated.CompareAndSwap(false, true) {
		return
	}
	c := t.core
	c.terminated.Store(true)
	if !t.scheduled.Load() {
		t.coro.unwind()
	}

	c.mu.Lock()
	promises := c.promises
	for n := t.next; n != nil; {
		nn := n.next
		n.release()
		n = nn
	}
	t.next = nil
	t.prev = nil
	c.mu.Unlock()

	for _, p := range promises {
		_ = p.setError(ErrTerminated)
	}
	// A parked coroutine observes termination at its next resume.
	c.wake()
}

// errorHandlerOrFinalLocked walks forward from the failed task t,
// releasing intermediate tasks until it finds the next ErrorHandler
// or Final. Skipped stages have their promises settled with err so
// positional reads downstream observe the failure. Returns nil when
// the chain has no handler to fast-forward to. Caller holds core.mu.
func (t *task) errorHandlerOrFinalLocked(err error) *task {
	n := t.next
	for n != nil && n.kind != taskErrorHandler && n.kind != taskFinal {
		skipped := n
		n = n.next
		_ = t.core.promises[skipped.pos].setError(err)
		skipped.release()
	}
	t.next = n
	if n != nil {
		n.prev = t
	}
	return n
}

// release drops a chain task that will never run again: links are
// severed and, unless the task reached a queue (whose drain owns the
// cleanup), its coroutine is unwound.
func (t *task) release() {
	t.terminated.Store(true)
	if !t.scheduled.Load() {
		t.coro.unwind()
	}
	t.next = nil
	t.prev = nil
}
