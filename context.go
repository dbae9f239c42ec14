package dispatch

import (
	"sync"
	"sync/atomic"
	"time"
)

// StageFunc is the user callable for one chain stage. Its return
// value and error settle the stage's promise.
type StageFunc[T any] func(c *Context[T]) (T, error)

// ErrorFunc is the user callable for an OnError stage. err is the
// failure captured by the nearest preceding failed stage.
type ErrorFunc[T any] func(c *Context[T], err error) (T, error)

// IoFunc is the user callable for a blocking I/O task.
type IoFunc[T any] func() (T, error)

// Awaiter is the coroutine synchronization handle required by
// coroutine-aware waits. Every Context implements it; the argument
// must be the context of the coroutine the caller is running on.
type Awaiter interface {
	chain() *chainCore
}

// Poster is anything chains and I/O tasks can be posted through: a
// Dispatcher, or a Context for posting from within a coroutine.
type Poster interface {
	dispatcherCore() *dispatcherCore
}

// chainCore is the state shared by every Context view of one chain:
// the ordered promise list (index 0 = head), the task links, and the
// coroutine wake protocol.
//
// The wake protocol: a coroutine about to block records the signal
// counter it observed, registers with the awaited promise, and yields
// runBlocked. The worker then parks the task. Every promise mutation
// increments the counter and, if the task is parked, re-enqueues it.
// A mutation that lands between the yield decision and the park is
// caught by the worker re-checking the counter after parking.
type chainCore struct {
	disp *dispatcherCore

	mu           sync.Mutex
	promises     []*promise
	head         *task
	tail         *task
	closed       bool
	posted       bool
	awaitingNext bool
	pendingErr   error

	signal    atomic.Int64
	parked    atomic.Bool
	waitingOn int64
	current   atomic.Pointer[task]
	yield     func(runResult) int

	terminated atomic.Bool

	queueID int
	highPri bool
}

func newChainCore(d *dispatcherCore, queueID int, highPri bool) *chainCore {
	return &chainCore{disp: d, queueID: queueID, highPri: highPri}
}

// wake increments the chain signal and re-enqueues the chain's task
// if it is parked. Safe from any goroutine.
func (c *chainCore) wake() {
	c.signal.Add(1)
	c.unpark()
}

func (c *chainCore) unpark() {
	if c.disp.terminated.Load() {
		// The owning queue's shutdown drain cleans up parked tasks.
		return
	}
	if c.parked.CompareAndSwap(true, false) {
		if t := c.current.Load(); t != nil {
			c.disp.requeue(t)
		}
	}
}

// bindYield installs or clears the resume handle. Only the worker
// currently running a stage of this chain touches it.
func (c *chainCore) bindYield(y func(runResult) int) {
	c.yield = y
}

// block yields the running coroutine until the chain signal advances
// past s0. Must be called from the coroutine itself.
func (c *chainCore) block(s0 int64) error {
	if c.yield == nil {
		panic(domainErrorf("coroutine wait without a valid coroutine sync handle"))
	}
	for c.signal.Load() == s0 {
		c.waitingOn = s0
		c.yield(runBlocked)
		if c.terminated.Load() {
			return ErrTerminated
		}
	}
	return nil
}

// yieldRunning cooperatively returns control to the worker loop; the
// task is re-queued at the tail of its priority class.
func (c *chainCore) yieldRunning() {
	if c.yield == nil {
		panic(domainErrorf("yield without a valid coroutine sync handle"))
	}
	c.yield(runRunning)
}

// schedule enqueues a follow-up task of this chain on the chain's
// bound queue.
func (c *chainCore) schedule(t *task) {
	if t.queueID == QueueIDAny {
		t.queueID = c.queueID
	}
	c.disp.coroQueues[t.queueID].enqueue(t)
}

// advanceSuccess runs on the worker after a stage succeeded: the next
// task, if already appended, is enqueued; otherwise a later append
// schedules itself. Error handlers on the success path never run:
// they are released with the predecessor's value forwarded into their
// promise so positional reads stay consistent.
func (c *chainCore) advanceSuccess(t *task) {
	v, _ := c.promises[t.pos].result()
	c.mu.Lock()
	next := t.next
	for next != nil && next.kind == taskErrorHandler {
		skipped := next
		next = next.next
		_ = c.promises[skipped.pos].set(v)
		skipped.release()
	}
	t.next = next
	if next == nil {
		c.awaitingNext = !c.closed
		c.mu.Unlock()
		return
	}
	next.prev = t
	c.mu.Unlock()
	c.schedule(next)
}

// advanceError runs on the worker after a stage failed: the chain is
// fast-forwarded to the next ErrorHandler or Final, releasing
// intermediates. With no handler appended yet, the failure is
// remembered so a later append resolves it.
func (c *chainCore) advanceError(t *task) {
	err := t.stageErr
	if err == nil {
		_, err = c.promises[t.pos].result()
	}
	c.mu.Lock()
	h := t.errorHandlerOrFinalLocked(err)
	if h == nil {
		if !c.closed {
			c.pendingErr = err
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.schedule(h)
}

// Context is the user-facing handle for one stage of a continuation
// chain, typed to that stage's result. Continuations are appended
// with the package-level Then, OnError and Finally; results are read
// with Get (thread-blocking) or Await (coroutine-yielding).
type Context[T any] struct {
	core *chainCore
	pos  int
	task *task
}

func (c *Context[T]) chain() *chainCore               { return c.core }
func (c *Context[T]) dispatcherCore() *dispatcherCore { return c.core.disp }

func (c *Context[T]) promise() *promise { return c.core.promises[c.pos] }

// index resolves a positional stage index. Negative values count back
// from this context's stage: -1 is the current stage, -2 the
// previous. Positions past this stage are out of range.
func (c *Context[T]) index(num int) (int, error) {
	i := num
	if i < 0 {
		i = c.pos + 1 + num
	}
	if i < 0 || i > c.pos {
		return 0, domainErrorf("positional index %d out of range for stage %d", num, c.pos)
	}
	return i, nil
}

// Get blocks the calling OS thread until this stage's promise is
// set, then returns its value. From inside a coroutine use Await.
func (c *Context[T]) Get() (T, error) {
	v, err := c.promise().getThread()
	return castResult[T](v, err)
}

// Await yields the calling coroutine until this stage's promise is
// set. sync must be the context of the coroutine the caller runs on.
func (c *Context[T]) Await(sync Awaiter) (T, error) {
	core, err := syncCore(sync)
	if err != nil {
		var zero T
		return zero, err
	}
	v, err := c.promise().getCoro(core)
	return castResult[T](v, err)
}

// Wait blocks the calling OS thread until this stage's promise is
// set.
func (c *Context[T]) Wait() { c.promise().waitThread(0) }

// WaitFor blocks the calling OS thread until this stage's promise is
// set or the timeout expires.
func (c *Context[T]) WaitFor(timeout time.Duration) WaitStatus {
	return c.promise().waitThread(timeout)
}

// AwaitFor yields the calling coroutine until this stage's promise
// is set or the timeout expires.
func (c *Context[T]) AwaitFor(sync Awaiter, timeout time.Duration) (WaitStatus, error) {
	core, err := syncCore(sync)
	if err != nil {
		return WaitDeferred, err
	}
	return c.promise().waitCoro(core, timeout)
}

// GetAt reads the result of the stage at num, blocking the calling
// OS thread until it is set. Index 0 is the chain head; negative
// indices count back from this stage.
func (c *Context[T]) GetAt(num int) (any, error) {
	i, err := c.index(num)
	if err != nil {
		return nil, err
	}
	return c.core.promises[i].getThread()
}

// AwaitAt is GetAt for coroutine callers.
func (c *Context[T]) AwaitAt(sync Awaiter, num int) (any, error) {
	core, err := syncCore(sync)
	if err != nil {
		return nil, err
	}
	i, err := c.index(num)
	if err != nil {
		return nil, err
	}
	return c.core.promises[i].getCoro(core)
}

// GetPrev reads the previous stage's result. Equivalent to
// GetAt(-2).
func (c *Context[T]) GetPrev() (any, error) { return c.GetAt(-2) }

// AwaitPrev is GetPrev for coroutine callers.
func (c *Context[T]) AwaitPrev(sync Awaiter) (any, error) {
	return c.AwaitAt(sync, -2)
}

// Valid reports whether this stage's promise is set.
func (c *Context[T]) Valid() bool { return c.promise().ready() }

// ValidAt reports whether the promise at num is set.
func (c *Context[T]) ValidAt(num int) bool {
	i, err := c.index(num)
	if err != nil {
		return false
	}
	return c.core.promises[i].ready()
}

// Set fulfills this stage's promise early, before the stage callable
// returns. The callable's eventual return value is then discarded.
func (c *Context[T]) Set(v T) error { return c.promise().set(v) }

// SetError fails this stage's promise early.
func (c *Context[T]) SetError(err error) error {
	return c.promise().setError(err)
}

// Push appends an element to this stage's buffer.
func (c *Context[T]) Push(v any) error { return c.promise().push(v) }

// CloseBuffer marks this stage's buffer end-of-stream.
func (c *Context[T]) CloseBuffer() error { return c.promise().closeBuffer() }

// Pull blocks the calling OS thread for the next buffered element of
// this stage. The bool reports end-of-stream.
func (c *Context[T]) Pull() (any, bool, error) {
	return c.promise().pullThread()
}

// AwaitPull yields the calling coroutine for the next buffered
// element of this stage. The bool reports end-of-stream.
func (c *Context[T]) AwaitPull(sync Awaiter) (any, bool, error) {
	core, err := syncCore(sync)
	if err != nil {
		return nil, false, err
	}
	return c.promise().pullCoro(core)
}

// Yield cooperatively returns control to the worker so other ready
// tasks on the same queue can run. Valid only while this chain's
// coroutine is executing.
func (c *Context[T]) Yield() { c.core.yieldRunning() }

// Sleep suspends the calling coroutine for at least d without
// occupying the worker.
func (c *Context[T]) Sleep(d time.Duration) error {
	deadline := time.Now().Add(d)
	timer := time.AfterFunc(d, c.core.wake)
	defer timer.Stop()
	for time.Now().Before(deadline) {
		if err := c.core.block(c.core.signal.Load()); err != nil {
			return err
		}
	}
	return nil
}

// Signal returns the chain's monotonic signal counter.
func (c *Context[T]) Signal() int64 { return c.core.signal.Load() }

// Terminate cooperatively terminates the chain: the flag is observed
// at the next suspension point, unset promises settle with
// ErrTerminated, and resources are released.
func (c *Context[T]) Terminate() {
	c.core.mu.Lock()
	t := c.core.head
	c.core.mu.Unlock()
	if t != nil {
		t.terminate()
	}
}

// End closes the chain: no further continuations may be appended, and
// a chain built with PostFirst is enqueued now. Returns the same
// handle for result access.
func (c *Context[T]) End() *Context[T] {
	core := c.core
	core.mu.Lock()
	core.closed = true
	start := !core.posted
	if start {
		core.posted = true
	}
	head := core.head
	core.mu.Unlock()
	if start {
		core.disp.post(head)
	}
	return c
}

// syncCore extracts and validates the chain core behind a coroutine
// sync handle.
func syncCore(sync Awaiter) (*chainCore, error) {
	if sync == nil {
		return nil, domainErrorf("nil coroutine sync handle")
	}
	core := sync.chain()
	if core == nil {
		return nil, domainErrorf("invalid coroutine sync handle")
	}
	return core, nil
}

// newStageTask builds the task and context for one stage. Exactly one
// of fn and errFn is non-nil. The coroutine body publishes the yield
// handle, invokes the callable and settles the stage promise before
// returning its terminal result.
func newStageTask[T any](core *chainCore, kind taskKind, pos int, fn StageFunc[T], errFn ErrorFunc[T]) (*task, *Context[T]) {
	t := &task{
		core:    core,
		kind:    kind,
		pos:     pos,
		queueID: core.queueID,
		highPri: core.highPri,
	}
	ctx := &Context[T]{core: core, pos: pos, task: t}
	t.coro = newCoroutine(func(yield func(runResult) int) runResult {
		t.coroYield = yield
		core.bindYield(yield)

		var v T
		var err error
		if errFn != nil {
			_, perr := core.promises[pos-1].result()
			v, err = errFn(ctx, perr)
		} else {
			v, err = fn(ctx)
		}
		if err != nil {
			t.rc = runError
			t.stageErr = err
			_ = core.promises[pos].setError(err)
			return runError
		}
		t.rc = runSuccess
		_ = core.promises[pos].set(v)
		return runSuccess
	})
	return t, ctx
}

// appendStage validates the topology, links a new stage at the tail
// and resolves any deferred scheduling decision left by an
// already-finished predecessor.
func appendStage[U any](core *chainCore, kind taskKind, fn StageFunc[U], errFn ErrorFunc[U]) *Context[U] {
	core.mu.Lock()
	if core.closed {
		core.mu.Unlock()
		panic(domainErrorf("cannot append %v to an ended chain", kind))
	}
	if core.tail != nil && core.tail.kind == taskFinal {
		core.mu.Unlock()
		panic(domainErrorf("cannot append %v after a finally stage", kind))
	}

	pos := len(core.promises)
	p := newPromise(core)
	core.promises = append(core.promises, p)
	t, ctx := newStageTask[U](core, kind, pos, fn, errFn)
	t.prev = core.tail
	core.tail.next = t
	core.tail = t

	switch {
	case core.awaitingNext:
		if kind == taskErrorHandler {
			// The predecessor already succeeded; the handler never
			// runs. Forward the value for positional reads.
			v, _ := core.promises[pos-1].result()
			prevTail := t.prev
			_ = p.set(v)
			t.release()
			core.tail = prevTail
			core.mu.Unlock()
			break
		}
		core.awaitingNext = false
		core.mu.Unlock()
		core.schedule(t)
	case core.pendingErr != nil:
		if kind == taskErrorHandler || kind == taskFinal {
			core.pendingErr = nil
			core.mu.Unlock()
			core.schedule(t)
		} else {
			prevTail := t.prev
			_ = p.setError(core.pendingErr)
			t.release()
			core.tail = prevTail
			core.mu.Unlock()
		}
	default:
		core.mu.Unlock()
	}
	return ctx
}

// Then appends a continuation that runs after c's stage succeeds,
// receiving its result through the chain. It inherits the
// predecessor's queue and priority.
func Then[U, T any](c *Context[T], fn StageFunc[U]) *Context[U] {
	return appendStage(c.core, taskContinuation, fn, nil)
}

// OnError appends an error handler that runs only if a preceding
// stage failed. The handler consumes the failure; the chain then
// resumes the success path.
func OnError[U, T any](c *Context[T], fn ErrorFunc[U]) *Context[U] {
	return appendStage(c.core, taskErrorHandler, nil, fn)
}

// Finally appends a stage that always runs, last. A failure with no
// preceding OnError is still observable through its GetPrev.
func Finally[U, T any](c *Context[T], fn StageFunc[U]) *Context[U] {
	return appendStage(c.core, taskFinal, fn, nil)
}

func postChain[T any](src Poster, queueID int, highPri bool, fn StageFunc[T], immediate bool) *Context[T] {
	d := src.dispatcherCore()
	if queueID != QueueIDAny && (queueID < 0 || queueID >= len(d.coroQueues)) {
		panic(domainErrorf("coroutine queue id %d out of range [0, %d)", queueID, len(d.coroQueues)))
	}
	core := newChainCore(d, queueID, highPri)
	p := newPromise(core)
	core.promises = append(core.promises, p)
	t, ctx := newStageTask[T](core, taskFirst, 0, fn, nil)
	core.head, core.tail = t, t
	if d.terminated.Load() {
		_ = p.setError(ErrTerminated)
		core.terminated.Store(true)
		t.release()
		return ctx
	}
	if immediate {
		core.posted = true
		d.post(t)
	}
	return ctx
}

// Post creates a FirstInChain task and schedules it immediately on
// the least-loaded queue. src is a Dispatcher or, from inside a
// coroutine, a Context.
func Post[T any](src Poster, fn StageFunc[T]) *Context[T] {
	return postChain(src, QueueIDAny, false, fn, true)
}

// PostTo is Post with explicit routing. QueueIDAny triggers load
// balancing; a concrete id out of range panics with a DomainError.
func PostTo[T any](src Poster, queueID int, highPri bool, fn StageFunc[T]) *Context[T] {
	return postChain(src, queueID, highPri, fn, true)
}

// PostFirst creates the head of a continuation chain without
// scheduling it; End schedules the whole chain after the
// continuations are appended.
func PostFirst[T any](src Poster, fn StageFunc[T]) *Context[T] {
	return postChain(src, QueueIDAny, false, fn, false)
}

// PostFirstTo is PostFirst with explicit routing.
func PostFirstTo[T any](src Poster, queueID int, highPri bool, fn StageFunc[T]) *Context[T] {
	return postChain(src, queueID, highPri, fn, false)
}

// PostAsyncIo schedules a blocking callable on the I/O pool and
// returns its future. It never suspends the caller. When src is a
// Context, a set on the returned future wakes that chain's waiting
// coroutine.
func PostAsyncIo[T any](src Poster, fn IoFunc[T]) *Future[T] {
	return PostAsyncIoTo(src, QueueIDAny, false, fn)
}

// PostAsyncIoTo is PostAsyncIo with explicit routing to a private
// I/O queue.
func PostAsyncIoTo[T any](src Poster, queueID int, highPri bool, fn IoFunc[T]) *Future[T] {
	d := src.dispatcherCore()
	var owner *chainCore
	if a, ok := src.(Awaiter); ok {
		owner = a.chain()
	}
	p := newPromise(owner)
	t := &ioTask{
		fn: func() (any, error) {
			return fn()
		},
		p:       p,
		queueID: queueID,
		highPri: highPri,
	}
	d.postAsyncIo(t)
	return &Future[T]{p: p}
}
