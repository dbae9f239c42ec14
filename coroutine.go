package dispatch

import "github.com/webriots/coro"

// runResult is what a task resume reports back to its worker.
type runResult int32

const (
	// runSuccess means the coroutine returned and the stage promise
	// holds a value.
	runSuccess runResult = iota
	// runRunning means the coroutine yielded voluntarily and is ready
	// to be re-queued.
	runRunning
	// runBlocked means the coroutine yielded awaiting a signal and
	// must not be re-queued until a promise mutation wakes it.
	runBlocked
	// runError means the coroutine returned and the stage promise
	// holds an error.
	runError
	// runTerminated means the task observed termination and must be
	// dropped without advancing its chain.
	runTerminated
)

// coroutine wraps a stackful coro with the two operations the
// scheduler needs: step (resume once) and unwind. The body yields a
// runResult at every suspension point; the terminal result is
// recorded on the owning task before the body returns, so step's
// value is only meaningful while ok is true.
type coroutine struct {
	resume func(int) (runResult, bool)
	cancel func()
	done   bool
}

func newCoroutine(body func(yield func(runResult) int) runResult) *coroutine {
	c := new(coroutine)
	c.resume, c.cancel = coro.New(
		func(yield func(runResult) int, suspend func() int) runResult {
			return body(yield)
		},
	)
	return c
}

// step resumes the coroutine once. ok is false once the body has
// returned.
func (c *coroutine) step() (runResult, bool) {
	if c.done {
		return runSuccess, false
	}
	rc, ok := c.resume(0)
	if !ok {
		c.done = true
	}
	return rc, ok
}

// unwind terminates a live coroutine early, running its deferred
// functions and freeing its stack. Safe to call on a finished
// coroutine.
func (c *coroutine) unwind() {
	if c.done {
		return
	}
	c.done = true
	c.cancel()
}
