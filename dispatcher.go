package dispatch

import (
	"sync/atomic"
	"time"
)

// Dispatcher is the parallel execution engine running coroutine
// chains and blocking I/O tasks. It is the main entry point into the
// library; see Post, PostFirst and PostAsyncIo for submitting work.
type Dispatcher struct {
	core     *dispatcherCore
	draining atomic.Bool
}

// New builds a dispatcher with the default configuration.
func New() *Dispatcher {
	return NewWithConfig(DefaultConfiguration())
}

// NewWithConfig builds a dispatcher, normalizing thread counts
// (-1 means one per core, 0 means 1) and spawning every worker
// thread before returning.
func NewWithConfig(cfg Configuration) *Dispatcher {
	return &Dispatcher{core: newDispatcherCore(cfg)}
}

func (d *Dispatcher) dispatcherCore() *dispatcherCore {
	if d.draining.Load() {
		panic(domainErrorf("cannot post while draining"))
	}
	return d.core
}

// Size returns the number of queued tasks, including currently
// executing ones, for the selected pool and queue. QueueIDAll
// aggregates; QueueIDAny selects the shared I/O pool and is invalid
// for coroutine queues, as is a queue id with QueueTypeAll.
func (d *Dispatcher) Size(qt QueueType, queueID int) (int, error) {
	return d.core.size(qt, queueID)
}

// Empty reports whether the selection holds no tasks.
func (d *Dispatcher) Empty(qt QueueType, queueID int) (bool, error) {
	return d.core.empty(qt, queueID)
}

// Stats returns a statistics snapshot for the selection, aggregated
// across queues for QueueIDAll.
func (d *Dispatcher) Stats(qt QueueType, queueID int) (QueueStatistics, error) {
	return d.core.stats(qt, queueID)
}

// ResetStats clears all counters across both pools. Per counter, not
// globally atomic.
func (d *Dispatcher) ResetStats() { d.core.resetStats() }

// Terminate signals all workers to exit and joins them. Pending
// tasks do not run; already-started stages finish their current
// resume. Idempotent.
func (d *Dispatcher) Terminate() { d.core.terminate() }

// Drain blocks until every queue is empty. New posting from outside
// coroutines is disabled while draining. A timeout of 0 waits
// indefinitely; otherwise ErrTimeout is returned when the budget is
// exhausted.
func (d *Dispatcher) Drain(timeout time.Duration) error {
	d.draining.Store(true)
	defer d.draining.Store(false)
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		empty, err := d.core.empty(QueueTypeAll, QueueIDAll)
		if err != nil {
			return err
		}
		if empty {
			return nil
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			return ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

// NumCoroutineThreads returns the number of coroutine queues. Each
// thread services its own queue id, so this bounds the ids accepted
// by PostTo.
func (d *Dispatcher) NumCoroutineThreads() int { return len(d.core.coroQueues) }

// NumIoThreads returns the number of private I/O queues.
func (d *Dispatcher) NumIoThreads() int { return len(d.core.ioQueues) }

// CoroQueueIDRangeForAny returns the [lo, hi) range of coroutine
// queue ids covered by QueueIDAny routing.
func (d *Dispatcher) CoroQueueIDRangeForAny() (int, int) {
	return d.core.anyRangeLo, d.core.anyRangeHi
}
