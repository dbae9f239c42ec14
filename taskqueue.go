package dispatch

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"github.com/rs/zerolog"
)

// defaultHighPriorityFairness is the number of consecutive
// high-priority tasks serviced before a waiting normal-priority task
// is guaranteed a turn.
const defaultHighPriorityFairness = 4

// taskQueue is one coroutine lane: two FIFO sub-queues (high and
// normal priority), one worker thread, and the park set for blocked
// coroutines awaiting a signal.
//
// The size counter includes the currently executing task; parked
// tasks are carried in a separate counter so queue depth reflects
// work still owed even while a coroutine waits.
type taskQueue struct {
	id       int
	pinTo    int
	fairness int
	log      zerolog.Logger

	mu         sync.Mutex
	cond       sync.Cond
	high       deque.Deque[*task]
	normal     deque.Deque[*task]
	parked     map[*task]struct{}
	highStreak int
	drained    bool

	size        atomic.Int64
	parkedCount atomic.Int64
	terminated  atomic.Bool
	stats       queueStats
	wg          sync.WaitGroup
}

// newTaskQueue builds the queue and spawns its worker thread. pinTo
// of -1 leaves the worker unpinned.
func newTaskQueue(id, pinTo, fairness int, log zerolog.Logger) *taskQueue {
	if fairness <= 0 {
		fairness = defaultHighPriorityFairness
	}
	q := &taskQueue{
		id:       id,
		pinTo:    pinTo,
		fairness: fairness,
		log:      log,
		parked:   make(map[*task]struct{}),
	}
	q.cond.L = &q.mu
	q.wg.Add(1)
	go q.worker()
	return q
}

// len is the number of queued tasks including the currently executing
// one and any coroutines parked awaiting a signal.
func (q *taskQueue) len() int64 { return q.size.Load() + q.parkedCount.Load() }

// enqueue adds a freshly posted task.
func (q *taskQueue) enqueue(t *task) {
	if q.push(t, true) {
		q.stats.recordPosted(t.highPri)
	}
}

// requeue re-adds a task woken from a blocked wait.
func (q *taskQueue) requeue(t *task) {
	q.push(t, true)
}

// push appends t to the tail of its priority class and reports
// whether the queue accepted it. counted is false when the task never
// left the size count (a voluntary yield). A woken parked task moves
// from the parked count into the size count before leaving the parked
// set, so len never transiently dips. On a terminated queue the task
// is handed to the shutdown drain, or cleaned up here when the drain
// has already run.
func (q *taskQueue) push(t *task, counted bool) bool {
	t.scheduled.Store(true)
	q.mu.Lock()
	if q.terminated.Load() {
		if !q.drained {
			// The drain owns the cleanup of everything it finds.
			if _, ok := q.parked[t]; !ok {
				q.parked[t] = struct{}{}
				q.parkedCount.Add(1)
			}
			q.mu.Unlock()
			return false
		}
		q.mu.Unlock()
		t.terminate()
		t.coro.unwind()
		return false
	}
	if _, ok := q.parked[t]; ok {
		delete(q.parked, t)
		q.size.Add(1)
		q.parkedCount.Add(-1)
	} else if counted {
		q.size.Add(1)
	}
	q.stats.recordDepth(q.size.Load())
	if t.highPri {
		q.high.PushBack(t)
	} else {
		q.normal.PushBack(t)
	}
	q.cond.Signal()
	q.mu.Unlock()
	return true
}

// popLocked applies the fairness guard: the high-priority queue is
// drained first, but a waiting normal-priority task is serviced at
// least once every fairness high-priority tasks.
func (q *taskQueue) popLocked() (*task, bool) {
	if q.high.Len() > 0 {
		if q.normal.Len() > 0 && q.highStreak >= q.fairness {
			q.highStreak = 0
			return q.normal.PopFront(), true
		}
		q.highStreak++
		return q.high.PopFront(), true
	}
	if q.normal.Len() > 0 {
		q.highStreak = 0
		return q.normal.PopFront(), true
	}
	return nil, false
}

// dequeue blocks until a task is ready or the queue terminates.
func (q *taskQueue) dequeue() *task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.terminated.Load() {
			return nil
		}
		if t, ok := q.popLocked(); ok {
			return t
		}
		start := time.Now()
		q.cond.Wait()
		q.stats.recordBlocked(time.Since(start))
	}
}

// park records a task that yielded awaiting a signal, then re-checks
// the chain signal: a promise mutation that landed between the yield
// and the park would otherwise be lost.
func (q *taskQueue) park(t *task) {
	q.mu.Lock()
	q.parked[t] = struct{}{}
	q.parkedCount.Add(1)
	q.mu.Unlock()

	c := t.core
	c.parked.Store(true)
	if c.signal.Load() != c.waitingOn {
		c.unpark()
	}
}

func (q *taskQueue) worker() {
	defer q.wg.Done()
	if q.pinTo >= 0 {
		runtime.LockOSThread()
		if err := pinThreadToCore(q.pinTo); err != nil {
			q.log.Warn().Int("queue", q.id).Int("core", q.pinTo).
				Err(err).Msg("could not pin worker thread")
		}
	}
	for {
		t := q.dequeue()
		if t == nil {
			return
		}
		switch t.run() {
		case runRunning:
			q.push(t, false)
		case runBlocked:
			// Park before dropping the size count so len never dips
			// while the task changes state.
			q.park(t)
			q.size.Add(-1)
		case runSuccess:
			// Advance (enqueueing the next stage) before dropping the
			// count so a chain in flight never reads as drained.
			q.stats.completed.Add(1)
			t.core.advanceSuccess(t)
			q.size.Add(-1)
		case runError:
			q.stats.completed.Add(1)
			q.stats.errored.Add(1)
			t.core.advanceError(t)
			q.size.Add(-1)
		case runTerminated:
			q.size.Add(-1)
		}
	}
}

// terminate signals the worker to exit, joins it exactly once, and
// cleans up every queued or parked task. Pending tasks do not run.
func (q *taskQueue) terminate() {
	if !q.terminated.CompareAndSwap(false, true) {
		return
	}
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()

	q.mu.Lock()
	var drop []*task
	for q.high.Len() > 0 {
		drop = append(drop, q.high.PopFront())
	}
	for q.normal.Len() > 0 {
		drop = append(drop, q.normal.PopFront())
	}
	for t := range q.parked {
		drop = append(drop, t)
	}
	q.parked = make(map[*task]struct{})
	q.drained = true
	q.mu.Unlock()

	for _, t := range drop {
		t.terminate()
		t.coro.unwind()
	}
	q.size.Store(0)
	q.parkedCount.Store(0)
	q.log.Debug().Int("queue", q.id).Int("dropped", len(drop)).
		Msg("coroutine queue terminated")
}
