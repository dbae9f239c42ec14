package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"github.com/rs/zerolog"
)

// ioQueue holds blocking I/O tasks. A private queue owns a worker
// thread; a shared queue has none and is serviced opportunistically
// by the private workers, which make one non-blocking pass over the
// shared pool whenever their own deque runs dry.
type ioQueue struct {
	id     int
	shared []*ioQueue
	log    zerolog.Logger

	mu         sync.Mutex
	cond       sync.Cond
	high       deque.Deque[*ioTask]
	normal     deque.Deque[*ioTask]
	sharedHint bool

	size       atomic.Int64
	terminated atomic.Bool
	stats      queueStats
	wg         sync.WaitGroup
	hasWorker  bool
}

// newIoQueue builds a queue. shared is the shared pool a private
// worker steals from; it is nil for shared queues themselves, which
// also run no worker.
func newIoQueue(id int, shared []*ioQueue, startWorker bool, log zerolog.Logger) *ioQueue {
	q := &ioQueue{id: id, shared: shared, log: log, hasWorker: startWorker}
	q.cond.L = &q.mu
	if startWorker {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

func (q *ioQueue) len() int64 { return q.size.Load() }

// enqueue adds a task, waking the worker if any.
func (q *ioQueue) enqueue(t *ioTask) {
	q.mu.Lock()
	if q.terminated.Load() {
		q.mu.Unlock()
		t.terminate()
		return
	}
	if t.highPri {
		q.high.PushBack(t)
	} else {
		q.normal.PushBack(t)
	}
	q.cond.Signal()
	q.mu.Unlock()
	q.stats.recordPosted(t.highPri)
	q.stats.recordDepth(q.size.Add(1))
}

// tryEnqueue is enqueue with try-lock semantics, used by load
// balancing so a busy queue is skipped.
func (q *ioQueue) tryEnqueue(t *ioTask) bool {
	if !q.mu.TryLock() {
		return false
	}
	if q.terminated.Load() {
		q.mu.Unlock()
		t.terminate()
		return true
	}
	if t.highPri {
		q.high.PushBack(t)
	} else {
		q.normal.PushBack(t)
	}
	q.mu.Unlock()
	q.stats.recordPosted(t.highPri)
	q.stats.recordDepth(q.size.Add(1))
	return true
}

// tryDequeue pops without blocking; used by private workers stealing
// from the shared pool.
func (q *ioQueue) tryDequeue() *ioTask {
	if !q.mu.TryLock() {
		return nil
	}
	t, ok := q.popLocked()
	q.mu.Unlock()
	if !ok {
		return nil
	}
	q.size.Add(-1)
	return t
}

func (q *ioQueue) popLocked() (*ioTask, bool) {
	if q.high.Len() > 0 {
		return q.high.PopFront(), true
	}
	if q.normal.Len() > 0 {
		return q.normal.PopFront(), true
	}
	return nil, false
}

// signalWork hints that the shared pool has work and wakes the
// worker.
func (q *ioQueue) signalWork() {
	q.mu.Lock()
	q.sharedHint = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// dequeue returns the next private task, or a stolen shared task, or
// nil once the queue terminates. fromShared reports a steal so the
// caller attributes completion stats correctly.
func (q *ioQueue) dequeue() (t *ioTask, fromShared bool) {
	q.mu.Lock()
	for {
		if q.terminated.Load() {
			q.mu.Unlock()
			return nil, false
		}
		if t, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return t, false
		}
		if len(q.shared) > 0 {
			q.sharedHint = false
			q.mu.Unlock()
			for _, sq := range q.shared {
				if t := sq.tryDequeue(); t != nil {
					// Count the stolen task as executing here.
					q.stats.recordDepth(q.size.Add(1))
					return t, true
				}
			}
			q.mu.Lock()
			if q.sharedHint {
				// A submission raced with the pass; scan again.
				continue
			}
			if q.high.Len() > 0 || q.normal.Len() > 0 {
				// A private task arrived during the pass.
				continue
			}
		}
		start := time.Now()
		q.cond.Wait()
		q.stats.recordBlocked(time.Since(start))
	}
}

func (q *ioQueue) worker() {
	defer q.wg.Done()
	for {
		t, fromShared := q.dequeue()
		if t == nil {
			return
		}
		failed := t.run()
		q.size.Add(-1)
		q.stats.completed.Add(1)
		if failed {
			q.stats.errored.Add(1)
		}
		if fromShared {
			q.stats.sharedCompleted.Add(1)
		}
	}
}

// terminate signals the worker to exit, joins it exactly once and
// settles every still-queued task with ErrTerminated.
func (q *ioQueue) terminate() {
	if !q.terminated.CompareAndSwap(false, true) {
		return
	}
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
	if q.hasWorker {
		q.wg.Wait()
	}

	q.mu.Lock()
	var drop []*ioTask
	for q.high.Len() > 0 {
		drop = append(drop, q.high.PopFront())
	}
	for q.normal.Len() > 0 {
		drop = append(drop, q.normal.PopFront())
	}
	q.mu.Unlock()

	for _, t := range drop {
		t.terminate()
	}
	q.size.Store(0)
	q.log.Debug().Int("queue", q.id).Int("dropped", len(drop)).
		Msg("io queue terminated")
}
