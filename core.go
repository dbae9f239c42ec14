package dispatch

import (
	"math"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// dispatcherCore owns both queue arrays, routes submissions,
// aggregates statistics and orchestrates shutdown. Sizes are fixed at
// construction; all worker threads are spawned before the constructor
// returns.
type dispatcherCore struct {
	coroQueues     []*taskQueue
	ioQueues       []*ioQueue
	sharedIoQueues []*ioQueue
	anyRangeLo     int
	anyRangeHi     int
	loadBalance    bool
	ioRR           atomic.Uint64
	terminated     atomic.Bool
	log            zerolog.Logger
}

func newDispatcherCore(cfg Configuration) *dispatcherCore {
	numCoro := normalizeCoroThreads(cfg.NumCoroutineThreads)
	numIo := normalizeIoThreads(cfg.NumIoThreads)
	log := cfg.logger()

	d := &dispatcherCore{
		coroQueues:     make([]*taskQueue, numCoro),
		ioQueues:       make([]*ioQueue, numIo),
		sharedIoQueues: make([]*ioQueue, numIo),
		loadBalance:    cfg.LoadBalanceSharedIoQueues,
		log:            log,
	}

	for i := range d.sharedIoQueues {
		d.sharedIoQueues[i] = newIoQueue(i, nil, false, log)
	}
	for i := range d.ioQueues {
		d.ioQueues[i] = newIoQueue(i, d.sharedIoQueues, true, log)
	}
	for i := range d.coroQueues {
		pinTo := -1
		if cfg.PinCoroutineThreadsToCores {
			pinTo = i % numCPU()
		}
		d.coroQueues[i] = newTaskQueue(i, pinTo, cfg.HighPriorityFairness, log)
	}

	// An invalid or empty any-range silently falls back to [0, N).
	d.anyRangeLo, d.anyRangeHi = 0, numCoro
	lo, hi := cfg.CoroQueueIDRangeForAny[0], cfg.CoroQueueIDRangeForAny[1]
	if lo < hi && lo >= 0 && lo < numCoro && hi <= numCoro {
		d.anyRangeLo, d.anyRangeHi = lo, hi
	}

	log.Debug().Int("coro_threads", numCoro).Int("io_threads", numIo).
		Bool("load_balance", cfg.LoadBalanceSharedIoQueues).
		Msg("dispatcher started")
	return d
}

// post routes a chain head. QueueIDAny walks the configured range
// once and places the task on the shortest queue, ties broken by
// lowest index, short-circuiting on any empty queue. The chosen queue
// id is bound to the task's chain and inherited by continuations.
func (d *dispatcherCore) post(t *task) {
	if t == nil {
		return
	}
	if d.terminated.Load() {
		t.terminate()
		return
	}
	if t.queueID == QueueIDAny {
		index := d.anyRangeLo
		var best int64 = math.MaxInt64
		for i := d.anyRangeLo; i < d.anyRangeHi; i++ {
			size := d.coroQueues[i].len()
			if size < best {
				best = size
				index = i
			}
			if best == 0 {
				break
			}
		}
		t.queueID = index
	} else if t.queueID < 0 || t.queueID >= len(d.coroQueues) {
		panic(domainErrorf("coroutine queue id %d out of range [0, %d)",
			t.queueID, len(d.coroQueues)))
	}
	t.core.queueID = t.queueID
	t.core.highPri = t.highPri
	d.coroQueues[t.queueID].enqueue(t)
}

// requeue places a chain task back on its bound queue, used by the
// wake path.
func (d *dispatcherCore) requeue(t *task) {
	d.coroQueues[t.queueID].requeue(t)
}

// postAsyncIo routes a blocking task. With QueueIDAny and load
// balancing off, the task goes to shared queue 0 and every private
// worker is signaled; the first to wake picks it up. With load
// balancing on, submissions round-robin across shared queues with
// try-enqueue so a busy queue is skipped.
func (d *dispatcherCore) postAsyncIo(t *ioTask) {
	if t == nil {
		return
	}
	if d.terminated.Load() {
		t.terminate()
		return
	}
	if t.queueID == QueueIDAny {
		if d.loadBalance {
			n := uint64(len(d.sharedIoQueues))
			for {
				if d.sharedIoQueues[d.ioRR.Add(1)%n].tryEnqueue(t) {
					break
				}
			}
		} else {
			d.sharedIoQueues[0].enqueue(t)
		}
		for _, q := range d.ioQueues {
			q.signalWork()
		}
		return
	}
	if t.queueID < 0 || t.queueID >= len(d.ioQueues) {
		panic(domainErrorf("io queue id %d out of range [0, %d)",
			t.queueID, len(d.ioQueues)))
	}
	d.ioQueues[t.queueID].enqueue(t)
}

func (d *dispatcherCore) size(qt QueueType, queueID int) (int, error) {
	switch qt {
	case QueueTypeAll:
		if queueID != QueueIDAll {
			return 0, domainErrorf("cannot specify a queue id with QueueTypeAll")
		}
		coro, err := d.coroSize(QueueIDAll)
		if err != nil {
			return 0, err
		}
		io, err := d.ioSize(QueueIDAll)
		if err != nil {
			return 0, err
		}
		return coro + io, nil
	case QueueTypeCoro:
		return d.coroSize(queueID)
	case QueueTypeIo:
		return d.ioSize(queueID)
	}
	return 0, domainErrorf("invalid queue type %d", qt)
}

func (d *dispatcherCore) coroSize(queueID int) (int, error) {
	if queueID == QueueIDAll {
		var size int64
		for _, q := range d.coroQueues {
			size += q.len()
		}
		return int(size), nil
	}
	if queueID < 0 || queueID >= len(d.coroQueues) {
		return 0, domainErrorf("invalid coroutine queue id %d", queueID)
	}
	return int(d.coroQueues[queueID].len()), nil
}

func (d *dispatcherCore) ioSize(queueID int) (int, error) {
	switch {
	case queueID == QueueIDAll:
		var size int64
		for _, q := range d.ioQueues {
			size += q.len()
		}
		for _, q := range d.sharedIoQueues {
			size += q.len()
		}
		return int(size), nil
	case queueID == QueueIDAny:
		var size int64
		for _, q := range d.sharedIoQueues {
			size += q.len()
		}
		return int(size), nil
	case queueID < 0 || queueID >= len(d.ioQueues):
		return 0, domainErrorf("invalid io queue id %d", queueID)
	}
	return int(d.ioQueues[queueID].len()), nil
}

func (d *dispatcherCore) empty(qt QueueType, queueID int) (bool, error) {
	size, err := d.size(qt, queueID)
	if err != nil {
		return false, err
	}
	return size == 0, nil
}

func (d *dispatcherCore) stats(qt QueueType, queueID int) (QueueStatistics, error) {
	switch qt {
	case QueueTypeAll:
		if queueID != QueueIDAll {
			return QueueStatistics{}, domainErrorf("cannot specify a queue id with QueueTypeAll")
		}
		coro, err := d.coroStats(QueueIDAll)
		if err != nil {
			return QueueStatistics{}, err
		}
		io, err := d.ioStats(QueueIDAll)
		if err != nil {
			return QueueStatistics{}, err
		}
		return coro.Add(io), nil
	case QueueTypeCoro:
		return d.coroStats(queueID)
	case QueueTypeIo:
		return d.ioStats(queueID)
	}
	return QueueStatistics{}, domainErrorf("invalid queue type %d", qt)
}

func (d *dispatcherCore) coroStats(queueID int) (QueueStatistics, error) {
	if queueID == QueueIDAll {
		var st QueueStatistics
		for _, q := range d.coroQueues {
			st = st.Add(q.stats.snapshot(q.len()))
		}
		return st, nil
	}
	if queueID < 0 || queueID >= len(d.coroQueues) {
		return QueueStatistics{}, domainErrorf("invalid coroutine queue id %d", queueID)
	}
	q := d.coroQueues[queueID]
	return q.stats.snapshot(q.len()), nil
}

func (d *dispatcherCore) ioStats(queueID int) (QueueStatistics, error) {
	switch {
	case queueID == QueueIDAll:
		var st QueueStatistics
		for _, q := range d.ioQueues {
			st = st.Add(q.stats.snapshot(q.len()))
		}
		for _, q := range d.sharedIoQueues {
			st = st.Add(q.stats.snapshot(q.len()))
		}
		return st, nil
	case queueID == QueueIDAny:
		var st QueueStatistics
		for _, q := range d.sharedIoQueues {
			st = st.Add(q.stats.snapshot(q.len()))
		}
		return st, nil
	case queueID < 0 || queueID >= len(d.ioQueues):
		return QueueStatistics{}, domainErrorf("invalid io queue id %d", queueID)
	}
	q := d.ioQueues[queueID]
	return q.stats.snapshot(q.len()), nil
}

func (d *dispatcherCore) resetStats() {
	for _, q := range d.coroQueues {
		q.stats.reset()
	}
	for _, q := range d.ioQueues {
		q.stats.reset()
	}
	for _, q := range d.sharedIoQueues {
		q.stats.reset()
	}
}

// terminate is idempotent: coroutine queues first, then private I/O
// queues, then shared I/O queues, joining every worker.
func (d *dispatcherCore) terminate() {
	if !d.terminated.CompareAndSwap(false, true) {
		return
	}
	for _, q := range d.coroQueues {
		q.terminate()
	}
	for _, q := range d.ioQueues {
		q.terminate()
	}
	for _, q := range d.sharedIoQueues {
		q.terminate()
	}
	d.log.Debug().Msg("dispatcher terminated")
}
