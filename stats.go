package dispatch

import (
	"sync/atomic"
	"time"

	"fortio.org/safecast"
)

// queueStats is the per-queue counter block. Counters are updated
// with relaxed atomics on the hot path and read without locking.
type queueStats struct {
	posted          atomic.Uint64
	completed       atomic.Uint64
	errored         atomic.Uint64
	highPrio        atomic.Uint64
	sharedCompleted atomic.Uint64
	peakDepth       atomic.Int64
	blockedNanos    atomic.Int64
}

func (s *queueStats) recordPosted(highPri bool) {
	s.posted.Add(1)
	if highPri {
		s.highPrio.Add(1)
	}
}

func (s *queueStats) recordDepth(depth int64) {
	for {
		peak := s.peakDepth.Load()
		if depth <= peak {
			return
		}
		if s.peakDepth.CompareAndSwap(peak, depth) {
			return
		}
	}
}

func (s *queueStats) recordBlocked(d time.Duration) {
	s.blockedNanos.Add(d.Nanoseconds())
}

func (s *queueStats) snapshot(depth int64) QueueStatistics {
	st := QueueStatistics{
		PostedCount:               s.posted.Load(),
		CompletedCount:            s.completed.Load(),
		ErroredCount:              s.errored.Load(),
		HighPriorityCount:         s.highPrio.Load(),
		SharedQueueCompletedCount: s.sharedCompleted.Load(),
		BlockedTime:               time.Duration(s.blockedNanos.Load()),
	}
	if d, err := safecast.Conv[int](depth); err == nil {
		st.CurrentDepth = d
	}
	if p, err := safecast.Conv[int](s.peakDepth.Load()); err == nil {
		st.PeakDepth = p
	}
	return st
}

// reset clears every counter. Per-counter, not globally atomic.
func (s *queueStats) reset() {
	s.posted.Store(0)
	s.completed.Store(0)
	s.errored.Store(0)
	s.highPrio.Store(0)
	s.sharedCompleted.Store(0)
	s.peakDepth.Store(0)
	s.blockedNanos.Store(0)
}

// QueueStatistics is a point-in-time snapshot of one queue's
// counters, or the sum across queues for aggregate selectors.
type QueueStatistics struct {
	// PostedCount is the number of tasks enqueued.
	PostedCount uint64
	// CompletedCount is the number of tasks that ran to completion.
	CompletedCount uint64
	// ErroredCount is the number of tasks that completed with an
	// error.
	ErroredCount uint64
	// HighPriorityCount is the number of tasks enqueued at high
	// priority.
	HighPriorityCount uint64
	// SharedQueueCompletedCount is the number of tasks this worker
	// picked up from the shared I/O pool.
	SharedQueueCompletedCount uint64
	// CurrentDepth is the number of queued tasks including the
	// currently executing one.
	CurrentDepth int
	// PeakDepth is the maximum observed depth since the last reset.
	PeakDepth int
	// BlockedTime is how long the worker spent waiting for work.
	BlockedTime time.Duration
}

// Add returns the element-wise sum of two snapshots.
func (s QueueStatistics) Add(o QueueStatistics) QueueStatistics {
	return QueueStatistics{
		PostedCount:               s.PostedCount + o.PostedCount,
		CompletedCount:            s.CompletedCount + o.CompletedCount,
		ErroredCount:              s.ErroredCount + o.ErroredCount,
		HighPriorityCount:         s.HighPriorityCount + o.HighPriorityCount,
		SharedQueueCompletedCount: s.SharedQueueCompletedCount + o.SharedQueueCompletedCount,
		CurrentDepth:              s.CurrentDepth + o.CurrentDepth,
		PeakDepth:                 s.PeakDepth + o.PeakDepth,
		BlockedTime:               s.BlockedTime + o.BlockedTime,
	}
}
