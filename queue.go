package dispatch

// Queue id sentinels. Non-negative values name a concrete queue.
const (
	// QueueIDAll selects the aggregate of all queues. Only valid for
	// introspection operations.
	QueueIDAll = -1
	// QueueIDAny directs the dispatcher to choose the target queue by
	// load.
	QueueIDAny = -2
)

// QueueType selects which thread pool an introspection operation
// applies to.
type QueueType int

const (
	// QueueTypeAll selects both pools.
	QueueTypeAll QueueType = iota
	// QueueTypeCoro selects the coroutine pool.
	QueueTypeCoro
	// QueueTypeIo selects the blocking I/O pool.
	QueueTypeIo
)

// String returns the selector name.
func (t QueueType) String() string {
	switch t {
	case QueueTypeAll:
		return "all"
	case QueueTypeCoro:
		return "coro"
	case QueueTypeIo:
		return "io"
	}
	return "unknown"
}
