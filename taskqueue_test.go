package dispatch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHighPriorityFairness(t *testing.T) {
	r := require.New(t)
	d := newTestDispatcher(t, 1, 1)

	var mu sync.Mutex
	var order []string
	record := func(tag string) func(*Context[int]) (int, error) {
		return func(*Context[int]) (int, error) {
			mu.Lock()
			order = append(order, tag)
			mu.Unlock()
			return 0, nil
		}
	}

	gate := make(chan struct{})
	started := make(chan struct{})
	PostTo(d, 0, false, func(*Context[int]) (int, error) {
		close(started)
		<-gate
		return 0, nil
	})
	<-started
	// Queue six high-priority tasks and one normal one while the
	// worker is held. With the default fairness of 4, the normal task
	// is serviced after four high-priority ones.
	for i := 0; i < 6; i++ {
		PostTo(d, 0, true, record("h"))
	}
	PostTo(d, 0, false, record("n"))
	close(gate)

	r.NoError(d.Drain(5 * time.Second))
	mu.Lock()
	defer mu.Unlock()
	r.Equal([]string{"h", "h", "h", "h", "n", "h", "h"}, order)
}

func TestFairnessConfigurable(t *testing.T) {
	r := require.New(t)
	d := NewWithConfig(Configuration{
		NumCoroutineThreads:  1,
		NumIoThreads:         1,
		HighPriorityFairness: 2,
	})
	t.Cleanup(d.Terminate)

	var mu sync.Mutex
	var order []string
	record := func(tag string) func(*Context[int]) (int, error) {
		return func(*Context[int]) (int, error) {
			mu.Lock()
			order = append(order, tag)
			mu.Unlock()
			return 0, nil
		}
	}

	gate := make(chan struct{})
	started := make(chan struct{})
	PostTo(d, 0, false, func(*Context[int]) (int, error) {
		close(started)
		<-gate
		return 0, nil
	})
	<-started
	for i := 0; i < 4; i++ {
		PostTo(d, 0, true, record("h"))
	}
	PostTo(d, 0, false, record("n"))
	close(gate)

	r.NoError(d.Drain(5 * time.Second))
	mu.Lock()
	defer mu.Unlock()
	r.Equal([]string{"h", "h", "n", "h", "h"}, order)
}

func TestQueueStatistics(t *testing.T) {
	r := require.New(t)
	d := newTestDispatcher(t, 1, 1)

	ok1 := Post(d, func(*Context[int]) (int, error) { return 1, nil })
	ok2 := PostTo(d, 0, true, func(*Context[int]) (int, error) { return 2, nil })
	bad := Post(d, func(*Context[int]) (int, error) {
		return 0, errors.New("nope")
	})
	_, err := ok1.Get()
	r.NoError(err)
	_, err = ok2.Get()
	r.NoError(err)
	_, err = bad.Get()
	r.Error(err)
	r.NoError(d.Drain(5 * time.Second))

	st, err := d.Stats(QueueTypeCoro, QueueIDAll)
	r.NoError(err)
	r.Equal(uint64(3), st.PostedCount)
	r.Equal(uint64(3), st.CompletedCount)
	r.Equal(uint64(1), st.ErroredCount)
	r.Equal(uint64(1), st.HighPriorityCount)
	r.GreaterOrEqual(st.PeakDepth, 1)
	r.Zero(st.CurrentDepth)

	d.ResetStats()
	st, err = d.Stats(QueueTypeAll, QueueIDAll)
	r.NoError(err)
	r.Zero(st.PostedCount)
	r.Zero(st.CompletedCount)
	r.Zero(st.ErroredCount)
	r.Zero(st.PeakDepth)
	r.Zero(st.BlockedTime)
}

func TestBlockedCoroutineDoesNotStallQueue(t *testing.T) {
	r := require.New(t)
	d := newTestDispatcher(t, 1, 1)

	pr, f := NewPromise[int]()
	waiter := Post(d, func(c *Context[int]) (int, error) {
		return f.Await(c)
	})

	// The waiter parks; twenty independent tasks run on the same
	// worker while it waits.
	for i := 0; i < 20; i++ {
		c := Post(d, func(*Context[int]) (int, error) { return i, nil })
		_, err := c.Get()
		r.NoError(err)
	}
	r.False(waiter.Valid())

	r.NoError(pr.Set(64))
	v, err := waiter.Get()
	r.NoError(err)
	r.Equal(64, v)
}
