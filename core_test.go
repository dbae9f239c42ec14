package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAnyRoutingPicksShortestQueue(t *testing.T) {
	r := require.New(t)
	d := newTestDispatcher(t, 4, 1)

	gate := make(chan struct{})
	blocker := func(*Context[int]) (int, error) {
		<-gate
		return 0, nil
	}
	noop := func(*Context[int]) (int, error) { return 0, nil }

	// Depths [5, 2, 2, 7]: the first task on each queue occupies the
	// worker thread, the rest stay queued.
	depths := []int{5, 2, 2, 7}
	for qid, depth := range depths {
		PostTo(d, qid, false, blocker)
		for i := 1; i < depth; i++ {
			PostTo(d, qid, false, noop)
		}
	}
	defer close(gate)

	for qid, depth := range depths {
		size, err := d.Size(QueueTypeCoro, qid)
		r.NoError(err)
		r.Equal(depth, size)
	}

	// Lowest depth wins, ties broken by lowest index: queue 1.
	Post(d, noop)
	size, err := d.Size(QueueTypeCoro, 1)
	r.NoError(err)
	r.Equal(3, size)
	size, err = d.Size(QueueTypeCoro, 2)
	r.NoError(err)
	r.Equal(2, size)
}

func TestAnyRoutingHonorsConfiguredRange(t *testing.T) {
	r := require.New(t)
	d := NewWithConfig(Configuration{
		NumCoroutineThreads:    4,
		NumIoThreads:           1,
		CoroQueueIDRangeForAny: [2]int{2, 3},
	})
	t.Cleanup(d.Terminate)

	gate := make(chan struct{})
	// Queue 2 is the only eligible target, even while busier than the
	// queues outside the range.
	PostTo(d, 2, false, func(*Context[int]) (int, error) {
		<-gate
		return 0, nil
	})
	defer close(gate)

	Post(d, func(*Context[int]) (int, error) { return 0, nil })
	size, err := d.Size(QueueTypeCoro, 2)
	r.NoError(err)
	r.Equal(2, size)
}

func TestCoroQueueIDRangeForAny(t *testing.T) {
	cases := []struct {
		name    string
		threads int
		rng     [2]int
		wantLo  int
		wantHi  int
	}{
		{"default", 10, [2]int{0, 0}, 0, 10},
		{"default small", 5, [2]int{0, 0}, 0, 5},
		{"valid narrow", 10, [2]int{2, 3}, 2, 3},
		{"valid wide", 10, [2]int{1, 8}, 1, 8},
		{"inverted", 10, [2]int{1, 0}, 0, 10},
		{"empty", 10, [2]int{1, 1}, 0, 10},
		{"inverted high", 10, [2]int{10, 9}, 0, 10},
		{"out of bounds", 10, [2]int{20, 30}, 0, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := require.New(t)
			d := NewWithConfig(Configuration{
				NumCoroutineThreads:    tc.threads,
				NumIoThreads:           1,
				CoroQueueIDRangeForAny: tc.rng,
			})
			t.Cleanup(d.Terminate)
			lo, hi := d.CoroQueueIDRangeForAny()
			r.Equal(tc.wantLo, lo)
			r.Equal(tc.wantHi, hi)
		})
	}
}

func TestSelectorValidation(t *testing.T) {
	r := require.New(t)
	d := newTestDispatcher(t, 2, 2)

	var derr *DomainError

	_, err := d.Size(QueueTypeAll, 1)
	r.ErrorAs(err, &derr)
	_, err = d.Size(QueueTypeCoro, 99)
	r.ErrorAs(err, &derr)
	_, err = d.Size(QueueTypeCoro, QueueIDAny)
	r.ErrorAs(err, &derr)
	_, err = d.Size(QueueTypeIo, 99)
	r.ErrorAs(err, &derr)
	_, err = d.Stats(QueueTypeAll, 0)
	r.ErrorAs(err, &derr)

	// QueueIDAny selects the shared pool for the I/O type.
	size, err := d.Size(QueueTypeIo, QueueIDAny)
	r.NoError(err)
	r.Zero(size)

	size, err = d.Size(QueueTypeAll, QueueIDAll)
	r.NoError(err)
	r.Zero(size)

	empty, err := d.Empty(QueueTypeCoro, QueueIDAll)
	r.NoError(err)
	r.True(empty)
}

func TestPostToInvalidQueuePanics(t *testing.T) {
	r := require.New(t)
	d := newTestDispatcher(t, 2, 1)

	r.Panics(func() {
		PostTo(d, 2, false, func(*Context[int]) (int, error) { return 0, nil })
	})
	r.Panics(func() {
		PostTo(d, QueueIDAll, false, func(*Context[int]) (int, error) { return 0, nil })
	})
}

func TestThreadCountNormalization(t *testing.T) {
	r := require.New(t)

	d := NewWithConfig(Configuration{NumCoroutineThreads: 0, NumIoThreads: 0})
	t.Cleanup(d.Terminate)
	r.Equal(1, d.NumCoroutineThreads())
	r.Equal(1, d.NumIoThreads())

	auto := NewWithConfig(Configuration{NumCoroutineThreads: -1, NumIoThreads: -3})
	t.Cleanup(auto.Terminate)
	r.Positive(auto.NumCoroutineThreads())
	r.Equal(1, auto.NumIoThreads())
}

func TestSharedIoQueueServicing(t *testing.T) {
	r := require.New(t)
	d := newTestDispatcher(t, 1, 2)

	futures := make([]*Future[int], 10)
	for i := range futures {
		futures[i] = PostAsyncIo(d, func() (int, error) {
			time.Sleep(time.Millisecond)
			return i, nil
		})
	}
	for i, f := range futures {
		v, err := f.Get()
		r.NoError(err)
		r.Equal(i, v)
	}

	st, err := d.Stats(QueueTypeIo, QueueIDAll)
	r.NoError(err)
	r.Equal(uint64(10), st.CompletedCount)
	r.Equal(uint64(10), st.SharedQueueCompletedCount,
		"QueueIDAny submissions are serviced through the shared pool")
}
