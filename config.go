package dispatch

import (
	"fmt"
	"runtime"

	"fortio.org/safecast"
	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

// Configuration carries the dispatcher construction options.
type Configuration struct {
	// NumCoroutineThreads is the number of coroutine queues, each
	// with its own worker thread. -1 means one per core; 0 means 1.
	NumCoroutineThreads int `toml:"num_coroutine_threads"`
	// NumIoThreads is the number of private blocking-I/O queues, each
	// with its own worker thread. Values <= 0 mean 1.
	NumIoThreads int `toml:"num_io_threads"`
	// PinCoroutineThreadsToCores pins coroutine worker i to core
	// i mod numCores.
	PinCoroutineThreadsToCores bool `toml:"pin_coroutine_threads_to_cores"`
	// LoadBalanceSharedIoQueues round-robins QueueIDAny I/O
	// submissions across the shared queues instead of funneling them
	// through shared queue 0.
	LoadBalanceSharedIoQueues bool `toml:"load_balance_shared_io_queues"`
	// CoroQueueIDRangeForAny is the [lo, hi) range of coroutine
	// queues eligible for QueueIDAny routing. An invalid or empty
	// range falls back to [0, NumCoroutineThreads).
	CoroQueueIDRangeForAny [2]int `toml:"-"`
	// HighPriorityFairness is the number of consecutive high-priority
	// tasks serviced before a waiting normal-priority task gets a
	// turn. Values <= 0 use the default of 4.
	HighPriorityFairness int `toml:"high_priority_fairness"`
	// Logger receives dispatcher lifecycle events. Nil disables
	// logging.
	Logger *zerolog.Logger `toml:"-"`
}

// DefaultConfiguration returns the defaults: one coroutine thread per
// core, one I/O thread, no pinning, no load balancing.
func DefaultConfiguration() Configuration {
	return Configuration{
		NumCoroutineThreads:  -1,
		NumIoThreads:         1,
		HighPriorityFairness: defaultHighPriorityFairness,
	}
}

func (c Configuration) logger() zerolog.Logger {
	if c.Logger == nil {
		return zerolog.Nop()
	}
	return *c.Logger
}

// tomlConfiguration is the on-disk shape. The any-range is kept as a
// raw integer array so out-of-range values are rejected rather than
// truncated.
type tomlConfiguration struct {
	NumCoroutineThreads        *int    `toml:"num_coroutine_threads"`
	NumIoThreads               *int    `toml:"num_io_threads"`
	PinCoroutineThreadsToCores *bool   `toml:"pin_coroutine_threads_to_cores"`
	LoadBalanceSharedIoQueues  *bool   `toml:"load_balance_shared_io_queues"`
	CoroQueueIDRangeForAny     []int64 `toml:"coro_queue_id_range_for_any"`
	HighPriorityFairness       *int    `toml:"high_priority_fairness"`
}

// LoadConfiguration reads a TOML file, overlaying its settings on the
// defaults. Absent keys keep their default values.
func LoadConfiguration(path string) (Configuration, error) {
	cfg := DefaultConfiguration()
	var raw tomlConfiguration
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return cfg, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if raw.NumCoroutineThreads != nil {
		cfg.NumCoroutineThreads = *raw.NumCoroutineThreads
	}
	if raw.NumIoThreads != nil {
		cfg.NumIoThreads = *raw.NumIoThreads
	}
	if raw.PinCoroutineThreadsToCores != nil {
		cfg.PinCoroutineThreadsToCores = *raw.PinCoroutineThreadsToCores
	}
	if raw.LoadBalanceSharedIoQueues != nil {
		cfg.LoadBalanceSharedIoQueues = *raw.LoadBalanceSharedIoQueues
	}
	if raw.HighPriorityFairness != nil {
		cfg.HighPriorityFairness = *raw.HighPriorityFairness
	}
	if n := len(raw.CoroQueueIDRangeForAny); n > 0 {
		if n != 2 {
			return cfg, fmt.Errorf("%s: coro_queue_id_range_for_any wants [lo, hi), got %d values", path, n)
		}
		lo, err := safecast.Conv[int](raw.CoroQueueIDRangeForAny[0])
		if err != nil {
			return cfg, fmt.Errorf("%s: coro_queue_id_range_for_any: %w", path, err)
		}
		hi, err := safecast.Conv[int](raw.CoroQueueIDRangeForAny[1])
		if err != nil {
			return cfg, fmt.Errorf("%s: coro_queue_id_range_for_any: %w", path, err)
		}
		cfg.CoroQueueIDRangeForAny = [2]int{lo, hi}
	}
	return cfg, nil
}

func normalizeCoroThreads(n int) int {
	switch {
	case n < 0:
		return numCPU()
	case n == 0:
		return 1
	}
	return n
}

func normalizeIoThreads(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func numCPU() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 1
}
