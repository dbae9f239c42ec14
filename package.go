// Package dispatch provides a hybrid scheduler that multiplexes two
// classes of work onto a fixed pool of worker threads: cooperative
// stackful coroutines running CPU-bound or latency-sensitive
// computation, and blocking I/O callables running on a separate pool
// so that slow syscalls never occupy coroutine workers.
//
// User code expresses computation as chains of continuations
// (Post, Then, OnError, Finally, End) where each stage receives the
// previous stage's result through a promise/future pair and may
// yield, spawn sub-tasks, or schedule blocking I/O.
//
// Key components:
//
//   - Dispatcher: The main entry point. Owns one queue (and worker
//     thread) per coroutine lane plus a blocking I/O pool with
//     private and shared queues.
//
//   - Context: The user-facing handle for one stage of a chain. It
//     exposes result access (Get, Await, GetAt), coroutine control
//     (Yield, Sleep) and continuation building.
//
//   - Promise/Future: A typed single-assignment slot with
//     coroutine-aware waiting and optional buffered streaming.
//
//   - Configuration: Construction options, loadable from TOML.
//
// Coroutines are single-threaded cooperative on their assigned
// worker; a coroutine is never resumed on two threads concurrently.
// Blocked coroutines consume no CPU: their worker keeps servicing
// other ready tasks until a promise mutation wakes them.
package dispatch
