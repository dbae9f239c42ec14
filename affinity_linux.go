//go:build linux

package dispatch

import "golang.org/x/sys/unix"

// pinThreadToCore binds the calling thread to the given CPU. The
// caller must have locked its goroutine to the OS thread first.
func pinThreadToCore(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}
