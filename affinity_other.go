//go:build !linux

package dispatch

// pinThreadToCore is a no-op on platforms without a portable affinity
// syscall; the worker stays locked to its OS thread regardless.
func pinThreadToCore(int) error { return nil }
