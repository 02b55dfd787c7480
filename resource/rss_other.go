//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly

package resource

import "runtime"

// ProcessRSS approximates the resident set size with the memory obtained
// from the OS by the Go runtime.
func ProcessRSS() (uint64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys, nil
}
