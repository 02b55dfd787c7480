//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package resource

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// ProcessRSS returns the peak resident set size reported by getrusage.
func ProcessRSS() (uint64, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, err
	}
	if runtime.GOOS == "darwin" {
		return uint64(ru.Maxrss), nil
	}
	return uint64(ru.Maxrss) * 1024, nil
}
