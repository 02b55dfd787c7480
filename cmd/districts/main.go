// Command districts counts the partitions of an N×N grid into N contiguous
// districts of equal area.
//
//	districts run data/dataset_n8.npz
//	districts resume data/dataset_n8.npz data/dataset_n8_snapshot.npz
//	districts inspect dataset data/dataset_n8.npz
//
// The exact count is printed on stdout; diagnostics go to stderr. The exit
// status tells batch schedulers why a run stopped (see districts.ExitCode).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hupe1980/districts"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "districts:", err)
		stop()
		os.Exit(districts.ExitCode(err))
	}
}
