package districts

import (
	"context"
	"errors"

	"github.com/hupe1980/districts/dataset"
	"github.com/hupe1980/districts/resource"
	"github.com/hupe1980/districts/snapshot"
)

var (
	// ErrInvalidDataset is matched by every dataset load failure.
	ErrInvalidDataset = dataset.ErrInvalidDataset
	// ErrMemoryExceeded is matched when the memory governor aborted phase 1.
	ErrMemoryExceeded = resource.ErrMemoryExceeded
	// ErrVersionMismatch is matched when a snapshot belongs to another run.
	ErrVersionMismatch = snapshot.ErrVersionMismatch
	// ErrSnapshotIO is matched by every snapshot read or write failure.
	ErrSnapshotIO = snapshot.ErrSnapshotIO
	// ErrHalfMismatch is returned when the separately enumerated mirrored
	// half differs from the left half.
	ErrHalfMismatch = errors.New("districts: mirrored half differs from left half")
)

type (
	// DatasetLoadError reports a missing or malformed dataset archive.
	DatasetLoadError = dataset.LoadError
	// MemoryExceededError carries the sampled RSS and the ceiling.
	MemoryExceededError = resource.MemoryExceededError
	// VersionMismatchError names the snapshot field that disagrees.
	VersionMismatchError = snapshot.VersionMismatchError
	// SnapshotIOError reports a failed snapshot read or write.
	SnapshotIOError = snapshot.IOError
)

// Process exit statuses.
const (
	ExitOK              = 0
	ExitFailure         = 1
	ExitDatasetLoad     = 2
	ExitMemoryExceeded  = 3
	ExitVersionMismatch = 4
	ExitSnapshotIO      = 5
	ExitInterrupted     = 130
)

// ExitCode maps err to the process exit status of the districts command.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.Is(err, ErrInvalidDataset):
		return ExitDatasetLoad
	case errors.Is(err, ErrMemoryExceeded):
		return ExitMemoryExceeded
	case errors.Is(err, ErrVersionMismatch):
		return ExitVersionMismatch
	case errors.Is(err, ErrSnapshotIO):
		return ExitSnapshotIO
	default:
		return ExitFailure
	}
}
