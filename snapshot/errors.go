package snapshot

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionMismatch is matched by every *VersionMismatchError.
	ErrVersionMismatch = errors.New("snapshot: version mismatch")
	// ErrSnapshotIO is matched by every *IOError.
	ErrSnapshotIO = errors.New("snapshot: io error")
)

// VersionMismatchError reports a snapshot whose metadata disagrees with the
// current run.
type VersionMismatchError struct {
	Field    string
	Snapshot string
	Current  string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("snapshot: %s mismatch: snapshot has %q, current run has %q", e.Field, e.Snapshot, e.Current)
}

// Is makes every VersionMismatchError match ErrVersionMismatch.
func (e *VersionMismatchError) Is(target error) bool { return target == ErrVersionMismatch }

// Operations reported by IOError.
const (
	OpWrite  = "write"
	OpRead   = "read"
	OpDecode = "decode"
	OpMirror = "mirror"
	OpFetch  = "fetch"
)

// IOError reports a failed snapshot read or write. A failed write never
// leaves a partial file at Path.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("snapshot %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("snapshot %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Is makes every IOError match ErrSnapshotIO.
func (e *IOError) Is(target error) bool { return target == ErrSnapshotIO }
