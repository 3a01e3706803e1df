// Package errs carries the sentinel conditions shared across the avsd
// worker: not-found, a closed file descriptor that should trigger a
// one-shot reopen, and the compactor's disk space precheck failure.
package errs

import "github.com/pkg/errors"

var (
	// ErrNotFound is a control signal, not a failure: the metadata index
	// or codec has no entry for the requested key.
	ErrNotFound = errors.New("not found")

	// ErrClosedHandle is the sentinel the handle manager watches for. Any
	// I/O call that surfaces it triggers a single-shot reopen against the
	// stable path; every other error is returned unchanged.
	ErrClosedHandle = errors.New("fd closed")

	// ErrSystemLimit is returned by the compactor's Phase A precheck when
	// there isn't enough free disk to safely run a copy-and-swap.
	ErrSystemLimit = errors.New("system limit")

	// ErrInitFailure means the container could not open its raw AVS file
	// or create its stable symlink. The supervisor decides what to do.
	ErrInitFailure = errors.New("init failure")

	// ErrCompactionInProgress is returned if compact is invoked while one
	// is already running; compaction is explicitly non-reentrant.
	ErrCompactionInProgress = errors.New("compaction already in progress")

	// ErrStopped is returned to any operation submitted after the
	// container has been told to stop.
	ErrStopped = errors.New("container stopped")

	// ErrEOF signals the compactor's scan has reached the end of the AVS
	// file; it is a normal termination condition, not a failure.
	ErrEOF = errors.New("eof")
)

// Is reports whether err is, or wraps, target using errors.Cause
// unwrapping first so a pkg/errors.Wrap chain still compares correctly
// against a sentinel defined in this package.
func Is(err, target error) bool {
	if err == nil {
		return false
	}
	return errors.Cause(err) == target
}
