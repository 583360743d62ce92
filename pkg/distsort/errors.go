package distsort

import (
	"errors"
	"fmt"
)

var (
	ErrWorkerClosed = errors.New("distsort: worker is shut down")
	ErrNotDone      = errors.New("distsort: job is not done")
)

// TransportError is an RPC or file transfer failure. It is never retried
// by the caller.
type TransportError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PartitionError rejects a record set containing a record shorter than the
// prefix length.
type PartitionError struct {
	Record       string
	PrefixLength int
}

func (e *PartitionError) Error() string {
	if e.PrefixLength < 1 {
		return fmt.Sprintf("partition: invalid prefix length %d", e.PrefixLength)
	}
	return fmt.Sprintf("partition: record %q shorter than prefix length %d", e.Record, e.PrefixLength)
}

// FileConflictError means a destination file exists and could not be
// replaced.
type FileConflictError struct {
	Path string
	Err  error
}

func (e *FileConflictError) Error() string {
	return fmt.Sprintf("file conflict %s: %v", e.Path, e.Err)
}

func (e *FileConflictError) Unwrap() error { return e.Err }

// SchedulingViolation is the panic value for a broken scheduler invariant.
type SchedulingViolation struct {
	TaskKey string
	Holder  string
	Worker  string
}

func (v SchedulingViolation) Error() string {
	return fmt.Sprintf("scheduling violation: task %s held by %s handed to %s", v.TaskKey, v.Holder, v.Worker)
}
