package spikenet

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialised     = errors.New("simulation is not initialised")
	ErrAlreadyInitialised = errors.New("simulation is already initialised")
	ErrInitInProgress     = errors.New("initialisation in progress")
	ErrCancelled          = errors.New("initialisation cancelled")
	ErrHandshakeTimeout   = errors.New("timed out waiting for spawn confirmation")
	ErrLoadTimeout        = errors.New("timed out waiting for workers to load")
	ErrAssignmentMismatch = errors.New("persisted worker assignment does not match registry")
	ErrUnknownGroup       = errors.New("unknown neuron group")
	ErrDuplicateGroup     = errors.New("group already registered")
	ErrDuplicateHandle    = errors.New("worker handle already registered")
	ErrWorkerReported     = errors.New("worker reported an error")
	ErrWorkerExited       = errors.New("worker exited unexpectedly")
	ErrNoArchiver         = errors.New("archiver is not running")
	ErrExitTimeout        = errors.New("timed out waiting for workers to exit")
	ErrInvalidInput       = errors.New("invalid input")
)

// WorkerError ties a failure to the worker and group it happened on.
type WorkerError struct {
	Op     string
	Group  GroupID
	Handle WorkerHandle
	Err    error
}

func (e *WorkerError) Error() string {
	switch {
	case e.Handle.Valid():
		return fmt.Sprintf("%s group %d (worker %d): %v", e.Op, e.Group, e.Handle, e.Err)
	default:
		return fmt.Sprintf("%s group %d: %v", e.Op, e.Group, e.Err)
	}
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}
