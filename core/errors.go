package core

import "fmt"

// TaskErrorKind classifies task failures.
type TaskErrorKind string

const (
	// TaskErrorResolution covers unknown tasks and unresolvable resources.
	TaskErrorResolution TaskErrorKind = "resolution"
	// TaskErrorProcess covers spawn failures, non-zero exits and output read errors.
	TaskErrorProcess TaskErrorKind = "process"
	// TaskErrorPublish indicates an event could not be handed to the bus.
	TaskErrorPublish TaskErrorKind = "publish"
	// TaskErrorCanceled indicates the run was canceled or hit its deadline.
	TaskErrorCanceled TaskErrorKind = "canceled"
)

// TaskError wraps a task failure with a stable classification.
type TaskError struct {
	Kind TaskErrorKind
	Op   string
	Err  error
}

// NewTaskError constructs a classified task error.
func NewTaskError(kind TaskErrorKind, op string, err error) *TaskError {
	return &TaskError{Kind: kind, Op: op, Err: err}
}

func (e *TaskError) Error() string {
	if e == nil {
		return "task error"
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("task %s failed", e.Op)
	default:
		return "task error"
	}
}

func (e *TaskError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
