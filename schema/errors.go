package schema

import (
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	// ErrUnknownTask indicates a task identifier outside the known set.
	ErrUnknownTask = fmt.Errorf("unknown task: %w", errdefs.ErrInvalidArgument)
	// ErrResourceRequired indicates a resource scoped task was requested without a name.
	ErrResourceRequired = fmt.Errorf("resource name is required: %w", errdefs.ErrInvalidArgument)
	// ErrComposeLabelMissing indicates the resource has no compose config files label.
	ErrComposeLabelMissing = fmt.Errorf("no compose file found: %w", errdefs.ErrNotFound)
	// ErrResourceBusy indicates another task is already running for the resource.
	ErrResourceBusy = fmt.Errorf("resource is busy: %w", errdefs.ErrConflict)
	// ErrBusClosed indicates the event bus was shut down.
	ErrBusClosed = fmt.Errorf("event bus closed: %w", errdefs.ErrUnavailable)
)
