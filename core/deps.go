package core

import (
	"context"
	"io"
	"time"

	"pkt.systems/mgdocker/schema"
)

// EventBus is the broadcast channel shared by task runs and sessions.
type EventBus interface {
	Publish(ctx context.Context, event schema.Event) error
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription observes events published after it was created.
type Subscription interface {
	Next(ctx context.Context) (schema.Event, error)
	Close() error
}

// Launcher spawns external commands with captured output.
type Launcher interface {
	Start(ctx context.Context, cmd schema.Command) (Process, error)
}

// Process is a running external command. Both output readers must be drained
// before Wait is called.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() (exitCode int, err error)
	Kill() error
}

// ComposeResolver returns the compose config file path recorded on a resource.
type ComposeResolver interface {
	ComposeConfigFile(ctx context.Context, name string) (string, error)
}

// Metrics receives task and session accounting.
type Metrics interface {
	TaskStarted(task schema.TaskID)
	TaskFinished(task schema.TaskID, status string, elapsed time.Duration)
	SessionOpened(mode string)
	SessionClosed()
}

type noopMetrics struct{}

func (noopMetrics) TaskStarted(schema.TaskID)                         {}
func (noopMetrics) TaskFinished(schema.TaskID, string, time.Duration) {}
func (noopMetrics) SessionOpened(string)                              {}
func (noopMetrics) SessionClosed()                                    {}
