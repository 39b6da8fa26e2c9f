package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"pkt.systems/mgdocker/internal/linemux"
	"pkt.systems/mgdocker/schema"
	"pkt.systems/pslog"
)

// PublishFunc hands a non-terminal event to the bus.
type PublishFunc func(ctx context.Context, event schema.Event) error

// TaskRunner executes plan steps in order and streams their output.
type TaskRunner struct {
	launcher Launcher
	readFile func(string) (io.ReadCloser, error)
}

// NewTaskRunner constructs a runner backed by launcher.
func NewTaskRunner(launcher Launcher) *TaskRunner {
	return &TaskRunner{
		launcher: launcher,
		readFile: func(path string) (io.ReadCloser, error) { return os.Open(path) },
	}
}

// Run executes every step of plan, stopping at the first failure. Terminal
// events are left to the caller.
func (r *TaskRunner) Run(ctx context.Context, plan Plan, runID schema.RunID, publish PublishFunc) error {
	emit := func(kind schema.EventType, data string) error {
		event := schema.Event{Key: plan.Key, Data: data, Type: kind, RunID: runID, Time: time.Now().UTC()}
		if err := publish(ctx, event); err != nil {
			return NewTaskError(TaskErrorPublish, "publish", err)
		}
		return nil
	}
	for _, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return NewTaskError(TaskErrorCanceled, plan.Task.String(), err)
		}
		if step.Marker != "" {
			if err := emit(schema.EventMarker, step.Marker); err != nil {
				return err
			}
		}
		var err error
		switch step.Kind {
		case StepCommand:
			err = r.runCommand(ctx, step.Command, emit)
		case StepReadFile:
			err = r.publishFile(step.Path, emit)
		default:
			err = fmt.Errorf("unknown step kind %d", step.Kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *TaskRunner) runCommand(ctx context.Context, cmd schema.Command, emit func(schema.EventType, string) error) error {
	log := pslog.Ctx(ctx)
	if r.launcher == nil {
		return NewTaskError(TaskErrorProcess, "spawn", errors.New("no launcher configured"))
	}
	log.Debug("command start", "command", cmd.String(), "dir", cmd.Dir)
	proc, err := r.launcher.Start(ctx, cmd)
	if err != nil {
		return NewTaskError(TaskErrorProcess, "spawn "+cmd.Name, err)
	}
	stream := linemux.New(ctx, proc.Stdout(), proc.Stderr())
	defer stream.Close()

	var streamErr error
	for {
		line, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				streamErr = err
			}
			break
		}
		if err := emit(schema.EventOutput, line.Text+"\n"); err != nil {
			_ = proc.Kill()
			_ = stream.Close()
			_, _ = proc.Wait()
			return err
		}
	}
	if streamErr != nil {
		_ = proc.Kill()
		_ = stream.Close()
		_, _ = proc.Wait()
		if ctx.Err() != nil {
			return NewTaskError(TaskErrorCanceled, cmd.String(), ctx.Err())
		}
		return NewTaskError(TaskErrorProcess, "read output", streamErr)
	}

	code, err := proc.Wait()
	if ctx.Err() != nil {
		return NewTaskError(TaskErrorCanceled, cmd.String(), ctx.Err())
	}
	if err != nil {
		return NewTaskError(TaskErrorProcess, cmd.String(), err)
	}
	if code != 0 {
		log.Warn("command exited non-zero", "command", cmd.String(), "exit_code", code)
		return NewTaskError(TaskErrorProcess, cmd.String(), fmt.Errorf("exit status %d", code))
	}
	log.Debug("command finished", "command", cmd.String())
	return nil
}

func (r *TaskRunner) publishFile(path string, emit func(schema.EventType, string) error) error {
	file, err := r.readFile(path)
	if err != nil {
		return NewTaskError(TaskErrorProcess, "open config", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return NewTaskError(TaskErrorProcess, "read config", err)
	}
	return emit(schema.EventOutput, strings.Join(lines, "\n"))
}
