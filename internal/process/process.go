package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"pkt.systems/mgdocker/core"
	"pkt.systems/mgdocker/schema"
	"pkt.systems/pslog"
)

// DefaultWaitDelay bounds how long Wait lingers on inherited output pipes
// after the process has been killed.
const DefaultWaitDelay = 5 * time.Second

// Launcher starts commands in their own process group so cancellation reaches
// every child docker spawns.
type Launcher struct {
	Env       []string
	WaitDelay time.Duration
}

// NewLauncher returns a launcher with default settings.
func NewLauncher() *Launcher {
	return &Launcher{WaitDelay: DefaultWaitDelay}
}

// Start spawns cmd. The process is killed when ctx ends.
func (l *Launcher) Start(ctx context.Context, cmd schema.Command) (core.Process, error) {
	if strings.TrimSpace(cmd.Name) == "" {
		return nil, errors.New("command name is required")
	}
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(l.Env) > 0 {
		c.Env = append(c.Environ(), l.Env...)
	}
	configureCommandProcess(c)
	c.Cancel = func() error {
		terminateCommandProcess(c)
		return nil
	}
	c.WaitDelay = l.WaitDelay

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := c.Start(); err != nil {
		return nil, err
	}
	pslog.Ctx(ctx).Trace("process started", "pid", c.Process.Pid, "command", cmd.String())
	return &proc{cmd: c, stdout: stdout, stderr: stderr}, nil
}

type proc struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader

	once sync.Once
	code int
	err  error
}

func (p *proc) Stdout() io.Reader { return p.stdout }
func (p *proc) Stderr() io.Reader { return p.stderr }

// Wait returns the exit code. A non-zero exit is reported through the code,
// not the error.
func (p *proc) Wait() (int, error) {
	p.once.Do(func() {
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			p.code = 0
		case errors.As(err, &exitErr):
			p.code = exitErr.ExitCode()
			if p.code < 0 {
				p.err = fmt.Errorf("terminated: %s", exitErr.String())
			}
		default:
			p.code = -1
			p.err = err
		}
	})
	return p.code, p.err
}

func (p *proc) Kill() error {
	terminateCommandProcess(p.cmd)
	return nil
}
