package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/containerd/errdefs"
	"pkt.systems/mgdocker/schema"
	"pkt.systems/pslog"
)

// OutputFunc runs a command to completion and returns its stdout.
type OutputFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// CLI queries docker through its command line interface.
type CLI struct {
	binary string
	output OutputFunc
}

// Option configures a CLI.
type Option func(*CLI)

// WithOutputFunc replaces command execution, mainly for tests.
func WithOutputFunc(fn OutputFunc) Option {
	return func(c *CLI) {
		if fn != nil {
			c.output = fn
		}
	}
}

// NewCLI constructs a docker CLI client for binary.
func NewCLI(binary string, opts ...Option) *CLI {
	c := &CLI{binary: binaryOrDefault(binary), output: runOutput}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Binary returns the docker executable in use.
func (c *CLI) Binary() string { return c.binary }

// ListContainers returns compose-managed containers sorted by name.
func (c *CLI) ListContainers(ctx context.Context) ([]schema.Container, error) {
	out, err := c.output(ctx, c.binary, containerListArgs()...)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	return ComposeContainers(ParseContainers(out)), nil
}

// ListImages returns all images sorted by repository.
func (c *CLI) ListImages(ctx context.Context) ([]schema.Image, error) {
	out, err := c.output(ctx, c.binary, imageListArgs()...)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	return SortImages(ParseImages(out)), nil
}

// ComposeConfigFile returns the raw config_files label of name.
func (c *CLI) ComposeConfigFile(ctx context.Context, name string) (string, error) {
	out, err := c.output(ctx, c.binary, inspectLabelArgs(name)...)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("%w: %s", schema.ErrComposeLabelMissing, name)
		}
		return "", fmt.Errorf("inspect %s: %w", name, err)
	}
	value := cleanLabelOutput(out)
	if value == "" {
		return "", fmt.Errorf("%w: %s", schema.ErrComposeLabelMissing, name)
	}
	pslog.Ctx(ctx).Trace("compose label resolved", "resource", name, "config_files", value)
	return value, nil
}

func runOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if strings.Contains(msg, "No such object") || strings.Contains(msg, "No such container") {
				return nil, fmt.Errorf("%w: %s", errdefs.ErrNotFound, msg)
			}
			return nil, fmt.Errorf("exit code %d: %s", exitErr.ExitCode(), msg)
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", errdefs.ErrUnavailable, err)
		}
		return nil, err
	}
	return out, nil
}
