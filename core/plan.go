package core

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"pkt.systems/mgdocker/internal/docker"
	"pkt.systems/mgdocker/schema"
)

// StepKind distinguishes command steps from file reads.
type StepKind int

const (
	// StepCommand runs an external command and streams its merged output.
	StepCommand StepKind = iota
	// StepReadFile publishes the full contents of a local file as one event.
	StepReadFile
)

// Step is one unit of a task recipe.
type Step struct {
	Kind    StepKind
	Marker  string
	Command schema.Command
	Path    string
}

// Plan is a resolved recipe ready to run.
type Plan struct {
	Task     schema.TaskID
	Resource string
	Key      string
	Steps    []Step
}

// Dispatcher maps task identifiers and resources to runnable plans.
type Dispatcher struct {
	resolver ComposeResolver
	binary   string
}

// NewDispatcher constructs a dispatcher. binary is the docker executable.
func NewDispatcher(resolver ComposeResolver, binary string) *Dispatcher {
	if strings.TrimSpace(binary) == "" {
		binary = docker.DefaultBinary
	}
	return &Dispatcher{resolver: resolver, binary: binary}
}

// Resolve maps a task identifier to a task, rejecting unknown identifiers.
func (d *Dispatcher) Resolve(name string) (schema.TaskID, error) {
	return schema.ParseTask(name)
}

// Plan resolves the resource context a task needs and returns its steps.
func (d *Dispatcher) Plan(ctx context.Context, task schema.TaskID, resource string) (Plan, error) {
	if !task.Valid() {
		return Plan{}, NewTaskError(TaskErrorResolution, "plan", fmt.Errorf("%w: %v", schema.ErrUnknownTask, task))
	}
	plan := Plan{Task: task, Resource: resource, Key: task.Key(resource)}
	if task == schema.TaskPruneImages {
		prune := docker.ImagePrune(d.binary)
		plan.Steps = []Step{{Kind: StepCommand, Marker: docker.Describe(prune) + "\n", Command: prune}}
		return plan, nil
	}

	configFile, err := d.composeConfigFile(ctx, resource)
	if err != nil {
		return Plan{}, NewTaskError(TaskErrorResolution, "resolve "+resource, err)
	}
	dir := filepath.Dir(configFile)
	switch task {
	case schema.TaskPull:
		pull := docker.ComposePull(d.binary, dir)
		plan.Steps = []Step{{Kind: StepCommand, Marker: docker.Describe(pull) + "\n", Command: pull}}
	case schema.TaskUpdate:
		down := docker.ComposeDown(d.binary, dir)
		up := docker.ComposeUp(d.binary, dir)
		plan.Steps = []Step{
			{Kind: StepCommand, Marker: docker.Describe(down) + "\n", Command: down},
			{Kind: StepCommand, Marker: "\n" + docker.Describe(up) + "\n", Command: up},
		}
	case schema.TaskGetConfig:
		plan.Steps = []Step{{Kind: StepReadFile, Path: configFile}}
	}
	return plan, nil
}

func (d *Dispatcher) composeConfigFile(ctx context.Context, resource string) (string, error) {
	if strings.TrimSpace(resource) == "" {
		return "", schema.ErrResourceRequired
	}
	if d.resolver == nil {
		return "", fmt.Errorf("%w: no resolver configured", schema.ErrComposeLabelMissing)
	}
	value, err := d.resolver.ComposeConfigFile(ctx, resource)
	if err != nil {
		return "", err
	}
	path := firstConfigFile(value)
	if path == "" {
		return "", schema.ErrComposeLabelMissing
	}
	return path, nil
}

// firstConfigFile picks the first entry of a comma separated config_files label.
func firstConfigFile(value string) string {
	for _, part := range strings.Split(value, ",") {
		if path := strings.TrimSpace(part); path != "" {
			return path
		}
	}
	return ""
}
