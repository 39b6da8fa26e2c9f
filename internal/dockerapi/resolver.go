// Package dockerapi resolves compose metadata through the Docker Engine API.
package dockerapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/client"
	"pkt.systems/mgdocker/schema"
)

type labelFunc func(ctx context.Context, name string) (map[string]string, error)

// Resolver reads the compose config_files label from container metadata.
type Resolver struct {
	client *client.Client
	labels labelFunc
}

// New connects to the engine from the environment, or to host when set.
func New(ctx context.Context, host string) (*Resolver, error) {
	opts := []client.Opt{client.FromEnv}
	if strings.TrimSpace(host) != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx, client.PingOptions{}); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("%w: docker engine: %v", errdefs.ErrUnavailable, err)
	}
	r := &Resolver{client: cli}
	r.labels = r.inspectLabels
	return r, nil
}

func (r *Resolver) inspectLabels(ctx context.Context, name string) (map[string]string, error) {
	result, err := r.client.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err != nil {
		return nil, err
	}
	if result.Container.Config == nil {
		return nil, nil
	}
	return result.Container.Config.Labels, nil
}

// ComposeConfigFile returns the raw config_files label of name.
func (r *Resolver) ComposeConfigFile(ctx context.Context, name string) (string, error) {
	labels, err := r.labels(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("%w: %s", schema.ErrComposeLabelMissing, name)
		}
		return "", fmt.Errorf("inspect %s: %w", name, err)
	}
	value := strings.TrimSpace(labels[schema.ComposeConfigFilesLabel])
	if value == "" {
		return "", fmt.Errorf("%w: %s", schema.ErrComposeLabelMissing, name)
	}
	return value, nil
}

// Close releases the engine connection.
func (r *Resolver) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
