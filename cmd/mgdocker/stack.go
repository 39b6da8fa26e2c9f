package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/mgdocker"
	"pkt.systems/mgdocker/core"
	"pkt.systems/mgdocker/httpapi"
	"pkt.systems/mgdocker/internal/appconfig"
	"pkt.systems/mgdocker/internal/docker"
	"pkt.systems/mgdocker/internal/dockerapi"
	"pkt.systems/mgdocker/internal/eventbus"
	"pkt.systems/mgdocker/internal/eventbus/redisbus"
	"pkt.systems/mgdocker/internal/metrics"
	"pkt.systems/mgdocker/internal/process"
	"pkt.systems/mgdocker/sshserver"
	"pkt.systems/pslog"
)

// stack holds the collaborators built from configuration and the closers
// that release them.
type stack struct {
	deps    mgdocker.ServerDeps
	closers []func() error
}

func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type stackOptions struct {
	metrics     bool
	forceMemory bool
}

func buildStack(ctx context.Context, cfg appconfig.Config, logger pslog.Logger, opts stackOptions) (*stack, error) {
	s := &stack{}
	cli := docker.NewCLI(cfg.Docker.Binary)
	s.deps = mgdocker.ServerDeps{
		Resolver: cli,
		Launcher: process.NewLauncher(),
		Lister:   cli,
		Logger:   logger,
	}

	observers := []eventbus.Observer{mgdocker.NewDropLogger(logger)}
	if opts.metrics && cfg.Metrics.Enabled {
		m := metrics.New()
		s.deps.Metrics = m
		s.deps.MetricsHandler = m.Handler()
		observers = append(observers, m)
	}
	observer := mgdocker.FanoutObserver(observers...)

	backend := cfg.Bus.Backend
	if opts.forceMemory {
		backend = appconfig.BackendMemory
	}
	switch backend {
	case appconfig.BackendRedis:
		bus, err := redisbus.New(ctx, redisbus.Config{
			Addr:     cfg.Bus.Redis.Addr,
			Password: cfg.Bus.Redis.Password,
			DB:       cfg.Bus.Redis.DB,
			Channel:  cfg.Bus.Redis.Channel,
			Depth:    cfg.Bus.Depth,
		}, logger, observer)
		if err != nil {
			return nil, err
		}
		s.deps.Bus = bus
		s.closers = append(s.closers, bus.Close)
	default:
		bus := eventbus.New(logger, eventbus.WithDepth(cfg.Bus.Depth), eventbus.WithObserver(observer))
		s.deps.Bus = bus
		s.closers = append(s.closers, bus.Close)
	}

	if cfg.Docker.Resolver == appconfig.ResolverEngine {
		resolver, err := dockerapi.New(ctx, cfg.Docker.Host)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.deps.Resolver = resolver
		s.closers = append(s.closers, resolver.Close)
	}
	logger.Info("stack ready", "bus", backend, "resolver", cfg.Docker.Resolver, "docker", cli.Binary(), "metrics", s.deps.MetricsHandler != nil)
	return s, nil
}

func toServerConfig(cfg appconfig.Config) mgdocker.ServerConfig {
	return mgdocker.ServerConfig{
		HTTP: httpapi.Config{
			Addr:        cfg.HTTP.Addr,
			BaseURL:     cfg.HTTP.BaseURL,
			BasePath:    cfg.HTTP.BasePath,
			MetricsPath: cfg.Metrics.Path,
		},
		SSH: sshserver.Config{
			Addr:               cfg.SSH.Addr,
			HostKeyPath:        cfg.SSH.HostKeyPath,
			AuthorizedKeysPath: cfg.SSH.AuthorizedKeysPath,
		},
		Manager: core.ManagerConfig{
			CancelOnDisconnect: cfg.Tasks.CancelOnDisconnect,
			Timeout:            time.Duration(cfg.Tasks.TimeoutMinutes) * time.Minute,
		},
		DockerBinary: cfg.Docker.Binary,
	}
}

// loadConfig loads the env file, then the config file.
func loadConfig(cfgPath, envFile string) (appconfig.Config, error) {
	if err := appconfig.LoadEnvFile(envFile); err != nil {
		return appconfig.Config{}, err
	}
	cfg, err := appconfig.Load(cfgPath)
	if err != nil {
		return appconfig.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
