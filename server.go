package mgdocker

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"pkt.systems/mgdocker/core"
	"pkt.systems/mgdocker/httpapi"
	"pkt.systems/mgdocker/sshserver"
	"pkt.systems/pslog"
)

// Server composes the HTTP and SSH surfaces around one session manager.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	HTTP    httpapi.Config
	SSH     sshserver.Config
	Manager core.ManagerConfig
	// DockerBinary is the executable used for task commands.
	DockerBinary string
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	Bus      core.EventBus
	Resolver core.ComposeResolver
	Launcher core.Launcher
	Lister   httpapi.Lister
	Metrics  core.Metrics
	// MetricsHandler is served on the HTTP metrics path when set.
	MetricsHandler http.Handler
	Logger         pslog.Logger
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP bool
	enableSSH  bool
}

// WithHTTP enables the HTTP UI and stream server.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithSSH enables the SSH stream server.
func WithSSH() ServerOption {
	return func(o *serverOptions) { o.enableSSH = true }
}

// NewManager builds the session manager shared by every surface.
func NewManager(cfg ServerConfig, deps ServerDeps) (*core.Manager, error) {
	if deps.Bus == nil {
		return nil, errors.New("event bus dependency is required")
	}
	if deps.Launcher == nil {
		return nil, errors.New("launcher dependency is required")
	}
	return core.NewManager(cfg.Manager, core.ManagerDeps{
		Bus:        deps.Bus,
		Dispatcher: core.NewDispatcher(deps.Resolver, cfg.DockerBinary),
		Runner:     core.NewTaskRunner(deps.Launcher),
		Metrics:    deps.Metrics,
		Logger:     deps.Logger,
	})
}

// New constructs a composable mgdocker server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableHTTP && !options.enableSSH {
		return nil, errors.New("no services enabled")
	}
	if options.enableHTTP && deps.Lister == nil {
		return nil, errors.New("lister dependency is required")
	}

	manager, err := NewManager(cfg, deps)
	if err != nil {
		return nil, err
	}

	var httpSrv *httpapi.Server
	var sshSrv *sshserver.Server
	if options.enableHTTP {
		httpSrv = httpapi.NewServer(cfg.HTTP, manager, deps.Lister, deps.MetricsHandler)
	}
	if options.enableSSH {
		sshSrv = &sshserver.Server{
			Addr:               cfg.SSH.Addr,
			HostKeyPath:        cfg.SSH.HostKeyPath,
			AuthorizedKeysPath: cfg.SSH.AuthorizedKeysPath,
			Sessions:           manager,
		}
	}

	return &compositeServer{
		cfg:     cfg,
		options: options,
		manager: manager,
		httpSrv: httpSrv,
		sshSrv:  sshSrv,
	}, nil
}

// runTracker is the part of the session manager the compositor drives.
type runTracker interface {
	SetBaseContext(ctx context.Context)
	CancelAll()
	Wait(ctx context.Context) error
}

type compositeServer struct {
	cfg     ServerConfig
	options serverOptions
	manager runTracker
	httpSrv *httpapi.Server
	sshSrv  *sshserver.Server
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 2)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http", s.options.enableHTTP,
		"ssh", s.options.enableSSH,
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_url", s.cfg.HTTP.BaseURL,
		"http_base_path", s.cfg.HTTP.BasePath,
		"ssh_addr", s.cfg.SSH.Addr,
		"cancel_on_disconnect", s.cfg.Manager.CancelOnDisconnect,
		"timeout", s.cfg.Manager.Timeout,
	)
	// Runs outlive the request that started them but not the server.
	s.manager.SetBaseContext(s.ctx)
	if s.httpSrv != nil {
		go func() {
			if err := httpapi.ListenAndServe(s.ctx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
				log.Error("http server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	if s.sshSrv != nil {
		go func() {
			if err := s.sshSrv.ListenAndServe(s.ctx); err != nil {
				log.Error("ssh server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	s.manager.CancelAll()
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	if err := s.manager.Wait(ctx); err != nil {
		log.Warn("server stop timed out", "err", err)
		return err
	}
	log.Info("server stopped")
	return nil
}
