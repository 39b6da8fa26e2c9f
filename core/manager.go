package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/mgdocker/internal/logx"
	"pkt.systems/mgdocker/schema"
	"pkt.systems/pslog"
)

// ManagerConfig configures session and run lifecycle.
type ManagerConfig struct {
	// CancelOnDisconnect cancels a run when its last observer detaches.
	CancelOnDisconnect bool
	// Timeout bounds each run. Zero means no deadline.
	Timeout time.Duration
}

// ManagerDeps are the collaborators a Manager needs.
type ManagerDeps struct {
	Bus        EventBus
	Dispatcher *Dispatcher
	Runner     *TaskRunner
	Metrics    Metrics
	Logger     pslog.Logger
}

// Manager opens stream sessions and owns the in-flight run for each key.
type Manager struct {
	cfg        ManagerConfig
	bus        EventBus
	dispatcher *Dispatcher
	runner     *TaskRunner
	metrics    Metrics
	log        pslog.Logger

	baseMu sync.RWMutex
	base   context.Context

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

type run struct {
	id        schema.RunID
	task      schema.TaskID
	key       string
	cancel    context.CancelFunc
	done      context.Context
	markDone  context.CancelFunc
	err       error
	observers int
}

// NewManager constructs a session manager.
func NewManager(cfg ManagerConfig, deps ManagerDeps) (*Manager, error) {
	if deps.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if deps.Runner == nil {
		return nil, errors.New("task runner is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = pslog.Ctx(context.Background())
	}
	return &Manager{
		cfg:        cfg,
		bus:        deps.Bus,
		dispatcher: deps.Dispatcher,
		runner:     deps.Runner,
		metrics:    deps.Metrics,
		log:        deps.Logger,
		base:       context.Background(),
		runs:       make(map[string]*run),
	}, nil
}

// SetBaseContext sets the parent context for runs started afterwards. Runs are
// detached from the request that started them but not from the process.
func (m *Manager) SetBaseContext(ctx context.Context) {
	if ctx == nil {
		return
	}
	m.baseMu.Lock()
	m.base = ctx
	m.baseMu.Unlock()
}

func (m *Manager) baseContext() context.Context {
	m.baseMu.RLock()
	defer m.baseMu.RUnlock()
	return m.base
}

// Open resolves taskName and starts or attaches to the run for its key.
func (m *Manager) Open(ctx context.Context, taskName, resource string) (*Session, error) {
	task, err := m.dispatcher.Resolve(taskName)
	if err != nil {
		return nil, err
	}
	return m.OpenTask(ctx, task, resource)
}

// OpenTask starts task against resource, or attaches when the same task is
// already running on the same key. A different task on a busy key fails with
// schema.ErrResourceBusy. Resolution failures are returned before anything is
// subscribed or spawned.
func (m *Manager) OpenTask(ctx context.Context, task schema.TaskID, resource string) (*Session, error) {
	if !task.Valid() {
		return nil, fmt.Errorf("%w: %v", schema.ErrUnknownTask, task)
	}
	if !task.Scoped() {
		resource = ""
	}
	key := task.Key(resource)

	if session, ok, err := m.attach(ctx, task, key); ok || err != nil {
		return session, err
	}

	plan, err := m.dispatcher.Plan(ctx, task, resource)
	if err != nil {
		return nil, err
	}

	sub, err := m.bus.Subscribe(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.runs[key]; ok {
		if existing.task != task {
			m.mu.Unlock()
			_ = sub.Close()
			return nil, fmt.Errorf("%w: %s is running %s", schema.ErrResourceBusy, key, existing.task)
		}
		existing.observers++
		m.mu.Unlock()
		return m.newSession(ctx, existing, sub, true), nil
	}
	r := &run{
		id:        schema.RunID(uuid.NewString()),
		task:      task,
		key:       key,
		observers: 1,
	}
	r.done, r.markDone = context.WithCancel(context.Background())
	runCtx, cancel := m.runContext()
	r.cancel = cancel
	m.runs[key] = r
	m.wg.Add(1)
	m.mu.Unlock()

	session := m.newSession(ctx, r, sub, false)
	go m.execute(runCtx, r, plan)
	return session, nil
}

func (m *Manager) attach(ctx context.Context, task schema.TaskID, key string) (*Session, bool, error) {
	m.mu.Lock()
	existing, ok := m.runs[key]
	m.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	if existing.task != task {
		return nil, false, fmt.Errorf("%w: %s is running %s", schema.ErrResourceBusy, key, existing.task)
	}
	sub, err := m.bus.Subscribe(ctx)
	if err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	current, ok := m.runs[key]
	if !ok || current != existing {
		m.mu.Unlock()
		_ = sub.Close()
		// The run finished between lookup and subscribe; start a fresh one.
		return nil, false, nil
	}
	current.observers++
	m.mu.Unlock()
	return m.newSession(ctx, current, sub, true), true, nil
}

func (m *Manager) runContext() (context.Context, context.CancelFunc) {
	base := m.baseContext()
	if m.cfg.Timeout > 0 {
		return context.WithTimeout(base, m.cfg.Timeout)
	}
	return context.WithCancel(base)
}

func (m *Manager) execute(ctx context.Context, r *run, plan Plan) {
	defer m.wg.Done()
	defer r.cancel()

	log := logx.WithRun(logx.WithTask(m.log, plan.Task.String(), plan.Resource), string(r.id))
	ctx = pslog.ContextWithLogger(ctx, log)
	ctx = logx.ContextWithRun(ctx, string(r.id))

	started := time.Now()
	m.metrics.TaskStarted(plan.Task)
	log.Info("task started", "key", plan.Key)

	err := m.runner.Run(ctx, plan, r.id, m.bus.Publish)

	terminal := schema.Event{Key: r.key, RunID: r.id, Type: schema.EventDone, Data: "done"}
	status := "done"
	if err != nil {
		terminal.Type = schema.EventFailed
		terminal.Data = err.Error()
		status = "failed"
		var taskErr *TaskError
		if errors.As(err, &taskErr) && taskErr.Kind == TaskErrorCanceled {
			status = "canceled"
		}
		log.Warn("task failed", "err", err, "status", status)
	} else {
		log.Info("task finished", "elapsed", time.Since(started).String())
	}
	m.metrics.TaskFinished(plan.Task, status, time.Since(started))

	// The terminal event must reach the bus even when the run context is gone,
	// and before the key is released so a follow-up run cannot interleave.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	terminal.Time = time.Now().UTC()
	if perr := m.bus.Publish(publishCtx, terminal); perr != nil {
		log.Warn("terminal event publish failed", "err", perr)
	}

	m.mu.Lock()
	if m.runs[r.key] == r {
		delete(m.runs, r.key)
	}
	r.err = err
	m.mu.Unlock()
	r.markDone()
}

func (m *Manager) detach(r *run) {
	m.mu.Lock()
	r.observers--
	remaining := r.observers
	active := m.runs[r.key] == r
	m.mu.Unlock()
	if remaining <= 0 && active && m.cfg.CancelOnDisconnect {
		m.log.Info("canceling task with no observers", "key", r.key, "run", r.id)
		r.cancel()
	}
}

// Running reports the task currently running on key.
func (m *Manager) Running(key string) (schema.TaskID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[key]
	if !ok {
		return 0, false
	}
	return r.task, true
}

// Cancel cancels the in-flight run for key.
func (m *Manager) Cancel(key string) bool {
	m.mu.Lock()
	r, ok := m.runs[key]
	m.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel()
	return true
}

// CancelAll cancels every in-flight run.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	runs := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.Unlock()
	for _, r := range runs {
		r.cancel()
	}
}

// Wait blocks until every started run has published its terminal event or
// ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
