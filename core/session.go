package core

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/mgdocker/internal/logx"
	"pkt.systems/mgdocker/schema"
	"pkt.systems/pslog"
)

// drainGrace bounds how long a session keeps waiting once its run has
// finished. Only time spent on events that are not the session's own counts
// against it.
const drainGrace = time.Second

// Session is one observer's view of a keyed run. It yields the run's events in
// publish order and ends after that run's terminal event.
type Session struct {
	id       string
	key      string
	run      *run
	sub      Subscription
	manager  *Manager
	attached bool
	log      pslog.Logger

	// drainLeft is touched only by Next, which is not safe for concurrent use.
	drainLeft time.Duration

	mu       sync.Mutex
	finished bool
	once     sync.Once
}

func (m *Manager) newSession(ctx context.Context, r *run, sub Subscription, attached bool) *Session {
	id := uuid.NewString()
	log := logx.WithSession(logx.WithRun(logx.WithTask(pslog.Ctx(ctx), r.task.String(), ""), string(r.id)), id)
	mode := "run"
	if attached {
		mode = "attach"
	}
	m.metrics.SessionOpened(mode)
	log.Debug("session opened", "key", r.key, "mode", mode)
	return &Session{
		id:        id,
		key:       r.key,
		run:       r,
		sub:       sub,
		manager:   m,
		attached:  attached,
		log:       log,
		drainLeft: drainGrace,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Key returns the resource key the session is bound to.
func (s *Session) Key() string { return s.key }

// RunID returns the run the session observes.
func (s *Session) RunID() schema.RunID { return s.run.id }

// Task returns the task the session observes.
func (s *Session) Task() schema.TaskID { return s.run.task }

// Attached reports whether the session joined a run started by another session.
func (s *Session) Attached() bool { return s.attached }

// Next returns the next event for the session's key. After the terminal event
// (done, failed or closed) it returns io.EOF.
func (s *Session) Next(ctx context.Context) (schema.Event, error) {
	for {
		s.mu.Lock()
		finished := s.finished
		s.mu.Unlock()
		if finished {
			return schema.Event{}, io.EOF
		}

		event, err := s.receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return schema.Event{}, ctx.Err()
			}
			s.finish()
			s.log.Warn("session subscription ended", "err", err)
			return schema.Event{
				Key:   s.key,
				Data:  err.Error(),
				Type:  schema.EventClosed,
				RunID: s.run.id,
				Time:  time.Now().UTC(),
			}, nil
		}
		if !s.owns(event) {
			continue
		}
		if event.Type.Terminal() {
			s.finish()
		}
		return event, nil
	}
}

// owns reports whether event belongs to the session's run. Events without a
// run id are keyed notices and pass on key alone.
func (s *Session) owns(event schema.Event) bool {
	if event.Key != s.key {
		return false
	}
	return event.RunID == "" || event.RunID == s.run.id
}

func (s *Session) receive(ctx context.Context) (schema.Event, error) {
	if s.run.done.Err() != nil {
		return s.drain(ctx)
	}
	waitCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.run.done, cancel)
	event, err := s.sub.Next(waitCtx)
	stop()
	cancel()
	if err != nil && ctx.Err() == nil && s.run.done.Err() != nil && errors.Is(err, context.Canceled) {
		return s.drain(ctx)
	}
	return event, err
}

// drain reads what is left on the subscription after the run finished. The
// grace is shared across calls and resets only on the session's own events, so
// traffic for other keys cannot hold the session open. When the terminal event
// was dropped for this observer, one is synthesized from the run result.
func (s *Session) drain(ctx context.Context) (schema.Event, error) {
	if s.drainLeft <= 0 {
		return s.runResult(), nil
	}
	started := time.Now()
	graceCtx, cancel := context.WithTimeout(ctx, s.drainLeft)
	defer cancel()
	event, err := s.sub.Next(graceCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			s.drainLeft = 0
			s.log.Debug("terminal event not observed; using run result")
			return s.runResult(), nil
		}
		return event, err
	}
	if s.owns(event) {
		s.drainLeft = drainGrace
	} else {
		s.drainLeft -= time.Since(started)
	}
	return event, nil
}

func (s *Session) runResult() schema.Event {
	event := schema.Event{Key: s.key, RunID: s.run.id, Type: schema.EventDone, Data: "done", Time: time.Now().UTC()}
	if s.run.err != nil {
		event.Type = schema.EventFailed
		event.Data = s.run.err.Error()
	}
	return event
}

func (s *Session) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
}

// Close releases the subscription and detaches from the run.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Close()
		s.manager.detach(s.run)
		s.manager.metrics.SessionClosed()
		s.log.Debug("session closed")
	})
	return err
}
