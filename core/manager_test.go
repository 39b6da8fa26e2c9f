package core

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"pkt.systems/mgdocker/schema"
)

func newTestManager(t *testing.T, cfg ManagerConfig, launcher Launcher, resolver ComposeResolver) (*Manager, *testBus) {
	t.Helper()
	bus := newTestBus()
	return newTestManagerOn(t, bus, cfg, launcher, resolver), bus
}

func newTestManagerOn(t *testing.T, bus *testBus, cfg ManagerConfig, launcher Launcher, resolver ComposeResolver) *Manager {
	t.Helper()
	mgr, err := NewManager(cfg, ManagerDeps{
		Bus:        bus,
		Dispatcher: NewDispatcher(resolver, ""),
		Runner:     NewTaskRunner(launcher),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() {
		mgr.CancelAll()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Wait(ctx)
	})
	return mgr
}

func waitRuns(t *testing.T, mgr *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Wait(ctx); err != nil {
		t.Fatalf("wait for runs: %v", err)
	}
}

func webResolver() *fakeResolver {
	return &fakeResolver{files: map[string]string{"web": "/srv/web/compose.yaml", "db": "/srv/db/compose.yaml"}}
}

func TestOpenPullStreamsUntilDone(t *testing.T) {
	launcher := &fakeLauncher{next: func(context.Context, schema.Command) (Process, error) {
		return scripted("Pulling web\nPulled\n", "", 0), nil
	}}
	mgr, _ := newTestManager(t, ManagerConfig{}, launcher, webResolver())
	session, err := mgr.Open(context.Background(), "pull", "web")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close()

	events := collect(t, session)
	want := []string{"marker:docker compose pull\n", "output:Pulling web\n", "output:Pulled\n", "done:done"}
	if got := eventData(events); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected events:\n got %q\nwant %q", got, want)
	}
	if _, err := session.Next(context.Background()); err != io.EOF {
		t.Fatalf("expected io.EOF after terminal event, got %v", err)
	}
}

func TestOpenFailedRunEndsWithFailed(t *testing.T) {
	launcher := &fakeLauncher{next: func(context.Context, schema.Command) (Process, error) {
		return scripted("", "boom\n", 2), nil
	}}
	mgr, _ := newTestManager(t, ManagerConfig{}, launcher, webResolver())
	session, err := mgr.Open(context.Background(), "update", "web")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close()
	events := collect(t, session)
	last := events[len(events)-1]
	if last.Type != schema.EventFailed || !strings.Contains(last.Data, "exit status 2") {
		t.Fatalf("expected failed terminal event, got %+v", last)
	}
	for _, e := range events {
		if strings.Contains(e.Data, "up -d") {
			t.Fatalf("up step must not run after down failed: %+v", events)
		}
	}
}

func TestOpenMissingLabelLaunchesNothing(t *testing.T) {
	launcher := &fakeLauncher{next: func(context.Context, schema.Command) (Process, error) {
		t.Fatalf("launcher must not be called")
		return nil, nil
	}}
	mgr, bus := newTestManager(t, ManagerConfig{}, launcher, webResolver())
	_, err := mgr.Open(context.Background(), "pull", "ghost")
	if !errors.Is(err, schema.ErrComposeLabelMissing) || !errdefs.IsNotFound(err) {
		t.Fatalf("expected label missing, got %v", err)
	}
	if bus.subscribers() != 0 {
		t.Fatalf("resolution failure must not leave a subscription")
	}
	if len(bus.published) != 0 {
		t.Fatalf("resolution failure must not publish: %+v", bus.published)
	}
}

func TestOpenUnknownTask(t *testing.T) {
	mgr, _ := newTestManager(t, ManagerConfig{}, &fakeLauncher{}, webResolver())
	if _, err := mgr.Open(context.Background(), "restart", "web"); !errors.Is(err, schema.ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestOpenAttachesToInFlightRun(t *testing.T) {
	launcher, writers := heldLauncher()
	mgr, _ := newTestManager(t, ManagerConfig{}, launcher, webResolver())

	first, err := mgr.Open(context.Background(), "pull", "web")
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	defer first.Close()
	w := <-writers

	second, err := mgr.Open(context.Background(), "pull", "web")
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	defer second.Close()
	if !second.Attached() || first.Attached() {
		t.Fatalf("expected second session to attach")
	}
	if first.RunID() != second.RunID() {
		t.Fatalf("attached session must share the run id")
	}

	if _, err := io.WriteString(w, "layer 1\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = w.Close()

	for _, s := range []*Session{first, second} {
		events := collect(t, s)
		got := eventData(events)
		if len(got) < 2 || got[len(got)-2] != "output:layer 1\n" || got[len(got)-1] != "done:done" {
			t.Fatalf("unexpected events for session: %q", got)
		}
	}
	if n := len(launcher.commands()); n != 1 {
		t.Fatalf("expected one launch, got %d", n)
	}
}

func TestOpenDifferentTaskOnBusyKey(t *testing.T) {
	launcher, writers := heldLauncher()
	mgr, _ := newTestManager(t, ManagerConfig{}, launcher, webResolver())
	session, err := mgr.Open(context.Background(), "pull", "web")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close()
	w := <-writers

	_, err = mgr.Open(context.Background(), "update", "web")
	if !errors.Is(err, schema.ErrResourceBusy) || !errdefs.IsConflict(err) {
		t.Fatalf("expected busy conflict, got %v", err)
	}
	if task, ok := mgr.Running("web"); !ok || task != schema.TaskPull {
		t.Fatalf("expected pull running on web, got %v %v", task, ok)
	}

	other, err := mgr.Open(context.Background(), "pull", "db")
	if err != nil {
		t.Fatalf("other key must not be blocked: %v", err)
	}
	defer other.Close()
	w2 := <-writers
	_ = w2.Close()
	_ = w.Close()
	collect(t, session)
	collect(t, other)
}

func TestSessionIgnoresOtherKeys(t *testing.T) {
	launcher, writers := heldLauncher()
	mgr, bus := newTestManager(t, ManagerConfig{}, launcher, webResolver())
	session, err := mgr.Open(context.Background(), "pull", "web")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close()
	w := <-writers

	_ = bus.Publish(context.Background(), schema.Event{Key: "db", Data: "noise\n", Type: schema.EventOutput})
	_ = bus.Publish(context.Background(), schema.Event{Key: "web", Type: schema.EventDone, RunID: "someone-else"})
	_ = w.Close()

	for _, e := range collect(t, session) {
		if e.Key != "web" {
			t.Fatalf("session leaked event for %q", e.Key)
		}
		if e.Type.Terminal() && e.RunID != session.RunID() {
			t.Fatalf("session ended on foreign terminal event")
		}
	}
}

func TestSessionClosedWhenBusCloses(t *testing.T) {
	launcher, writers := heldLauncher()
	mgr, bus := newTestManager(t, ManagerConfig{}, launcher, webResolver())
	session, err := mgr.Open(context.Background(), "pull", "web")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close()
	w := <-writers
	defer w.Close()

	bus.Close()
	events := collect(t, session)
	last := events[len(events)-1]
	if last.Type != schema.EventClosed {
		t.Fatalf("expected closed diagnostic, got %+v", last)
	}
}

func TestCancelAllFailsRun(t *testing.T) {
	launcher, writers := heldLauncher()
	mgr, _ := newTestManager(t, ManagerConfig{}, launcher, webResolver())
	session, err := mgr.Open(context.Background(), "pull", "web")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close()
	<-writers

	mgr.CancelAll()
	events := collect(t, session)
	last := events[len(events)-1]
	if last.Type != schema.EventFailed || !strings.Contains(last.Data, "context canceled") {
		t.Fatalf("expected canceled failure, got %+v", last)
	}
}

func TestCancelOnDisconnect(t *testing.T) {
	launcher, writers := heldLauncher()
	mgr, _ := newTestManager(t, ManagerConfig{CancelOnDisconnect: true}, launcher, webResolver())
	session, err := mgr.Open(context.Background(), "pull", "web")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	<-writers
	_ = session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Wait(ctx); err != nil {
		t.Fatalf("run survived last observer: %v", err)
	}
	if _, ok := mgr.Running("web"); ok {
		t.Fatalf("run still registered")
	}
}

func TestRunsSurviveDisconnectByDefault(t *testing.T) {
	launcher, writers := heldLauncher()
	mgr, _ := newTestManager(t, ManagerConfig{}, launcher, webResolver())
	session, err := mgr.Open(context.Background(), "pull", "web")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	w := <-writers
	_ = session.Close()
	if _, ok := mgr.Running("web"); !ok {
		t.Fatalf("run must keep going without observers")
	}
	_ = w.Close()
}

func TestRunTimeout(t *testing.T) {
	launcher, _ := heldLauncher()
	mgr, _ := newTestManager(t, ManagerConfig{Timeout: 50 * time.Millisecond}, launcher, webResolver())
	session, err := mgr.Open(context.Background(), "pull", "web")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close()
	events := collect(t, session)
	last := events[len(events)-1]
	if last.Type != schema.EventFailed || !strings.Contains(last.Data, "deadline exceeded") {
		t.Fatalf("expected deadline failure, got %+v", last)
	}
}

func TestPruneUsesFixedKey(t *testing.T) {
	launcher := &fakeLauncher{next: func(context.Context, schema.Command) (Process, error) {
		return scripted("Total reclaimed space: 0B\n", "", 0), nil
	}}
	mgr, _ := newTestManager(t, ManagerConfig{}, launcher, webResolver())
	session, err := mgr.OpenTask(context.Background(), schema.TaskPruneImages, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close()
	if session.Key() != schema.PruneImagesKey {
		t.Fatalf("unexpected key %q", session.Key())
	}
	events := collect(t, session)
	if events[0].Data != "docker image prune --all --force\n" || events[len(events)-1].Type != schema.EventDone {
		t.Fatalf("unexpected events: %q", eventData(events))
	}
}

func TestSessionSynthesizesDroppedTerminal(t *testing.T) {
	for _, tc := range []struct {
		name string
		code int
		want schema.EventType
		data string
	}{
		{name: "done", code: 0, want: schema.EventDone, data: "done"},
		{name: "failed", code: 3, want: schema.EventFailed, data: "exit status 3"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			launcher := &fakeLauncher{next: func(context.Context, schema.Command) (Process, error) {
				return scripted(strings.Repeat("layer\n", 20), "", tc.code), nil
			}}
			bus := newTestBusDepth(2)
			mgr := newTestManagerOn(t, bus, ManagerConfig{}, launcher, webResolver())
			session, err := mgr.Open(context.Background(), "pull", "web")
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer session.Close()
			waitRuns(t, mgr)

			started := time.Now()
			events := collect(t, session)
			last := events[len(events)-1]
			if last.Type != tc.want || !strings.Contains(last.Data, tc.data) || last.RunID != session.RunID() {
				t.Fatalf("expected %s from run result, got %+v", tc.want, last)
			}
			if elapsed := time.Since(started); elapsed > 3*time.Second {
				t.Fatalf("session took %s to end after its run finished", elapsed)
			}
		})
	}
}

func TestSessionEndsDespiteTrafficOnOtherKeys(t *testing.T) {
	launcher := &fakeLauncher{next: func(context.Context, schema.Command) (Process, error) {
		return scripted(strings.Repeat("layer\n", 20), "", 0), nil
	}}
	bus := newTestBusDepth(2)
	mgr := newTestManagerOn(t, bus, ManagerConfig{}, launcher, webResolver())
	session, err := mgr.Open(context.Background(), "pull", "web")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close()
	waitRuns(t, mgr)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = bus.Publish(context.Background(), schema.Event{Key: "db", Type: schema.EventOutput, Data: "noise\n"})
			}
		}
	}()

	started := time.Now()
	events := collect(t, session)
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Fatalf("session took %s to end with other keys active", elapsed)
	}
	last := events[len(events)-1]
	if last.Type != schema.EventDone || last.RunID != session.RunID() {
		t.Fatalf("expected done from run result, got %+v", last)
	}
	for _, e := range events {
		if e.Key != "web" {
			t.Fatalf("session leaked event for %q", e.Key)
		}
	}
}

func TestSessionSkipsOtherRunsOnSameKey(t *testing.T) {
	launcher, writers := heldLauncher()
	mgr, bus := newTestManager(t, ManagerConfig{}, launcher, webResolver())
	session, err := mgr.Open(context.Background(), "pull", "web")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close()
	w := <-writers

	_ = bus.Publish(context.Background(), schema.Event{Key: "web", RunID: "earlier-run", Type: schema.EventOutput, Data: "stray\n"})
	if _, err := io.WriteString(w, "mine\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = w.Close()

	got := eventData(collect(t, session))
	want := []string{"marker:docker compose pull\n", "output:mine\n", "done:done"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected events:\n got %q\nwant %q", got, want)
	}
}

func TestTerminalPublishedBeforeKeyReleased(t *testing.T) {
	launcher := &fakeLauncher{next: func(context.Context, schema.Command) (Process, error) {
		return scripted("Total reclaimed space: 0B\n", "", 0), nil
	}}
	bus := newTestBus()
	mgr := newTestManagerOn(t, bus, ManagerConfig{}, launcher, webResolver())
	registered := make(chan bool, 1)
	bus.onPublish = func(e schema.Event) {
		if e.Type.Terminal() {
			_, ok := mgr.Running(schema.PruneImagesKey)
			registered <- ok
		}
	}
	session, err := mgr.OpenTask(context.Background(), schema.TaskPruneImages, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close()
	collect(t, session)
	if !<-registered {
		t.Fatalf("key released before the terminal event was published")
	}
	waitRuns(t, mgr)
	if _, ok := mgr.Running(schema.PruneImagesKey); ok {
		t.Fatalf("key still registered after run finished")
	}
}
