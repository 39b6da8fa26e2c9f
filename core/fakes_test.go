package core

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/mgdocker/schema"
)

type testBus struct {
	mu        sync.Mutex
	subs      map[*testSub]struct{}
	closed    bool
	published []schema.Event
	depth     int
	// onPublish runs before delivery, outside the bus lock.
	onPublish func(schema.Event)
}

func newTestBus() *testBus {
	return newTestBusDepth(1024)
}

// newTestBusDepth returns a bus whose subscriptions buffer depth events.
func newTestBusDepth(depth int) *testBus {
	return &testBus{subs: make(map[*testSub]struct{}), depth: depth}
}

func (b *testBus) Subscribe(context.Context) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, schema.ErrBusClosed
	}
	sub := &testSub{ch: make(chan schema.Event, b.depth), bus: b}
	b.subs[sub] = struct{}{}
	return sub, nil
}

func (b *testBus) Publish(_ context.Context, event schema.Event) error {
	if b.onPublish != nil {
		b.onPublish(event)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return schema.ErrBusClosed
	}
	b.published = append(b.published, event)
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

func (b *testBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = map[*testSub]struct{}{}
}

func (b *testBus) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

type testSub struct {
	ch  chan schema.Event
	bus *testBus
}

func (s *testSub) Next(ctx context.Context) (schema.Event, error) {
	select {
	case <-ctx.Done():
		return schema.Event{}, ctx.Err()
	case event, ok := <-s.ch:
		if !ok {
			return schema.Event{}, schema.ErrBusClosed
		}
		return event, nil
	}
}

func (s *testSub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; ok {
		delete(s.bus.subs, s)
		close(s.ch)
	}
	return nil
}

type fakeProcess struct {
	stdout io.Reader
	stderr io.Reader
	code   int
	wait   func() (int, error)
	kill   func()
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdout }
func (p *fakeProcess) Stderr() io.Reader { return p.stderr }

func (p *fakeProcess) Wait() (int, error) {
	if p.wait != nil {
		return p.wait()
	}
	return p.code, nil
}

func (p *fakeProcess) Kill() error {
	if p.kill != nil {
		p.kill()
	}
	return nil
}

func scripted(stdout, stderr string, code int) *fakeProcess {
	return &fakeProcess{stdout: strings.NewReader(stdout), stderr: strings.NewReader(stderr), code: code}
}

type fakeLauncher struct {
	mu      sync.Mutex
	started []schema.Command
	next    func(ctx context.Context, cmd schema.Command) (Process, error)
}

func (l *fakeLauncher) Start(ctx context.Context, cmd schema.Command) (Process, error) {
	l.mu.Lock()
	l.started = append(l.started, cmd)
	l.mu.Unlock()
	return l.next(ctx, cmd)
}

func (l *fakeLauncher) commands() []schema.Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]schema.Command(nil), l.started...)
}

// heldLauncher returns a launcher whose processes stream from a pipe the test
// controls. The process ends when the writer closes or the run is canceled.
func heldLauncher() (*fakeLauncher, chan *io.PipeWriter) {
	writers := make(chan *io.PipeWriter, 4)
	l := &fakeLauncher{}
	l.next = func(ctx context.Context, cmd schema.Command) (Process, error) {
		r, w := io.Pipe()
		go func() {
			<-ctx.Done()
			_ = w.Close()
		}()
		writers <- w
		return &fakeProcess{
			stdout: r,
			stderr: strings.NewReader(""),
			kill:   func() { _ = w.Close() },
		}, nil
	}
	return l, writers
}

type fakeResolver struct {
	mu    sync.Mutex
	files map[string]string
	err   error
	calls int
}

func (r *fakeResolver) ComposeConfigFile(_ context.Context, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	value, ok := r.files[name]
	if !ok {
		return "", schema.ErrComposeLabelMissing
	}
	return value, nil
}

func collect(t *testing.T, s *Session) []schema.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var events []schema.Event
	for {
		event, err := s.Next(ctx)
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("session next: %v (events so far %+v)", err, events)
		}
		events = append(events, event)
	}
}

func eventData(events []schema.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, string(e.Type)+":"+e.Data)
	}
	return out
}
