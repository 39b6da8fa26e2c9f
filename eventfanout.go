package mgdocker

import (
	"sync/atomic"

	"pkt.systems/mgdocker/internal/eventbus"
	"pkt.systems/mgdocker/schema"
	"pkt.systems/pslog"
)

type observerFanout struct {
	observers []eventbus.Observer
}

// FanoutObserver returns an observer that forwards to every non-nil observer,
// or nil when there are none.
func FanoutObserver(observers ...eventbus.Observer) eventbus.Observer {
	out := make([]eventbus.Observer, 0, len(observers))
	for _, observer := range observers {
		if observer != nil {
			out = append(out, observer)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return observerFanout{observers: out}
}

func (f observerFanout) EventPublished(event schema.Event) {
	for _, observer := range f.observers {
		observer.EventPublished(event)
	}
}

func (f observerFanout) EventsDropped(count int) {
	for _, observer := range f.observers {
		observer.EventsDropped(count)
	}
}

// DropLogger warns the first time events are dropped and every
// dropReportEvery drops after that.
type DropLogger struct {
	log     pslog.Logger
	dropped atomic.Int64
}

const dropReportEvery = 1000

// NewDropLogger constructs a DropLogger.
func NewDropLogger(log pslog.Logger) *DropLogger {
	return &DropLogger{log: log}
}

func (d *DropLogger) EventPublished(schema.Event) {}

func (d *DropLogger) EventsDropped(count int) {
	if count <= 0 {
		return
	}
	before := d.dropped.Load()
	total := d.dropped.Add(int64(count))
	if before == 0 || before/dropReportEvery != total/dropReportEvery {
		d.log.Warn("event bus dropping events for slow subscribers", "dropped_total", total)
	}
}

// Dropped reports the total number of dropped events seen.
func (d *DropLogger) Dropped() int64 {
	return d.dropped.Load()
}
