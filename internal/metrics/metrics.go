// Package metrics exports task, event and session counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/mgdocker/schema"
)

const namespace = "mgdocker"

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	TasksTotal     *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	TasksRunning   prometheus.Gauge
	EventsTotal    *prometheus.CounterVec
	DroppedTotal   prometheus.Counter
	SessionsActive prometheus.Gauge
	SessionAttach  *prometheus.CounterVec
}

// New registers every collector on a fresh registry, including the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Finished task runs by task and status",
			},
			[]string{"task", "status"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Task run duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"task"},
		),
		TasksRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_running",
				Help:      "Task runs currently in flight",
			},
		),
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Events handed to the bus by type",
			},
			[]string{"type"},
		),
		DroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Event deliveries skipped because a subscriber buffer was full",
			},
		),
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Open stream sessions",
			},
		),
		SessionAttach: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_attach_total",
				Help:      "Sessions opened by mode (run starts a task, attach joins one)",
			},
			[]string{"mode"},
		),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) TaskStarted(task schema.TaskID) {
	m.TasksRunning.Inc()
}

func (m *Metrics) TaskFinished(task schema.TaskID, status string, elapsed time.Duration) {
	m.TasksRunning.Dec()
	m.TasksTotal.WithLabelValues(task.String(), status).Inc()
	m.TaskDuration.WithLabelValues(task.String()).Observe(elapsed.Seconds())
}

func (m *Metrics) SessionOpened(mode string) {
	m.SessionsActive.Inc()
	m.SessionAttach.WithLabelValues(mode).Inc()
}

func (m *Metrics) SessionClosed() {
	m.SessionsActive.Dec()
}

// EventPublished counts one published event.
func (m *Metrics) EventPublished(event schema.Event) {
	m.EventsTotal.WithLabelValues(string(event.Type)).Inc()
}

// EventsDropped counts skipped deliveries.
func (m *Metrics) EventsDropped(count int) {
	m.DroppedTotal.Add(float64(count))
}
