package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"probeflow/internal/events"
)

const namespace = "probeflow"

// StatsFunc reports queue depth and occupied slots.
type StatsFunc func() (queued, running int)

type Metrics struct {
	reg *prometheus.Registry

	TasksQueued   *prometheus.CounterVec
	TasksFinished *prometheus.CounterVec
	TaskRetries   *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
	StopAll       prometheus.Counter
}

// New registers the task metrics on a fresh registry. Queue and slot gauges
// are read from stats at scrape time.
func New(stats StatsFunc) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		TasksQueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_queued_total",
			Help:      "Total number of tasks accepted into the queue",
		}, []string{"type"}),
		TasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of tasks that reached a terminal outcome",
		}, []string{"type", "outcome"}),
		TaskRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Total number of scheduled retries",
		}, []string{"type"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from enqueue to terminal outcome",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"type"}),
		StopAll: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stop_all_total",
			Help:      "Number of stop-all requests",
		}),
	}

	if stats != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks waiting for a slot",
		}, func() float64 { q, _ := stats(); return float64(q) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_tasks",
			Help:      "Occupied execution slots, including tasks waiting out a retry delay",
		}, func() float64 { _, r := stats(); return float64(r) })
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Observe(e events.Event) {
	t := string(e.TaskType)
	switch e.Type {
	case events.TaskQueued:
		m.TasksQueued.WithLabelValues(t).Inc()
	case events.TaskRetrying:
		m.TaskRetries.WithLabelValues(t).Inc()
	case events.TaskCompleted, events.TaskFailed:
		outcome := "success"
		if e.Type == events.TaskFailed {
			outcome = "failure"
		}
		m.TasksFinished.WithLabelValues(t, outcome).Inc()
		if e.Result != nil {
			m.TaskDuration.WithLabelValues(t).Observe((time.Duration(e.Result.DurationMs) * time.Millisecond).Seconds())
		}
	case events.TasksStopped:
		m.StopAll.Inc()
	}
}

// Run feeds bus events into the metrics until ctx is done or the bus closes.
func (m *Metrics) Run(ctx context.Context, bus *events.Bus) {
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}
