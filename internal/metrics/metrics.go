// Package metrics exports execution and timer metrics in the Prometheus
// format. Execution counters are fed from the event bus.
package metrics

import (
	"context"
	"net/http"

	"diffido/internal/eventbus"
	"diffido/internal/task/executor"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	executions   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	busDropped   prometheus.CounterFunc
	armedTimers  prometheus.GaugeFunc
	timerChanges *prometheus.CounterVec
}

// New registers the collectors on a private registry. armed reports the
// number of armed timers; dropped the event bus drop counter. Either may be nil.
func New(namespace string, armed func() int, dropped func() uint64) *Metrics {
	if namespace == "" {
		namespace = "diffido"
	}
	if armed == nil {
		armed = func() int { return 0 }
	}
	if dropped == nil {
		dropped = func() uint64 { return 0 }
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Executions by outcome (success, failure, skipped_overlap)",
			},
			[]string{"outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Duration of executions that ran",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"outcome"},
		),
		busDropped: prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "eventbus_dropped_total",
				Help:      "Events dropped because a subscriber was full",
			},
			func() float64 { return float64(dropped()) },
		),
		armedTimers: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "armed_timers",
				Help:      "Number of schedules with an armed timer",
			},
			func() float64 { return float64(armed()) },
		),
		timerChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timer_changes_total",
				Help:      "Timer arm and disarm operations",
			},
			[]string{"op"},
		),
	}

	m.registry.MustRegister(
		m.executions,
		m.duration,
		m.busDropped,
		m.armedTimers,
		m.timerChanges,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe accounts one event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.ExecutionSucceeded, eventbus.ExecutionFailed, eventbus.ExecutionSkipped:
		rec, ok := e.Data.(executor.Record)
		if !ok {
			return
		}
		outcome := string(rec.Outcome)
		m.executions.WithLabelValues(outcome).Inc()
		if rec.Outcome != executor.OutcomeSkippedOverlap {
			m.duration.WithLabelValues(outcome).Observe(rec.Duration().Seconds())
		}
	case eventbus.TimerArmed:
		m.timerChanges.WithLabelValues("arm").Inc()
	case eventbus.TimerDisarmed:
		m.timerChanges.WithLabelValues("disarm").Inc()
	}
}

// Run consumes bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256,
		eventbus.ExecutionSucceeded,
		eventbus.ExecutionFailed,
		eventbus.ExecutionSkipped,
		eventbus.TimerArmed,
		eventbus.TimerDisarmed,
	)
	defer unsub()
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
