// Package metrics exposes orchestrator activity as prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/steprun/orchestrator/internal/job"
	"github.com/steprun/orchestrator/internal/orchestrator"
)

const (
	namespace = "steprun"

	labelReason  = "reason"
	labelStatus  = "status"
	labelOutcome = "outcome"
	labelCode    = "code"
	labelMethod  = "method"

	outcomeOK     = "ok"
	outcomeFailed = "failed"
)

// Collector implements orchestrator.Observer and keeps job counters.
type Collector struct {
	submitted prometheus.Counter
	rejected  *prometheus.CounterVec
	finished  *prometheus.CounterVec
	steps     *prometheus.CounterVec
	requests  *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New registers the collectors on a fresh registry and initializes the
// expected label combinations to 0.
func New() *Collector {
	c := &Collector{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Count of jobs admitted.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Count of submissions and retries rejected at admission, by reason.",
		}, []string{labelReason}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Count of jobs reaching a terminal status.",
		}, []string{labelStatus}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_steps_total",
			Help:      "Count of work unit steps, by outcome.",
		}, []string{labelOutcome}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Histogram of control API request latencies.",
			Buckets:   prometheus.DefBuckets,
		}, []string{labelCode, labelMethod}),
		registry: prometheus.NewRegistry(),
	}

	c.registry.MustRegister(c.submitted, c.rejected, c.finished, c.steps, c.requests)

	for _, r := range []string{orchestrator.ReasonInvalidSpec, orchestrator.ReasonDuplicate, orchestrator.ReasonCapacity, orchestrator.ReasonShuttingDown} {
		c.rejected.WithLabelValues(r)
	}
	for _, s := range job.AllStatuses {
		if s.IsTerminal() {
			c.finished.WithLabelValues(string(s))
		}
	}
	c.steps.WithLabelValues(outcomeOK)
	c.steps.WithLabelValues(outcomeFailed)
	return c
}

// JobEvent updates the counters. It never blocks.
func (c *Collector) JobEvent(ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventCreated:
		c.submitted.Inc()
	case orchestrator.EventRejected:
		c.rejected.WithLabelValues(ev.Reason).Inc()
	case orchestrator.EventProgress:
		c.steps.WithLabelValues(outcomeOK).Inc()
	case orchestrator.EventStepFailed:
		c.steps.WithLabelValues(outcomeFailed).Inc()
	case orchestrator.EventStatus:
		if ev.Job != nil && ev.Job.Status.IsTerminal() {
			c.finished.WithLabelValues(string(ev.Job.Status)).Inc()
		}
	}
}

// WatchActive registers the jobs_active gauge, read from fn at scrape time.
func (c *Collector) WatchActive(fn func() int) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_active",
		Help:      "Number of jobs holding a concurrency slot.",
	}, func() float64 { return float64(fn()) }))
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler records request latency for the wrapped handler.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerDuration(c.requests, next)
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
