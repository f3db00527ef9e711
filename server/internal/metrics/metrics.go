// Package metrics exposes Prometheus metrics for the admission queue, the
// readiness gate, the asset catalog and the HTTP layer.
//
// Collector satisfies the Observer interfaces of admission, readiness and
// catalog, so the composition root passes the same value to all three.
//
// Metrics:
//   - meart_admission_jobs_total{outcome}     completed|failed|timeout|canceled|rejected
//   - meart_admission_job_duration_seconds    execution time, pending time excluded
//   - meart_admission_queue_wait_seconds      time spent pending before a slot
//   - meart_admission_pending / _running      current depth and in-flight count
//   - meart_readiness_ready                   1 once ready, 0 otherwise
//   - meart_readiness_init_seconds            time from start to ready/failed
//   - meart_catalog_resolutions_total{result} exact|fuzzy|cached|not_found
//   - meart_catalog_scans_total, meart_catalog_entries
//   - meart_http_requests_total{method,code}
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meartlab/meart/server/internal/admission"
	"github.com/meartlab/meart/server/internal/readiness"
)

// Collector owns a private registry with every meart metric plus the Go
// runtime and process collectors.
type Collector struct {
	reg *prometheus.Registry

	jobs        *prometheus.CounterVec
	jobDuration prometheus.Histogram
	queueWait   prometheus.Histogram
	pending     prometheus.Gauge
	running     prometheus.Gauge

	ready    prometheus.Gauge
	initTime prometheus.Gauge

	resolutions *prometheus.CounterVec
	scans       prometheus.Counter
	entries     prometheus.Gauge

	requests *prometheus.CounterVec
}

// NewCollector creates and registers all metrics.
func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meart_admission_jobs_total",
			Help: "Admission submissions by outcome",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meart_admission_job_duration_seconds",
			Help:    "Job execution time in seconds, measured from slot acquisition",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meart_admission_queue_wait_seconds",
			Help:    "Time a job spent pending before it got a slot",
			Buckets: prometheus.DefBuckets,
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meart_admission_pending",
			Help: "Jobs currently waiting for a slot",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meart_admission_running",
			Help: "Jobs currently executing",
		}),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meart_readiness_ready",
			Help: "1 once the server is ready, 0 while starting or after a failed init",
		}),
		initTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meart_readiness_init_seconds",
			Help: "Seconds from process start until initialization finished",
		}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meart_catalog_resolutions_total",
			Help: "Asset resolutions by result",
		}, []string{"result"}),
		scans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meart_catalog_scans_total",
			Help: "Asset directory scans",
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meart_catalog_entries",
			Help: "Entries in the asset index after the last scan",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meart_http_requests_total",
			Help: "HTTP requests by method and status code",
		}, []string{"method", "code"}),
	}

	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.jobs, c.jobDuration, c.queueWait, c.pending, c.running,
		c.ready, c.initTime,
		c.resolutions, c.scans, c.entries,
		c.requests,
	)
	return c
}

// Registry returns the registry backing Handler.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// QueueChanged implements admission.Observer.
func (c *Collector) QueueChanged(pending, running int) {
	c.pending.Set(float64(pending))
	c.running.Set(float64(running))
}

// JobStarted implements admission.Observer.
func (c *Collector) JobStarted(wait time.Duration) {
	c.queueWait.Observe(wait.Seconds())
}

// JobFinished implements admission.Observer.
func (c *Collector) JobFinished(outcome admission.Outcome, d time.Duration) {
	c.jobs.WithLabelValues(string(outcome)).Inc()
	if outcome != admission.OutcomeRejected {
		c.jobDuration.Observe(d.Seconds())
	}
}

// GateChanged implements readiness.Observer.
func (c *Collector) GateChanged(s readiness.State, elapsed time.Duration) {
	if s == readiness.Ready {
		c.ready.Set(1)
	} else {
		c.ready.Set(0)
	}
	c.initTime.Set(elapsed.Seconds())
}

// Resolved implements catalog.Observer.
func (c *Collector) Resolved(result string) {
	c.resolutions.WithLabelValues(result).Inc()
}

// Scanned implements catalog.Observer.
func (c *Collector) Scanned(entries int) {
	c.scans.Inc()
	c.entries.Set(float64(entries))
}

// ObserveRequest counts one served HTTP request.
func (c *Collector) ObserveRequest(method string, code int) {
	c.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}
