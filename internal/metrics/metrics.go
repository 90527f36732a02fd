// Package metrics exposes workflow and HTTP counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"helpdesk/api/internal/workflow"
)

const namespace = "helpdesk"

// Recorder owns a private registry so tests can create as many as they like.
type Recorder struct {
	registry      *prometheus.Registry
	stageRuns     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	suspensions   *prometheus.CounterVec
	finished      *prometheus.CounterVec
	escalations   prometheus.Counter
	swept         prometheus.Counter
	httpRequests  *prometheus.CounterVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		stageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_runs_total",
			Help:      "Committed stage runs by stage and outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage run time.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		suspensions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_suspensions_total",
			Help:      "Requests suspended, by request status.",
		}, []string{"request_status"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_finished_total",
			Help:      "Requests that reached a final workflow status.",
		}, []string{"workflow_status"}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hil_escalations_total",
			Help:      "Human review questions escalated after their due time.",
		}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hil_sweeps_total",
			Help:      "Completed expiry sweeps.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status class.",
		}, []string{"route", "code"}),
	}
	r.registry.MustRegister(
		r.stageRuns, r.stageDuration, r.suspensions, r.finished, r.escalations, r.swept, r.httpRequests,
		collectors.NewGoCollector(),
	)
	return r
}

func (r *Recorder) StageCompleted(stage workflow.StageName, outcome workflow.Outcome, elapsed time.Duration) {
	r.stageRuns.WithLabelValues(string(stage), string(outcome)).Inc()
	r.stageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
}

func (r *Recorder) Suspended(status workflow.RequestStatus) {
	r.suspensions.WithLabelValues(string(status)).Inc()
}

func (r *Recorder) Finished(status workflow.WorkflowStatus) {
	r.finished.WithLabelValues(string(status)).Inc()
}

func (r *Recorder) Escalated() { r.escalations.Inc() }

// Swept counts one finished expiry pass.
func (r *Recorder) Swept() { r.swept.Inc() }

// HTTPRequest counts a served request. Status is bucketed to its class.
func (r *Recorder) HTTPRequest(route string, status int) {
	r.httpRequests.WithLabelValues(route, strconv.Itoa(status/100)+"xx").Inc()
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

var _ workflow.Recorder = (*Recorder)(nil)
