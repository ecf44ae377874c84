// Package metrics exposes Prometheus collectors for the gateway, the domain
// services and the scheduler.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/and161185/fan-ledger/internal/model"
)

const namespace = "fan_ledger"

// Registry holds the application collectors. It implements service.Observer.
type Registry struct {
	reg *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	rewardsIssued *prometheus.CounterVec
	joins         prometheus.Counter
	replays       *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	accrued       *prometheus.CounterVec

	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
}

// New builds a Registry with process and Go runtime collectors attached.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "route"}),
		rewardsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rewards",
			Name:      "issued_total",
			Help:      "Milestone rewards issued, by count and token amount.",
		}, []string{"unit"}),
		joins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "challenges",
			Name:      "joins_total",
			Help:      "Participations created.",
		}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "replays_total",
			Help:      "Writes answered from the idempotency log.",
		}, []string{"operation"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "challenges",
			Name:      "settlements_total",
			Help:      "Closed challenges by entry-fee disposition.",
		}, []string{"fees"}),
		accrued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "staking",
			Name:      "accrued_total",
			Help:      "Staking accrual periods and tokens credited.",
		}, []string{"unit"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduled job runs.",
		}, []string{"job", "success"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_run_duration_seconds",
			Help:      "Duration of scheduled job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"job"}),
	}
	r.reg.MustRegister(
		r.httpInFlight, r.httpRequests, r.httpDuration,
		r.rewardsIssued, r.joins, r.replays, r.settlements, r.accrued,
		r.jobRuns, r.jobDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) RewardIssued(amount int64) {
	r.rewardsIssued.WithLabelValues("rewards").Inc()
	r.rewardsIssued.WithLabelValues("tokens").Add(float64(amount))
}

func (r *Registry) Joined() { r.joins.Inc() }

func (r *Registry) Replayed(op string) { r.replays.WithLabelValues(op).Inc() }

func (r *Registry) Settled(d model.FeeDisposition) { r.settlements.WithLabelValues(string(d)).Inc() }

func (r *Registry) Accrued(periods, amount int64) {
	r.accrued.WithLabelValues("periods").Add(float64(periods))
	r.accrued.WithLabelValues("tokens").Add(float64(amount))
}

// RecordJob records one scheduled job run.
func (r *Registry) RecordJob(job string, d time.Duration, err error) {
	if d <= 0 {
		d = time.Millisecond
	}
	r.jobRuns.WithLabelValues(job, strconv.FormatBool(err == nil)).Inc()
	r.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// Middleware records request counts and latency labelled by the matched route template.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/metrics" {
			next.ServeHTTP(w, req)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		r.httpInFlight.Inc()
		defer r.httpInFlight.Dec()

		next.ServeHTTP(rec, req)

		route := routeOf(req)
		method := strings.ToUpper(req.Method)
		r.httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		r.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

func routeOf(req *http.Request) string {
	if cur := mux.CurrentRoute(req); cur != nil {
		if tpl, err := cur.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
