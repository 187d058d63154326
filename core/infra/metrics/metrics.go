package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines broker counters for requests, approvals, and retrieval.
type Metrics interface {
	IncContextRequests(decision, outcome string)
	IncApprovalResolved(status, reason string)
	IncApprovalAnomaly(kind string)
	SetPendingApprovals(n int)
	ObserveRetrieval(durationSeconds float64, attempts int)
	IncRedactions(rule string, n int)
	IncAuditWriteFailures()
}

// GatewayMetrics captures request metrics for the HTTP gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncContextRequests(string, string)  {}
func (Noop) IncApprovalResolved(string, string) {}
func (Noop) IncApprovalAnomaly(string)          {}
func (Noop) SetPendingApprovals(int)            {}
func (Noop) ObserveRetrieval(float64, int)      {}
func (Noop) IncRedactions(string, int)          {}
func (Noop) IncAuditWriteFailures()             {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	requests       *prometheus.CounterVec
	approvals      *prometheus.CounterVec
	anomalies      *prometheus.CounterVec
	pending        prometheus.Gauge
	retrieval      prometheus.Histogram
	retrievalTries prometheus.Histogram
	redactions     *prometheus.CounterVec
	auditFailures  prometheus.Counter
	once           sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_requests_total",
			Help:      "Context requests by policy decision and outcome",
		}, []string{"decision", "outcome"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_resolved_total",
			Help:      "Approval requests resolved by status and reason",
		}, []string{"status", "reason"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_anomalies_total",
			Help:      "Ignored approval responses by kind",
		}, []string{"kind"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "approvals_pending",
			Help:      "Approval requests currently awaiting an answer",
		}),
		retrieval: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_duration_seconds",
			Help:      "Context retrieval latency including retries",
			Buckets:   prometheus.DefBuckets,
		}),
		retrievalTries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_attempts",
			Help:      "Attempts per context retrieval",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}),
		redactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redactions_total",
			Help:      "Sensitive spans redacted by rule",
		}, []string{"rule"}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Audit entries that could not be persisted",
		}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.requests, p.approvals, p.anomalies, p.pending,
			p.retrieval, p.retrievalTries, p.redactions, p.auditFailures)
	})
}

func (p *Prom) IncContextRequests(decision, outcome string) {
	p.requests.WithLabelValues(decision, outcome).Inc()
}

func (p *Prom) IncApprovalResolved(status, reason string) {
	p.approvals.WithLabelValues(status, reason).Inc()
}

func (p *Prom) IncApprovalAnomaly(kind string) {
	p.anomalies.WithLabelValues(kind).Inc()
}

func (p *Prom) SetPendingApprovals(n int) {
	p.pending.Set(float64(n))
}

func (p *Prom) ObserveRetrieval(durationSeconds float64, attempts int) {
	p.retrieval.Observe(durationSeconds)
	p.retrievalTries.Observe(float64(attempts))
}

func (p *Prom) IncRedactions(rule string, n int) {
	if n <= 0 {
		return
	}
	p.redactions.WithLabelValues(rule).Add(float64(n))
}

func (p *Prom) IncAuditWriteFailures() {
	p.auditFailures.Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
