// Package metrics exposes Prometheus collectors for the lifecycle engine.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on a private registry
// ⭐ SSOT: 메트릭 정의는 여기서만
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	transitions      *prometheus.CounterVec
	transitionErrors *prometheus.CounterVec
	gatewayCalls     *prometheus.CounterVec
	gatewayLatency   *prometheus.HistogramVec
	reconcileResults *prometheus.CounterVec
	manualReview     *prometheus.GaugeVec
	queueDepth       *prometheus.GaugeVec
	notifications    *prometheus.CounterVec
}

// New creates collectors registered on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mfengine",
			Name:      "transitions_total",
			Help:      "Accepted state transitions",
		}, []string{"entity", "event", "to"}),
		transitionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mfengine",
			Name:      "transition_rejections_total",
			Help:      "Rejected state transitions by reason",
		}, []string{"entity", "event", "reason"}),
		gatewayCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mfengine",
			Name:      "gateway_calls_total",
			Help:      "Exchange gateway calls by outcome",
		}, []string{"exchange", "op", "outcome"}),
		gatewayLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mfengine",
			Name:      "gateway_latency_seconds",
			Help:      "Exchange gateway call latency",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"exchange", "op"}),
		reconcileResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mfengine",
			Name:      "reconcile_results_total",
			Help:      "Reconciliation attempts by tier and outcome",
		}, []string{"tier", "outcome"}),
		manualReview: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mfengine",
			Name:      "manual_review_entities",
			Help:      "Entities flagged for manual review",
		}, []string{"entity"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mfengine",
			Name:      "reconcile_queue_depth",
			Help:      "Entities scheduled in the reconcile due queue",
		}, []string{"tier"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mfengine",
			Name:      "notifications_total",
			Help:      "Notification dispatch attempts by outcome",
		}, []string{"entity", "outcome"}),
	}
}

// Registry returns the underlying registry (tests, custom exporters)
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordTransition counts an accepted transition
func (m *Metrics) RecordTransition(entity, event, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(entity, event, to).Inc()
}

// RecordTransitionRejected counts a typed rejection
func (m *Metrics) RecordTransitionRejected(entity, event, reason string) {
	if m == nil {
		return
	}
	m.transitionErrors.WithLabelValues(entity, event, reason).Inc()
}

// RecordGatewayCall records one exchange call
func (m *Metrics) RecordGatewayCall(exchange, op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(exchange, op, outcome).Inc()
	m.gatewayLatency.WithLabelValues(exchange, op).Observe(d.Seconds())
}

// RecordReconcile records one reconcile attempt
func (m *Metrics) RecordReconcile(tier, outcome string) {
	if m == nil {
		return
	}
	m.reconcileResults.WithLabelValues(tier, outcome).Inc()
}

// SetManualReview sets the flagged entity gauge
func (m *Metrics) SetManualReview(entity string, n int) {
	if m == nil {
		return
	}
	m.manualReview.WithLabelValues(entity).Set(float64(n))
}

// SetQueueDepth sets the due-queue gauge
func (m *Metrics) SetQueueDepth(tier string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(tier).Set(float64(n))
}

// RecordNotification counts a notification dispatch
func (m *Metrics) RecordNotification(entity, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(entity, outcome).Inc()
}

// Server serves /metrics on its own port
type Server struct {
	httpServer *http.Server
}

// NewServer creates the metrics HTTP server
func NewServer(m *Metrics, port string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))

	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + port,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start runs the server in the background
func (s *Server) Start(onError func(error)) {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			onError(err)
		}
	}()
}

// Shutdown stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
