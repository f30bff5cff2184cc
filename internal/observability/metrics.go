package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
)

// Metrics owns a private registry so tests can build it repeatedly.
type Metrics struct {
	Registry *prometheus.Registry

	requests       *prometheus.CounterVec
	requestSeconds *prometheus.HistogramVec
	payments       *prometheus.CounterVec
	quotes         *prometheus.CounterVec
	quoteSeconds   prometheus.Histogram
	reconcileFails prometheus.Counter
	breakerState   *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lnbank_requests_total",
			Help: "Requests handled by kind and outcome.",
		}, []string{"kind", "outcome"}),
		requestSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lnbank_request_duration_seconds",
			Help:    "Request handling time by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		payments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lnbank_lightning_payments_total",
			Help: "Outbound Lightning payments by final status.",
		}, []string{"status"}),
		quotes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lnbank_dealer_quotes_total",
			Help: "Dealer quote requests by outcome.",
		}, []string{"outcome"}),
		quoteSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lnbank_dealer_quote_seconds",
			Help:    "Dealer quote round trip.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5},
		}),
		reconcileFails: f.NewCounter(prometheus.CounterOpts{
			Name: "lnbank_reconcile_failures_total",
			Help: "Reconciliation runs that found an inconsistency.",
		}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lnbank_circuit_breaker_state",
			Help: "0 closed, 1 half-open, 2 open.",
		}, []string{"name"}),
	}
}

func (m *Metrics) ObserveRequest(kind, outcome string, elapsed time.Duration) {
	m.requests.WithLabelValues(kind, outcome).Inc()
	m.requestSeconds.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) ObservePayment(status string) {
	m.payments.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveQuote(outcome string, elapsed time.Duration) {
	m.quotes.WithLabelValues(outcome).Inc()
	m.quoteSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) ReconcileFailed() {
	m.reconcileFails.Inc()
}

// BreakerChanged matches gobreaker.Settings.OnStateChange.
func (m *Metrics) BreakerChanged(name string, _, to gobreaker.State) {
	m.breakerState.WithLabelValues(name).Set(float64(to))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
