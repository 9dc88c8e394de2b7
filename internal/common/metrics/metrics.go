// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "loyalty"

// Metrics holds every collector the service reports to
type Metrics struct {
	httpDuration *prometheus.SummaryVec
	httpRequests *prometheus.CounterVec
	redemptions  *prometheus.CounterVec
	holdsSwept   *prometheus.CounterVec
	points       *prometheus.CounterVec
}

// New registers the collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		httpDuration: factory.NewSummaryVec(
			prometheus.SummaryOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Objectives: map[float64]float64{
					0.5:  0.05,
					0.9:  0.01,
					0.99: 0.001,
				},
			},
			[]string{"method", "route", "status_code"},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		redemptions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "redemptions_total",
				Help:      "Redemption attempts by outcome",
			},
			[]string{"outcome"},
		),
		holdsSwept: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "holds_swept_total",
				Help:      "Redemption holds removed by cleanup, by kind",
			},
			[]string{"kind"},
		),
		points: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "points_adjusted_total",
				Help:      "Points credited or debited on customer balances",
			},
			[]string{"direction"},
		),
	}
}

// ObserveHTTP records one HTTP request
func (m *Metrics) ObserveHTTP(method, route, status string, duration time.Duration) {
	m.httpDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
	m.httpRequests.WithLabelValues(method, route, status).Inc()
}

// RedemptionFinished counts a redemption attempt that reached a terminal state
func (m *Metrics) RedemptionFinished(outcome string) {
	m.redemptions.WithLabelValues(outcome).Inc()
}

// HoldsSwept counts holds removed by a cleanup pass
func (m *Metrics) HoldsSwept(kind string, n int) {
	if n <= 0 {
		return
	}
	m.holdsSwept.WithLabelValues(kind).Add(float64(n))
}

// PointsAdjusted counts points moved on customer balances
func (m *Metrics) PointsAdjusted(direction string, points int64) {
	if points <= 0 {
		return
	}
	m.points.WithLabelValues(direction).Add(float64(points))
}
