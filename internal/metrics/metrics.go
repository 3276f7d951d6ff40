// Package metrics defines the Prometheus collectors for the membership service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Operation outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	AuthAttemptsTotal *prometheus.CounterVec
	NotificationsSent *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "membership_operations_total",
				Help: "Total number of account operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "membership_operation_duration_seconds",
				Help:    "Duration of account operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		AuthAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "membership_authentication_attempts_total",
				Help: "Authentication attempts by result",
			},
			[]string{"result"},
		),
		NotificationsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "membership_notifications_total",
				Help: "Notifications handed to the delivery by event and outcome",
			},
			[]string{"event", "outcome"},
		),
	}

	reg.MustRegister(m.OperationsTotal, m.OperationDuration, m.AuthAttemptsTotal, m.NotificationsSent)
	return m
}

// NewRegistry returns a registry with the Go and process collectors plus the service metrics.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg, NewMetrics(reg)
}

// ObserveOperation records one finished operation.
func (m *Metrics) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// AuthAttempt records an authentication result ("success" or "failure").
func (m *Metrics) AuthAttempt(success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.AuthAttemptsTotal.WithLabelValues(result).Inc()
}

// Notification records a notification hand-off.
func (m *Metrics) Notification(event string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	m.NotificationsSent.WithLabelValues(event, outcome).Inc()
}
