package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type MetricsGenerator interface {
	IncMessageProcessed(routingKey, status string)
	IncRotation(status string)
	IncResponseIssued(service string)
	AddUptime(float64)
}

const credNamespace = "credentials"

// CredMetrics contains instrumented metrics incremented by the service using
// the methods below.
type CredMetrics struct {
	uptime prometheus.Counter

	numMessagesProcessed *prometheus.CounterVec
	numRotations         *prometheus.CounterVec
	numResponsesIssued   *prometheus.CounterVec
}

func NewCredMetrics(reg prometheus.Registerer) *CredMetrics {
	return &CredMetrics{
		uptime: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: credNamespace,
				Name:      "uptime_milliseconds_total",
				Help:      "The elapse time in milliseconds since the service is booted",
			}),

		numMessagesProcessed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: credNamespace,
				Name:      "num_messages_processed_total",
				Help:      "The number of bus messages consumed, by routing key and outcome. If it isn't increasing, the consume loop is stuck",
			}, []string{"routing_key", "status"}),

		numRotations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: credNamespace,
				Name:      "num_key_rotations_total",
				Help:      "The number of key rotation sweeps, by outcome",
			}, []string{"status"}),

		numResponsesIssued: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: credNamespace,
				Name:      "num_credential_responses_total",
				Help:      "The number of credential response tokens issued, by requesting service",
			}, []string{"service"}),
	}
}

func (m *CredMetrics) IncMessageProcessed(routingKey, status string) {
	m.numMessagesProcessed.WithLabelValues(routingKey, status).Inc()
}

func (m *CredMetrics) IncRotation(status string) {
	m.numRotations.WithLabelValues(status).Inc()
}

func (m *CredMetrics) IncResponseIssued(service string) {
	m.numResponsesIssued.WithLabelValues(service).Inc()
}

func (m *CredMetrics) AddUptime(total float64) {
	m.uptime.Add(total)
}
