package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "sessionkit"

// Command outcomes recorded by ObserveCommand.
const (
	OutcomeOK          = "ok"
	OutcomeMapped      = "mapped_error"
	OutcomeUndelivered = "undelivered"
	OutcomeFailure     = "failure"
	OutcomeInvalid     = "invalid"
)

// Metrics holds the Prometheus collectors of one Server.
type Metrics struct {
	sessionsActive   prometheus.Gauge
	sessionsAccepted prometheus.Counter
	sessionsRejected *prometheus.CounterVec
	disconnects      *prometheus.CounterVec
	framesReceived   prometheus.Counter
	sendErrors       prometheus.Counter
	broadcasts       prometheus.Counter
	commands         *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	handlerFailures  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, serverName string) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"server": serverName}

	return &Metrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "sessions_active",
			Help:        "Number of welcomed sessions currently connected",
			ConstLabels: labels,
		}),

		sessionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "sessions_accepted_total",
			Help:        "Total number of sessions that joined the active set",
			ConstLabels: labels,
		}),

		sessionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "sessions_rejected_total",
			Help:        "Total number of connections closed before becoming active",
			ConstLabels: labels,
		}, []string{"reason"}),

		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "disconnects_total",
			Help:        "Total number of retired sessions by disconnect kind",
			ConstLabels: labels,
		}, []string{"kind"}),

		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "frames_received_total",
			Help:        "Total number of frames read from sessions",
			ConstLabels: labels,
		}),

		sendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "send_errors_total",
			Help:        "Total number of failed writes to sessions",
			ConstLabels: labels,
		}),

		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "broadcasts_total",
			Help:        "Total number of broadcast calls",
			ConstLabels: labels,
		}),

		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "commands_total",
			Help:        "Total number of dispatched commands by outcome",
			ConstLabels: labels,
		}, []string{"command", "outcome"}),

		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "command_duration_seconds",
			Help:        "Command handler duration in seconds",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"command"}),

		handlerFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "handler_failures_total",
			Help:        "Total number of unmapped handler errors and recovered panics",
			ConstLabels: labels,
		}),
	}
}

// ObserveCommand records one dispatched command.
//
// Parameters:
//   - command: Command name, or "unknown" for undeclared codes
//   - outcome: One of the Outcome* constants
//   - d: Time spent in the handler; ignored for OutcomeInvalid
func (m *Metrics) ObserveCommand(command, outcome string, d time.Duration) {
	m.commands.WithLabelValues(command, outcome).Inc()
	if outcome != OutcomeInvalid {
		m.commandDuration.WithLabelValues(command).Observe(d.Seconds())
	}
}
