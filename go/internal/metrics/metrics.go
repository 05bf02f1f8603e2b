package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Timer metrics
	TimerOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempo_timer_operations_total",
			Help: "Total timer operations by outcome",
		},
		[]string{"operation", "result"},
	)

	TimerOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tempo_timer_operation_duration_seconds",
			Help:    "Timer operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// TimerConflictsTotal counts conflicts by where they were caught:
	// "check" for the in-transaction read, "constraint" for the unique index.
	TimerConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempo_timer_conflicts_total",
			Help: "Start attempts rejected because a timer was already running",
		},
		[]string{"source"},
	)

	// Realtime metrics
	RealtimeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tempo_realtime_connections",
			Help: "Number of open realtime connections",
		},
	)

	RealtimeUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tempo_realtime_users",
			Help: "Number of users with at least one open connection",
		},
	)

	RealtimeMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempo_realtime_messages_total",
			Help: "Realtime messages by direction and type",
		},
		[]string{"direction", "type"},
	)

	RealtimeSlowConsumersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tempo_realtime_slow_consumers_dropped_total",
			Help: "Connections closed because their send queue was full",
		},
	)

	RelayMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempo_relay_messages_total",
			Help: "Timer changes relayed between instances",
		},
		[]string{"direction", "result"},
	)

	// Session registry metrics
	SessionRegistryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempo_session_registry_errors_total",
			Help: "Session registry operations that failed",
		},
		[]string{"operation"},
	)

	// HTTP metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempo_http_requests_total",
			Help: "REST requests by route and status code",
		},
		[]string{"route", "code"},
	)
)

func init() {
	prometheus.MustRegister(
		TimerOperationsTotal,
		TimerOperationDuration,
		TimerConflictsTotal,
		RealtimeConnections,
		RealtimeUsers,
		RealtimeMessagesTotal,
		RealtimeSlowConsumersDropped,
		RelayMessagesTotal,
		SessionRegistryErrors,
		HTTPRequestsTotal,
	)
}

// ObserveTimerOperation records the outcome and latency of one timer operation.
func ObserveTimerOperation(operation string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	TimerOperationsTotal.WithLabelValues(operation, result).Inc()
	TimerOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
