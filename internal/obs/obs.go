// Package obs holds logging setup and the Prometheus instruments the service
// exports.
package obs

import (
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NewLogger builds the process-wide structured logger.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

type Metrics struct {
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	ChangesApplied  *prometheus.CounterVec
	RequestsExpired prometheus.Counter
	SweepDuration   prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accessdesk",
			Name:      "commands_total",
			Help:      "Commands processed, by command and outcome.",
		}, []string{"command", "status"}),
		CommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "accessdesk",
			Name:      "command_duration_seconds",
			Help:      "Command processing latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		ChangesApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accessdesk",
			Name:      "changes_applied_total",
			Help:      "Changes applied against the provider, by change type.",
		}, []string{"change_type"}),
		RequestsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "accessdesk",
			Name:      "requests_expired_total",
			Help:      "Requests retired by the expiration sweep.",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "accessdesk",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of expiration sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
