// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	HubEvents           *prometheus.CounterVec
	HubPollFailures     prometheus.Counter
	HubRegistrations    prometheus.Counter
	HubMessagesPosted   *prometheus.CounterVec
	IRCLinesSent        prometheus.Counter
	CommandsHandled     *prometheus.CounterVec
	AlertsSent          *prometheus.CounterVec
	LivenessPings       *prometheus.CounterVec
	FailureStormsRaised prometheus.Counter

	// Histograms (seconds)
	HubPollDuration prometheus.Observer

	// Gauges
	ThrottleBacklog prometheus.Gauge
	IRCConnected    prometheus.Gauge
	HubLastEventID  prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		HubEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridge_hub_events_total", Help: "Zulip events consumed, by event type"}, []string{"type"})
		HubPollFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "bridge_hub_poll_failures_total", Help: "Failed Zulip event polls (transport, parse or API errors)"})
		HubRegistrations = promauto.NewCounter(prometheus.CounterOpts{Name: "bridge_hub_queue_registrations_total", Help: "Zulip event queue registrations"})
		HubMessagesPosted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridge_hub_messages_posted_total", Help: "Messages posted to Zulip, by result"}, []string{"result"})
		IRCLinesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "bridge_irc_lines_sent_total", Help: "Lines handed to the IRC transport by the throttle"})
		CommandsHandled = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridge_commands_total", Help: "Private IRC commands handled, by command"}, []string{"command"})
		AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridge_alerts_total", Help: "Alert sink deliveries, by result"}, []string{"result"})
		LivenessPings = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridge_liveness_pings_total", Help: "Liveness pings, by result"}, []string{"result"})
		FailureStormsRaised = promauto.NewCounter(prometheus.CounterOpts{Name: "bridge_failure_storms_total", Help: "Times the inbound relay entered its failure-storm cooldown"})
		HubPollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bridge_hub_poll_duration_seconds", Help: "Zulip long-poll duration seconds", Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 90, 120}})
		ThrottleBacklog = promauto.NewGauge(prometheus.GaugeOpts{Name: "bridge_throttle_backlog", Help: "Lines waiting in the outbound throttle"})
		IRCConnected = promauto.NewGauge(prometheus.GaugeOpts{Name: "bridge_irc_connected", Help: "IRC connection state connected=1 disconnected=0"})
		HubLastEventID = promauto.NewGauge(prometheus.GaugeOpts{Name: "bridge_hub_last_event_id", Help: "Last Zulip event id consumed"})
	})
}

// IncEvent counts one consumed Zulip event of the given type.
func IncEvent(eventType string) {
	if HubEvents != nil {
		HubEvents.WithLabelValues(eventType).Inc()
	}
}

// IncCounter increments c if metrics have been initialised.
func IncCounter(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// IncResult increments the result-labelled vector if metrics have been initialised.
func IncResult(v *prometheus.CounterVec, result string) {
	if v != nil {
		v.WithLabelValues(result).Inc()
	}
}

// SetConnected records the IRC connection state.
func SetConnected(up bool) {
	if IRCConnected != nil {
		if up {
			IRCConnected.Set(1)
		} else {
			IRCConnected.Set(0)
		}
	}
}

// SetGauge sets g to v if metrics have been initialised.
func SetGauge(g prometheus.Gauge, v float64) {
	if g != nil {
		g.Set(v)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
