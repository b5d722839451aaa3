// Package metrics provides Prometheus metrics for the wssocks server.
package metrics

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/wssocks/wssocks/internal/bus"
	"github.com/wssocks/wssocks/internal/relay"
)

const namespace = "wssocks"

// Connection-error reasons.
const (
	ReasonHandshakeFailed = "handshake_failed"
	ReasonNoClient        = "no_client"
	ReasonConnectFailed   = "connect_failed"
	ReasonConnectTimeout  = "connect_timeout"
	ReasonDialFailed      = "dial_failed"
	ReasonDialTimeout     = "dial_timeout"
)

// Session kinds and channel roles used as label values.
const (
	KindReverse = "reverse"
	KindForward = "forward"
)

// Metrics holds all Prometheus metrics for the server. All methods are safe
// to call on a nil receiver, so a nil *Metrics disables instrumentation.
type Metrics struct {
	Registry *prometheus.Registry

	sessionsTotal    *prometheus.CounterVec
	activeSessions   *prometheus.GaugeVec
	channelsTotal    *prometheus.CounterVec
	activeChannels   *prometheus.GaugeVec
	bytesTotal       *prometheus.CounterVec
	connectionErrors *prometheus.CounterVec
	channelDuration  *prometheus.HistogramVec
	dialDuration     *prometheus.HistogramVec
	socksListeners   prometheus.Gauge
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total WebSocket sessions by kind and authentication outcome.",
		}, []string{"kind", "status"}),

		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of currently authenticated WebSocket sessions.",
		}, []string{"kind"}),

		channelsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_total",
			Help:      "Total relay channels that completed setup and entered pumping.",
		}, []string{"role", "status"}),

		activeChannels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_channels",
			Help:      "Number of currently pumping relay channels.",
		}, []string{"role"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total bytes relayed through data frames.",
		}, []string{"role", "direction"}),

		connectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Total number of connection errors, by reason.",
		}, []string{"role", "reason"}),

		channelDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "channel_duration_seconds",
			Help:      "Duration of completed relay channels in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"role"}),

		dialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_duration_seconds",
			Help:      "Time spent dialing outbound TCP targets in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"role"}),

		socksListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socks_listeners",
			Help:      "Number of running SOCKS5 listener supervisors.",
		}),
	}

	reg.MustRegister(
		m.sessionsTotal,
		m.activeSessions,
		m.channelsTotal,
		m.activeChannels,
		m.bytesTotal,
		m.connectionErrors,
		m.channelDuration,
		m.dialDuration,
		m.socksListeners,
	)

	return m
}

// SessionAuthenticated records a successful authentication and increments
// the active-session gauge.
func (m *Metrics) SessionAuthenticated(kind string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(kind, "accepted").Inc()
	m.activeSessions.WithLabelValues(kind).Inc()
}

// SessionRejected records a failed authentication attempt.
func (m *Metrics) SessionRejected(kind string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(kind, "rejected").Inc()
}

// SessionClosed decrements the active-session gauge.
func (m *Metrics) SessionClosed(kind string) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(kind).Dec()
}

// ConnectionError records a relay setup failure that never reached pumping.
func (m *Metrics) ConnectionError(role, reason string) {
	if m == nil {
		return
	}
	m.connectionErrors.WithLabelValues(role, reason).Inc()
}

// DialReason returns "dial_timeout" if err is a timeout, otherwise fallback.
func DialReason(err error, fallback string) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonDialTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonDialTimeout
	}
	return fallback
}

// ObserveDialDuration records how long an outbound dial took.
func (m *Metrics) ObserveDialDuration(role string, seconds float64) {
	if m == nil {
		return
	}
	m.dialDuration.WithLabelValues(role).Observe(seconds)
}

// SupervisorStarted increments the listener gauge.
func (m *Metrics) SupervisorStarted() {
	if m == nil {
		return
	}
	m.socksListeners.Inc()
}

// SupervisorStopped decrements the listener gauge.
func (m *Metrics) SupervisorStopped() {
	if m == nil {
		return
	}
	m.socksListeners.Dec()
}

// channelTracker records the outcome of a single pumped channel.
type channelTracker struct {
	m    *Metrics
	role string
}

func (m *Metrics) channelOpened(role string) *channelTracker {
	if m == nil {
		return nil
	}
	m.activeChannels.WithLabelValues(role).Inc()
	return &channelTracker{m: m, role: role}
}

func (t *channelTracker) done(durationSec float64, toWS, fromWS int64, err error) {
	if t == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	t.m.activeChannels.WithLabelValues(t.role).Dec()
	t.m.channelsTotal.WithLabelValues(t.role, status).Inc()
	t.m.channelDuration.WithLabelValues(t.role).Observe(durationSec)
	t.m.bytesTotal.WithLabelValues(t.role, "to_ws").Add(float64(toWS))
	t.m.bytesTotal.WithLabelValues(t.role, "from_ws").Add(float64(fromWS))
}

// TrackedPump wraps relay.Pump with channel lifecycle tracking.
// Safe to call on a nil receiver.
func (m *Metrics) TrackedPump(ctx context.Context, ws *websocket.Conn, tcp net.Conn, b *bus.Bus, channelID, role string) (relay.PumpStats, error) {
	tracker := m.channelOpened(role)
	start := time.Now()
	var stats relay.PumpStats
	var err error
	defer func() {
		tracker.done(time.Since(start).Seconds(), stats.ToWS, stats.FromWS, err)
	}()
	stats, err = relay.Pump(ctx, ws, tcp, b, channelID)
	return stats, err
}
