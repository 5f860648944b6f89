package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records peer session, supervisor, hub and journal metrics.
// It satisfies ports.SessionMetrics and signal.Metrics.
type PrometheusCollector struct {
	sessionsActive   *prometheus.GaugeVec
	sessionsCreated  *prometheus.CounterVec
	sessionsClosed   *prometheus.CounterVec
	sessionsFailed   *prometheus.CounterVec
	connectDuration  *prometheus.HistogramVec
	iceRestarts      *prometheus.CounterVec
	retriesScheduled *prometheus.CounterVec
	candidates       *prometheus.CounterVec
	channelErrors    *prometheus.CounterVec

	hubConnections prometheus.Gauge
	hubRequests    *prometheus.CounterVec

	journalEvents *prometheus.CounterVec
}

// NewPrometheusCollector registers the collectors on reg, or on the default
// registry when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proctornet_peer_sessions_active",
			Help: "Peer sessions currently open",
		}, []string{"side"}),

		sessionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proctornet_peer_sessions_created_total",
			Help: "Peer sessions created",
		}, []string{"side"}),

		sessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proctornet_peer_sessions_closed_total",
			Help: "Peer sessions closed, by whether they ever connected",
		}, []string{"side", "connected"}),

		sessionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proctornet_peer_sessions_failed_total",
			Help: "Peer sessions that reached the failed state",
		}, []string{"side"}),

		connectDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proctornet_peer_session_connect_seconds",
			Help:    "Time from session creation to the first connected state",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"side"}),

		iceRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proctornet_ice_restarts_total",
			Help: "ICE restarts attempted",
		}, []string{"side"}),

		retriesScheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proctornet_session_retries_total",
			Help: "Session rebuilds scheduled by supervisors",
		}, []string{"side"}),

		candidates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proctornet_ice_candidates_total",
			Help: "ICE candidates exchanged over the signaling channel",
		}, []string{"side", "direction"}),

		channelErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proctornet_signaling_channel_errors_total",
			Help: "Failed signaling channel operations",
		}, []string{"operation"}),

		hubConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "proctornet_hub_connections",
			Help: "Websocket clients connected to the signaling hub",
		}),

		hubRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proctornet_hub_requests_total",
			Help: "Signaling hub requests by operation and outcome",
		}, []string{"op", "result"}),

		journalEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proctornet_journal_events_total",
			Help: "Session events written to or dropped by the journal",
		}, []string{"result"}),
	}
}

func (p *PrometheusCollector) SessionCreated(side string) {
	p.sessionsCreated.WithLabelValues(side).Inc()
	p.sessionsActive.WithLabelValues(side).Inc()
}

func (p *PrometheusCollector) SessionClosed(side string, reachedConnected bool) {
	connected := "false"
	if reachedConnected {
		connected = "true"
	}
	p.sessionsClosed.WithLabelValues(side, connected).Inc()
	p.sessionsActive.WithLabelValues(side).Dec()
}

func (p *PrometheusCollector) SessionFailed(side string) {
	p.sessionsFailed.WithLabelValues(side).Inc()
}

func (p *PrometheusCollector) SessionConnected(side string, elapsedSeconds float64) {
	p.connectDuration.WithLabelValues(side).Observe(elapsedSeconds)
}

func (p *PrometheusCollector) ICERestart(side string) {
	p.iceRestarts.WithLabelValues(side).Inc()
}

func (p *PrometheusCollector) RetryScheduled(side string) {
	p.retriesScheduled.WithLabelValues(side).Inc()
}

func (p *PrometheusCollector) CandidateSent(side string) {
	p.candidates.WithLabelValues(side, "sent").Inc()
}

func (p *PrometheusCollector) CandidateReceived(side string) {
	p.candidates.WithLabelValues(side, "received").Inc()
}

func (p *PrometheusCollector) ChannelError(operation string) {
	p.channelErrors.WithLabelValues(operation).Inc()
}

func (p *PrometheusCollector) HubConnectionOpened() {
	p.hubConnections.Inc()
}

func (p *PrometheusCollector) HubConnectionClosed() {
	p.hubConnections.Dec()
}

func (p *PrometheusCollector) HubRequest(op string, failed bool) {
	result := "ok"
	if failed {
		result = "error"
	}
	p.hubRequests.WithLabelValues(op, result).Inc()
}

func (p *PrometheusCollector) JournalWritten(n int) {
	p.journalEvents.WithLabelValues("written").Add(float64(n))
}

func (p *PrometheusCollector) JournalDropped(n int) {
	p.journalEvents.WithLabelValues("dropped").Add(float64(n))
}
