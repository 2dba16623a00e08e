package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the relay service
type Metrics struct {
	// Connection metrics
	ActiveConnections  *prometheus.GaugeVec
	ConnectionsTotal   prometheus.Counter
	RoleRegistrations  *prometheus.CounterVec
	MessagesReceived   *prometheus.CounterVec
	MessagesSent       *prometheus.CounterVec
	SendFailures       prometheus.Counter
	OutboundDropped    prometheus.Counter
	RequestErrors      *prometheus.CounterVec
	RejectedOnShutdown prometheus.Counter

	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsReaped   prometheus.Counter
	SessionDuration  prometheus.Histogram
	CyclesCompleted  *prometheus.CounterVec
	CycleDuration    prometheus.Histogram
	PendingCycles    prometheus.Gauge
	PlaybackRetained prometheus.Gauge

	// Audio metrics
	AudioChunks    *prometheus.CounterVec
	AudioBytes     prometheus.Counter
	DecodeErrors   *prometheus.CounterVec
	QueueDepth     prometheus.Gauge
	SegmentsQueued prometheus.Counter

	// Transcription metrics
	TranscriptionRequests *prometheus.CounterVec
	TranscriptionDuration prometheus.Histogram
	TranscriptionRetries  prometheus.Counter

	// Recommendation metrics
	RecommendationRequests *prometheus.CounterVec
	RecommendationDuration prometheus.Histogram
	RecommendationRetries  prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Current number of open websocket connections by role",
		}, []string{"role"}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_total",
			Help: "Total number of websocket connections accepted",
		}),
		RoleRegistrations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_role_registrations_total",
			Help: "Total number of role registrations by role",
		}, []string{"role"}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_received_total",
			Help: "Total number of inbound messages by type",
		}, []string{"type"}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_sent_total",
			Help: "Total number of outbound events written by type",
		}, []string{"type"}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_send_failures_total",
			Help: "Total number of outbound writes that failed",
		}),
		OutboundDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_outbound_dropped_total",
			Help: "Total number of outbound events dropped because the connection buffer was full",
		}),
		RequestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_request_errors_total",
			Help: "Total number of error events sent to clients by kind",
		}, []string{"kind"}),
		RejectedOnShutdown: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_rejected_on_shutdown_total",
			Help: "Total number of operations rejected after shutdown",
		}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Current number of sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_reaped_total",
			Help: "Total number of idle sessions removed",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_session_duration_seconds",
			Help:    "Lifetime of sessions",
			Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200},
		}),
		CyclesCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_cycles_total",
			Help: "Total number of chunk-produced cycles by result",
		}, []string{"result"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_cycle_duration_seconds",
			Help:    "Time from cycle start to snapshot push",
			Buckets: prometheus.DefBuckets,
		}),
		PendingCycles: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_pending_cycles",
			Help: "Chunk-produced events waiting for the running cycle",
		}),
		PlaybackRetained: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_playback_retained_chunks",
			Help: "Chunks held in playback records across sessions",
		}),

		AudioChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_audio_chunks_total",
			Help: "Total number of audio chunks by status",
		}, []string{"status"}),
		AudioBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_audio_bytes_total",
			Help: "Total number of decoded audio bytes",
		}),
		DecodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_decode_errors_total",
			Help: "Total number of audio payload decode failures by kind",
		}, []string{"kind"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_audio_queue_depth",
			Help: "Chunks waiting in background audio queues",
		}),
		SegmentsQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_segments_queued_total",
			Help: "Total number of utterance segments queued for transcription",
		}),

		TranscriptionRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_transcription_requests_total",
			Help: "Total number of transcription uploads by result",
		}, []string{"result"}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_transcription_duration_seconds",
			Help:    "Time taken for transcription requests",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		}),
		TranscriptionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_transcription_retries_total",
			Help: "Total number of transcription request retries",
		}),

		RecommendationRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_recommendation_requests_total",
			Help: "Total number of recommendation requests by result",
		}, []string{"result"}),
		RecommendationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_recommendation_duration_seconds",
			Help:    "Time taken for recommendation requests",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		}),
		RecommendationRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_recommendation_retries_total",
			Help: "Total number of recommendation request retries",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP API requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "Time taken to process HTTP API requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Helper methods for recording metrics

func (m *Metrics) RecordConnectionOpened() {
	m.ConnectionsTotal.Inc()
	m.ActiveConnections.WithLabelValues("unknown").Inc()
}

func (m *Metrics) RecordConnectionClosed(role string) {
	m.ActiveConnections.WithLabelValues(role).Dec()
}

// RecordRoleChange moves an open connection between role gauges
func (m *Metrics) RecordRoleChange(from, to string) {
	if from == to {
		return
	}
	m.ActiveConnections.WithLabelValues(from).Dec()
	m.ActiveConnections.WithLabelValues(to).Inc()
	m.RoleRegistrations.WithLabelValues(to).Inc()
}

func (m *Metrics) RecordMessageReceived(msgType string) {
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordMessageSent(msgType string) {
	m.MessagesSent.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordSendFailure() {
	m.SendFailures.Inc()
}

func (m *Metrics) RecordOutboundDropped() {
	m.OutboundDropped.Inc()
}

func (m *Metrics) RecordRequestError(kind string) {
	m.RequestErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordRejectedOnShutdown() {
	m.RejectedOnShutdown.Inc()
}

func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) RecordSessionRemoved(durationSeconds float64, reaped bool) {
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
	if reaped {
		m.SessionsReaped.Inc()
	}
}

// RecordCycle records a chunk-produced cycle outcome ("pushed", "no_topics", "provider_error")
func (m *Metrics) RecordCycle(outcome string, durationSeconds float64) {
	m.CyclesCompleted.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(durationSeconds)
}

func (m *Metrics) AddPendingCycles(delta int) {
	m.PendingCycles.Add(float64(delta))
}

func (m *Metrics) AddPlaybackRetained(delta int) {
	m.PlaybackRetained.Add(float64(delta))
}

// RecordAudioChunk records an acknowledged chunk ("received" or "dropped")
func (m *Metrics) RecordAudioChunk(status string, sizeBytes int) {
	m.AudioChunks.WithLabelValues(status).Inc()
	m.AudioBytes.Add(float64(sizeBytes))
}

func (m *Metrics) RecordDecodeError(kind string) {
	m.DecodeErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) AddQueueDepth(delta int) {
	m.QueueDepth.Add(float64(delta))
}

func (m *Metrics) RecordSegmentQueued() {
	m.SegmentsQueued.Inc()
}

func (m *Metrics) RecordTranscription(success bool, durationSeconds float64) {
	m.TranscriptionRequests.WithLabelValues(result(success)).Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordTranscriptionRetry() {
	m.TranscriptionRetries.Inc()
}

func (m *Metrics) RecordRecommendation(success bool, durationSeconds float64) {
	m.RecommendationRequests.WithLabelValues(result(success)).Inc()
	m.RecommendationDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordRecommendationRetry() {
	m.RecommendationRetries.Inc()
}

func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
