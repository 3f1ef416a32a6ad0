package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Client side: transport channel, uploads and the local media cache.
var (
	ConnectionState     = promauto.NewGauge(prometheus.GaugeOpts{Name: "factcheck_connection_state", Help: "Current transport state (0 idle, 1 connecting, 2 open, 3 reconnecting, 4 degraded, 5 closed)"})
	PendingCalls        = promauto.NewGauge(prometheus.GaugeOpts{Name: "factcheck_pending_calls", Help: "Calls awaiting a correlated reply"})
	CallsTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "factcheck_calls_total", Help: "Calls by action and outcome"}, []string{"action", "outcome"})
	CallTimeoutsTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "factcheck_call_timeouts_total", Help: "Calls that hit the per-call ceiling"})
	ReconnectsTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "factcheck_reconnect_attempts_total", Help: "Scheduled reconnection attempts"})
	DegradedTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "factcheck_degraded_total", Help: "Transitions into degraded mode"})
	InboundDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "factcheck_inbound_dropped_total", Help: "Inbound messages dropped by reason"}, []string{"reason"})
	HeartbeatsTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "factcheck_heartbeats_total", Help: "Heartbeat pings sent"})
	UploadBytesTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "factcheck_upload_bytes_total", Help: "Bytes transferred to object storage"})
	UploadDuration      = promauto.NewHistogram(prometheus.HistogramOpts{Name: "factcheck_upload_duration_seconds", Help: "Direct transfer duration", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	UploadsTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "factcheck_uploads_total", Help: "Upload flows by terminal stage"}, []string{"stage"})
	CachedMedia         = promauto.NewGauge(prometheus.GaugeOpts{Name: "factcheck_cached_media", Help: "Live entries in the local media cache"})
)

// Server side: the development verification service.
var (
	ActiveSessions     = promauto.NewGauge(prometheus.GaugeOpts{Name: "factcheck_dev_active_sessions", Help: "Open websocket sessions"})
	OpenTickets        = promauto.NewGauge(prometheus.GaugeOpts{Name: "factcheck_dev_upload_tickets", Help: "Upload tickets not yet expired"})
	VerificationsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "factcheck_dev_verifications_total", Help: "Completed verifications"})
	ErrorsTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "factcheck_dev_errors_total", Help: "Errors by type"}, []string{"type"})
)
