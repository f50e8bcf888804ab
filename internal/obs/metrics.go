package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Connections            = promauto.NewGauge(prometheus.GaugeOpts{Name: "wsrelay_connections", Help: "Open relay connections"})
	PendingPairs           = promauto.NewGauge(prometheus.GaugeOpts{Name: "wsrelay_pending_pairs", Help: "Relay keys waiting for a second party"})
	EstablishedSessions    = promauto.NewGauge(prometheus.GaugeOpts{Name: "wsrelay_established_sessions", Help: "Sessions with both parties paired"})
	PairedTotal            = promauto.NewCounter(prometheus.CounterOpts{Name: "wsrelay_paired_total", Help: "Sessions established"})
	PendingTimeoutTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "wsrelay_pending_timeout_total", Help: "Pending registrations expired before a partner arrived"})
	RelayedMessagesTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsrelay_relayed_messages_total", Help: "Messages forwarded between paired endpoints"}, []string{"direction"})
	RelayedBytesTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "wsrelay_relayed_bytes_total", Help: "Payload bytes forwarded between paired endpoints"})
	ClosesTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsrelay_closes_total", Help: "Connections closed by the relay, by reason"}, []string{"reason"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsrelay_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "wsrelay_session_duration_seconds", Help: "Established session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
