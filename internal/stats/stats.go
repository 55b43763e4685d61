// Package stats implements the engine's Statistics sink external
// collaborator (§6) on top of a Prometheus registry.
package stats

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink records the counters and gauges the connection engine reports to
// during normal operation. All methods are safe for concurrent use.
type Sink struct {
	reg *prometheus.Registry

	messagesReceived   prometheus.Counter
	bytesReceived      prometheus.Counter
	conflatedMessages  prometheus.Counter
	ackTimeoutWarnings prometheus.Counter
	ackSevereAlerts    prometheus.Counter
	slowReceiverDrops  prometheus.Counter
	handshakeFailures  prometheus.Counter
	queuedBytes        *prometheus.GaugeVec
	openConnections    prometheus.Gauge
}

// New builds a Sink registered against a fresh Prometheus registry.
func New() *Sink {
	reg := prometheus.NewRegistry()
	s := &Sink{
		reg: reg,
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_messages_received_total",
			Help: "Total messages received across all connections.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_bytes_received_total",
			Help: "Total payload bytes received across all connections.",
		}),
		conflatedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_async_conflated_messages_total",
			Help: "Total outbound messages dropped due to conflation.",
		}),
		ackTimeoutWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_ack_timeout_warnings_total",
			Help: "Total direct-ack waits that exceeded ackWaitThreshold.",
		}),
		ackSevereAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_ack_severe_alerts_total",
			Help: "Total direct-ack waits that exceeded the severe alert threshold.",
		}),
		slowReceiverDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_slow_receiver_disconnects_total",
			Help: "Total connections torn down for being a slow receiver.",
		}),
		handshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_handshake_failures_total",
			Help: "Total handshake attempts that failed or timed out.",
		}),
		queuedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mesh_queued_bytes",
			Help: "Bytes currently queued for async delivery, per connection.",
		}, []string{"conn_id"}),
		openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_open_connections",
			Help: "Currently open connections in the connection table.",
		}),
	}
	reg.MustRegister(
		s.messagesReceived,
		s.bytesReceived,
		s.conflatedMessages,
		s.ackTimeoutWarnings,
		s.ackSevereAlerts,
		s.slowReceiverDrops,
		s.handshakeFailures,
		s.queuedBytes,
		s.openConnections,
	)
	return s
}

// Registry exposes the underlying registry for /metrics handlers.
func (s *Sink) Registry() *prometheus.Registry { return s.reg }

func (s *Sink) IncMessagesReceived(n int)  { s.messagesReceived.Add(float64(n)) }
func (s *Sink) IncBytesReceived(n int)     { s.bytesReceived.Add(float64(n)) }
func (s *Sink) IncAsyncConflatedMsgs()     { s.conflatedMessages.Inc() }
func (s *Sink) IncAckTimeoutWarning()      { s.ackTimeoutWarnings.Inc() }
func (s *Sink) IncAckSevereAlert()         { s.ackSevereAlerts.Inc() }
func (s *Sink) IncSlowReceiverDisconnect() { s.slowReceiverDrops.Inc() }
func (s *Sink) IncHandshakeFailure()       { s.handshakeFailures.Inc() }
func (s *Sink) ConnectionOpened()          { s.openConnections.Inc() }
func (s *Sink) ConnectionClosed()          { s.openConnections.Dec() }

// SetQueuedBytes records the current async queue depth for a connection.
func (s *Sink) SetQueuedBytes(connID uint64, bytes int64) {
	s.queuedBytes.WithLabelValues(connIDLabel(connID)).Set(float64(bytes))
}

// ForgetConnection removes a closed connection's per-connection gauge series.
func (s *Sink) ForgetConnection(connID uint64) {
	s.queuedBytes.DeleteLabelValues(connIDLabel(connID))
}

func connIDLabel(connID uint64) string {
	return strconv.FormatUint(connID, 10)
}
