package dispatch

import "log/slog"

// LoggingDispatcher is a minimal Dispatcher that logs every assembled
// message instead of routing it to an application data structure. It
// backs the demo binary; a real embedder (e.g. a distributed cache)
// supplies its own Dispatcher that deserializes payload into region
// operations.
type LoggingDispatcher struct {
	log *slog.Logger
}

// NewLoggingDispatcher returns a Dispatcher that logs each message.
func NewLoggingDispatcher(log *slog.Logger) *LoggingDispatcher {
	return &LoggingDispatcher{log: log.With("component", "dispatcher")}
}

func (d *LoggingDispatcher) MessageReceived(conn ConnectionHandle, payload []byte, bytesRead int, directAck bool, msgID uint16) bool {
	d.log.Debug("message received", "conn_id", conn.ID(), "bytes", bytesRead, "direct_ack", directAck)
	return true
}
