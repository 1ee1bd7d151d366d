package collab

import (
	"time"
)

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
)

type ConnEventKind string

const (
	ConnEventConnected       ConnEventKind = "connected"
	ConnEventDisconnected    ConnEventKind = "disconnected"
	ConnEventReconnecting    ConnEventKind = "reconnecting"
	ConnEventReconnectFailed ConnEventKind = "reconnect-failed"
)

// ConnEvent is emitted on every connection state transition. Transport
// failures surface only as these events, never as errors to the caller.
// reconnect-failed is terminal: the subsystem retries nothing further until
// the caller connects again.
type ConnEvent struct {
	Kind    ConnEventKind
	State   ConnectionState
	Attempt int
	Err     error
}

// backoffDelay is the wait before reconnect attempt `attempt` (1-based):
// base * 2^(attempt-1).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << uint(attempt-1)
}
