package connection

// State represents the lifecycle state of the persistent connection.
type State int32

const (
	// StateDisconnected means no connection exists and none is being
	// attempted. Terminal after deliberate close or exhausted retries.
	StateDisconnected State = iota
	// StateConnecting means the initial dial is in progress.
	StateConnecting
	// StateConnected means the connection is usable.
	StateConnected
	// StateReconnecting means an unexpected drop occurred and the backoff
	// loop is driving reconnection attempts.
	StateReconnecting
)

// String returns a string representation of the connection state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
