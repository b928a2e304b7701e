package schema

// ConnectionState is the transport level state tracked by a connection strategy.
type ConnectionState uint8

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state should trigger reconnection evaluation.
func (s ConnectionState) Terminal() bool {
	return s == StateDisconnected || s == StateError
}
