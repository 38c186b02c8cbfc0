package connection

// State is the lifecycle of a single transport connection. One state
// machine instance exists per open session; it is never shared.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOnline
	StateRefreshing // token renewal in flight; the transport stays live
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	case StateRefreshing:
		return "refreshing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
