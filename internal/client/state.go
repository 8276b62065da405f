package client

// State is where a Subscription is in its connect/reconnect cycle.
//
//	Idle --Connect--> Connecting --ok--> Open --error--> Backoff --delay--> Connecting
//	Connecting --error--> Backoff (or Disconnected once the retry budget is spent)
//	any --Close--> Idle (final)
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateBackoff
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateBackoff:
		return "backoff"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}
