package conn

import "time"

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Transition is one state change, published to subscribers and kept in the
// manager's bounded history.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
