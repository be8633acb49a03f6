package client

import "fmt"

// State is where a Conn is in a request/response exchange.
type State int

const (
	Idle State = iota
	Sending
	AwaitingHeader
	AwaitingPayload

	// Closed is terminal. Every call on a closed Conn fails with ErrClosed
	// without touching the connection.
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Sending:
		return "Sending"
	case AwaitingHeader:
		return "AwaitingHeader"
	case AwaitingPayload:
		return "AwaitingPayload"
	case Closed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
