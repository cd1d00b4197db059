package xqueue

import "fmt"

// Response tells the application how to dispose of the message a handler processed.
// The zero value is Ack, so a handler that has nothing to say acknowledges.
type Response uint8

const (
	Ack Response = iota
	Nack
	Deadletter
)

func (r Response) String() string {
	switch r {
	case Ack:
		return "ack"
	case Nack:
		return "nack"
	case Deadletter:
		return "deadletter"
	default:
		return fmt.Sprintf("response(%d)", uint8(r))
	}
}

// ParseResponse converts "ack", "nack" or "deadletter" into a Response.
func ParseResponse(s string) (Response, error) {
	switch s {
	case "ack", "":
		return Ack, nil
	case "nack":
		return Nack, nil
	case "deadletter":
		return Deadletter, nil
	}
	return Ack, fmt.Errorf("%w: %q", ErrUnknownResponse, s)
}
