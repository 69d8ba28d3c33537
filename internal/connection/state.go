package connection

import "fmt"

// State is the engine's position in the connect handshake.
type State int32

const (
	StateIdle State = iota
	StateProbingServers
	StateAwaitingConnect
	StateNegotiatingEncryption
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateProbingServers:
		return "ProbingServers"
	case StateAwaitingConnect:
		return "AwaitingConnect"
	case StateNegotiatingEncryption:
		return "NegotiatingEncryption"
	case StateEstablished:
		return "Established"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
