package session

type State int

const (
	StateAwaitingAuth State = iota
	StateAwaitingHeader
	StateReading
	StateWriting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAwaitingHeader:
		return "awaiting_header"
	case StateReading:
		return "reading"
	case StateWriting:
		return "writing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
