package transport

import "time"

// State is the connection lifecycle of a Channel.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateEvent describes one transition. Attempt is the consecutive failure count,
// Delay the scheduled backoff when To is StateReconnecting.
type StateEvent struct {
	From    State
	To      State
	Attempt int
	Delay   time.Duration
	Err     error
	At      time.Time
}
