package session

import "fmt"

// Status is a Session's (present) state.
type Status int32

const (
	// StatusCreated is the initial state; the Session may send but is
	// not yet registered to receive.
	StatusCreated Status = iota
	// StatusActive is set by Start once the Session is registered with
	// its Server.
	StatusActive
	// StatusDisposed is terminal.
	StatusDisposed
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusActive:
		return "active"
	case StatusDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}
