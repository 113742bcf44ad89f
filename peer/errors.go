package peer

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation ends a connection that received an event it did not
	// expect (anything but Connect first, anything but Data/Disconnect after).
	ErrProtocolViolation = errors.New("peer: protocol violation")
	// ErrConnectionClosed fails outbound calls that were pending when the
	// connection went away, and calls issued after that.
	ErrConnectionClosed = errors.New("peer: connection closed")
	ErrInvalidHandler   = errors.New("peer: invalid handler")
	ErrDuplicateMethod  = errors.New("peer: duplicate method")
	ErrDuplicateCallID  = errors.New("peer: duplicate call id")
	ErrAlreadyRunning   = errors.New("peer: connection already running")
)

// RemoteError is returned by an outbound call whose response carried an error.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Method, e.Message)
}

// ArgumentError reports request arguments that do not fit the handler's
// signature. Index is -1 when the number of arguments is wrong.
type ArgumentError struct {
	Method string
	Index  int
	Want   string
	Got    int
	Err    error
}

func (e *ArgumentError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: want %s arguments, got %d", e.Method, e.Want, e.Got)
	}
	return fmt.Sprintf("%s: argument %d: cannot decode as %s: %v", e.Method, e.Index, e.Want, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }
