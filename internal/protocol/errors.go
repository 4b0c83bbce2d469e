package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies link failures
type ErrorKind string

const (
	ErrorTimeout      ErrorKind = "timeout"
	ErrorIO           ErrorKind = "io"
	ErrorNotConnected ErrorKind = "not_connected"
)

var (
	ErrAckTimeout     = errors.New("no acknowledgement before timeout")
	ErrNotConnected   = errors.New("link is not connected")
	ErrConnectionLost = errors.New("connection lost")
	ErrShortWrite     = errors.New("incomplete write")
)

// LinkError is returned for every transport failure. Timeout and IO are both
// recoverable by reconnecting; the link itself never retries.
type LinkError struct {
	Kind   ErrorKind
	Device string
	Op     string
	Err    error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link %s: %s %s: %v", e.Device, e.Op, e.Kind, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a LinkError of kind Timeout
func IsTimeout(err error) bool {
	var le *LinkError
	return errors.As(err, &le) && le.Kind == ErrorTimeout
}

// IsIO reports whether err is a LinkError of kind IO
func IsIO(err error) bool {
	var le *LinkError
	return errors.As(err, &le) && le.Kind == ErrorIO
}

func newLinkError(kind ErrorKind, device, op string, err error) *LinkError {
	return &LinkError{Kind: kind, Device: device, Op: op, Err: err}
}
