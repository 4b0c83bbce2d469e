package session

import (
	"errors"
	"fmt"

	"parking-service/internal/model"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrAlreadyCompleted = errors.New("session already completed")
	ErrDuplicateActive  = errors.New("plate already has an active session")
	ErrInvalidRequest   = errors.New("invalid session request")
	ErrRateUnavailable  = errors.New("no rate for vehicle type")
)

// SessionError carries the ticket or plate a lookup or transition failed
// for. Kind is one of the sentinels above.
type SessionError struct {
	Kind  error
	Code  string
	Plate string
	// Session is the stored state when Kind is ErrAlreadyCompleted
	Session *model.Session
}

func (e *SessionError) Error() string {
	switch {
	case e.Session != nil:
		return fmt.Sprintf("%v: %s is %s", e.Kind, e.Session.ID, e.Session.Status)
	case e.Code != "":
		return fmt.Sprintf("%v: %s", e.Kind, e.Code)
	case e.Plate != "":
		return fmt.Sprintf("%v: plate %s", e.Kind, e.Plate)
	}
	return e.Kind.Error()
}

func (e *SessionError) Unwrap() error { return e.Kind }

func notFound(code string) error {
	return &SessionError{Kind: ErrNotFound, Code: code}
}

func alreadyCompleted(code string, s *model.Session) error {
	return &SessionError{Kind: ErrAlreadyCompleted, Code: code, Session: s}
}
