package call

import (
	"errors"
	"fmt"
)

var (
	ErrNotDoctor        = errors.New("only a doctor can start a call")
	ErrNotParticipant   = errors.New("appointment does not belong to this doctor")
	ErrBusy             = errors.New("a call is already in progress")
	ErrNoIncomingCall   = errors.New("no incoming call")
	ErrNoOffer          = errors.New("incoming call has no offer yet")
	ErrMediaUnavailable = errors.New("camera or microphone unavailable")
	ErrNegotiation      = errors.New("session negotiation failed")
	ErrCallCancelled    = errors.New("call ended before it was established")
	ErrNotActive        = errors.New("no active call")
	ErrClosed           = errors.New("call machine closed")
)

// Error records the negotiation step that failed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func negotiationError(op string, err error) error {
	return &Error{Op: op, Err: fmt.Errorf("%w: %v", ErrNegotiation, err)}
}
