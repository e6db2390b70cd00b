package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSendFailed matches every *SendError
	ErrSendFailed = errors.New("send failed")

	// ErrJoinFailed is reported when connecting or subscribing to a station fails
	ErrJoinFailed = errors.New("join failed")

	// ErrInvalidTransition is returned when a lifecycle call does not fit the current phase
	ErrInvalidTransition = errors.New("invalid phase transition")
)

// SendError reports a chunk the transport did not accept
type SendError struct {
	Sequence uint64
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed for sequence %d: %v", e.Sequence, e.Err)
}

// Is makes errors.Is(err, ErrSendFailed) hold for every SendError
func (e *SendError) Is(target error) bool {
	return target == ErrSendFailed
}

func (e *SendError) Unwrap() error {
	return e.Err
}
