package kvlock

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestFailed is returned when the request could not be sent or no
	// response was received.
	ErrRequestFailed = errors.New("error sending request")
	// ErrDecodeFailed is returned when a response body did not match the expected shape.
	ErrDecodeFailed = errors.New("decoding error")
	// ErrMissingIndex is returned when a read response carried no change index.
	ErrMissingIndex = errors.New("missing index")
	// ErrMissingSessionFlag is returned by acquire and release when the pair has no session.
	ErrMissingSessionFlag = errors.New("missing session flag")
	// ErrUnexpectedResponse is matched by UnexpectedResponseError.
	ErrUnexpectedResponse = errors.New("unexpected response from server")
	// ErrSessionLost signals that a session expired or was destroyed while in use.
	ErrSessionLost = errors.New("session lost")
	// ErrInvalidOption is returned for option values the agent would reject.
	ErrInvalidOption = errors.New("invalid option")
	ErrLockHeld      = errors.New("lock already held")
	ErrLockNotHeld   = errors.New("lock not held")
)

// UnexpectedResponseError carries the status and raw body of a non-2xx response.
type UnexpectedResponseError struct {
	StatusCode int
	Body       []byte
}

func (e *UnexpectedResponseError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("%s: status %d", ErrUnexpectedResponse, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", ErrUnexpectedResponse, e.StatusCode, e.Body)
}

func (e *UnexpectedResponseError) Is(target error) bool {
	return target == ErrUnexpectedResponse
}
