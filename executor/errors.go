package executor

import (
	"errors"
	"fmt"
	"time"
)

// ErrToolNotFound is returned when the registry has no tool by the requested name.
var ErrToolNotFound = errors.New("tool not found")

// TimeoutError reports a tool that did not finish within its bound. The
// handler may still be running and its side effects may still land.
type TimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %q timed out after %s", e.Tool, e.Timeout)
}

// HandlerError wraps a failure returned by, or a panic raised in, a tool
// handler.
type HandlerError struct {
	Tool string
	Err  error
}

func (e *HandlerError) Error() string {
	return e.Err.Error()
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// OutcomeOf classifies an error returned by Execute.
func OutcomeOf(err error) Outcome {
	var te *TimeoutError
	var he *HandlerError
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrToolNotFound):
		return OutcomeToolNotFound
	case errors.As(err, &te):
		return OutcomeTimeout
	case errors.As(err, &he):
		return OutcomeHandlerError
	default:
		return OutcomeInternalError
	}
}
