package puma

import (
	"errors"
	"fmt"
)

// Protocol errors. These surface synchronously to the caller that misused the
// API and are never propagated into the dataflow.
var (
	ErrAlreadySubscribed    = errors.New("buffer already has a subscription")
	ErrCompleted            = errors.New("buffer has been completed")
	ErrBufferFull           = errors.New("buffer is full")
	ErrBufferClosed         = errors.New("buffer has been closed")
	ErrPublisherReleased    = errors.New("publisher has been released")
	ErrSubscriptionReleased = errors.New("subscription has been released")
	ErrAlreadyCompleted     = errors.New("publisher already published a completion")
	ErrValueType            = errors.New("value has wrong type for buffer")
)

// Runner and runnable lifecycle errors.
var (
	ErrNotRunning      = errors.New("runner is not running")
	ErrAlreadyStarted  = errors.New("runner has already been started")
	ErrJoinTimeout     = errors.New("worker did not stop within the join timeout")
	ErrWhileExecuting  = errors.New("operation not permitted while the runnable is executing")
	ErrNoInputs        = errors.New("at least one input must be registered before executing")
	ErrUnknownCommand  = errors.New("no handler registered for command")
	ErrUnknownRunnable = errors.New("runnable kind is not registered")
	ErrStartTimeout    = errors.New("worker did not report ready within the start timeout")
)

// Fault is a structured error that can cross a process boundary. Errors
// raised inside workers are converted to Faults before travelling on a
// status channel or as a terminal completion, so the parent and downstream
// subscribers receive something stable regardless of the original type.
type Fault struct {
	// Kind is a short machine-readable category, e.g. "handler", "tick",
	// "command", "transport".
	Kind string

	// Message is the rendered error text.
	Message string

	// Cause is the rendered text of the wrapped error chain, if any.
	Cause string
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Cause != "" {
		return fmt.Sprintf("%s: %s: %s", f.Kind, f.Message, f.Cause)
	}
	if f.Kind != "" {
		return fmt.Sprintf("%s: %s", f.Kind, f.Message)
	}
	return f.Message
}

// NewFault builds a Fault with the given kind and message.
func NewFault(kind, message string) *Fault {
	return &Fault{Kind: kind, Message: message}
}

// AsFault converts an arbitrary error into a Fault suitable for
// serialisation. A Fault passes through unchanged; a wrapped error keeps its
// unwrapped chain as the cause text.
func AsFault(kind string, err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	fault := &Fault{Kind: kind, Message: err.Error()}
	if cause := errors.Unwrap(err); cause != nil {
		fault.Cause = cause.Error()
	}
	return fault
}
