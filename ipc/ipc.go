// Package ipc carries process-flavoured buffers and shared values over unix
// domain sockets. The process that creates a buffer hosts its queue; remote
// publishers and the remote subscriber attach by dialling the buffer's
// socket and exchanging gob-encoded frames. Bounded capacity is enforced at
// the host, with a credit window keeping the subscriber-side queue bounded
// too.
//
// Values crossing the wire must be gob-encodable; named types must be
// registered with encoding/gob in both parent and worker binaries.
package ipc

import (
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/pumalib/puma"
)

func init() {
	gob.Register(puma.Command{})
	gob.Register(puma.StatusMessage{})
}

// frameKind discriminates wire frames.
type frameKind uint8

const (
	frameHello frameKind = iota + 1
	frameHelloAck
	frameValue
	frameComplete
	frameAck
	frameItem
	frameItemComplete
	frameConsumed
	frameRelease
	frameGet
	frameSet
)

// Attachment roles sent in hello frames.
const (
	rolePublisher  = "publisher"
	roleSubscriber = "subscriber"
	roleShared     = "shared"
)

// frame is the single wire message shape. Which fields are meaningful
// depends on Kind; one shape keeps the gob stream simple.
type frame struct {
	Kind  frameKind
	Role  string
	Value any
	Fault *puma.Fault
	Try   bool
	N     int
	Code  string
	Msg   string
}

// Error codes carried in ack frames, mapped back to the core sentinels on
// the far side so errors.Is keeps working across the boundary.
const (
	codeFull              = "full"
	codeCompleted         = "completed"
	codeClosed            = "closed"
	codeReleased          = "released"
	codeAlreadyCompleted  = "already_completed"
	codeAlreadySubscribed = "already_subscribed"
	codeOther             = "error"
)

func errToCode(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	msg := err.Error()
	switch {
	case errors.Is(err, puma.ErrBufferFull):
		return codeFull, msg
	case errors.Is(err, puma.ErrCompleted):
		return codeCompleted, msg
	case errors.Is(err, puma.ErrBufferClosed):
		return codeClosed, msg
	case errors.Is(err, puma.ErrPublisherReleased):
		return codeReleased, msg
	case errors.Is(err, puma.ErrAlreadyCompleted):
		return codeAlreadyCompleted, msg
	case errors.Is(err, puma.ErrAlreadySubscribed):
		return codeAlreadySubscribed, msg
	}
	return codeOther, msg
}

func codeToErr(code, msg string) error {
	switch code {
	case "":
		return nil
	case codeFull:
		return fmt.Errorf("%s: %w", msg, puma.ErrBufferFull)
	case codeCompleted:
		return fmt.Errorf("%s: %w", msg, puma.ErrCompleted)
	case codeClosed:
		return fmt.Errorf("%s: %w", msg, puma.ErrBufferClosed)
	case codeReleased:
		return fmt.Errorf("%s: %w", msg, puma.ErrPublisherReleased)
	case codeAlreadyCompleted:
		return fmt.Errorf("%s: %w", msg, puma.ErrAlreadyCompleted)
	case codeAlreadySubscribed:
		return fmt.Errorf("%s: %w", msg, puma.ErrAlreadySubscribed)
	}
	return errors.New(msg)
}

// faultOrNil converts a wire fault back into an error value.
func faultOrNil(f *puma.Fault) error {
	if f == nil {
		return nil
	}
	return f
}
