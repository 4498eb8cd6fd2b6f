package ikplayer

import (
	"errors"
	"fmt"

	"github.com/danmuck/ikrelay/internal/pose"
)

var (
	// ErrProtocolMisuse is an operation invoked on the wrong side, such as a
	// command arriving at an observer.
	ErrProtocolMisuse = errors.New("ikplayer: protocol misuse")
	// ErrUnresolvedReference is a target that does not exist locally yet.
	// It only drives polling and is never returned from public operations.
	ErrUnresolvedReference = errors.New("ikplayer: unresolved reference")
	ErrUnsupportedMode     = errors.New("ikplayer: unsupported tracking mode")
	ErrInvalidTransition   = errors.New("ikplayer: invalid state transition")
	ErrUnknownEntity       = errors.New("ikplayer: unknown entity")
	ErrRateLimited         = errors.New("ikplayer: command rate limited")
	ErrSessionClosed       = errors.New("ikplayer: session closed")
)

// TransitionError reports a rejected state change.
type TransitionError struct {
	From   pose.IkState
	To     pose.IkState
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("ikplayer: transition %s -> %s: %s", e.From, e.To, e.Reason)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
