package signaling

import (
	"errors"
	"fmt"
)

var ErrNotConnected = errors.New("signaling channel not connected")

// SignalingError reports a channel failure or an error event sent by the
// server. It never ends a call that is already in progress.
type SignalingError struct {
	Event string
	Err   error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling %s: %v", e.Event, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }
