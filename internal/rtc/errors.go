package rtc

import (
	"errors"
	"fmt"
)

var ErrClosed = errors.New("registry closed")

// NegotiationError wraps a failed SDP operation on one link. The link stays
// up and the next track change retries.
type NegotiationError struct {
	Peer string
	Op   string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %s: %s: %v", e.Peer, e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
