package rpc

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned when the channel's stdout stream has ended, which
// means the subprocess exited or closed its side of the pipe.
var ErrClosed = errors.New("rpc: channel closed")

// TimeoutError reports a single call exceeding its budget. The subprocess
// is left alive; the call is abandoned and any late reply is discarded.
type TimeoutError struct {
	ServerID string
	Method   string
	Budget   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc: %s call to %s timed out after %s", e.Method, e.ServerID, e.Budget)
}

// ProtocolError reports a malformed or unexpected frame from the
// subprocess. Logged distinctly from timeouts so non-conformant servers
// can be diagnosed.
type ProtocolError struct {
	ServerID string
	Detail   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rpc: protocol error from %s: %s", e.ServerID, e.Detail)
}
