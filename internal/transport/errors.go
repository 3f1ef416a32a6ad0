package transport

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/matst80/factcheck/internal/proto"
)

var (
	ErrNotConnected   = errors.New("transport: not connected")
	ErrDegraded       = errors.New("transport: service unavailable, reconnection attempts exhausted")
	ErrClosed         = errors.New("transport: channel closed")
	ErrCallTimeout    = errors.New("transport: call timed out")
	ErrConnectionLost = errors.New("transport: connection lost before reply")
)

// RemoteError is an explicit failure reported by the service in a reply.
type RemoteError struct {
	Status  proto.Status
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Status, e.Message)
}
