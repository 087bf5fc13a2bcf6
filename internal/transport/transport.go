package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed reports that the connection was closed, locally or by the peer.
var ErrClosed = errors.New("transport: connection closed")

// ConnectError reports a failed connection attempt. It is not retried at this
// layer; the reconnect policy decides what to do with it.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError reports a failed frame write on a broken or closed socket.
type SendError struct {
	Err error
}

func (e *SendError) Error() string { return fmt.Sprintf("send frame: %v", e.Err) }

func (e *SendError) Unwrap() error { return e.Err }

// Conn is one bidirectional frame stream. A Conn belongs to exactly one
// session and is never shared.
type Conn interface {
	// Send writes one text frame. Fails with *SendError once the socket is
	// broken or closed.
	Send(frame []byte) error

	// Receive returns the next inbound frame, blocking until one arrives.
	// Returns ErrClosed when the peer or Close ends the stream, or ctx.Err()
	// on cancellation.
	Receive(ctx context.Context) ([]byte, error)

	// Close tears the connection down. Idempotent.
	Close() error
}

// Dialer establishes connections to a remote streaming endpoint.
type Dialer interface {
	Connect(ctx context.Context, endpoint, credential string) (Conn, error)
}
