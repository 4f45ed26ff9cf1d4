package transport

import (
	"context"
	"fmt"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/protocol"
)

// Conn is one established duplex connection. ReadFrame blocks until a frame
// arrives or the connection ends; WriteFrame is only called from a single
// goroutine. Close may be called concurrently with both.
type Conn interface {
	ReadFrame() (protocol.Frame, error)
	WriteFrame(protocol.Frame) error
	Close(code int, reason string) error
}

// Dialer opens connections to the streaming server
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

// CloseError reports that the peer closed the connection with a code.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed (code=%d): %s", e.Code, e.Reason)
}
