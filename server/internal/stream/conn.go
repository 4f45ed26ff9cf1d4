// Package stream runs one client's audio stream: it segments incoming PCM,
// transcribes it, and pushes partial and final results back.
package stream

import (
	"errors"
	"sync"
	"time"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/protocol"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// ErrClosed is returned by ReadFrame after a local Close
var ErrClosed = errors.New("connection closed")

// Conn is a framed duplex connection to a client. ReadFrame is called from
// one goroutine and WriteFrame from another. Close unblocks both and may be
// called more than once.
type Conn interface {
	ReadFrame() (protocol.Frame, error)
	WriteFrame(protocol.Frame) error
	Close() error
}

// WebSocketConn adapts a gorilla connection
type WebSocketConn struct {
	c         *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketConn wraps an upgraded connection
func NewWebSocketConn(c *websocket.Conn) *WebSocketConn {
	c.SetReadLimit(maxMessageSize)
	return &WebSocketConn{c: c}
}

func (w *WebSocketConn) ReadFrame() (protocol.Frame, error) {
	for {
		mt, data, err := w.c.ReadMessage()
		if err != nil {
			return protocol.Frame{}, err
		}
		switch mt {
		case websocket.TextMessage:
			return protocol.Frame{Type: protocol.FrameText, Data: data}, nil
		case websocket.BinaryMessage:
			return protocol.Frame{Type: protocol.FrameBinary, Data: data}, nil
		}
	}
}

func (w *WebSocketConn) WriteFrame(f protocol.Frame) error {
	mt := websocket.TextMessage
	if f.Type == protocol.FrameBinary {
		mt = websocket.BinaryMessage
	}
	_ = w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteMessage(mt, f.Data)
}

// Close sends a normal close frame, then closes the socket
func (w *WebSocketConn) Close() error {
	w.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		w.closeErr = w.c.Close()
	})
	return w.closeErr
}
