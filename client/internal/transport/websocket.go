package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/protocol"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// WebSocketDialer dials the streaming endpoint with gorilla/websocket
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
}

// Dial opens a WebSocket connection to url.
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = websocket.DefaultDialer.HandshakeTimeout
	}

	c, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect WebSocket (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect WebSocket: %w", err)
	}
	c.SetReadLimit(maxMessageSize)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c         *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (w *wsConn) ReadFrame() (protocol.Frame, error) {
	for {
		mt, data, err := w.c.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return protocol.Frame{}, &CloseError{Code: ce.Code, Reason: ce.Text}
			}
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

func (w *wsConn) WriteFrame(f protocol.Frame) error {
	mt := websocket.TextMessage
	if f.Type == protocol.FrameBinary {
		mt = websocket.BinaryMessage
	}
	_ = w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteMessage(mt, f.Data)
}

// Close sends a close frame when the code may appear on the wire, then
// closes the socket.
func (w *wsConn) Close(code int, reason string) error {
	w.closeOnce.Do(func() {
		switch code {
		case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		default:
			msg := websocket.FormatCloseMessage(code, reason)
			_ = w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		}
		w.closeErr = w.c.Close()
	})
	return w.closeErr
}
