package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/protocol"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// DataChannelDialer carries the same frames over a reliable, ordered WebRTC
// DataChannel. The url is the server's WebSocket signaling endpoint.
type DataChannelDialer struct {
	ICEServers []string
	Logger     *logger.Logger
}

// Dial signals an offer over WebSocket and waits for the DataChannel to open.
func (d DataChannelDialer) Dial(ctx context.Context, url string) (Conn, error) {
	log := d.Logger
	if log == nil {
		log = logger.NewNop()
	}
	clog := log.With("datachannel")

	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect signaling WebSocket: %w", err)
	}

	config := webrtc.Configuration{}
	if len(d.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: d.ICEServers}}
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		wsConn.Close()
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	c := &dataChannelConn{
		pc:      pc,
		ws:      wsConn,
		logger:  clog,
		inbound: make(chan protocol.Frame, 64),
		opened:  make(chan struct{}),
		closed:  make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		clog.Info("Connection state: %s", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			c.fail(&CloseError{Code: CloseAbnormal, Reason: "peer connection failed"})
		}
	})

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		candidateJSON, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			clog.Error("Failed to marshal ICE candidate: %v", err)
			return
		}
		if err := c.writeSignal(protocol.SignalingMessage{Type: "ice", Data: candidateJSON}); err != nil {
			clog.Error("Failed to send ICE candidate: %v", err)
		}
	})

	// Reliable, ordered mode
	ordered := true
	dc, err := pc.CreateDataChannel("audio", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		c.teardown()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	c.dc = dc

	var openOnce sync.Once
	dc.OnOpen(func() {
		clog.Info("DataChannel opened")
		openOnce.Do(func() { close(c.opened) })
	})
	dc.OnClose(func() {
		clog.Info("DataChannel closed")
		c.fail(&CloseError{Code: CloseAbnormal, Reason: "data channel closed"})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f := protocol.Frame{Type: protocol.FrameBinary, Data: msg.Data}
		if msg.IsString {
			f.Type = protocol.FrameText
		}
		select {
		case c.inbound <- f:
		case <-c.closed:
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		c.teardown()
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		c.teardown()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	offerJSON, err := json.Marshal(offer)
	if err != nil {
		c.teardown()
		return nil, fmt.Errorf("failed to marshal offer: %w", err)
	}
	if err := c.writeSignal(protocol.SignalingMessage{Type: "offer", Data: offerJSON}); err != nil {
		c.teardown()
		return nil, fmt.Errorf("failed to send offer: %w", err)
	}
	clog.Debug("Sent offer to server")

	go c.handleSignaling()

	select {
	case <-c.opened:
		return c, nil
	case <-c.closed:
		return nil, c.closeErr
	case <-ctx.Done():
		c.teardown()
		return nil, fmt.Errorf("data channel did not open: %w", ctx.Err())
	}
}

type dataChannelConn struct {
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	ws     *websocket.Conn
	wsMu   sync.Mutex
	logger *logger.ContextLogger

	inbound chan protocol.Frame
	opened  chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func (c *dataChannelConn) ReadFrame() (protocol.Frame, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.closed:
		return protocol.Frame{}, c.closeErr
	}
}

func (c *dataChannelConn) WriteFrame(f protocol.Frame) error {
	if f.Type == protocol.FrameText {
		return c.dc.SendText(string(f.Data))
	}
	return c.dc.Send(f.Data)
}

func (c *dataChannelConn) Close(code int, reason string) error {
	c.fail(&CloseError{Code: code, Reason: reason})
	return nil
}

// fail records the first close reason and releases everything.
func (c *dataChannelConn) fail(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
		go c.teardown()
	})
}

func (c *dataChannelConn) teardown() {
	if c.dc != nil {
		_ = c.dc.Close()
	}
	_ = c.pc.Close()
	_ = c.ws.Close()
}

func (c *dataChannelConn) writeSignal(msg protocol.SignalingMessage) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	return c.ws.WriteJSON(msg)
}

// handleSignaling applies the server's answer and ICE candidates
func (c *dataChannelConn) handleSignaling() {
	for {
		var msg protocol.SignalingMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.logger.Debug("Signaling WebSocket closed: %v", err)
			return
		}

		switch msg.Type {
		case "answer":
			var answer webrtc.SessionDescription
			if err := json.Unmarshal(msg.Data, &answer); err != nil {
				c.logger.Error("Failed to unmarshal answer: %v", err)
				continue
			}
			if err := c.pc.SetRemoteDescription(answer); err != nil {
				c.logger.Error("Failed to set remote description: %v", err)
				continue
			}
			c.logger.Debug("Set remote description (answer)")

		case "ice":
			var candidate webrtc.ICECandidateInit
			if err := json.Unmarshal(msg.Data, &candidate); err != nil {
				c.logger.Error("Failed to unmarshal ICE candidate: %v", err)
				continue
			}
			if err := c.pc.AddICECandidate(candidate); err != nil {
				c.logger.Error("Failed to add ICE candidate: %v", err)
			}

		default:
			c.logger.Warn("Unknown signaling message type: %s", msg.Type)
		}
	}
}
