package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/server/internal/stream"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/protocol"
	"github.com/pion/webrtc/v4"
)

// Manager handles WebRTC peer connections
type Manager struct {
	logger      *logger.ContextLogger
	peerConns   map[string]*PeerConnection
	peerConnsMu sync.RWMutex
	config      webrtc.Configuration
}

// PeerConnection is a single WebRTC peer. Once its DataChannel opens it
// carries the same frames as the WebSocket stream and implements
// stream.Conn.
type PeerConnection struct {
	ID          string
	pc          *webrtc.PeerConnection
	dataChannel *webrtc.DataChannel
	dcMu        sync.RWMutex
	logger      *logger.ContextLogger

	inbound   chan protocol.Frame
	opened    chan struct{}
	openOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

var _ stream.Conn = (*PeerConnection)(nil)

// New creates a new WebRTC manager
func New(log *logger.Logger, iceServers []webrtc.ICEServer) *Manager {
	config := webrtc.Configuration{
		ICEServers: iceServers,
	}

	return &Manager{
		logger:    log.With("webrtc"),
		peerConns: make(map[string]*PeerConnection),
		config:    config,
	}
}

// CreatePeerConnection creates a new peer connection
func (m *Manager) CreatePeerConnection(id string) (*PeerConnection, error) {
	m.peerConnsMu.Lock()
	defer m.peerConnsMu.Unlock()

	// Check if peer already exists
	if _, exists := m.peerConns[id]; exists {
		return nil, fmt.Errorf("peer connection %s already exists", id)
	}

	pc, err := webrtc.NewPeerConnection(m.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	peer := &PeerConnection{
		ID:      id,
		pc:      pc,
		logger:  m.logger,
		inbound: make(chan protocol.Frame, 64),
		opened:  make(chan struct{}),
		closed:  make(chan struct{}),
	}

	// Set up connection state handler
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		peer.logger.Info("Peer %s connection state: %s", id, state.String())

		if state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			go m.RemovePeerConnection(id)
		}
	})

	// Set up ICE connection state handler
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		peer.logger.Debug("Peer %s ICE state: %s", id, state.String())
	})

	// Set up DataChannel handler (client will create the channel)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		peer.logger.Info("DataChannel '%s' opened by peer %s", dc.Label(), id)
		peer.dcMu.Lock()
		peer.dataChannel = dc
		peer.dcMu.Unlock()

		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			peer.handleMessage(msg)
		})

		dc.OnOpen(func() {
			peer.logger.Info("DataChannel '%s' is open", dc.Label())
			peer.openOnce.Do(func() { close(peer.opened) })
		})

		dc.OnClose(func() {
			peer.logger.Info("DataChannel '%s' closed", dc.Label())
			go peer.Close()
		})

		dc.OnError(func(err error) {
			peer.logger.Error("DataChannel error: %v", err)
		})
	})

	m.peerConns[id] = peer
	m.logger.Info("Created peer connection for %s", id)

	return peer, nil
}

// RemovePeerConnection closes and forgets a peer
func (m *Manager) RemovePeerConnection(id string) {
	m.peerConnsMu.Lock()
	peer, exists := m.peerConns[id]
	delete(m.peerConns, id)
	m.peerConnsMu.Unlock()

	if exists {
		peer.Close()
		m.logger.Info("Removed peer connection %s", id)
	}
}

// GetPeerConnection returns a peer connection by ID
func (m *Manager) GetPeerConnection(id string) (*PeerConnection, bool) {
	m.peerConnsMu.RLock()
	defer m.peerConnsMu.RUnlock()
	peer, exists := m.peerConns[id]
	return peer, exists
}

// Count returns the number of live peers
func (m *Manager) Count() int {
	m.peerConnsMu.RLock()
	defer m.peerConnsMu.RUnlock()
	return len(m.peerConns)
}

// CloseAll closes every peer
func (m *Manager) CloseAll() {
	m.peerConnsMu.Lock()
	peers := m.peerConns
	m.peerConns = make(map[string]*PeerConnection)
	m.peerConnsMu.Unlock()

	for _, peer := range peers {
		peer.Close()
	}
}

// CreateAnswer creates a WebRTC answer from an offer
func (p *PeerConnection) CreateAnswer(offerJSON string) (string, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(offerJSON), &offer); err != nil {
		return "", fmt.Errorf("failed to unmarshal offer: %w", err)
	}

	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}

	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	answerJSON, err := json.Marshal(answer)
	if err != nil {
		return "", fmt.Errorf("failed to marshal answer: %w", err)
	}

	return string(answerJSON), nil
}

// AddICECandidate adds an ICE candidate
func (p *PeerConnection) AddICECandidate(candidateJSON string) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidateJSON), &candidate); err != nil {
		return fmt.Errorf("failed to unmarshal ICE candidate: %w", err)
	}

	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}

	return nil
}

// GatherICECandidates sets up ICE candidate gathering
func (p *PeerConnection) GatherICECandidates(onCandidate func(string)) {
	p.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}

		candidateJSON, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			p.logger.Error("Failed to marshal ICE candidate: %v", err)
			return
		}

		onCandidate(string(candidateJSON))
	})
}

// WaitOpen blocks until the DataChannel opens, the peer closes, or ctx ends
func (p *PeerConnection) WaitOpen(ctx context.Context) error {
	select {
	case <-p.opened:
		return nil
	case <-p.closed:
		return stream.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleMessage queues a DataChannel message for ReadFrame
func (p *PeerConnection) handleMessage(msg webrtc.DataChannelMessage) {
	f := protocol.Frame{Type: protocol.FrameBinary, Data: msg.Data}
	if msg.IsString {
		f.Type = protocol.FrameText
	}

	select {
	case p.inbound <- f:
	case <-p.closed:
	}
}

// ReadFrame returns the next DataChannel message
func (p *PeerConnection) ReadFrame() (protocol.Frame, error) {
	select {
	case f := <-p.inbound:
		return f, nil
	case <-p.closed:
		return protocol.Frame{}, stream.ErrClosed
	}
}

// WriteFrame sends text frames as strings and everything else as binary
func (p *PeerConnection) WriteFrame(f protocol.Frame) error {
	p.dcMu.RLock()
	dc := p.dataChannel
	p.dcMu.RUnlock()
	if dc == nil {
		return fmt.Errorf("data channel not ready")
	}

	if f.Type == protocol.FrameText {
		return dc.SendText(string(f.Data))
	}
	return dc.Send(f.Data)
}

// Close closes the peer connection
func (p *PeerConnection) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.pc.Close()
	})
	return err
}
