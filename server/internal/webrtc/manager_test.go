package webrtc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/server/internal/stream"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/protocol"
	"github.com/pion/webrtc/v4"
)

func newTestManager() *Manager {
	return New(logger.NewNop(), nil)
}

func TestManagerLifecycle(t *testing.T) {
	m := newTestManager()

	peer, err := m.CreatePeerConnection("peer-1")
	if err != nil {
		t.Fatalf("Failed to create peer: %v", err)
	}
	if _, err := m.CreatePeerConnection("peer-1"); err == nil {
		t.Error("Expected duplicate peer ID to fail")
	}
	if m.Count() != 1 {
		t.Errorf("Expected 1 peer, got %d", m.Count())
	}
	if got, ok := m.GetPeerConnection("peer-1"); !ok || got != peer {
		t.Error("Expected to find peer-1")
	}

	m.RemovePeerConnection("peer-1")
	if m.Count() != 0 {
		t.Errorf("Expected 0 peers after remove, got %d", m.Count())
	}
	if _, err := peer.ReadFrame(); !errors.Is(err, stream.ErrClosed) {
		t.Errorf("Expected ErrClosed from removed peer, got %v", err)
	}

	// Removing twice is harmless
	m.RemovePeerConnection("peer-1")
}

func TestPeerFrames(t *testing.T) {
	m := newTestManager()
	peer, err := m.CreatePeerConnection("peer-2")
	if err != nil {
		t.Fatalf("Failed to create peer: %v", err)
	}
	defer m.CloseAll()

	peer.handleMessage(webrtc.DataChannelMessage{IsString: true, Data: []byte(`{"type":"ping"}`)})
	peer.handleMessage(webrtc.DataChannelMessage{Data: []byte{1, 0}})

	f, err := peer.ReadFrame()
	if err != nil || f.Type != protocol.FrameText {
		t.Fatalf("Expected text frame, got %v (%v)", f.Type, err)
	}
	f, err = peer.ReadFrame()
	if err != nil || f.Type != protocol.FrameBinary {
		t.Fatalf("Expected binary frame, got %v (%v)", f.Type, err)
	}

	if err := peer.WriteFrame(protocol.Frame{Type: protocol.FrameText, Data: []byte("{}")}); err == nil {
		t.Error("Expected write to fail before the data channel exists")
	}
}

func TestPeerWaitOpen(t *testing.T) {
	m := newTestManager()
	peer, err := m.CreatePeerConnection("peer-3")
	if err != nil {
		t.Fatalf("Failed to create peer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := peer.WaitOpen(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}

	m.CloseAll()
	if err := peer.WaitOpen(context.Background()); !errors.Is(err, stream.ErrClosed) {
		t.Errorf("Expected ErrClosed after CloseAll, got %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("Expected no peers after CloseAll, got %d", m.Count())
	}
}
