package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/client/internal/audio"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/client/internal/session"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/client/internal/transcript"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/protocol"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/testutil"
	"github.com/gorilla/websocket"
)

type fakeSession struct {
	mu        sync.Mutex
	capturing bool
	starts    int
	stops     int
	startErr  error
	listener  func(session.Update)
	history   []transcript.Utterance
}

func (f *fakeSession) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.capturing = true
	return nil
}

func (f *fakeSession) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.capturing = false
	return nil
}

func (f *fakeSession) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := session.Snapshot{
		Capture:    audio.CaptureStopped.String(),
		Connection: "open",
		History:    f.history,
		Tips:       []protocol.CoachingTip{{Tip: "Slow down", Confidence: 0.5}},
	}
	if f.capturing {
		snap.Capture = audio.CaptureCapturing.String()
	}
	return snap
}

func (f *fakeSession) Subscribe(fn func(session.Update)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = fn
}

func (f *fakeSession) Capturing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capturing
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return body
}

func TestStartStop(t *testing.T) {
	sess := &fakeSession{}
	srv := httptest.NewServer(New("", sess, logger.NewNop()).Handler())
	defer srv.Close()

	post := func(path string) map[string]interface{} {
		resp, err := http.Post(srv.URL+path, "application/json", nil)
		if err != nil {
			t.Fatalf("Failed to POST %s: %v", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected 200 from %s, got %d", path, resp.StatusCode)
		}
		return decodeBody(t, resp)
	}

	if got := post("/start")["status"]; got != "started" {
		t.Errorf("Expected started, got %v", got)
	}
	if got := post("/start")["status"]; got != "already_running" {
		t.Errorf("Expected already_running, got %v", got)
	}
	if got := post("/stop")["status"]; got != "stopped" {
		t.Errorf("Expected stopped, got %v", got)
	}
	if got := post("/stop")["status"]; got != "not_running" {
		t.Errorf("Expected not_running, got %v", got)
	}
	if sess.starts != 1 || sess.stops != 1 {
		t.Errorf("Expected one start and one stop, got %d/%d", sess.starts, sess.stops)
	}
}

func TestStartFailure(t *testing.T) {
	sess := &fakeSession{startErr: audio.ErrCaptureUnavailable}
	srv := httptest.NewServer(New("", sess, logger.NewNop()).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/start", "application/json", nil)
	if err != nil {
		t.Fatalf("Failed to POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := httptest.NewServer(New("", &fakeSession{}, logger.NewNop()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/start")
	if err != nil {
		t.Fatalf("Failed to GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}

func TestStatusAndHistory(t *testing.T) {
	sess := &fakeSession{capturing: true, history: []transcript.Utterance{{ID: "u1", Text: "hello there", Speaker: "user", Finalized: true}}}
	srv := httptest.NewServer(New("", sess, logger.NewNop()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("Failed to GET status: %v", err)
	}
	status := decodeBody(t, resp)
	if status["running"] != true || status["connection"] != "open" {
		t.Errorf("Unexpected status: %v", status)
	}

	resp, err = http.Get(srv.URL + "/history")
	if err != nil {
		t.Fatalf("Failed to GET history: %v", err)
	}
	history := decodeBody(t, resp)
	utterances, ok := history["utterances"].([]interface{})
	if !ok || len(utterances) != 1 {
		t.Fatalf("Expected one utterance, got %v", history["utterances"])
	}
	if tips, ok := history["tips"].([]interface{}); !ok || len(tips) != 1 {
		t.Errorf("Expected one tip, got %v", history["tips"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := httptest.NewServer(New("", &fakeSession{}, logger.NewNop()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("Failed to GET metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

func TestTranscriptionsBroadcast(t *testing.T) {
	sess := &fakeSession{}
	api := New("", sess, logger.NewNop())
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/transcriptions"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	testutil.Eventually(t, time.Second, func() bool {
		api.wsClientsMu.RLock()
		defer api.wsClientsMu.RUnlock()
		return len(api.wsClients) == 1
	}, "expected registered client")

	sess.listener(session.Update{
		Type:      session.UpdateUtterance,
		Utterance: &transcript.Utterance{ID: "u1", Text: "hello", Finalized: true},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got session.Update
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("Failed to read update: %v", err)
	}
	if got.Type != session.UpdateUtterance || got.Utterance == nil || got.Utterance.Text != "hello" {
		t.Errorf("Unexpected update: %+v", got)
	}

	if err := api.Stop(); err != nil {
		t.Fatalf("Failed to stop: %v", err)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("Expected normal closure after stop, got %v", err)
	}
}
