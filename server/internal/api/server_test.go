package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/server/internal/config"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/server/internal/transcription"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/protocol"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/testutil"
	"github.com/gorilla/websocket"
)

type fakeTranscriber struct{ text string }

func (f *fakeTranscriber) Transcribe(ctx context.Context, samples []int16) (string, error) {
	return f.text, nil
}

func (f *fakeTranscriber) Close() error { return nil }

type fakeAnalyzer struct {
	sentiment protocol.Sentiment
	tips      []protocol.CoachingTip
	err       error
}

func (f *fakeAnalyzer) Sentiment(ctx context.Context, transcript string) (protocol.Sentiment, error) {
	if f.err != nil {
		return protocol.NeutralSentiment(), f.err
	}
	return f.sentiment, nil
}

func (f *fakeAnalyzer) CoachingTips(ctx context.Context, transcript string) ([]protocol.CoachingTip, error) {
	if f.err != nil {
		return []protocol.CoachingTip{}, f.err
	}
	return f.tips, nil
}

func newTestServer(t *testing.T, deps Deps) (*Server, *httptest.Server) {
	t.Helper()
	if deps.Transcribers == nil {
		deps.Transcribers = func() (transcription.Transcriber, error) {
			return &fakeTranscriber{text: "hello"}, nil
		}
	}
	s := New(config.Default(), logger.NewNop(), deps)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Stop()
	})
	return s, ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Failed to POST %s: %v", url, err)
	}
	return resp
}

func TestRootAndHealth(t *testing.T) {
	_, ts := newTestServer(t, Deps{})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("Failed to GET /: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("Failed to GET /health: %v", err)
	}
	defer resp.Body.Close()

	var health struct {
		Status            string `json:"status"`
		ActiveConnections int    `json:"active_connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if health.Status != "healthy" || health.ActiveConnections != 0 {
		t.Errorf("Unexpected health: %+v", health)
	}
}

func TestSentimentEndpoint(t *testing.T) {
	analyzer := &fakeAnalyzer{sentiment: protocol.Sentiment{Type: protocol.SentimentNegative, Confidence: 0.7}.Normalize()}
	_, ts := newTestServer(t, Deps{Analyzer: analyzer})

	resp := postJSON(t, ts.URL+"/sentiment-analysis", protocol.SentimentRequest{Transcript: "this is awful"})
	defer resp.Body.Close()

	var out protocol.SentimentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if out.Sentiment.Type != protocol.SentimentNegative || out.Sentiment.Confidence != 0.7 {
		t.Errorf("Unexpected sentiment: %+v", out.Sentiment)
	}
}

func TestSentimentFallbacks(t *testing.T) {
	tests := []struct {
		name     string
		analyzer *fakeAnalyzer
	}{
		{"no analyzer", nil},
		{"analyzer error", &fakeAnalyzer{err: errors.New("rate limited")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := Deps{}
			if tt.analyzer != nil {
				deps.Analyzer = tt.analyzer
			}
			_, ts := newTestServer(t, deps)

			resp := postJSON(t, ts.URL+"/sentiment-analysis", protocol.SentimentRequest{Transcript: "hi"})
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("Expected 200, got %d", resp.StatusCode)
			}

			var out protocol.SentimentResponse
			json.NewDecoder(resp.Body).Decode(&out)
			if out.Sentiment.Type != protocol.SentimentNeutral || out.Sentiment.Confidence != 0 {
				t.Errorf("Expected neutral/0, got %+v", out.Sentiment)
			}
		})
	}
}

func TestCoachingEndpoint(t *testing.T) {
	analyzer := &fakeAnalyzer{tips: []protocol.CoachingTip{{Tip: "Summarize next steps", Confidence: 0.8}}}
	_, ts := newTestServer(t, Deps{Analyzer: analyzer})

	resp := postJSON(t, ts.URL+"/coaching-tips", protocol.CoachingRequest{Transcript: "user: ok bye"})
	defer resp.Body.Close()

	var out protocol.CoachingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(out.Tips) != 1 || out.Tips[0].Tip != "Summarize next steps" {
		t.Errorf("Unexpected tips: %+v", out.Tips)
	}

	// Failure still returns an empty list, not null
	analyzer.err = errors.New("boom")
	resp2 := postJSON(t, ts.URL+"/coaching-tips", protocol.CoachingRequest{Transcript: "x"})
	defer resp2.Body.Close()
	var raw map[string]json.RawMessage
	json.NewDecoder(resp2.Body).Decode(&raw)
	if string(raw["tips"]) != "[]" {
		t.Errorf("Expected empty tips array, got %s", raw["tips"])
	}
}

func TestBadRequestBodies(t *testing.T) {
	_, ts := newTestServer(t, Deps{})

	for _, path := range []string{"/sentiment-analysis", "/coaching-tips", "/api/v1/analyze-audio"} {
		resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader("{nope"))
		if err != nil {
			t.Fatalf("Failed to POST %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, resp.StatusCode)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t, Deps{})

	resp, err := http.Get(ts.URL + "/sentiment-analysis")
	if err != nil {
		t.Fatalf("Failed to GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}

func TestAnalyzeAudio(t *testing.T) {
	_, ts := newTestServer(t, Deps{})

	samples := make([]int16, 16000)
	for i := range samples {
		samples[i] = 1000
	}
	resp := postJSON(t, ts.URL+"/api/v1/analyze-audio", protocol.AnalyzeAudioRequest{Audio: protocol.EncodeAudio(samples).Data})
	defer resp.Body.Close()

	var stats protocol.AudioStatistics
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if stats.SampleCount != 100 || stats.Avg != 1000 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	odd := postJSON(t, ts.URL+"/api/v1/analyze-audio", protocol.AnalyzeAudioRequest{Audio: []byte{1, 2, 3}})
	odd.Body.Close()
	if odd.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for odd payload, got %d", odd.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	_, ts := newTestServer(t, Deps{})

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/sentiment-analysis", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed preflight: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Expected allowed origin echoed, got %q", got)
	}

	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed preflight: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no CORS header for unknown origin, got %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, Deps{})

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("Failed to GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

func TestSignalingDisabled(t *testing.T) {
	_, ts := newTestServer(t, Deps{})

	resp, err := http.Get(ts.URL + "/api/v1/stream/signal")
	if err != nil {
		t.Fatalf("Failed to GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 without WebRTC manager, got %d", resp.StatusCode)
	}
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestStreamTranscription(t *testing.T) {
	s, ts := newTestServer(t, Deps{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/client-1?vad_threshold=500&silence_ms=300"), nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	testutil.Eventually(t, time.Second, func() bool { return s.ActiveConnections() == 1 }, "session registered")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("Failed to send ping: %v", err)
	}
	var pong map[string]interface{}
	if err := conn.ReadJSON(&pong); err != nil || pong["type"] != "pong" {
		t.Fatalf("Expected pong, got %v (%v)", pong, err)
	}

	speech := make([]int16, 16000)
	for i := range speech {
		speech[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	for _, chunk := range [][]int16{speech[:8000], speech[8000:], make([]int16, 4800)} {
		if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeAudio(chunk).Data); err != nil {
			t.Fatalf("Failed to send audio: %v", err)
		}
	}

	var partial, final protocol.Transcription
	if err := conn.ReadJSON(&partial); err != nil {
		t.Fatalf("Failed to read partial: %v", err)
	}
	if partial.Final || partial.Text != "hello" || partial.Timestamp != 1 {
		t.Errorf("Unexpected partial: %+v", partial)
	}
	if err := conn.ReadJSON(&final); err != nil {
		t.Fatalf("Failed to read final: %v", err)
	}
	if !final.Final || final.Text != "hello" {
		t.Errorf("Unexpected final: %+v", final)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	testutil.Eventually(t, 2*time.Second, func() bool { return s.ActiveConnections() == 0 }, "session ended")
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	_, ts := newTestServer(t, Deps{})

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/client-2"), header)
	if err == nil {
		t.Fatal("Expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %v", resp)
	}
}

func TestStopEndsSessions(t *testing.T) {
	s, ts := newTestServer(t, Deps{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/client-3"), nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()
	testutil.Eventually(t, time.Second, func() bool { return s.ActiveConnections() == 1 }, "session registered")

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	if s.ActiveConnections() != 0 {
		t.Errorf("Expected no sessions after Stop, got %d", s.ActiveConnections())
	}
}
