package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/client/internal/audio"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/client/internal/session"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Controller is the part of a session the control API drives
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Snapshot() session.Snapshot
	Subscribe(fn func(session.Update))
	Capturing() bool
}

// Server handles the HTTP control API
type Server struct {
	bindAddr string
	logger   *logger.ContextLogger
	server   *http.Server
	session  Controller

	// Serializes start/stop requests
	controlMu sync.Mutex

	// WebSocket connections for update streaming
	wsClients   map[*wsClient]struct{}
	wsClientsMu sync.RWMutex
	wsUpgrader  websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a new API server and subscribes it to the session's updates
func New(bindAddr string, sess Controller, log *logger.Logger) *Server {
	s := &Server{
		bindAddr:  bindAddr,
		logger:    log.With("api"),
		session:   sess,
		wsClients: make(map[*wsClient]struct{}),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local dev
			},
		},
	}
	sess.Subscribe(s.broadcast)
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/transcriptions", s.handleTranscriptions)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.bindAddr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting control API on %s", s.bindAddr)
	return s.server.ListenAndServe()
}

// Stop gracefully stops the server and disconnects update subscribers
func (s *Server) Stop() error {
	s.wsClientsMu.Lock()
	for c := range s.wsClients {
		close(c.send)
		delete(s.wsClients, c)
	}
	s.wsClientsMu.Unlock()

	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.controlMu.Lock()
	defer s.controlMu.Unlock()

	if s.session.Capturing() {
		writeJSON(w, map[string]string{"status": "already_running"})
		return
	}

	if err := s.session.Start(r.Context()); err != nil {
		s.logger.Error("Failed to start: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]string{"status": "started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.controlMu.Lock()
	defer s.controlMu.Unlock()

	if !s.session.Capturing() {
		writeJSON(w, map[string]string{"status": "not_running"})
		return
	}

	if err := s.session.Stop(r.Context()); err != nil {
		s.logger.Error("Failed to stop: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]string{"status": "stopped"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := s.session.Snapshot()
	response := map[string]interface{}{
		"running":    snap.Capture == audio.CaptureCapturing.String(),
		"capture":    snap.Capture,
		"connection": snap.Connection,
		"level":      snap.Level,
		"stats":      snap.Stats,
		"timestamp":  time.Now().Unix(),
	}
	if snap.StartedAt != nil {
		response["started_at"] = snap.StartedAt.Unix()
	}
	if snap.Live != nil {
		response["live"] = snap.Live
	}

	writeJSON(w, response)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := s.session.Snapshot()
	writeJSON(w, map[string]interface{}{
		"utterances": snap.History,
		"stats":      snap.Stats,
		"tips":       snap.Tips,
	})
}

// handleTranscriptions upgrades to WebSocket and streams session updates
func (s *Server) handleTranscriptions(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 64)}
	s.wsClientsMu.Lock()
	s.wsClients[client] = struct{}{}
	s.wsClientsMu.Unlock()

	s.logger.Info("WebSocket client connected")

	go s.writePump(client)

	// Read messages from client (mainly to detect disconnect)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.wsClientsMu.Lock()
	if _, ok := s.wsClients[client]; ok {
		delete(s.wsClients, client)
		close(client.send)
	}
	s.wsClientsMu.Unlock()
	s.logger.Info("WebSocket client disconnected")
}

func (s *Server) writePump(c *wsClient) {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Debug("Failed to send to WebSocket client: %v", err)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// broadcast runs on the session loop and must not block. Slow subscribers
// miss updates.
func (s *Server) broadcast(u session.Update) {
	// Level updates are too chatty for the log
	if u.Type != session.UpdateLevel {
		s.logger.Debug("Broadcasting %s update", u.Type)
	}

	data, err := json.Marshal(u)
	if err != nil {
		s.logger.Error("Failed to marshal update: %v", err)
		return
	}

	s.wsClientsMu.RLock()
	defer s.wsClientsMu.RUnlock()

	for c := range s.wsClients {
		select {
		case c.send <- data:
		default:
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
