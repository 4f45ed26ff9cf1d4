package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/server/internal/analysis"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/server/internal/config"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/server/internal/stream"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/server/internal/transcription"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/server/internal/webrtc"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxAnalyzeBody = 16 << 20

// TranscriberFactory returns the transcriber for a new streaming session.
// The session closes it when it ends.
type TranscriberFactory func() (transcription.Transcriber, error)

// Deps are the server's collaborators
type Deps struct {
	Transcribers TranscriberFactory
	Analyzer     analysis.Analyzer // nil disables LLM analysis
	WebRTC       *webrtc.Manager   // nil disables DataChannel streaming
}

// Server handles HTTP and WebSocket requests
type Server struct {
	bindAddr      string
	config        *config.Config
	log           *logger.Logger
	logger        *logger.ContextLogger
	server        *http.Server
	router        chi.Router
	webrtcManager *webrtc.Manager
	transcribers  TranscriberFactory
	analyzer      analysis.Analyzer
	upgrader      websocket.Upgrader

	// Streaming sessions outlive their handlers' requests
	ctx      context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup
	active   atomic.Int64
}

// New creates a new API server
func New(cfg *config.Config, log *logger.Logger, deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		bindAddr:      cfg.Server.BindAddress,
		config:        cfg,
		log:           log,
		logger:        log.With("api"),
		webrtcManager: deps.WebRTC,
		transcribers:  deps.Transcribers,
		analyzer:      deps.Analyzer,
		ctx:           ctx,
		cancel:        cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/ws/{clientID}", s.handleStream)
	r.Get("/api/v1/stream/signal", s.handleSignaling)
	r.Post("/api/v1/analyze-audio", s.handleAnalyzeAudio)
	r.Post("/sentiment-analysis", s.handleSentiment)
	r.Post("/coaching-tips", s.handleCoaching)
	r.Handle("/metrics", promhttp.Handler())

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	return r
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.bindAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting HTTP server on %s", s.bindAddr)
	return s.server.ListenAndServe()
}

// Stop closes the listener, ends every streaming session and waits for
// them to finalize.
func (s *Server) Stop() error {
	s.cancel()
	var err error
	if s.server != nil {
		err = s.server.Close()
	}
	if s.webrtcManager != nil {
		s.webrtcManager.CloseAll()
	}
	s.sessions.Wait()
	return err
}

// ActiveConnections returns the number of running streaming sessions
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients
		return true
	}
	for _, allowed := range s.config.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	s.logger.Warn("Rejected WebSocket from origin %s", origin)
	return false
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Real-time call intelligence API",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "healthy",
		"active_connections": s.active.Load(),
	})
}

// handleStream serves /ws/{clientID}: binary PCM in, transcriptions out
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	pipeline := s.pipelineConfig(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade to WebSocket: %v", err)
		return
	}

	s.runSession(stream.NewWebSocketConn(conn), clientID, "websocket", pipeline)
}

// handleSignaling negotiates a DataChannel over WebSocket, then streams on it
func (s *Server) handleSignaling(w http.ResponseWriter, r *http.Request) {
	if s.webrtcManager == nil {
		http.Error(w, "DataChannel transport disabled", http.StatusNotFound)
		return
	}
	pipeline := s.pipelineConfig(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade to WebSocket: %v", err)
		return
	}
	defer conn.Close()

	peerID := uuid.New().String()
	s.logger.Info("New signaling connection from peer %s", peerID)

	peer, err := s.webrtcManager.CreatePeerConnection(peerID)
	if err != nil {
		s.logger.Error("Failed to create peer connection: %v", err)
		return
	}
	defer s.webrtcManager.RemovePeerConnection(peerID)

	var writeMu sync.Mutex
	writeSignal := func(msg protocol.SignalingMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(msg)
	}

	peer.GatherICECandidates(func(candidateJSON string) {
		msg := protocol.SignalingMessage{
			Type: "ice",
			Data: json.RawMessage(candidateJSON),
		}
		if err := writeSignal(msg); err != nil {
			s.logger.Error("Failed to send ICE candidate: %v", err)
		}
	})

	// Stream once the client's DataChannel opens
	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		if err := peer.WaitOpen(s.ctx); err != nil {
			s.logger.Debug("DataChannel for peer %s never opened: %v", peerID, err)
			return
		}
		s.runSession(peer, peerID, "datachannel", pipeline)
	}()

	for {
		var msg protocol.SignalingMessage
		if err := conn.ReadJSON(&msg); err != nil {
			s.logger.Debug("WebSocket read error (peer %s): %v", peerID, err)
			break
		}

		s.logger.Debug("Received signaling message type: %s from peer %s", msg.Type, peerID)

		switch msg.Type {
		case "offer":
			answer, err := peer.CreateAnswer(string(msg.Data))
			if err != nil {
				s.logger.Error("Failed to create answer: %v", err)
				continue
			}

			response := protocol.SignalingMessage{
				Type: "answer",
				Data: json.RawMessage(answer),
			}
			if err := writeSignal(response); err != nil {
				s.logger.Error("Failed to send answer: %v", err)
			}

		case "ice":
			if err := peer.AddICECandidate(string(msg.Data)); err != nil {
				s.logger.Error("Failed to add ICE candidate: %v", err)
			}

		default:
			s.logger.Warn("Unknown signaling message type: %s", msg.Type)
		}
	}

	s.logger.Info("Signaling connection closed for peer %s", peerID)
}

// runSession blocks until the stream ends
func (s *Server) runSession(conn stream.Conn, clientID, transport string, pipeline transcription.PipelineConfig) {
	s.sessions.Add(1)
	defer s.sessions.Done()
	s.active.Add(1)
	defer s.active.Add(-1)

	transcriber, err := s.transcribers()
	if err != nil {
		s.logger.Error("Failed to create transcriber for %s: %v", clientID, err)
		conn.Close()
		return
	}
	defer transcriber.Close()

	session, err := stream.NewSession(conn, stream.Config{
		ClientID:    clientID,
		Transport:   transport,
		Pipeline:    pipeline,
		Transcriber: transcriber,
		Logger:      s.log,
	})
	if err != nil {
		s.logger.Error("Failed to create session for %s: %v", clientID, err)
		conn.Close()
		return
	}

	if err := session.Run(s.ctx); err != nil {
		s.logger.Debug("Session %s ended: %v", clientID, err)
	}
}

// pipelineConfig applies the client's VAD overrides to the server defaults
func (s *Server) pipelineConfig(r *http.Request) transcription.PipelineConfig {
	cfg := transcription.PipelineConfig{
		MinAudio:         s.config.MinAudio(),
		EnergyThreshold:  s.config.VAD.EnergyThreshold,
		SilenceThreshold: s.config.SilenceThreshold(),
		NoiseSuppression: s.config.NoiseSuppression.Enabled,
	}

	q := r.URL.Query()
	if v := q.Get("vad_threshold"); v != "" {
		if threshold, err := strconv.ParseFloat(v, 64); err == nil && threshold > 0 {
			cfg.EnergyThreshold = threshold
		} else {
			s.logger.Warn("Ignoring invalid vad_threshold %q", v)
		}
	}
	if v := q.Get("silence_ms"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.SilenceThreshold = time.Duration(ms) * time.Millisecond
		} else {
			s.logger.Warn("Ignoring invalid silence_ms %q", v)
		}
	}
	return cfg
}

// handleAnalyzeAudio reports energy statistics for the calibration wizard
func (s *Server) handleAnalyzeAudio(w http.ResponseWriter, r *http.Request) {
	var req protocol.AnalyzeAudioRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAnalyzeBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	samples, err := protocol.DecodeAudio(req.Audio)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	stats := transcription.AnalyzeEnergy(samples)
	s.logger.InfoWithFields("Analyzed calibration audio", map[string]interface{}{
		"frames": stats.SampleCount,
		"avg":    stats.Avg,
		"p95":    stats.P95,
	})
	writeJSON(w, http.StatusOK, stats)
}

// handleSentiment always answers 200; failures degrade to neutral/0
func (s *Server) handleSentiment(w http.ResponseWriter, r *http.Request) {
	var req protocol.SentimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	sentiment := protocol.NeutralSentiment()
	if s.analyzer != nil {
		// Errors are logged by the analyzer and come back with the fallback
		sentiment, _ = s.analyzer.Sentiment(r.Context(), req.Transcript)
	}
	writeJSON(w, http.StatusOK, protocol.SentimentResponse{Sentiment: sentiment})
}

// handleCoaching always answers 200; failures degrade to no tips
func (s *Server) handleCoaching(w http.ResponseWriter, r *http.Request) {
	var req protocol.CoachingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	tips := []protocol.CoachingTip{}
	if s.analyzer != nil {
		tips, _ = s.analyzer.CoachingTips(r.Context(), req.Transcript)
	}
	writeJSON(w, http.StatusOK, protocol.CoachingResponse{Tips: tips})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
