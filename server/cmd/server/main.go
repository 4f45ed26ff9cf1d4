package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/server/internal/analysis"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/server/internal/api"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/server/internal/config"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/server/internal/transcription"
	webrtcmgr "github.com/Aditya-Sakpal/real-time-call-intelligence/server/internal/webrtc"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
	"github.com/pion/webrtc/v4"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration (.env and environment override the file)
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.NewWithConfig(logger.Config{
		Level:  logger.LevelInfo,
		Format: logger.ParseOutputFormat(cfg.Server.LogFormat),
		Debug:  cfg.Server.Debug,
	})
	defer log.Sync()

	log.Info("Starting call intelligence server")
	log.Info("Config: bind_address=%s, backend=%s, debug=%v",
		cfg.Server.BindAddress, cfg.Transcription.Backend, cfg.Server.Debug)

	transcribers, closeBackend, err := newTranscriberFactory(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize transcription backend: %v", err)
	}
	defer closeBackend()

	deps := api.Deps{Transcribers: transcribers}

	if cfg.OpenAIAPIKey != "" {
		analyzer, err := analysis.NewOpenAIAnalyzer(analysis.Config{
			APIKey:               cfg.OpenAIAPIKey,
			Model:                cfg.Analysis.Model,
			SentimentTemperature: cfg.Analysis.SentimentTemperature,
			CoachingTemperature:  cfg.Analysis.CoachingTemperature,
			Timeout:              cfg.AnalysisTimeout(),
			Logger:               log,
		})
		if err != nil {
			log.Fatal("Failed to initialize analyzer: %v", err)
		}
		deps.Analyzer = analyzer
	} else {
		log.Warn("OPENAI_API_KEY not set: sentiment and coaching fall back to neutral results")
	}

	// Convert ICE servers
	var iceServers []webrtc.ICEServer
	for _, ice := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       ice.URLs,
			Username:   ice.Username,
			Credential: ice.Credential,
		})
	}
	deps.WebRTC = webrtcmgr.New(log, iceServers)
	log.Info("WebRTC manager initialized with %d ICE servers", len(iceServers))

	apiServer := api.New(cfg, log, deps)

	// Start server in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Fatal("Server error: %v", err)
	case sig := <-sigChan:
		log.Info("Received signal %v, shutting down...", sig)
		if err := apiServer.Stop(); err != nil {
			log.Error("Error stopping server: %v", err)
		}
	}

	log.Info("Server stopped")
}

// newTranscriberFactory picks the backend. The hosted client is shared by
// every session; whisper.cpp gets one context per session on a shared model.
func newTranscriberFactory(cfg *config.Config, log *logger.Logger) (api.TranscriberFactory, func(), error) {
	switch cfg.Transcription.Backend {
	case config.BackendWhisper:
		model, err := transcription.LoadSharedWhisperModel(cfg.Transcription.ModelPath, log)
		if err != nil {
			return nil, nil, err
		}
		factory := func() (transcription.Transcriber, error) {
			return model.NewTranscriber(transcription.WhisperConfig{
				Language: cfg.Transcription.Language,
				Threads:  uint(cfg.Transcription.Threads),
				Logger:   log,
			})
		}
		return factory, func() { model.Close() }, nil

	default:
		transcriber, err := transcription.NewOpenAITranscriber(transcription.OpenAIConfig{
			APIKey:   cfg.OpenAIAPIKey,
			Model:    cfg.Transcription.OpenAIModel,
			Language: cfg.Transcription.Language,
			Logger:   log,
		})
		if err != nil {
			return nil, nil, err
		}
		factory := func() (transcription.Transcriber, error) {
			return transcriber, nil
		}
		return factory, func() { transcriber.Close() }, nil
	}
}
