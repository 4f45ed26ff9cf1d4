package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/client/internal/api"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/client/internal/audio"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/client/internal/calibrate"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/client/internal/config"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/client/internal/debuglog"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/client/internal/scoring"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/client/internal/session"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/client/internal/transport"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
	"github.com/google/uuid"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	calibrateMode := flag.Bool("calibrate", false, "Run VAD calibration wizard")
	autoSave := flag.Bool("yes", false, "Auto-save calibration results without prompting")
	listDevices := flag.Bool("list-devices", false, "List capture devices and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Try default config if file doesn't exist
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.Default()
		} else {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	// Initialize logger
	log := logger.NewWithConfig(logger.Config{
		Level:  logger.LevelInfo,
		Format: logger.ParseOutputFormat(cfg.Client.LogFormat),
		Debug:  cfg.Client.Debug,
	})
	defer log.Sync()

	if *listDevices {
		devices, err := audio.ListDevices()
		if err != nil {
			log.Fatal("Failed to list devices: %v", err)
		}
		for _, d := range devices {
			marker := " "
			if d.IsDefault {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, d.Name)
		}
		return
	}

	opener := audio.MalgoOpener(log)

	// Run calibration wizard if --calibrate flag is set
	if *calibrateMode {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		wizard := calibrate.NewWizard(cfg, opener, os.Stdin, os.Stdout, log)
		if _, err := wizard.Run(ctx, *configPath, *autoSave); err != nil {
			log.Fatal("Calibration failed: %v", err)
		}
		return
	}

	log.Info("Starting call intelligence client")
	log.Info("Config: server_url=%s, transport=%s, api_bind_address=%s, debug=%v",
		cfg.Server.URL, cfg.Server.Transport, cfg.Client.APIBindAddress, cfg.Client.Debug)

	journal, err := debuglog.New(cfg.Client.DebugLogPath, int64(cfg.Client.DebugLogMaxSize))
	if err != nil {
		log.Fatal("Failed to open debug log: %v", err)
	}
	defer journal.Close()

	var dialer transport.Dialer = transport.WebSocketDialer{}
	if cfg.Server.Transport == config.TransportDataChannel {
		dialer = transport.DataChannelDialer{ICEServers: cfg.Server.ICEServers, Logger: log}
	}

	clientID := cfg.Server.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	scorer := scoring.New(scoring.Config{
		BaseURL:    cfg.Server.HTTPURL,
		Timeout:    cfg.ScoringTimeout(),
		MaxRetries: *cfg.Scoring.MaxRetries,
	}, log)

	sess := session.New(session.Config{
		Speaker: cfg.Client.Speaker,
		Transport: transport.Config{
			URL:                  cfg.StreamURL(clientID),
			ReconnectInterval:    cfg.ReconnectInterval(),
			MaxReconnectAttempts: cfg.MaxReconnectAttempts(),
			HeartbeatInterval:    cfg.HeartbeatInterval(),
			AutoReconnect:        *cfg.Transport.AutoReconnect,
			SendQueueSize:        cfg.Transport.SendQueueSize,
		},
		Capture: audio.ControllerConfig{
			DeviceName:    cfg.Audio.DeviceName,
			ChunkSamples:  cfg.Audio.ChunkSamples,
			LevelInterval: cfg.LevelInterval(),
		},
		ScoringEnabled: *cfg.Scoring.Enabled,
		ScoringTimeout: cfg.ScoringTimeout(),
	}, session.Deps{
		Dialer:  dialer,
		Opener:  opener,
		Scorer:  scorer,
		Journal: journal,
	}, log)

	log.Info("Client ID: %s", clientID)

	// Print finalized utterances to the terminal
	sess.Subscribe(func(u session.Update) {
		switch u.Type {
		case session.UpdateUtterance:
			fmt.Printf("✅ %s\n", u.Utterance.Text)
		case session.UpdateSentiment:
			if u.Utterance.Sentiment != nil {
				fmt.Printf("   [%s %.2f]\n", u.Utterance.Sentiment.Type, u.Utterance.Sentiment.Confidence)
			}
		case session.UpdateTips:
			for _, tip := range u.Tips {
				fmt.Printf("💡 %s\n", tip.Tip)
			}
		}
	})

	// Create API server for control
	apiServer := api.New(cfg.Client.APIBindAddress, sess, log)

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("API server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Info("Client running - POST /start on the control API to begin, Ctrl+C to quit")
	<-sigChan

	log.Info("Shutting down...")

	if err := apiServer.Stop(); err != nil {
		log.Error("Error stopping API server: %v", err)
	}

	if sess.Capturing() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sess.Stop(ctx); err != nil {
			log.Error("Error stopping session: %v", err)
		}
		cancel()
	}

	if err := sess.Close(); err != nil {
		log.Error("Error closing session: %v", err)
	}

	log.Info("Client stopped")
}
