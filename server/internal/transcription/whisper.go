//go:build whisper

package transcription

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/server/internal/metrics"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// initialPrompt biases whisper toward call vocabulary
const initialPrompt = "Customer support and sales phone call. Greetings, product questions, pricing, orders, refunds, scheduling, follow-ups."

// SharedWhisperModel wraps a Whisper model for sharing across sessions
type SharedWhisperModel struct {
	model whisper.Model
	mu    sync.RWMutex
	path  string
	log   *logger.ContextLogger
}

// WhisperConfig holds per-context settings
type WhisperConfig struct {
	Language string // "en" or "auto"
	Threads  uint
	Logger   *logger.Logger
}

// LoadSharedWhisperModel loads a Whisper model once for sharing
func LoadSharedWhisperModel(modelPath string, log *logger.Logger) (*SharedWhisperModel, error) {
	ctxLog := log.With("whisper-model")
	ctxLog.Info("Loading shared Whisper model from %s", modelPath)

	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load Whisper model: %w", err)
	}

	ctxLog.Info("Shared Whisper model loaded successfully")

	return &SharedWhisperModel{
		model: model,
		path:  modelPath,
		log:   ctxLog,
	}, nil
}

// NewTranscriber creates a transcriber with its own context on the shared model
func (m *SharedWhisperModel) NewTranscriber(config WhisperConfig) (Transcriber, error) {
	m.mu.RLock()
	ctx, err := m.model.NewContext()
	m.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to create context from shared model: %w", err)
	}

	if config.Language != "" {
		ctx.SetLanguage(config.Language)
	} else {
		ctx.SetLanguage("auto")
	}
	if config.Threads > 0 {
		ctx.SetThreads(config.Threads)
	}
	ctx.SetTranslate(false)
	ctx.SetTokenTimestamps(true)
	ctx.SetInitialPrompt(initialPrompt)

	log := config.Logger.With("whisper")
	log.InfoWithFields("Context created from shared model", map[string]interface{}{
		"language": config.Language,
		"threads":  config.Threads,
	})

	return &WhisperTranscriber{ctx: ctx, log: log}, nil
}

// Close releases the model
func (m *SharedWhisperModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model.Close()
}

// WhisperTranscriber transcribes with local whisper.cpp
type WhisperTranscriber struct {
	ctx whisper.Context
	mu  sync.Mutex
	log *logger.ContextLogger
}

// Transcribe processes audio samples and returns the transcribed text.
// whisper.cpp cannot be interrupted; ctx is only checked before starting.
func (w *WhisperTranscriber) Transcribe(ctx context.Context, samples []int16) (string, error) {
	if len(samples) == 0 {
		return "", fmt.Errorf("empty audio samples")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Whisper wants float32 in [-1, 1]
	floatSamples := make([]float32, len(samples))
	for i, sample := range samples {
		floatSamples[i] = float32(sample) / 32768.0
	}

	duration := float64(len(samples)) / SampleRate
	w.log.Debug("Processing %.2fs of audio", duration)
	start := time.Now()

	var segments []string
	err := w.ctx.Process(floatSamples, nil, func(segment whisper.Segment) {
		if text := strings.TrimSpace(segment.Text); text != "" {
			segments = append(segments, text)
		}
	}, nil)
	metrics.TranscriptionLatency.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		return "", fmt.Errorf("failed to process audio: %w", err)
	}

	return strings.Join(segments, " "), nil
}

// Close is a no-op; contexts are freed with the shared model
func (w *WhisperTranscriber) Close() error {
	return nil
}
