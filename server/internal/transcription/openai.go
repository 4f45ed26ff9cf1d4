package transcription

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/server/internal/metrics"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIConfig configures the hosted transcriber
type OpenAIConfig struct {
	APIKey   string
	Model    string // default whisper-1
	Language string // default en
	Options  []option.RequestOption
	Logger   *logger.Logger
}

// OpenAITranscriber transcribes audio with the OpenAI audio API. It is safe
// for concurrent use and may be shared across sessions.
type OpenAITranscriber struct {
	client   openai.Client
	model    string
	language string
	log      *logger.ContextLogger
}

// NewOpenAITranscriber creates a hosted transcriber
func NewOpenAITranscriber(config OpenAIConfig) (*OpenAITranscriber, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}
	if config.Model == "" {
		config.Model = string(openai.AudioModelWhisper1)
	}
	if config.Language == "" {
		config.Language = "en"
	}
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}

	opts := append([]option.RequestOption{option.WithAPIKey(config.APIKey)}, config.Options...)
	return &OpenAITranscriber{
		client:   openai.NewClient(opts...),
		model:    config.Model,
		language: config.Language,
		log:      config.Logger.With("openai-stt"),
	}, nil
}

// Transcribe uploads the samples as an in-memory WAV file
func (t *OpenAITranscriber) Transcribe(ctx context.Context, samples []int16) (string, error) {
	if len(samples) == 0 {
		return "", fmt.Errorf("empty audio samples")
	}

	wav := EncodeWAV(samples, SampleRate)
	start := time.Now()

	resp, err := t.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:     openai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model:    openai.AudioModel(t.model),
		Language: openai.String(t.language),
	})
	metrics.TranscriptionLatency.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		return "", fmt.Errorf("failed to transcribe audio: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	t.log.DebugWithFields("Transcription complete", map[string]interface{}{
		"duration": fmt.Sprintf("%.1fs", float64(len(samples))/SampleRate),
		"chars":    len(text),
	})
	return text, nil
}

// Close is a no-op; the HTTP client has nothing to release
func (t *OpenAITranscriber) Close() error {
	return nil
}
