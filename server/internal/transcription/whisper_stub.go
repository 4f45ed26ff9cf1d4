//go:build !whisper

package transcription

import (
	"errors"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
)

// ErrWhisperUnavailable is returned when the binary was built without whisper.cpp
var ErrWhisperUnavailable = errors.New("whisper backend requires building with -tags whisper")

// SharedWhisperModel is unavailable without the whisper build tag
type SharedWhisperModel struct{}

// WhisperConfig holds per-context settings
type WhisperConfig struct {
	Language string
	Threads  uint
	Logger   *logger.Logger
}

// LoadSharedWhisperModel always fails in this build
func LoadSharedWhisperModel(modelPath string, log *logger.Logger) (*SharedWhisperModel, error) {
	return nil, ErrWhisperUnavailable
}

func (m *SharedWhisperModel) NewTranscriber(config WhisperConfig) (Transcriber, error) {
	return nil, ErrWhisperUnavailable
}

func (m *SharedWhisperModel) Close() error { return nil }
