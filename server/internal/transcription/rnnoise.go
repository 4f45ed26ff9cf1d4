//go:build !rnnoise

package transcription

import (
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
)

// Built without the rnnoise tag: the denoiser passes audio through unchanged.

// RNNoiseProcessor is the pass-through denoiser
type RNNoiseProcessor struct{}

// NewRNNoiseProcessor creates a pass-through denoiser
func NewRNNoiseProcessor(log *logger.Logger) (*RNNoiseProcessor, error) {
	log.With("rnnoise").Warn("DISABLED - Using pass-through (build with -tags rnnoise for noise suppression)")
	return &RNNoiseProcessor{}, nil
}

// Process returns samples unchanged
func (r *RNNoiseProcessor) Process(samples []int16) ([]int16, error) {
	return samples, nil
}

// Flush has nothing buffered
func (r *RNNoiseProcessor) Flush() []int16 { return nil }

func (r *RNNoiseProcessor) Reset() {}

func (r *RNNoiseProcessor) Close() error { return nil }
