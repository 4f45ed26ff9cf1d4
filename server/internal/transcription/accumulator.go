package transcription

import (
	"time"
)

// AudioAccumulator buffers samples until there is enough audio to be worth a
// transcriber call
type AudioAccumulator struct {
	buffer      []int16
	minDuration time.Duration // Minimum audio duration before transcribing
	sampleRate  int           // Audio sample rate (16kHz)
}

// AccumulatorConfig holds configuration for the audio accumulator
type AccumulatorConfig struct {
	MinDuration time.Duration // e.g., 1 second
	SampleRate  int           // 16000 for 16kHz
}

// NewAudioAccumulator creates a new audio accumulator
func NewAudioAccumulator(config AccumulatorConfig) *AudioAccumulator {
	if config.MinDuration == 0 {
		config.MinDuration = 1 * time.Second
	}
	if config.SampleRate == 0 {
		config.SampleRate = SampleRate
	}

	return &AudioAccumulator{
		buffer:      make([]int16, 0, int(float64(config.SampleRate)*config.MinDuration.Seconds())*2),
		minDuration: config.MinDuration,
		sampleRate:  config.SampleRate,
	}
}

// Add appends samples. Once the buffer reaches the minimum duration its
// contents are returned and the buffer is cleared.
func (a *AudioAccumulator) Add(samples []int16) ([]int16, bool) {
	a.buffer = append(a.buffer, samples...)
	if a.Duration() < a.minDuration {
		return nil, false
	}
	return a.Flush(), true
}

// Flush returns whatever is buffered, regardless of duration
func (a *AudioAccumulator) Flush() []int16 {
	if len(a.buffer) == 0 {
		return nil
	}

	// Copy so the buffer can be reused
	out := make([]int16, len(a.buffer))
	copy(out, a.buffer)
	a.buffer = a.buffer[:0]
	return out
}

// Duration returns the current buffer duration
func (a *AudioAccumulator) Duration() time.Duration {
	return time.Duration(len(a.buffer)) * time.Second / time.Duration(a.sampleRate)
}

// Len returns the number of buffered samples
func (a *AudioAccumulator) Len() int {
	return len(a.buffer)
}

// Clear empties the buffer
func (a *AudioAccumulator) Clear() {
	a.buffer = a.buffer[:0]
}
