//go:build rnnoise

package transcription

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
	"github.com/xaionaro-go/audio/pkg/audio"
	"github.com/xaionaro-go/audio/pkg/noisesuppression/implementations/rnnoise"
)

const (
	// RNNoise operates on 48kHz audio
	RNNoiseSampleRate = 48000
	// RNNoise frame size: 10ms at 48kHz = 480 samples
	RNNoiseFrameSize = 480
)

// RNNoiseProcessor handles noise suppression using RNNoise.
// Audio is resampled 16kHz -> 48kHz -> 16kHz around each 10ms frame.
type RNNoiseProcessor struct {
	denoiser     *rnnoise.RNNoise
	buffer16kHz  []int16 // Incomplete 16kHz input frame
	frameSize16k int     // 160 samples
	log          *logger.ContextLogger
}

// NewRNNoiseProcessor creates a new RNNoise processor
func NewRNNoiseProcessor(log *logger.Logger) (*RNNoiseProcessor, error) {
	// Mono, built-in model
	denoiser, err := rnnoise.New(audio.Channel(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create RNNoise denoiser: %w", err)
	}

	clog := log.With("rnnoise")
	clog.Info("Initialized - noise suppression active (16kHz ↔ 48kHz resampling)")

	return &RNNoiseProcessor{
		denoiser:     denoiser,
		buffer16kHz:  make([]int16, 0, SampleRate/100),
		frameSize16k: SampleRate / 100,
		log:          clog,
	}, nil
}

// Process denoises 16kHz samples. Output lags input by up to one frame;
// the remainder stays buffered until the next call or Flush.
func (r *RNNoiseProcessor) Process(samples []int16) ([]int16, error) {
	if len(samples) == 0 {
		return nil, nil
	}

	r.buffer16kHz = append(r.buffer16kHz, samples...)

	var output []int16
	framesProcessed := 0

	for len(r.buffer16kHz) >= r.frameSize16k {
		frame16k := r.buffer16kHz[:r.frameSize16k]

		frame48k := Upsample16to48(frame16k)
		input48kBytes := int16ToFloat32Bytes(frame48k)
		output48kBytes := make([]byte, len(input48kBytes))

		if _, err := r.denoiser.SuppressNoise(context.Background(), input48kBytes, output48kBytes); err != nil {
			return nil, fmt.Errorf("RNNoise processing failed: %w", err)
		}

		denoised16k := Downsample48to16(float32BytesToInt16(output48kBytes))
		output = append(output, denoised16k...)

		r.buffer16kHz = r.buffer16kHz[r.frameSize16k:]
		framesProcessed++
	}

	// Keep the remainder at the front of the backing array
	r.buffer16kHz = append(r.buffer16kHz[:0:0], r.buffer16kHz...)

	if framesProcessed > 0 {
		r.log.Debug("Processed %d samples → %d frames → %d samples",
			len(samples), framesProcessed, len(output))
	}

	return output, nil
}

// Flush pads and processes any buffered partial frame
func (r *RNNoiseProcessor) Flush() []int16 {
	if len(r.buffer16kHz) == 0 {
		return nil
	}

	pending := r.buffer16kHz
	r.buffer16kHz = nil
	for len(pending) < r.frameSize16k {
		pending = append(pending, 0)
	}

	output, err := r.Process(pending)
	if err != nil {
		r.log.Warn("Failed to flush: %v", err)
		return nil
	}
	return output
}

// Reset clears the internal buffers
func (r *RNNoiseProcessor) Reset() {
	r.buffer16kHz = r.buffer16kHz[:0]
}

// Close releases RNNoise resources
func (r *RNNoiseProcessor) Close() error {
	if r.denoiser != nil {
		return r.denoiser.Close()
	}
	return nil
}

// int16ToFloat32Bytes converts samples to little-endian float32 in [-1, 1]
func int16ToFloat32Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*4)
	for i, sample := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(float32(sample)/32768.0))
	}
	return out
}

func float32BytesToInt16(data []byte) []int16 {
	samples := make([]int16, len(data)/4)
	for i := range samples {
		f := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		// Clamp to prevent overflow
		if f > 1.0 {
			f = 1.0
		} else if f < -1.0 {
			f = -1.0
		}
		samples[i] = int16(f * 32767.0)
	}
	return samples
}
