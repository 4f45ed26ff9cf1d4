package transcription

import (
	"fmt"
	"time"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
)

// Pipeline segments one client's audio stream for transcription.
// Flow: PCM → denoiser → VAD → accumulator → Segment
//
// A Pipeline is not safe for concurrent use; each streaming session owns one.
type Pipeline struct {
	denoiser Denoiser // nil when noise suppression is off
	vad      *VoiceActivityDetector
	acc      *AudioAccumulator
	pending  []int16 // Partial VAD frame
	log      *logger.ContextLogger
}

// Denoiser removes background noise from 16kHz PCM
type Denoiser interface {
	Process(samples []int16) ([]int16, error)
	Flush() []int16
	Reset()
	Close() error
}

// Segment is a unit of work for the transcriber
type Segment struct {
	Samples   []int16 // Empty when a turn ends with nothing worth transcribing
	EndOfTurn bool
}

// PipelineConfig holds configuration for a per-session pipeline
type PipelineConfig struct {
	MinAudio         time.Duration // Accumulated audio per partial, default 1s
	EnergyThreshold  float64       // VAD energy threshold
	SilenceThreshold time.Duration // Silence that ends a turn
	NoiseSuppression bool
	Logger           *logger.Logger
}

// NewPipeline creates a pipeline for one streaming session
func NewPipeline(config PipelineConfig) (*Pipeline, error) {
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}

	p := &Pipeline{
		vad: NewVAD(VADConfig{
			EnergyThreshold:    config.EnergyThreshold,
			SilenceThresholdMs: int(config.SilenceThreshold / time.Millisecond),
			Logger:             config.Logger,
		}),
		acc: NewAudioAccumulator(AccumulatorConfig{MinDuration: config.MinAudio}),
		log: config.Logger.With("pipeline"),
	}

	if config.NoiseSuppression {
		denoiser, err := NewRNNoiseProcessor(config.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create RNNoise processor: %w", err)
		}
		p.denoiser = denoiser
	}

	return p, nil
}

// Process feeds samples through the pipeline and returns any segments that
// became ready, in order.
func (p *Pipeline) Process(samples []int16) []Segment {
	if p.denoiser != nil {
		denoised, err := p.denoiser.Process(samples)
		if err != nil {
			// Continue with original audio on error
			p.log.Warn("RNNoise error: %v", err)
		} else {
			samples = denoised
		}
	}

	p.pending = append(p.pending, samples...)
	frameSize := p.vad.FrameSize()

	var segments []Segment
	consumed := 0
	for len(p.pending)-consumed >= frameSize {
		frame := p.pending[consumed : consumed+frameSize]
		consumed += frameSize
		segments = p.processFrame(frame, segments)
	}
	p.pending = append(p.pending[:0], p.pending[consumed:]...)

	return segments
}

func (p *Pipeline) processFrame(frame []int16, segments []Segment) []Segment {
	p.vad.ProcessFrame(frame)

	// Leading silence is never sent to the transcriber
	if !p.vad.HasSpeech() {
		return segments
	}

	if chunk, ready := p.acc.Add(frame); ready && p.voiced(chunk) {
		segments = append(segments, Segment{Samples: chunk})
	}

	if p.vad.ShouldChunk() {
		segments = append(segments, p.endTurn())
	}
	return segments
}

// endTurn closes the current turn. Trailing audio that is all silence is
// dropped rather than transcribed.
func (p *Pipeline) endTurn() Segment {
	rest := p.acc.Flush()
	if !p.voiced(rest) {
		rest = nil
	}
	p.vad.Reset()
	p.log.Debug("Turn ended (%d trailing samples)", len(rest))
	return Segment{Samples: rest, EndOfTurn: true}
}

// voiced drops chunks that are silence end to end
func (p *Pipeline) voiced(chunk []int16) bool {
	return RMSEnergy(chunk) > p.vad.config.EnergyThreshold
}

// Flush ends the stream. If a turn is open it is closed.
func (p *Pipeline) Flush() []Segment {
	if p.denoiser != nil {
		p.pending = append(p.pending, p.denoiser.Flush()...)
	}

	var segments []Segment
	if p.vad.HasSpeech() {
		if chunk, ready := p.acc.Add(p.pending); ready && p.voiced(chunk) {
			segments = append(segments, Segment{Samples: chunk})
		}
		segments = append(segments, p.endTurn())
	}
	p.pending = p.pending[:0]
	p.acc.Clear()
	return segments
}

// InTurn reports whether speech has been heard since the last turn ended
func (p *Pipeline) InTurn() bool {
	return p.vad.HasSpeech()
}

// Close releases the denoiser
func (p *Pipeline) Close() error {
	if p.denoiser != nil {
		return p.denoiser.Close()
	}
	return nil
}
