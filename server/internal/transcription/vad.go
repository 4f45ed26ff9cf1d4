package transcription

import (
	"time"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
)

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	SampleRate         int     // Audio sample rate (16kHz)
	FrameDurationMs    int     // Frame duration in milliseconds (10ms)
	EnergyThreshold    float64 // Energy threshold for speech detection
	SilenceThresholdMs int     // Silence duration that ends a turn (1000ms)
	Logger             *logger.Logger
}

// VoiceActivityDetector detects speech vs silence in audio
type VoiceActivityDetector struct {
	config             VADConfig
	samplesPerFrame    int
	silenceDuration    time.Duration // Accumulated silence duration
	speechDuration     time.Duration // Accumulated speech duration
	lastFrameWasSpeech bool
	consecutiveSilence int // Number of consecutive silent frames
	consecutiveSpeech  int // Number of consecutive speech frames
	log                *logger.ContextLogger
}

// NewVAD creates a new Voice Activity Detector
func NewVAD(config VADConfig) *VoiceActivityDetector {
	// Set defaults
	if config.SampleRate == 0 {
		config.SampleRate = SampleRate
	}
	if config.FrameDurationMs == 0 {
		config.FrameDurationMs = 10 // 10ms frames
	}
	if config.EnergyThreshold == 0 {
		config.EnergyThreshold = 500.0
	}
	if config.SilenceThresholdMs == 0 {
		config.SilenceThresholdMs = 1000 // 1 second
	}
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}

	samplesPerFrame := config.SampleRate * config.FrameDurationMs / 1000
	log := config.Logger.With("vad")

	log.DebugWithFields("Initialized", map[string]interface{}{
		"threshold":       config.EnergyThreshold,
		"silence_trigger": config.SilenceThresholdMs,
		"frame_size":      samplesPerFrame,
	})

	return &VoiceActivityDetector{
		config:          config,
		samplesPerFrame: samplesPerFrame,
		log:             log,
	}
}

// FrameSize returns the number of samples ProcessFrame expects
func (v *VoiceActivityDetector) FrameSize() int {
	return v.samplesPerFrame
}

// ProcessFrame analyzes a single audio frame
// Returns true if speech is detected, false if silence
func (v *VoiceActivityDetector) ProcessFrame(samples []int16) bool {
	if len(samples) == 0 {
		return false
	}

	energy := RMSEnergy(samples)
	isSpeech := energy > v.config.EnergyThreshold

	// Log energy about once a second to help with threshold tuning
	if (isSpeech && v.consecutiveSpeech%100 == 0) || (!isSpeech && v.consecutiveSilence%100 == 0) {
		v.log.Debug("Energy: %.1f (threshold: %.1f) → %s",
			energy, v.config.EnergyThreshold, map[bool]string{true: "SPEECH", false: "SILENCE"}[isSpeech])
	}

	frameDuration := time.Duration(v.config.FrameDurationMs) * time.Millisecond

	if isSpeech {
		v.consecutiveSpeech++
		v.consecutiveSilence = 0
		v.speechDuration += frameDuration
		v.silenceDuration = 0
		v.lastFrameWasSpeech = true
	} else {
		v.consecutiveSilence++
		v.consecutiveSpeech = 0
		v.silenceDuration += frameDuration
		v.lastFrameWasSpeech = false
	}

	return isSpeech
}

// ShouldChunk returns true once enough silence follows speech to end a turn
func (v *VoiceActivityDetector) ShouldChunk() bool {
	if v.speechDuration == 0 {
		return false
	}
	thresholdDuration := time.Duration(v.config.SilenceThresholdMs) * time.Millisecond
	return v.silenceDuration >= thresholdDuration
}

// HasSpeech reports whether any speech was seen since the last reset
func (v *VoiceActivityDetector) HasSpeech() bool {
	return v.speechDuration > 0
}

// IsSpeaking returns true if we're currently in a speech region
func (v *VoiceActivityDetector) IsSpeaking() bool {
	return v.lastFrameWasSpeech
}

// Reset clears the VAD state after a turn boundary
func (v *VoiceActivityDetector) Reset() {
	v.silenceDuration = 0
	v.speechDuration = 0
	v.consecutiveSilence = 0
	v.consecutiveSpeech = 0
	v.lastFrameWasSpeech = false
}

// Stats returns current VAD statistics
func (v *VoiceActivityDetector) Stats() VADStats {
	return VADStats{
		SilenceDuration:    v.silenceDuration,
		SpeechDuration:     v.speechDuration,
		ConsecutiveSilence: v.consecutiveSilence,
		ConsecutiveSpeech:  v.consecutiveSpeech,
		IsSpeaking:         v.lastFrameWasSpeech,
	}
}

// VADStats holds VAD statistics
type VADStats struct {
	SilenceDuration    time.Duration
	SpeechDuration     time.Duration
	ConsecutiveSilence int
	ConsecutiveSpeech  int
	IsSpeaking         bool
}
