package transcription

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"sort"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/protocol"
)

// SampleRate is the PCM rate every stage of the pipeline works at
const SampleRate = 16000

// Transcriber turns mono PCM16 audio at SampleRate into text
type Transcriber interface {
	Transcribe(ctx context.Context, samples []int16) (string, error)
	Close() error
}

// EncodeWAV wraps PCM16 mono samples in a WAV container
func EncodeWAV(samples []int16, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	dataSize := uint32(len(samples) * 2)

	var buf bytes.Buffer
	buf.Grow(44 + int(dataSize))

	// "RIFF" chunk
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, 36+dataSize)
	buf.WriteString("WAVE")

	// "fmt " subchunk
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))                                  // Subchunk size
	binary.Write(&buf, binary.LittleEndian, uint16(1))                                   // Audio format (1 = PCM)
	binary.Write(&buf, binary.LittleEndian, uint16(channels))                            // Number of channels
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))                          // Sample rate
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*channels*bitsPerSample/8)) // Byte rate
	binary.Write(&buf, binary.LittleEndian, uint16(channels*bitsPerSample/8))            // Block align
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))                       // Bits per sample

	// "data" subchunk
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize)
	binary.Write(&buf, binary.LittleEndian, samples)

	return buf.Bytes()
}

// RMSEnergy computes the RMS energy of audio samples
func RMSEnergy(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sumSquares float64
	for _, sample := range samples {
		val := float64(sample)
		sumSquares += val * val
	}
	return math.Sqrt(sumSquares / float64(len(samples)))
}

// AnalyzeEnergy reports RMS energy statistics over 10ms frames. The
// calibration wizard uses it to pick a VAD threshold.
func AnalyzeEnergy(samples []int16) protocol.AudioStatistics {
	frameSize := SampleRate / 100

	var energies []float64
	for start := 0; start+frameSize <= len(samples); start += frameSize {
		energies = append(energies, RMSEnergy(samples[start:start+frameSize]))
	}
	if len(energies) == 0 {
		return protocol.AudioStatistics{}
	}

	sort.Float64s(energies)

	var sum float64
	for _, e := range energies {
		sum += e
	}

	return protocol.AudioStatistics{
		Min:         energies[0],
		Max:         energies[len(energies)-1],
		Avg:         sum / float64(len(energies)),
		P5:          percentile(energies, 5),
		P95:         percentile(energies, 95),
		SampleCount: len(energies),
	}
}

// percentile expects sorted input
func percentile(sorted []float64, p int) float64 {
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
