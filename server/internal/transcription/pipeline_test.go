package transcription

import (
	"math"
	"testing"
	"time"
)

func sine(seconds float64, amplitude float64) []int16 {
	n := int(seconds * SampleRate)
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/SampleRate))
	}
	return out
}

func silence(seconds float64) []int16 {
	return make([]int16, int(seconds*SampleRate))
}

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := NewPipeline(PipelineConfig{
		MinAudio:         time.Second,
		EnergyThreshold:  500,
		SilenceThreshold: time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPipelineLeadingSilenceDropped(t *testing.T) {
	p := newTestPipeline(t)

	if segs := p.Process(silence(2)); len(segs) != 0 {
		t.Fatalf("Expected no segments for silence, got %d", len(segs))
	}
	if p.InTurn() {
		t.Error("Expected no open turn after silence")
	}
	if segs := p.Flush(); len(segs) != 0 {
		t.Errorf("Expected flush to produce nothing, got %d segments", len(segs))
	}
}

func TestPipelineSpeechThenSilence(t *testing.T) {
	p := newTestPipeline(t)

	segs := p.Process(sine(0.5, 8000))
	if len(segs) != 0 {
		t.Fatalf("Expected no segments before MinAudio, got %d", len(segs))
	}
	if !p.InTurn() {
		t.Fatal("Expected open turn after speech")
	}

	segs = p.Process(silence(1.0))
	if len(segs) != 2 {
		t.Fatalf("Expected partial chunk and end of turn, got %d segments", len(segs))
	}
	if segs[0].EndOfTurn || len(segs[0].Samples) != SampleRate {
		t.Errorf("Expected 1s partial chunk, got %d samples (end=%v)", len(segs[0].Samples), segs[0].EndOfTurn)
	}
	if !segs[1].EndOfTurn {
		t.Error("Expected second segment to end the turn")
	}
	if len(segs[1].Samples) != 0 {
		t.Errorf("Expected silent tail to be dropped, got %d samples", len(segs[1].Samples))
	}
	if p.InTurn() {
		t.Error("Expected turn to be closed")
	}
}

func TestPipelineOddSizedWrites(t *testing.T) {
	p := newTestPipeline(t)

	audio := sine(1.0, 8000)
	var segs []Segment
	for len(audio) > 0 {
		n := 37
		if n > len(audio) {
			n = len(audio)
		}
		segs = append(segs, p.Process(audio[:n])...)
		audio = audio[n:]
	}

	if len(segs) != 1 {
		t.Fatalf("Expected one chunk, got %d", len(segs))
	}
	if len(segs[0].Samples) != SampleRate {
		t.Errorf("Expected %d samples, got %d", SampleRate, len(segs[0].Samples))
	}
}

func TestPipelineSilentChunkDropped(t *testing.T) {
	p := newTestPipeline(t)

	// The 1s of speech fills one chunk; the following second of silence
	// fills another that must not reach the transcriber.
	segs := p.Process(sine(1.0, 8000))
	segs = append(segs, p.Process(silence(1.0))...)

	if len(segs) != 2 {
		t.Fatalf("Expected speech chunk and end of turn, got %d segments", len(segs))
	}
	if segs[0].EndOfTurn || RMSEnergy(segs[0].Samples) < 500 {
		t.Error("Expected first segment to be the speech chunk")
	}
	if !segs[1].EndOfTurn || len(segs[1].Samples) != 0 {
		t.Errorf("Expected empty end of turn, got %d samples", len(segs[1].Samples))
	}
}

func TestPipelineFlushClosesTurn(t *testing.T) {
	p := newTestPipeline(t)

	p.Process(sine(0.3, 8000))
	segs := p.Flush()
	if len(segs) != 1 {
		t.Fatalf("Expected one segment, got %d", len(segs))
	}
	if !segs[0].EndOfTurn {
		t.Error("Expected flush to end the turn")
	}
	if got, want := len(segs[0].Samples), int(0.3*SampleRate); got != want {
		t.Errorf("Expected %d samples, got %d", want, got)
	}
}
