package audio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/testutil"
)

// fakeDevice lets the test drive the sample callback directly
type fakeDevice struct {
	mu       sync.Mutex
	callback func([]int16)
	started  bool
	stopped  bool
	closed   bool
}

func (d *fakeDevice) Start(onSamples func([]int16)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = onSamples
	d.started = true
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) feed(samples []int16) {
	d.mu.Lock()
	cb := d.callback
	d.mu.Unlock()
	cb(samples)
}

type recordingSink struct {
	mu     sync.Mutex
	chunks []Chunk
	err    error
}

func (s *recordingSink) SendChunk(c Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, c)
	return s.err
}

func (s *recordingSink) lengths() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.chunks))
	for i, c := range s.chunks {
		out[i] = len(c.Samples)
	}
	return out
}

func TestControllerStartFailureIsCaptureUnavailable(t *testing.T) {
	opener := func(DeviceConfig) (Device, error) {
		return nil, errors.New("permission denied")
	}
	c := NewController(ControllerConfig{}, opener, &recordingSink{}, logger.NewNop())

	err := c.Start(context.Background())
	if !errors.Is(err, ErrCaptureUnavailable) {
		t.Fatalf("Expected ErrCaptureUnavailable, got %v", err)
	}
	if c.State() != CaptureStopped {
		t.Errorf("Expected state stopped, got %s", c.State())
	}
}

func TestControllerChunksAndFlushOnStop(t *testing.T) {
	dev := &fakeDevice{}
	var gotCfg DeviceConfig
	opener := func(cfg DeviceConfig) (Device, error) {
		gotCfg = cfg
		return dev, nil
	}
	sink := &recordingSink{}
	c := NewController(ControllerConfig{ChunkSamples: 1000, DeviceName: "USB Mic"}, opener, sink, logger.NewNop())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	if c.State() != CaptureCapturing {
		t.Fatalf("Expected capturing, got %s", c.State())
	}
	if gotCfg.SampleRate != 16000 || gotCfg.Channels != 1 || gotCfg.DeviceName != "USB Mic" {
		t.Errorf("Unexpected device config: %+v", gotCfg)
	}

	dev.feed(make([]int16, 600))
	dev.feed(make([]int16, 600))
	dev.feed(make([]int16, 1300))

	if got := sink.lengths(); len(got) != 2 || got[0] != 1000 || got[1] != 1000 {
		t.Fatalf("Expected two full chunks, got %v", got)
	}

	if _, err := c.Stop(); err != nil {
		t.Fatalf("Failed to stop: %v", err)
	}
	got := sink.lengths()
	if len(got) != 3 || got[2] != 500 {
		t.Fatalf("Expected tail chunk of 500 after stop, got %v", got)
	}
	if !dev.stopped || !dev.closed {
		t.Error("Expected device to be stopped and closed")
	}
	if c.State() != CaptureStopped {
		t.Errorf("Expected stopped, got %s", c.State())
	}

	// Samples after stop are ignored
	dev.feed(make([]int16, 5000))
	if len(sink.lengths()) != 3 {
		t.Error("Expected no chunks after stop")
	}
}

func TestControllerSwallowsSendFailures(t *testing.T) {
	dev := &fakeDevice{}
	sink := &recordingSink{err: errors.New("not connected")}
	c := NewController(ControllerConfig{ChunkSamples: 10}, func(DeviceConfig) (Device, error) { return dev, nil }, sink, logger.NewNop())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	dev.feed(make([]int16, 25))
	if _, err := c.Stop(); err != nil {
		t.Errorf("Stop should swallow send failures, got %v", err)
	}
	if got := sink.lengths(); len(got) != 3 {
		t.Errorf("Expected 3 attempted sends, got %v", got)
	}
}

func TestControllerLevelMeter(t *testing.T) {
	dev := &fakeDevice{}

	var mu sync.Mutex
	var levels []float64
	cfg := ControllerConfig{
		ChunkSamples:  32000,
		LevelInterval: 5 * time.Millisecond,
		OnLevel: func(l float64) {
			mu.Lock()
			levels = append(levels, l)
			mu.Unlock()
		},
	}
	c := NewController(cfg, func(DeviceConfig) (Device, error) { return dev, nil }, &recordingSink{}, logger.NewNop())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}

	loud := make([]int16, 160)
	for i := range loud {
		loud[i] = 16384
	}
	dev.feed(loud)

	testutil.Eventually(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(levels) > 0 && levels[len(levels)-1] > 0.4
	}, "level meter should report the loud block")

	if _, err := c.Stop(); err != nil {
		t.Fatalf("Failed to stop: %v", err)
	}
	if c.Level() != 0 {
		t.Errorf("Expected level reset to 0, got %f", c.Level())
	}
	mu.Lock()
	last := levels[len(levels)-1]
	mu.Unlock()
	if last != 0 {
		t.Errorf("Expected final published level 0, got %f", last)
	}
}

func TestLevel(t *testing.T) {
	if Level(nil) != 0 {
		t.Error("Expected 0 for empty block")
	}
	full := []int16{-32768, -32768}
	if Level(full) != 1 {
		t.Errorf("Expected full-scale level 1, got %f", Level(full))
	}
}

func TestControllerStopWhenIdle(t *testing.T) {
	sink := &recordingSink{}
	c := NewController(ControllerConfig{ChunkSamples: 10}, func(DeviceConfig) (Device, error) { return &fakeDevice{}, nil }, sink, logger.NewNop())

	if _, err := c.Stop(); !errors.Is(err, ErrNotCapturing) {
		t.Fatalf("Expected ErrNotCapturing before start, got %v", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	if _, err := c.Stop(); err != nil {
		t.Fatalf("Failed to stop: %v", err)
	}
	if _, err := c.Stop(); !errors.Is(err, ErrNotCapturing) {
		t.Errorf("Expected ErrNotCapturing on second stop, got %v", err)
	}
	if got := sink.lengths(); len(got) != 0 {
		t.Errorf("Expected no chunks, got %v", got)
	}
}
