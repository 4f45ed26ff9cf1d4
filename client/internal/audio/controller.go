package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/client/internal/metrics"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
)

// ErrCaptureUnavailable is returned when the microphone cannot be opened.
var ErrCaptureUnavailable = errors.New("capture unavailable")

// ErrNotCapturing is returned by Stop when capture was not running
var ErrNotCapturing = errors.New("not capturing")

// CaptureState is the controller lifecycle state
type CaptureState int

const (
	CaptureStopped CaptureState = iota
	CaptureStarting
	CaptureCapturing
)

func (s CaptureState) String() string {
	switch s {
	case CaptureStarting:
		return "starting"
	case CaptureCapturing:
		return "capturing"
	default:
		return "stopped"
	}
}

// ChunkSink receives every chunk produced while capturing.
type ChunkSink interface {
	SendChunk(Chunk) error
}

// ChunkSinkFunc adapts a function to ChunkSink
type ChunkSinkFunc func(Chunk) error

func (f ChunkSinkFunc) SendChunk(c Chunk) error { return f(c) }

// ControllerConfig holds capture controller settings
type ControllerConfig struct {
	DeviceName    string
	ChunkSamples  int           // Chunk threshold, default 32000
	LevelInterval time.Duration // Level meter cadence, default 50ms
	OnLevel       func(level float64)
}

// Controller drives a capture device into a ChunkBuffer and hands finished
// chunks to a sink. It also publishes a level meter on its own ticker.
type Controller struct {
	cfg    ControllerConfig
	opener DeviceOpener
	sink   ChunkSink
	logger *logger.ContextLogger

	mu        sync.Mutex
	state     CaptureState
	device    Device
	startedAt time.Time
	meterStop chan struct{}
	meterDone chan struct{}

	// Guarded separately because the device callback runs on the audio thread
	bufMu     sync.Mutex
	buf       *ChunkBuffer
	capturing atomic.Bool
	level     atomic.Uint64 // math.Float64bits
}

// NewController creates a capture controller
func NewController(cfg ControllerConfig, opener DeviceOpener, sink ChunkSink, log *logger.Logger) *Controller {
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = DefaultChunkSamples
	}
	if cfg.LevelInterval <= 0 {
		cfg.LevelInterval = 50 * time.Millisecond
	}
	return &Controller{
		cfg:    cfg,
		opener: opener,
		sink:   sink,
		logger: log.With("capture"),
		buf:    NewChunkBuffer(cfg.ChunkSamples),
	}
}

// Start opens the device and begins delivering chunks.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != CaptureStopped {
		return fmt.Errorf("capture already %s", c.state)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.state = CaptureStarting

	device, err := c.opener(DeviceConfig{
		SampleRate: SampleRate,
		Channels:   Channels,
		DeviceName: c.cfg.DeviceName,
	})
	if err != nil {
		c.state = CaptureStopped
		return fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	c.bufMu.Lock()
	c.buf.Reset()
	c.bufMu.Unlock()
	c.capturing.Store(true)

	if err := device.Start(c.onSamples); err != nil {
		c.capturing.Store(false)
		_ = device.Close()
		c.state = CaptureStopped
		return fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	c.device = device
	c.startedAt = time.Now()
	c.meterStop = make(chan struct{})
	c.meterDone = make(chan struct{})
	go c.runLevelMeter(c.meterStop, c.meterDone)

	c.state = CaptureCapturing
	metrics.Capturing.Set(1)
	c.logger.Info("Capture started (chunk=%d samples)", c.buf.Size())
	return nil
}

// Stop tears down the device, sends the final partial chunk and resets the
// level meter. It returns how long capture ran, or ErrNotCapturing.
func (c *Controller) Stop() (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != CaptureCapturing {
		return 0, ErrNotCapturing
	}
	c.capturing.Store(false)

	close(c.meterStop)
	<-c.meterDone

	var stopErr error
	if err := c.device.Stop(); err != nil {
		stopErr = err
	}

	// Best effort, the session is ending
	c.bufMu.Lock()
	if tail, ok := c.buf.Flush(); ok {
		if err := c.sink.SendChunk(tail); err != nil {
			metrics.ChunksTotal.WithLabelValues("failed").Inc()
			c.logger.Debug("Final chunk %d not sent: %v", tail.SequenceID, err)
		} else {
			metrics.ChunksTotal.WithLabelValues("sent").Inc()
		}
	}
	c.bufMu.Unlock()

	if err := c.device.Close(); err != nil && stopErr == nil {
		stopErr = err
	}
	c.device = nil

	c.level.Store(0)
	metrics.AudioLevel.Set(0)
	if c.cfg.OnLevel != nil {
		c.cfg.OnLevel(0)
	}

	elapsed := time.Since(c.startedAt)
	c.state = CaptureStopped
	metrics.Capturing.Set(0)
	c.logger.Info("Capture stopped after %s", elapsed.Round(time.Millisecond))
	return elapsed, stopErr
}

// State returns the current lifecycle state.
func (c *Controller) State() CaptureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Level returns the most recent normalized level (0..1).
func (c *Controller) Level() float64 {
	return math.Float64frombits(c.level.Load())
}

func (c *Controller) onSamples(samples []int16) {
	if !c.capturing.Load() {
		return
	}
	c.level.Store(math.Float64bits(Level(samples)))

	c.bufMu.Lock()
	defer c.bufMu.Unlock()

	// Chunks are handed off under bufMu so delivery order matches capture order
	for _, chunk := range c.buf.Push(samples) {
		if err := c.sink.SendChunk(chunk); err != nil {
			metrics.ChunksTotal.WithLabelValues("failed").Inc()
			c.logger.Debug("Chunk %d not sent: %v", chunk.SequenceID, err)
			continue
		}
		metrics.ChunksTotal.WithLabelValues("sent").Inc()
	}
}

func (c *Controller) runLevelMeter(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.cfg.LevelInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			level := c.Level()
			metrics.AudioLevel.Set(level)
			if c.cfg.OnLevel != nil {
				c.cfg.OnLevel(level)
			}
		}
	}
}

// Level computes the RMS of samples normalized to 0..1.
func Level(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum/float64(len(samples))) / 32768.0
	if rms > 1 {
		return 1
	}
	return rms
}
