package audio

import (
	"fmt"
	"sync"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
	"github.com/gen2brain/malgo"
)

// DeviceConfig describes the capture format requested from the platform
type DeviceConfig struct {
	SampleRate int
	Channels   int
	DeviceName string // Empty = default device
}

// Device is an opened capture device. onSamples is invoked from the
// platform audio thread with mono PCM16 samples.
type Device interface {
	Start(onSamples func([]int16)) error
	Stop() error
	Close() error
}

// DeviceOpener acquires a capture device. It fails when the platform has no
// microphone support or access is denied.
type DeviceOpener func(cfg DeviceConfig) (Device, error)

// DeviceInfo describes one capture device
type DeviceInfo struct {
	Name      string
	IsDefault bool
}

// ListDevices enumerates capture devices using miniaudio.
func ListDevices() ([]DeviceInfo, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize malgo context: %w", err)
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, DeviceInfo{Name: info.Name(), IsDefault: info.IsDefault != 0})
	}
	return devices, nil
}

// MalgoOpener returns a DeviceOpener backed by miniaudio.
func MalgoOpener(log *logger.Logger) DeviceOpener {
	return func(cfg DeviceConfig) (Device, error) {
		return openMalgo(cfg, log.With("audio"))
	}
}

// malgoDevice captures microphone audio using malgo
type malgoDevice struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	config malgo.DeviceConfig
	mu     sync.Mutex
	logger *logger.ContextLogger
}

func openMalgo(cfg DeviceConfig, log *logger.ContextLogger) (*malgoDevice, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize malgo context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)

	// Find the requested device, fall back to the default one
	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}
	if len(infos) == 0 {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("no capture devices available")
	}

	found := false
	for _, info := range infos {
		if cfg.DeviceName != "" && info.Name() == cfg.DeviceName {
			deviceConfig.Capture.DeviceID = info.ID.Pointer()
			found = true
			break
		}
	}
	if found {
		log.Info("Using specified device: %s", cfg.DeviceName)
	} else if cfg.DeviceName != "" {
		log.Warn("Device '%s' not found, using default", cfg.DeviceName)
	} else {
		log.Info("Using default audio device")
	}

	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	// miniaudio does not expose echo cancellation or auto gain
	log.Debug("Platform echo cancellation/auto gain not available, noise suppression runs server side")

	return &malgoDevice{
		ctx:    ctx,
		config: deviceConfig,
		logger: log,
	}, nil
}

func (d *malgoDevice) Start(onSamples func([]int16)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device != nil {
		return fmt.Errorf("capture device already running")
	}

	onRecvFrames := func(_, pSample []byte, _ uint32) {
		samples := make([]int16, len(pSample)/2)
		for i := range samples {
			samples[i] = int16(pSample[i*2]) | int16(pSample[i*2+1])<<8
		}
		onSamples(samples)
	}

	device, err := malgo.InitDevice(d.ctx.Context, d.config, malgo.DeviceCallbacks{
		Data: onRecvFrames,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}

	d.logger.DebugWithFields("Actual device configuration", map[string]interface{}{
		"sample_rate": device.SampleRate(),
		"format":      device.CaptureFormat(),
		"channels":    device.CaptureChannels(),
	})
	if device.SampleRate() != d.config.SampleRate {
		d.logger.Warn("Device is using %d Hz, but we requested %d Hz", device.SampleRate(), d.config.SampleRate)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	d.device = device
	return nil
}

func (d *malgoDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device == nil {
		return nil
	}
	err := d.device.Stop()
	d.device.Uninit()
	d.device = nil
	if err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	return nil
}

func (d *malgoDevice) Close() error {
	if err := d.Stop(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx != nil {
		_ = d.ctx.Uninit()
		d.ctx.Free()
		d.ctx = nil
	}
	return nil
}
