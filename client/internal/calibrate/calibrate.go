package calibrate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/client/internal/audio"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/client/internal/config"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/protocol"
)

// RecordDuration is how long each calibration phase records
const RecordDuration = 5 * time.Second

// Wizard records background noise and speech, asks the server for energy
// statistics and recommends a VAD threshold.
type Wizard struct {
	cfg        *config.Config
	log        *logger.ContextLogger
	opener     audio.DeviceOpener
	httpClient *http.Client
	in         *bufio.Reader
	out        io.Writer
	duration   time.Duration
}

// NewWizard creates a calibration wizard reading prompts from in and writing
// to out.
func NewWizard(cfg *config.Config, opener audio.DeviceOpener, in io.Reader, out io.Writer, log *logger.Logger) *Wizard {
	return &Wizard{
		cfg:        cfg,
		log:        log.With("calibrate"),
		opener:     opener,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		in:         bufio.NewReader(in),
		out:        out,
		duration:   RecordDuration,
	}
}

// Run executes the calibration wizard. With autoSave the threshold is
// written to configPath without asking.
func (w *Wizard) Run(ctx context.Context, configPath string, autoSave bool) (float64, error) {
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "🎤 VAD Calibration Wizard")
	fmt.Fprintln(w.out, "━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintln(w.out)

	// Step 1: Record background noise
	fmt.Fprintln(w.out, "Step 1/3: Background Noise Recording")
	fmt.Fprintln(w.out, "  Be quiet and don't speak.")
	w.prompt("  Press Enter when ready...")

	background, err := w.record(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to record background: %w", err)
	}
	backgroundStats, err := w.analyze(ctx, background)
	if err != nil {
		return 0, fmt.Errorf("failed to analyze background: %w", err)
	}
	fmt.Fprintf(w.out, "  ✓ Done\n\n")

	// Step 2: Record speech
	fmt.Fprintln(w.out, "Step 2/3: Speech Recording")
	fmt.Fprintln(w.out, "  Speak normally into the microphone.")
	w.prompt("  Press Enter when ready...")

	speech, err := w.record(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to record speech: %w", err)
	}
	speechStats, err := w.analyze(ctx, speech)
	if err != nil {
		return 0, fmt.Errorf("failed to analyze speech: %w", err)
	}
	fmt.Fprintf(w.out, "  ✓ Done\n\n")

	// Step 3: Recommendation
	fmt.Fprintln(w.out, "Step 3/3: Analysis")
	w.visualize(backgroundStats, speechStats)

	threshold := Recommend(backgroundStats)
	fmt.Fprintf(w.out, "\n  📊 Recommended threshold: %.0f\n", threshold)
	fmt.Fprintf(w.out, "     (background P95 × 1.5, at least 2× background average)\n")
	if threshold >= speechStats.P5 {
		fmt.Fprintf(w.out, "  ⚠️  Quiet speech (P5 %.0f) falls below the threshold, consider a quieter room\n", speechStats.P5)
	}
	fmt.Fprintln(w.out)

	save := autoSave
	if !save {
		answer := w.prompt("  💾 Save to client config? [Y/n] ")
		save = answer == "" || strings.EqualFold(answer, "y")
	}
	if !save {
		fmt.Fprintf(w.out, "  ℹ️  Not saved. Set transcription.vad.energy_threshold: %.0f manually.\n", threshold)
		return threshold, nil
	}

	if err := config.UpdateVADThreshold(configPath, threshold); err != nil {
		return threshold, fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Fprintf(w.out, "  ✓ Saved to %s\n\n", configPath)
	w.log.Info("VAD threshold set to %.1f", threshold)
	return threshold, nil
}

// Recommend derives a VAD threshold from background noise statistics.
func Recommend(background protocol.AudioStatistics) float64 {
	threshold := background.P95 * 1.5

	// Very quiet rooms have a tiny P95
	if floor := background.Avg * 2; threshold < floor {
		threshold = floor
	}
	return threshold
}

func (w *Wizard) prompt(msg string) string {
	fmt.Fprint(w.out, msg)
	line, _ := w.in.ReadString('\n')
	return strings.TrimSpace(line)
}

// record captures PCM16 samples for the configured duration
func (w *Wizard) record(ctx context.Context) ([]int16, error) {
	device, err := w.opener(audio.DeviceConfig{
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
		DeviceName: w.cfg.Audio.DeviceName,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", audio.ErrCaptureUnavailable, err)
	}
	defer device.Close()

	var mu sync.Mutex
	var samples []int16
	if err := device.Start(func(block []int16) {
		mu.Lock()
		samples = append(samples, block...)
		mu.Unlock()
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", audio.ErrCaptureUnavailable, err)
	}

	fmt.Fprintf(w.out, "  Recording for %s ", w.duration)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	deadline := time.NewTimer(w.duration)
	defer deadline.Stop()

loop:
	for {
		select {
		case <-ticker.C:
			fmt.Fprint(w.out, ".")
		case <-deadline.C:
			break loop
		case <-ctx.Done():
			device.Stop()
			return nil, ctx.Err()
		}
	}
	fmt.Fprintln(w.out)

	if err := device.Stop(); err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	return samples, nil
}

// analyze sends audio to the server for energy statistics
func (w *Wizard) analyze(ctx context.Context, samples []int16) (protocol.AudioStatistics, error) {
	var stats protocol.AudioStatistics

	body, err := json.Marshal(protocol.AnalyzeAudioRequest{Audio: protocol.EncodeAudio(samples).Data})
	if err != nil {
		return stats, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(w.cfg.Server.HTTPURL, "/") + "/api/v1/analyze-audio"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return stats, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return stats, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return stats, fmt.Errorf("server returned error: %s - %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return stats, fmt.Errorf("failed to decode response: %w", err)
	}
	return stats, nil
}

// visualize shows background vs speech energy side by side
func (w *Wizard) visualize(background, speech protocol.AudioStatistics) {
	fmt.Fprintln(w.out, "  Background Noise:")
	fmt.Fprintf(w.out, "    Min: %.1f  |  Avg: %.1f  |  Max: %.1f  |  P95: %.1f\n",
		background.Min, background.Avg, background.Max, background.P95)

	fmt.Fprintln(w.out, "\n  Speech:")
	fmt.Fprintf(w.out, "    Min: %.1f  |  Avg: %.1f  |  Max: %.1f  |  P5: %.1f\n",
		speech.Min, speech.Avg, speech.Max, speech.P5)

	maxVal := max(background.Avg, speech.Avg) * 1.2
	if maxVal == 0 {
		maxVal = 1
	}

	fmt.Fprintln(w.out, "\n  Visual Comparison (Average Energy):")
	fmt.Fprintln(w.out, "    Background: "+bar(int(background.Avg/maxVal*30), 30))
	fmt.Fprintln(w.out, "    Speech:     "+bar(int(speech.Avg/maxVal*30), 30))
}

func bar(filled, total int) string {
	var sb strings.Builder
	for i := 0; i < total; i++ {
		if i < filled {
			sb.WriteString("█")
		} else {
			sb.WriteString("░")
		}
	}
	return sb.String()
}
