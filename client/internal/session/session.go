package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/client/internal/audio"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/client/internal/debuglog"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/client/internal/metrics"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/client/internal/transcript"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/client/internal/transport"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/protocol"
)

// Scorer is the external sentiment/coaching collaborator
type Scorer interface {
	Sentiment(ctx context.Context, transcript string) (protocol.Sentiment, error)
	CoachingTips(ctx context.Context, transcript string) ([]protocol.CoachingTip, error)
}

// Config holds session settings
type Config struct {
	Speaker        string
	Transport      transport.Config
	Capture        audio.ControllerConfig
	ScoringEnabled bool
	ScoringTimeout time.Duration
}

// Deps are the platform collaborators of a session
type Deps struct {
	Dialer  transport.Dialer
	Opener  audio.DeviceOpener
	Scorer  Scorer
	Journal *debuglog.Journal // Optional
}

// UpdateType classifies a published Update
type UpdateType string

const (
	UpdateConnection UpdateType = "connection"
	UpdateCapture    UpdateType = "capture"
	UpdateLevel      UpdateType = "level"
	UpdateLive       UpdateType = "live"
	UpdateUtterance  UpdateType = "utterance"
	UpdateSentiment  UpdateType = "sentiment"
	UpdateTips       UpdateType = "tips"
	UpdateError      UpdateType = "error"
)

// Update is published to subscribers on every visible change
type Update struct {
	Type       UpdateType             `json:"type"`
	Connection string                 `json:"connection,omitempty"`
	Capture    string                 `json:"capture,omitempty"`
	Level      float64                `json:"level,omitempty"`
	Utterance  *transcript.Utterance  `json:"utterance,omitempty"`
	Tips       []protocol.CoachingTip `json:"tips,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Stats      *transcript.Stats      `json:"stats,omitempty"`
}

// Snapshot is a consistent view of the session
type Snapshot struct {
	Capture    string                 `json:"capture"`
	Connection string                 `json:"connection"`
	Level      float64                `json:"level"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	Live       *transcript.Utterance  `json:"live,omitempty"`
	History    []transcript.Utterance `json:"history"`
	Stats      transcript.Stats       `json:"stats"`
	Tips       []protocol.CoachingTip `json:"tips"`
}

// Session wires capture, transport, codec, aggregator and scoring together.
// All aggregator access happens on a single event loop goroutine; every
// callback posts a closure to it.
type Session struct {
	cfg       Config
	logger    *logger.ContextLogger
	transport *transport.Transport
	capture   *audio.Controller
	scorer    Scorer
	journal   *debuglog.Journal

	actions chan func()
	quit    chan struct{}
	done    chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	scoring sync.WaitGroup

	closeOnce sync.Once

	// Owned by the loop
	agg         *transcript.Aggregator
	subscribers []func(Update)
	tips        []protocol.CoachingTip
	connection  transport.State
	capturing   audio.CaptureState
	startedAt   time.Time
	level       float64
	scored      map[string]bool
	tipsDue     *closedTurn // Coaching waits for the server to end the turn
}

// closedTurn is the turn capture stop closed
type closedTurn struct {
	id   string
	text string
}

// New creates a session and starts its event loop. The transport is not
// connected until Start.
func New(cfg Config, deps Deps, log *logger.Logger) *Session {
	if cfg.Speaker == "" {
		cfg.Speaker = protocol.DefaultSpeaker
	}
	if cfg.ScoringTimeout <= 0 {
		cfg.ScoringTimeout = 30 * time.Second
	}
	journal := deps.Journal
	if journal == nil {
		journal, _ = debuglog.New("", 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		logger:  log.With("session"),
		scorer:  deps.Scorer,
		journal: journal,
		actions: make(chan func(), 256),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		agg:     transcript.New(),
		scored:  make(map[string]bool),
	}

	s.transport = transport.New(cfg.Transport, deps.Dialer, transport.Events{
		OnFrame: func(f protocol.Frame) {
			s.post(func() { s.handleFrame(f) })
		},
		OnStateChange: func(st transport.State) {
			s.post(func() { s.handleConnection(st) })
		},
		OnClose: func(code int, reason string) {
			s.logger.Debug("Connection closed (code=%d): %s", code, reason)
		},
		OnError: func(err error) {
			s.post(func() { s.reportError(err) })
		},
	}, log)

	captureCfg := cfg.Capture
	captureCfg.OnLevel = func(level float64) {
		s.post(func() {
			s.level = level
			s.publish(Update{Type: UpdateLevel, Level: level})
		})
	}
	s.capture = audio.NewController(captureCfg, deps.Opener, audio.ChunkSinkFunc(s.sendChunk), log)

	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.actions:
			fn()
		case <-s.quit:
			return
		}
	}
}

// post queues fn on the event loop. It reports false once the loop is gone.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.actions <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// call runs fn on the event loop and waits for it.
func (s *Session) call(fn func()) bool {
	finished := make(chan struct{})
	if !s.post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-s.done:
		return false
	}
}

// Start connects the transport and starts capture. A connection failure is
// reported but not fatal; the reconnect policy takes over. A capture failure
// is returned.
func (s *Session) Start(ctx context.Context) error {
	if err := s.transport.Connect(ctx); err != nil {
		s.logger.Warn("Initial connection failed: %v", err)
		s.post(func() { s.reportError(err) })
	}

	if err := s.capture.Start(ctx); err != nil {
		s.post(func() { s.reportError(err) })
		return err
	}

	s.call(func() {
		s.startedAt = time.Now()
		s.capturing = audio.CaptureCapturing
		s.journal.SessionStarted()
		s.publish(Update{Type: UpdateCapture, Capture: audio.CaptureCapturing.String()})
	})
	s.logger.Info("Session started")
	return nil
}

// Stop ends capture, closes the current turn and requests its sentiment.
// The server is asked to end its turn too; once its final arrives, coaching
// tips are requested for the whole transcript. The transport stays open.
// Stop is a no-op when capture is not running.
func (s *Session) Stop(ctx context.Context) error {
	elapsed, err := s.capture.Stop()
	if errors.Is(err, audio.ErrNotCapturing) {
		return nil
	}
	if err != nil {
		s.logger.Warn("Capture device did not stop cleanly: %v", err)
	}

	s.call(func() {
		id, text, ok := s.agg.CloseTurn(s.cfg.Speaker, elapsed.Milliseconds())
		if ok {
			s.scoreUtterance(id, text)
		}

		s.tipsDue = &closedTurn{id: id, text: text}
		if sendErr := s.transport.SendControl(protocol.EndTurn{}); sendErr != nil {
			s.logger.Debug("Turn end not sent: %v", sendErr)
			s.agg.Release(s.cfg.Speaker)
		}
		s.flushTips()

		s.journal.SessionStopped(elapsed, len(s.agg.History()))
		s.startedAt = time.Time{}
		s.capturing = audio.CaptureStopped
		s.publish(Update{Type: UpdateCapture, Capture: audio.CaptureStopped.String()})
	})
	s.logger.Info("Session stopped after %s", elapsed.Round(time.Millisecond))
	return err
}

// Close stops capture, shuts the transport down and stops the event loop.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.capture.State() == audio.CaptureCapturing {
			if _, stopErr := s.capture.Stop(); stopErr != nil {
				err = stopErr
			}
		}

		// Must run while the loop still drains transport events
		s.transport.Shutdown()

		// No scoring starts once the loop has seen the cancel
		if !s.call(s.cancel) {
			s.cancel()
		}
		s.scoring.Wait()

		close(s.quit)
		<-s.done
		s.logger.Info("Session closed")
	})
	return err
}

// Snapshot returns a consistent copy of the session state.
func (s *Session) Snapshot() Snapshot {
	var snap Snapshot
	ok := s.call(func() {
		snap = s.snapshotLocked()
	})
	if !ok {
		snap.Capture = audio.CaptureStopped.String()
		snap.Connection = transport.StateClosed.String()
	}
	return snap
}

// Subscribe registers fn for every future Update. fn runs on the event loop
// and must not block.
func (s *Session) Subscribe(fn func(Update)) {
	s.call(func() {
		s.subscribers = append(s.subscribers, fn)
	})
}

// Capturing reports whether the microphone is live
func (s *Session) Capturing() bool {
	return s.capture.State() == audio.CaptureCapturing
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		Capture:    s.capturing.String(),
		Connection: s.connection.String(),
		Level:      s.level,
		History:    s.agg.History(),
		Stats:      s.agg.Stats(),
		Tips:       append([]protocol.CoachingTip(nil), s.tips...),
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		snap.StartedAt = &t
	}
	if live, ok := s.agg.Live(s.cfg.Speaker); ok {
		snap.Live = &live
	}
	return snap
}

// sendChunk runs on the capture thread
func (s *Session) sendChunk(c audio.Chunk) error {
	// Not retried; chunks are lost while the link is down
	return s.transport.Send(protocol.EncodeAudio(c.Samples))
}

func (s *Session) handleFrame(f protocol.Frame) {
	msg, err := protocol.Decode(f)
	if err != nil {
		metrics.DecodeErrorsTotal.Inc()
		s.logger.Warn("Dropping malformed frame: %v", err)
		s.reportError(err)
		return
	}
	if msg == nil {
		s.logger.Debug("Ignoring %s frame (%d bytes)", f.Type, len(f.Data))
		return
	}

	if tr, ok := msg.(protocol.Transcription); ok && tr.Final {
		defer s.flushTips()
	}

	before := len(s.agg.History())
	if !s.agg.Apply(msg) {
		return
	}

	switch m := msg.(type) {
	case protocol.Transcription:
		history := s.agg.History()
		for _, u := range history[before:] {
			u := u
			metrics.UtterancesTotal.Inc()
			s.journal.Utterance(u.ID, u.Speaker, u.WordCount)
			s.publish(Update{Type: UpdateUtterance, Utterance: &u})
		}
		if m.Final && len(history) > before {
			last := history[len(history)-1]
			s.scoreUtterance(last.ID, last.Text)
		} else if m.Final {
			// The stopped turn was completed in place
			s.publishLatest(m.Speaker)
		}
		if live, ok := s.agg.Live(m.Speaker); ok {
			s.publish(Update{Type: UpdateLive, Utterance: &live})
		}

	case protocol.SentimentResult:
		s.publishSentiment(m.Speaker)
	}
}

func (s *Session) handleConnection(st transport.State) {
	if st == transport.StateClosed {
		// The server's turn is gone with the connection
		s.agg.Release(s.cfg.Speaker)
		s.flushTips()
	}
	s.connection = st
	s.journal.Connection(st.String())
	s.publish(Update{Type: UpdateConnection, Connection: st.String()})
}

// scoreUtterance requests sentiment once per utterance. Must run on the loop.
func (s *Session) scoreUtterance(id, text string) {
	if s.scored[id] {
		return
	}
	s.scored[id] = true

	if s.ctx.Err() != nil {
		s.agg.Fail(id)
		return
	}
	if !s.cfg.ScoringEnabled || s.scorer == nil {
		s.agg.Resolve(id, protocol.NeutralSentiment())
		s.publishUtterance(id)
		return
	}

	s.scoring.Add(1)
	go func() {
		defer s.scoring.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ScoringTimeout)
		defer cancel()

		sentiment, err := s.scorer.Sentiment(ctx, text)
		s.post(func() {
			if err != nil {
				s.agg.Fail(id)
				s.reportError(err)
			} else {
				s.agg.Resolve(id, sentiment)
			}
			s.publishUtterance(id)
		})
	}()
}

// flushTips requests coaching once the turn closed by Stop is complete.
// Must run on the loop.
func (s *Session) flushTips() {
	if s.tipsDue == nil || s.agg.Awaiting(s.cfg.Speaker) {
		return
	}
	closed := s.tipsDue
	s.tipsDue = nil

	full := s.agg.Transcript()
	if closed.id != "" && !s.inHistory(closed.id) {
		full = joinText(full, closed.text)
	}
	s.requestTips(full)
}

func (s *Session) inHistory(id string) bool {
	for _, u := range s.agg.History() {
		if u.ID == id {
			return true
		}
	}
	return false
}

func (s *Session) requestTips(text string) {
	if !s.cfg.ScoringEnabled || s.scorer == nil || text == "" || s.ctx.Err() != nil {
		return
	}

	s.scoring.Add(1)
	go func() {
		defer s.scoring.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ScoringTimeout)
		defer cancel()

		tips, err := s.scorer.CoachingTips(ctx, text)
		s.post(func() {
			if err != nil {
				s.reportError(err)
				return
			}
			s.tips = tips
			s.publish(Update{Type: UpdateTips, Tips: tips})
		})
	}()
}

// publishUtterance announces the sentiment state of id
func (s *Session) publishUtterance(id string) {
	for _, u := range s.agg.History() {
		if u.ID != id {
			continue
		}
		u := u
		if u.Sentiment != nil {
			s.journal.Sentiment(u.ID, string(u.Sentiment.Type), u.Sentiment.Confidence)
		}
		stats := s.agg.Stats()
		s.publish(Update{Type: UpdateSentiment, Utterance: &u, Stats: &stats})
		return
	}
}

// publishLatest announces the most recent utterance of speaker
func (s *Session) publishLatest(speaker string) {
	history := s.agg.History()
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Speaker == speakerOrDefault(speaker) {
			u := history[i]
			s.publish(Update{Type: UpdateUtterance, Utterance: &u})
			return
		}
	}
}

// publishSentiment announces the most recently scored utterance of speaker
func (s *Session) publishSentiment(speaker string) {
	speaker = speakerOrDefault(speaker)
	history := s.agg.History()
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Speaker == speaker && !history[i].SentimentPending {
			s.publishUtterance(history[i].ID)
			return
		}
	}
}

func (s *Session) reportError(err error) {
	s.logger.Error("%v", err)
	s.journal.Error(err)
	s.publish(Update{Type: UpdateError, Error: err.Error()})
}

func (s *Session) publish(u Update) {
	for _, fn := range s.subscribers {
		fn(u)
	}
}

func speakerOrDefault(speaker string) string {
	if speaker == "" {
		return protocol.DefaultSpeaker
	}
	return speaker
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return fmt.Sprintf("%s %s", a, b)
	}
}
