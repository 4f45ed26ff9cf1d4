package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/server/internal/metrics"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/server/internal/transcription"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/protocol"
	"github.com/gorilla/websocket"
)

// Config holds per-session settings
type Config struct {
	ClientID          string
	Transport         string // metrics label: "websocket" or "datachannel"
	Pipeline          transcription.PipelineConfig
	Transcriber       transcription.Transcriber
	TranscribeTimeout time.Duration // default 30s
	QueueSize         int           // pending segments, default 32
	Logger            *logger.Logger
}

// Session streams one client's audio through a transcription pipeline.
//
// Three goroutines cooperate: the read loop (Run's caller) owns the
// pipeline, a worker owns the transcriber and the current turn, and a write
// pump owns conn writes.
type Session struct {
	id          string
	transport   string
	conn        Conn
	pipeline    *transcription.Pipeline
	transcriber transcription.Transcriber
	timeout     time.Duration
	log         *logger.ContextLogger

	jobs       chan job
	out        chan protocol.Frame
	writerDone chan struct{}

	// Owned by the worker
	turnText    []string
	turnSamples int
}

// job is one unit of worker input
type job struct {
	transcription.Segment
	reply bool // Client asked for the turn to end; always answered with a final
}

// NewSession creates a session for conn
func NewSession(conn Conn, config Config) (*Session, error) {
	if config.Transcriber == nil {
		return nil, errors.New("transcriber is required")
	}
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}
	if config.Transport == "" {
		config.Transport = "websocket"
	}
	if config.TranscribeTimeout == 0 {
		config.TranscribeTimeout = 30 * time.Second
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 32
	}
	config.Pipeline.Logger = config.Logger

	pipeline, err := transcription.NewPipeline(config.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	return &Session{
		id:          config.ClientID,
		transport:   config.Transport,
		conn:        conn,
		pipeline:    pipeline,
		transcriber: config.Transcriber,
		timeout:     config.TranscribeTimeout,
		log:         config.Logger.With("stream"),
		jobs:        make(chan job, config.QueueSize),
		out:         make(chan protocol.Frame, 64),
		writerDone:  make(chan struct{}),
	}, nil
}

// Run serves the connection until the client disconnects or ctx is
// cancelled. Any open turn is finalized before Run returns, and the
// connection is closed.
func (s *Session) Run(ctx context.Context) error {
	gauge := metrics.ActiveConnections.WithLabelValues(s.transport)
	gauge.Inc()
	defer gauge.Dec()

	s.log.Info("Client %s connected (%s)", s.id, s.transport)

	// Cancellation unblocks the read loop by closing the connection
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	go s.writePump()

	var worker sync.WaitGroup
	worker.Add(1)
	go func() {
		defer worker.Done()
		s.transcribeLoop(ctx)
	}()

	err := s.readLoop(ctx)

	// Finalize whatever the client left open
	for _, seg := range s.pipeline.Flush() {
		s.jobs <- job{Segment: seg}
	}
	close(s.jobs)
	worker.Wait()

	close(s.out)
	<-s.writerDone

	if cerr := s.pipeline.Close(); cerr != nil {
		s.log.Warn("Failed to close pipeline: %v", cerr)
	}
	s.log.Info("Client %s disconnected", s.id)

	if isNormalClose(err) || ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		f, err := s.conn.ReadFrame()
		if err != nil {
			return err
		}

		if f.Type == protocol.FrameBinary {
			s.handleAudio(ctx, f.Data)
			continue
		}

		msg, err := protocol.Decode(f)
		if err != nil {
			metrics.InvalidMessagesTotal.Inc()
			s.log.Warn("Invalid message from %s: %v", s.id, err)
			continue
		}

		switch m := msg.(type) {
		case protocol.Ping:
			s.send(protocol.Pong{Timestamp: time.Now().UnixMilli()})
		case protocol.EndTurn:
			s.endTurn(ctx)
		case nil:
			s.log.Debug("Ignoring unknown text frame from %s", s.id)
		default:
			s.log.Debug("Ignoring %s message from %s", m.MessageType(), s.id)
		}
	}
}

func (s *Session) handleAudio(ctx context.Context, data []byte) {
	samples, err := protocol.DecodeAudio(data)
	if err != nil {
		metrics.InvalidMessagesTotal.Inc()
		s.log.Warn("Dropping audio frame from %s: %v", s.id, err)
		return
	}
	metrics.AudioBytesTotal.Add(float64(len(data)))

	for _, seg := range s.pipeline.Process(samples) {
		if !s.enqueue(ctx, job{Segment: seg}) {
			return
		}
	}
}

// endTurn flushes buffered audio and closes the turn on the worker. The
// VAD starts the next turn fresh.
func (s *Session) endTurn(ctx context.Context) {
	jobs := make([]job, 0, 2)
	for _, seg := range s.pipeline.Flush() {
		jobs = append(jobs, job{Segment: seg})
	}
	if n := len(jobs); n > 0 && jobs[n-1].EndOfTurn {
		jobs[n-1].reply = true
	} else {
		jobs = append(jobs, job{Segment: transcription.Segment{EndOfTurn: true}, reply: true})
	}
	for _, j := range jobs {
		if !s.enqueue(ctx, j) {
			return
		}
	}
}

func (s *Session) enqueue(ctx context.Context, j job) bool {
	select {
	case s.jobs <- j:
		return true
	case <-ctx.Done():
		return false
	}
}

// transcribeLoop runs on the worker goroutine until jobs is closed
func (s *Session) transcribeLoop(ctx context.Context) {
	for j := range s.jobs {
		if len(j.Samples) > 0 {
			s.transcribe(ctx, j.Samples)
		}
		if j.EndOfTurn {
			s.finishTurn(j.reply)
		}
	}
}

func (s *Session) transcribe(ctx context.Context, samples []int16) {
	// Finalization after a disconnect still gets a chance to run
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	text, err := s.transcriber.Transcribe(ctx, samples)
	s.turnSamples += len(samples)
	if err != nil {
		metrics.TranscriptionErrorsTotal.Inc()
		s.log.Error("Transcription failed for %s: %v", s.id, err)
		return
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.turnText = append(s.turnText, text)

	s.log.Debug("Partial for %s: %q", s.id, text)
	metrics.TranscriptionsTotal.WithLabelValues("false").Inc()
	s.send(protocol.Transcription{
		Text:      strings.Join(s.turnText, " "),
		Final:     false,
		Timestamp: s.turnSeconds(),
	})
}

// finishTurn sends the turn as final. A turn that produced no text is
// dropped silently unless the client asked for it to end.
func (s *Session) finishTurn(reply bool) {
	defer func() {
		s.turnText = s.turnText[:0]
		s.turnSamples = 0
	}()

	if len(s.turnText) == 0 && !reply {
		return
	}

	text := strings.Join(s.turnText, " ")
	if text != "" {
		s.log.Info("Final for %s: %q", s.id, text)
		metrics.TranscriptionsTotal.WithLabelValues("true").Inc()
	}
	s.send(protocol.Transcription{
		Text:      text,
		Final:     true,
		Timestamp: s.turnSeconds(),
	})
}

func (s *Session) turnSeconds() float64 {
	return float64(s.turnSamples) / transcription.SampleRate
}

// send queues a message for the write pump. It drops the message once the
// pump has given up on the connection.
func (s *Session) send(msg protocol.ControlMessage) {
	f, err := protocol.EncodeControl(msg)
	if err != nil {
		s.log.Error("Failed to encode %s: %v", msg.MessageType(), err)
		return
	}
	select {
	case s.out <- f:
	case <-s.writerDone:
	}
}

// writePump serializes writes. After the first write error it keeps
// draining so senders never block.
func (s *Session) writePump() {
	defer close(s.writerDone)
	defer s.conn.Close()

	failed := false
	for f := range s.out {
		if failed {
			continue
		}
		if err := s.conn.WriteFrame(f); err != nil {
			s.log.Debug("Write to %s failed: %v", s.id, err)
			failed = true
		}
	}
}

func isNormalClose(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
