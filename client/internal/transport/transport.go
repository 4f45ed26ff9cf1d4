package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/client/internal/metrics"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/protocol"
)

// WebSocket close codes used by the transport
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

var (
	ErrNotConnected         = errors.New("transport not connected")
	ErrSendQueueFull        = errors.New("send queue full")
	ErrConnection           = errors.New("connection failed")
	ErrMaxReconnectAttempts = errors.New("max reconnect attempts reached")
	ErrShutdown             = errors.New("transport shut down")
)

// State is the connection lifecycle state
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds transport settings
type Config struct {
	URL                  string
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	AutoReconnect        bool
	SendQueueSize        int
	DialTimeout          time.Duration
}

// DefaultConfig returns the standard reconnect and heartbeat settings.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		ReconnectInterval:    3 * time.Second,
		MaxReconnectAttempts: 5,
		HeartbeatInterval:    15 * time.Second,
		AutoReconnect:        true,
		SendQueueSize:        64,
		DialTimeout:          10 * time.Second,
	}
}

// Events are delivered in order on a single goroutine. Callbacks may call
// back into the Transport.
type Events struct {
	OnOpen        func()
	OnFrame       func(protocol.Frame)
	OnClose       func(code int, reason string)
	OnError       func(err error)
	OnStateChange func(State)
}

// link is one live connection and the goroutines serving it
type link struct {
	gen   uint64
	conn  Conn
	queue chan protocol.Frame
	stop  chan struct{}
	done  sync.WaitGroup
}

// Transport is a reconnecting, heartbeating, ordered duplex connection to
// the streaming server.
type Transport struct {
	cfg    Config
	dialer Dialer
	events Events
	logger *logger.ContextLogger
	sched  *scheduler

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	gen       uint64
	link      *link
	attempts  int
	exhausted bool
	shutdown  bool
	heartbeat *timerHandle
	reconnect *timerHandle
}

// New creates a transport in the Idle state. Zero config values fall back to
// DefaultConfig, except the reconnect policy which is taken as given: a zero
// ReconnectInterval retries immediately and zero MaxReconnectAttempts never
// retries.
func New(cfg Config, dialer Dialer, events Events, log *logger.Logger) *Transport {
	def := DefaultConfig(cfg.URL)
	if cfg.ReconnectInterval < 0 {
		cfg.ReconnectInterval = 0
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:    cfg,
		dialer: dialer,
		events: events,
		logger: log.With("transport"),
		sched:  newScheduler(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Attempts returns the number of reconnects scheduled since the last open.
func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Connect dials the server. It is a no-op while connecting or open. An
// explicit call resets the reconnect budget.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return ErrShutdown
	}
	if t.state == StateConnecting || t.state == StateOpen {
		t.mu.Unlock()
		return nil
	}
	t.attempts = 0
	t.exhausted = false
	t.reconnect.Cancel()
	t.reconnect = nil
	t.mu.Unlock()

	return t.dial(ctx)
}

func (t *Transport) dial(ctx context.Context) error {
	t.mu.Lock()
	if t.shutdown || t.state == StateConnecting || t.state == StateOpen {
		t.mu.Unlock()
		return nil
	}
	t.gen++
	gen := t.gen
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()

	t.logger.Info("Connecting to %s", t.cfg.URL)

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	conn, err := t.dialer.Dial(dialCtx, t.cfg.URL)
	cancel()

	t.mu.Lock()
	if gen != t.gen || t.shutdown {
		// Closed while dialing
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close(CloseNormal, "superseded")
		}
		return ErrNotConnected
	}

	if err != nil {
		t.setStateLocked(StateClosed)
		reason := err.Error()
		t.sched.post(func() {
			if t.events.OnClose != nil {
				t.events.OnClose(CloseAbnormal, reason)
			}
		})
		t.mu.Unlock()

		t.logger.Warn("Connection to %s failed: %v", t.cfg.URL, err)
		t.handleAbnormal()
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	l := &link{
		gen:   gen,
		conn:  conn,
		queue: make(chan protocol.Frame, t.cfg.SendQueueSize),
		stop:  make(chan struct{}),
	}
	t.link = l
	t.attempts = 0
	t.setStateLocked(StateOpen)
	t.heartbeat = t.sched.every(t.cfg.HeartbeatInterval, func() { t.sendPing(gen) })
	t.sched.post(func() {
		if t.events.OnOpen != nil {
			t.events.OnOpen()
		}
	})

	l.done.Add(2)
	go t.writeLoop(l)
	go t.readLoop(l)
	t.mu.Unlock()

	t.logger.Info("Connected to %s", t.cfg.URL)
	return nil
}

// Send enqueues a frame without blocking.
func (t *Transport) Send(f protocol.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateOpen || t.link == nil {
		return ErrNotConnected
	}
	select {
	case t.link.queue <- f:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// SendControl encodes msg as a text frame and sends it.
func (t *Transport) SendControl(msg protocol.ControlMessage) error {
	f, err := protocol.EncodeControl(msg)
	if err != nil {
		return err
	}
	return t.Send(f)
}

// Close closes the current connection with code. Any code other than 1000
// is treated as abnormal and subject to the reconnect policy.
func (t *Transport) Close(code int, reason string) error {
	t.mu.Lock()
	t.reconnect.Cancel()
	t.reconnect = nil

	switch t.state {
	case StateIdle, StateClosed, StateClosing:
		t.mu.Unlock()
		return nil

	case StateConnecting:
		// Invalidate the in-flight dial
		t.gen++
		t.setStateLocked(StateClosed)
		t.postClose(code, reason)
		t.mu.Unlock()
		if code != CloseNormal {
			t.handleAbnormal()
		}
		return nil
	}

	l := t.link
	t.link = nil
	t.gen++
	t.heartbeat.Cancel()
	t.heartbeat = nil
	t.setStateLocked(StateClosing)
	t.mu.Unlock()

	t.logger.Info("Closing connection (code=%d reason=%q)", code, reason)

	close(l.stop)
	err := l.conn.Close(code, reason)
	l.done.Wait()

	t.mu.Lock()
	t.setStateLocked(StateClosed)
	t.postClose(code, reason)
	t.mu.Unlock()

	if code != CloseNormal {
		t.handleAbnormal()
	}
	if err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

// Shutdown closes normally and releases every timer. The transport cannot
// be reconnected afterwards. It must not be called from an event callback.
func (t *Transport) Shutdown() {
	_ = t.Close(CloseNormal, "shutdown")

	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return
	}
	t.shutdown = true
	t.heartbeat.Cancel()
	t.reconnect.Cancel()
	t.heartbeat = nil
	t.reconnect = nil
	t.mu.Unlock()

	t.cancel()
	t.sched.cancelAll()
}

func (t *Transport) readLoop(l *link) {
	defer l.done.Done()

	for {
		f, err := l.conn.ReadFrame()
		if err != nil {
			t.connectionLost(l, err)
			return
		}
		if !t.current(l.gen) {
			return
		}
		metrics.FramesReceivedTotal.WithLabelValues(f.Type.String()).Inc()

		if isPong(f) {
			t.logger.Debug("Heartbeat pong received")
			continue
		}
		frame := f
		t.sched.post(func() {
			if t.events.OnFrame != nil {
				t.events.OnFrame(frame)
			}
		})
	}
}

func (t *Transport) writeLoop(l *link) {
	defer l.done.Done()

	for {
		select {
		case <-l.stop:
			return
		case f := <-l.queue:
			if err := l.conn.WriteFrame(f); err != nil {
				t.logger.Warn("Write failed: %v", err)
				// Unblocks the read loop, which reports the loss
				_ = l.conn.Close(CloseAbnormal, "write failed")
				return
			}
			metrics.FramesSentTotal.WithLabelValues(f.Type.String()).Inc()
		}
	}
}

// connectionLost handles a read error on the live link. Errors from a link
// that was already closed locally are ignored.
func (t *Transport) connectionLost(l *link, err error) {
	t.mu.Lock()
	if l.gen != t.gen || t.link != l {
		t.mu.Unlock()
		return
	}
	t.link = nil
	t.heartbeat.Cancel()
	t.heartbeat = nil
	t.setStateLocked(StateClosed)

	code, reason := CloseAbnormal, err.Error()
	var ce *CloseError
	if errors.As(err, &ce) {
		code, reason = ce.Code, ce.Reason
	}
	t.postClose(code, reason)
	t.mu.Unlock()

	close(l.stop)
	_ = l.conn.Close(CloseAbnormal, "connection lost")

	if code == CloseNormal {
		t.logger.Info("Connection closed by server")
		return
	}
	t.logger.Warn("Connection lost (code=%d): %s", code, reason)
	t.handleAbnormal()
}

// handleAbnormal applies the reconnect policy after an abnormal closure.
func (t *Transport) handleAbnormal() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.cfg.AutoReconnect || t.shutdown || t.exhausted {
		return
	}
	if t.state == StateConnecting || t.state == StateOpen {
		return
	}

	if t.attempts < t.cfg.MaxReconnectAttempts {
		t.attempts++
		metrics.ReconnectAttemptsTotal.Inc()
		t.logger.Info("Reconnecting in %s (attempt %d/%d)",
			t.cfg.ReconnectInterval, t.attempts, t.cfg.MaxReconnectAttempts)

		t.reconnect.Cancel()
		t.reconnect = t.sched.after(t.cfg.ReconnectInterval, func() {
			t.mu.Lock()
			t.reconnect = nil
			t.mu.Unlock()
			_ = t.dial(t.ctx)
		})
		return
	}

	t.exhausted = true
	t.logger.Error("Giving up after %d reconnect attempts", t.attempts)
	t.sched.post(func() {
		if t.events.OnError != nil {
			t.events.OnError(ErrMaxReconnectAttempts)
		}
	})
}

func (t *Transport) sendPing(gen uint64) {
	if !t.current(gen) {
		return
	}
	err := t.SendControl(protocol.Ping{Timestamp: time.Now().UnixMilli()})
	if err != nil {
		t.logger.Debug("Heartbeat ping not sent: %v", err)
	}
}

func (t *Transport) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gen == t.gen && t.state == StateOpen
}

func (t *Transport) postClose(code int, reason string) {
	t.sched.post(func() {
		if t.events.OnClose != nil {
			t.events.OnClose(code, reason)
		}
	})
}

// setStateLocked must be called with t.mu held.
func (t *Transport) setStateLocked(s State) {
	if t.state == s {
		return
	}
	t.state = s
	metrics.TransportState.Set(float64(s))
	t.sched.post(func() {
		if t.events.OnStateChange != nil {
			t.events.OnStateChange(s)
		}
	})
}

func isPong(f protocol.Frame) bool {
	if f.Type != protocol.FrameText {
		return false
	}
	msg, err := protocol.Decode(f)
	if err != nil {
		return false
	}
	_, ok := msg.(protocol.Pong)
	return ok
}
