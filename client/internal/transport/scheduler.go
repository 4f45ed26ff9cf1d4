package transport

import (
	"sync"
	"sync/atomic"
	"time"
)

// scheduler owns every timer and event callback of one Transport. Timers are
// explicit handles; cancelAll stops all of them on teardown. Events are
// delivered one at a time, in post order, on a single goroutine so callbacks
// never run under the transport lock.
type scheduler struct {
	mu     sync.Mutex
	timers map[*timerHandle]struct{}
	closed bool

	queueMu sync.Mutex
	queue   []func()
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
}

// timerHandle is a cancellable one-shot or periodic timer
type timerHandle struct {
	s         *scheduler
	timer     *time.Timer
	cancelled atomic.Bool
}

func newScheduler() *scheduler {
	s := &scheduler{
		timers: make(map[*timerHandle]struct{}),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// after runs fn once after d. Returns nil when the scheduler is closed.
func (s *scheduler) after(d time.Duration, fn func()) *timerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	h := &timerHandle{s: s}
	h.timer = time.AfterFunc(d, func() {
		s.forget(h)
		if h.cancelled.Load() {
			return
		}
		fn()
	})
	s.timers[h] = struct{}{}
	return h
}

// every runs fn each period until the handle is cancelled.
func (s *scheduler) every(period time.Duration, fn func()) *timerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	h := &timerHandle{s: s}
	var tick func()
	tick = func() {
		if h.cancelled.Load() {
			return
		}
		fn()
		if !h.cancelled.Load() {
			h.timer.Reset(period)
		}
	}
	h.timer = time.AfterFunc(period, tick)
	s.timers[h] = struct{}{}
	return h
}

// Cancel stops the timer. Safe on a nil handle and safe to call twice.
func (h *timerHandle) Cancel() {
	if h == nil {
		return
	}
	h.cancelled.Store(true)
	h.timer.Stop()
	h.s.forget(h)
}

func (s *scheduler) forget(h *timerHandle) {
	s.mu.Lock()
	delete(s.timers, h)
	s.mu.Unlock()
}

// pending returns the number of live timers.
func (s *scheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// post queues fn for ordered delivery on the event goroutine.
func (s *scheduler) post(fn func()) {
	s.queueMu.Lock()
	s.queue = append(s.queue, fn)
	s.queueMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *scheduler) run() {
	defer close(s.done)
	for {
		s.queueMu.Lock()
		batch := s.queue
		s.queue = nil
		s.queueMu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.wake:
		case <-s.quit:
			s.queueMu.Lock()
			batch = s.queue
			s.queue = nil
			s.queueMu.Unlock()
			for _, fn := range batch {
				fn()
			}
			return
		}
	}
}

// cancelAll stops every timer, delivers queued events and stops the event
// goroutine. The scheduler cannot be reused.
func (s *scheduler) cancelAll() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handles := make([]*timerHandle, 0, len(s.timers))
	for h := range s.timers {
		handles = append(handles, h)
	}
	s.timers = make(map[*timerHandle]struct{})
	s.mu.Unlock()

	for _, h := range handles {
		h.cancelled.Store(true)
		h.timer.Stop()
	}

	close(s.quit)
	<-s.done
}
