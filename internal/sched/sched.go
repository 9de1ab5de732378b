// internal/sched/sched.go
package sched

import (
	"errors"
	"sync"
	"time"
)

// TaskFunc is a periodic task body. It must not block.
type TaskFunc func()

// TaskHandle identifies a created task.
type TaskHandle int

// TimeoutHandle identifies an allocated timeout.
type TimeoutHandle int

// Invalid is returned by CreateTask and AllocateTimeout on failure.
const Invalid = -1

// Scheduler is the timing contract the flash driver consumes.
type Scheduler interface {
	// CreateTask registers fn to run every period. A task created with
	// autostart false stays paused until ResumeTask.
	CreateTask(name string, fn TaskFunc, period time.Duration, autostart bool) (TaskHandle, error)

	// ResumeTask unpauses a task and runs it on the next turn.
	ResumeTask(h TaskHandle)

	// SetTaskNextCallImmediate runs the task on the next turn, bypassing
	// the period. A paused task still runs once.
	SetTaskNextCallImmediate(h TaskHandle)

	// AllocateTimeout reserves a timeout slot. expired fires from a timer
	// goroutine when an armed timeout elapses without being disarmed.
	AllocateTimeout(expired func()) (TimeoutHandle, error)

	// ArmTimeout starts (or restarts) the countdown on h.
	ArmTimeout(h TimeoutHandle, d time.Duration)

	// DisarmTimeout stops the countdown without freeing the slot.
	DisarmTimeout(h TimeoutHandle)

	// ReleaseTimeout disarms and frees the slot.
	ReleaseTimeout(h TimeoutHandle)
}

// ---- ticker-driven implementation ----

type task struct {
	name   string
	fn     TaskFunc
	period time.Duration

	mu     sync.Mutex
	paused bool

	kick chan struct{}
}

func (t *task) isPaused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

func (t *task) setPaused(v bool) {
	t.mu.Lock()
	t.paused = v
	t.mu.Unlock()
}

type timeout struct {
	expired func()
	timer   *time.Timer
}

// Timers is a goroutine-per-task Scheduler. One instance serves the whole
// process; Close stops every task loop and pending timeout.
type Timers struct {
	mu       sync.Mutex
	tasks    []*task
	timeouts map[TimeoutHandle]*timeout
	nextTO   TimeoutHandle
	done     chan struct{}
	closed   bool
}

func NewTimers() *Timers {
	return &Timers{
		timeouts: make(map[TimeoutHandle]*timeout),
		done:     make(chan struct{}),
	}
}

func (s *Timers) CreateTask(name string, fn TaskFunc, period time.Duration, autostart bool) (TaskHandle, error) {
	if fn == nil {
		return Invalid, errors.New("sched: task function required")
	}
	if period <= 0 {
		return Invalid, errors.New("sched: task period must be > 0")
	}

	t := &task{
		name:   name,
		fn:     fn,
		period: period,
		paused: !autostart,
		kick:   make(chan struct{}, 1),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Invalid, errors.New("sched: scheduler closed")
	}
	s.tasks = append(s.tasks, t)
	h := TaskHandle(len(s.tasks) - 1)
	s.mu.Unlock()

	go s.runTask(t)
	return h, nil
}

func (s *Timers) runTask(t *task) {
	tk := time.NewTicker(t.period)
	defer tk.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-tk.C:
			if !t.isPaused() {
				t.fn()
			}
		case <-t.kick:
			t.fn()
		}
	}
}

func (s *Timers) task(h TaskHandle) *task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h < 0 || int(h) >= len(s.tasks) {
		return nil
	}
	return s.tasks[h]
}

func (s *Timers) ResumeTask(h TaskHandle) {
	t := s.task(h)
	if t == nil {
		return
	}
	t.setPaused(false)
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

func (s *Timers) SetTaskNextCallImmediate(h TaskHandle) {
	t := s.task(h)
	if t == nil {
		return
	}
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

func (s *Timers) AllocateTimeout(expired func()) (TimeoutHandle, error) {
	if expired == nil {
		return Invalid, errors.New("sched: expiry function required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Invalid, errors.New("sched: scheduler closed")
	}

	h := s.nextTO
	s.nextTO++
	s.timeouts[h] = &timeout{expired: expired}
	return h, nil
}

func (s *Timers) ArmTimeout(h TimeoutHandle, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	to, ok := s.timeouts[h]
	if !ok {
		return
	}
	if to.timer != nil {
		to.timer.Stop()
	}
	to.timer = time.AfterFunc(d, to.expired)
}

func (s *Timers) DisarmTimeout(h TimeoutHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if to, ok := s.timeouts[h]; ok && to.timer != nil {
		to.timer.Stop()
		to.timer = nil
	}
}

func (s *Timers) ReleaseTimeout(h TimeoutHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if to, ok := s.timeouts[h]; ok {
		if to.timer != nil {
			to.timer.Stop()
		}
		delete(s.timeouts, h)
	}
}

// Close stops all task loops and pending timeouts.
func (s *Timers) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.done)

	for _, to := range s.timeouts {
		if to.timer != nil {
			to.timer.Stop()
		}
	}
}
