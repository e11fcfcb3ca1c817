package agent

import (
	"context"
	"sync"
	"time"
)

// Interrupt tuning. An inbox write reschedules the pending timer to
// InterruptWake when it is more than InterruptThreshold away; closer
// timers are left alone to avoid thrashing.
const (
	DefaultInterruptThreshold = 10 * time.Second
	DefaultInterruptWake      = 1 * time.Second
)

// Scheduler is the one-shot timer chain driving an actor's cycles. Each
// cycle schedules the next; stop removes the pending timer only, never
// an in-flight cycle.
type Scheduler struct {
	actor *Actor

	InterruptThreshold time.Duration
	InterruptWake      time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	next    time.Time
	running bool
}

// NewScheduler binds a scheduler to its actor with default interrupt
// tuning.
func NewScheduler(a *Actor) *Scheduler {
	return &Scheduler{
		actor:              a,
		InterruptThreshold: DefaultInterruptThreshold,
		InterruptWake:      DefaultInterruptWake,
	}
}

// Start schedules an immediate cycle if none is pending.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	if s.timer == nil {
		s.scheduleLocked(0)
	}
}

// Stop clears the pending timer. The in-flight cycle, if any, completes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.next = time.Time{}
}

// Running reports whether the chain is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// UntilNext returns the time until the pending cycle, zero when none.
func (s *Scheduler) UntilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return 0
	}
	d := time.Until(s.next)
	if d < 0 {
		d = 0
	}
	return d
}

// Interrupt shortens the pending timer for prompt inbox delivery. Timers
// within the threshold are left untouched.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.timer == nil {
		return
	}
	if time.Until(s.next) <= s.InterruptThreshold {
		return
	}
	s.timer.Stop()
	s.scheduleLocked(s.InterruptWake)
}

// scheduleLocked arms the next tick. Callers hold mu.
func (s *Scheduler) scheduleLocked(d time.Duration) {
	s.next = time.Now().Add(d)
	s.timer = time.AfterFunc(d, s.tick)
}

func (s *Scheduler) tick() {
	outcome := s.actor.RunCycle(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = nil
	if !s.running || outcome.Skipped {
		return
	}
	s.scheduleLocked(outcome.NextInterval)
}
