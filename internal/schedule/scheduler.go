// Package schedule runs keyed, cancelable delayed tasks. At most one task is
// pending per key; scheduling a key again replaces the earlier task, and a
// canceled task never runs even if its timer already fired.
package schedule

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Scheduler owns the pending tasks.
type Scheduler struct {
	clock Clock

	mu    sync.Mutex
	tasks map[string]*task
	gen   uint64
}

type task struct {
	gen   uint64
	timer Timer
	due   time.Time
}

// New creates a Scheduler on the given clock. A nil clock means Real().
func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = Real()
	}
	return &Scheduler{clock: clock, tasks: make(map[string]*task)}
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() Clock { return s.clock }

// Schedule runs fn after delay under key, replacing any pending task for key.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	if prev, ok := s.tasks[key]; ok {
		prev.timer.Stop()
	}
	s.gen++
	gen := s.gen
	t := &task{gen: gen, due: s.clock.Now().Add(delay)}
	s.tasks[key] = t
	// The map entry exists before the timer so an immediate fire finds it.
	t.timer = s.clock.AfterFunc(delay, func() { s.fire(key, gen, fn) })
	s.mu.Unlock()

	slog.Debug("task scheduled", "key", key, "delay_ms", delay.Milliseconds())
}

func (s *Scheduler) fire(key string, gen uint64, fn func()) {
	s.mu.Lock()
	t, ok := s.tasks[key]
	if !ok || t.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, key)
	s.mu.Unlock()
	fn()
}

// Cancel drops the pending task for key. It reports whether one existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, key)
	slog.Debug("task canceled", "key", key)
	return true
}

// CancelAll drops every pending task.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.tasks)
	for key, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, key)
	}
	return n
}

// Pending reports whether a task is waiting under key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Keys lists the keys with a pending task, sorted.
func (s *Scheduler) Keys() []string {
	s.mu.Lock()
	keys := make([]string, 0, len(s.tasks))
	for k := range s.tasks {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return keys
}
