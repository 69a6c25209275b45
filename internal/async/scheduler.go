package async

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/arohanajit/hashmapd/internal/failure"
)

// DeferredTask is a one-shot action scheduled after a delay.
type DeferredTask struct {
	Name   string
	Delay  time.Duration
	Action func()

	scheduledAt time.Time
}

// ScheduledAt returns the clock time at which the task was registered.
func (t *DeferredTask) ScheduledAt() time.Time {
	return t.scheduledAt
}

// Scheduler runs deferred tasks on background goroutines. Tasks are not
// joined and cannot be cancelled; Close only prevents new tasks from being
// accepted.
type Scheduler struct {
	clock  clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewScheduler creates a scheduler. A nil clock uses the wall clock.
func NewScheduler(clk clock.Clock, logger *zap.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		clock:  clk,
		logger: logger.Named("scheduler"),
	}
}

// Schedule registers action to run exactly once, no earlier than delay after
// this call. Errors and panics inside action are not returned to the caller;
// panics are reported to the process-wide error sink.
func (s *Scheduler) Schedule(name string, delay time.Duration, action func()) *DeferredTask {
	task := &DeferredTask{
		Name:        name,
		Delay:       delay,
		Action:      action,
		scheduledAt: s.clock.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Warn("Scheduler closed, dropping deferred task", zap.String("task", name))
		return task
	}

	var once sync.Once
	s.clock.AfterFunc(delay, func() {
		once.Do(func() {
			defer failure.Recover("deferred-task-" + name)
			s.logger.Debug("Running deferred task",
				zap.String("task", name),
				zap.Duration("delay", delay))
			action()
		})
	})
	s.logger.Debug("Scheduled deferred task",
		zap.String("task", name),
		zap.Duration("delay", delay))
	return task
}

// Close stops accepting new tasks. Already scheduled tasks still run.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
