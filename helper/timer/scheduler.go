package timer

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lthibault/jitterbug/v2"

	log "github.com/sirupsen/logrus"
)

type task struct {
	name     string
	interval Interval
	jitter   jitterbug.Jitter
	next     time.Time
	fn       func(ctx context.Context) error
}

// Scheduler is a cooperative periodic task runner. Every task runs to completion
// before the next one is considered, so tasks never overlap.
type Scheduler struct {
	clock      clock.Clock
	resolution time.Duration

	run   sync.Mutex // held for the whole RunPending pass, so passes never overlap
	mu    sync.Mutex // protects tasks
	tasks []*task
}

func NewScheduler(clk clock.Clock, resolution time.Duration) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if resolution <= 0 {
		resolution = 10 * time.Millisecond
	}
	return &Scheduler{
		clock:      clk,
		resolution: resolution,
	}
}

// Add registers a task. It becomes due immediately and then every interval.
func (s *Scheduler) Add(name string, interval Interval, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = append(s.tasks, &task{
		name:     name,
		interval: interval,
		jitter:   tickerJitter{MaxJitter: interval.Jitter},
		next:     s.clock.Now(),
		fn:       fn,
	})

	log.Debugf("Scheduler: added %s (interval %v, jitter %v)", name, interval.Duration, interval.Jitter)
}

// RunPending runs every task that is due, in registration order. It returns the number of tasks run.
// Tasks may call Add; a task added during a pass is first considered by the next one.
func (s *Scheduler) RunPending(ctx context.Context) int {
	s.run.Lock()
	defer s.run.Unlock()

	s.mu.Lock()
	tasks := append([]*task(nil), s.tasks...)
	s.mu.Unlock()

	ran := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			return ran
		}

		now := s.clock.Now()
		if now.Before(t.next) {
			continue
		}

		if err := t.fn(ctx); err != nil {
			log.Errorf("Scheduler: task %s returned error: %v", t.name, err)
		}
		ran++

		// Schedule relative to the end of the run so slow tasks don't pile up
		t.next = s.clock.Now().Add(t.jitter.Jitter(t.interval.Duration))
	}
	return ran
}

// Run drives RunPending from a single goroutine until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	return RunWithTicker(ctx, "Scheduler.RunPending", &Interval{Duration: s.resolution}, func(ctx context.Context) error {
		s.RunPending(ctx)
		return nil
	})
}
