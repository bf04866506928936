package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"

	"github.com/acidvuca/vlc-ingest/internal/pipeline"
)

// Scheduler drives the poll loop for every dataset instance. Each instance
// gets its own singleton-mode job, so a cycle that overruns the interval
// defers the next tick instead of overlapping it.
type Scheduler struct {
	scheduler *gocron.Scheduler
	pipelines []*pipeline.Pipeline
	interval  time.Duration
	timeout   time.Duration

	mu      sync.Mutex
	wg      sync.WaitGroup
	stopped bool
}

// New creates a Scheduler over the given instances. timeout bounds one full
// cycle, fetch through commit.
func New(pipelines []*pipeline.Pipeline, interval, timeout time.Duration) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	return &Scheduler{
		scheduler: s,
		pipelines: pipelines,
		interval:  interval,
		timeout:   timeout,
	}
}

// Start schedules one job per pipeline and starts the underlying scheduler.
// Each job runs immediately on start, then on every interval.
func (s *Scheduler) Start() error {
	if len(s.pipelines) == 0 {
		log.Println("scheduler: no datasets configured; nothing to schedule")
		return nil
	}

	for _, p := range s.pipelines {
		p := p
		_, err := s.scheduler.Every(s.interval).SingletonMode().StartImmediately().Do(func() {
			s.runOnce(p)
		})
		if err != nil {
			return err
		}
	}

	s.scheduler.StartAsync()
	return nil
}

// Stop cancels future ticks and waits for in-flight cycles to finish emitting
// and persisting, so shutdown never leaves partial state behind.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.scheduler.Stop()
	s.wg.Wait()
}

func (s *Scheduler) runOnce(p *pipeline.Pipeline) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if !p.Ready(time.Now()) {
		log.Printf("scheduler: deferring %s cycle (backoff or halted)", p.Name())
		return
	}

	cycleID := uuid.NewString()[:8]
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	log.Printf("scheduler: starting %s cycle %s", p.Name(), cycleID)
	if err := p.RunCycle(ctx); err != nil {
		// The pipeline already logged the failure with backoff detail;
		// failures are never fatal here.
		return
	}
	log.Printf("scheduler: completed %s cycle %s", p.Name(), cycleID)
}
