package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobScheduler submits its jobs to a pool on every tick.
type JobScheduler struct {
	Name     string
	Interval time.Duration
	Pool     Pool

	mu   sync.RWMutex
	jobs []Job
}

func NewJobScheduler(name string, interval time.Duration, pool Pool) *JobScheduler {
	return &JobScheduler{
		Name:     name,
		Interval: interval,
		Pool:     pool,
	}
}

func (s *JobScheduler) AddJob(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

// Run submits once immediately, then on every tick until ctx ends.
func (s *JobScheduler) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	slog.Info("Scheduler running", "scheduler", s.Name, "interval", s.Interval)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.submitJobs(ctx)
	for {
		select {
		case <-ticker.C:
			s.submitJobs(ctx)
		case <-ctx.Done():
			slog.Info("Scheduler shutting down", "scheduler", s.Name)
			return
		}
	}
}

func (s *JobScheduler) submitJobs(ctx context.Context) {
	s.mu.RLock()
	jobs := make([]Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.RUnlock()

	for _, job := range jobs {
		submitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := s.Pool.SubmitJob(submitCtx, job); err != nil && ctx.Err() == nil {
			slog.Warn("Failed to submit job", "scheduler", s.Name, "pool", s.Pool.GetName(), "error", err)
		}
		cancel()
	}
}
