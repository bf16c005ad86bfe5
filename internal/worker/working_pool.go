package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

type Job func(ctx context.Context) error

// Pool is anything the WorkerManager can start and schedulers can feed.
type Pool interface {
	Start(ctx context.Context, managerWg *sync.WaitGroup)
	SubmitJob(ctx context.Context, job Job) error
	GetName() string
}

var ErrPoolClosed = errors.New("worker pool closed")

type WorkingPool struct {
	Name       string
	NumWorkers int
	jobChan    chan Job

	mu     sync.RWMutex
	closed bool
}

func NewWorkingPool(name string, numWorkers int, queueSize int) *WorkingPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &WorkingPool{
		Name:       name,
		NumWorkers: numWorkers,
		jobChan:    make(chan Job, queueSize),
	}
}

func (p *WorkingPool) GetName() string {
	return p.Name
}

// SubmitJob queues job, blocking until there is room or ctx ends.
func (p *WorkingPool) SubmitJob(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobChan <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkingPool) Start(ctx context.Context, managerWg *sync.WaitGroup) {
	defer managerWg.Done()

	var workerWg sync.WaitGroup
	for i := range p.NumWorkers {
		workerWg.Add(1)
		go p.worker(ctx, &workerWg, i+1)
	}

	<-ctx.Done()

	slog.Info("Shutdown signaled, closing job channel", "pool", p.Name)
	p.mu.Lock()
	p.closed = true
	close(p.jobChan)
	p.mu.Unlock()

	workerWg.Wait()
	slog.Info("All workers stopped", "pool", p.Name)
}

func (p *WorkingPool) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()

	for {
		select {
		case job, ok := <-p.jobChan:
			if !ok {
				return
			}
			p.safeExecution(ctx, job, id)
		case <-ctx.Done():
			return
		}
	}
}

func (p *WorkingPool) safeExecution(ctx context.Context, job Job, workerID int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic recovered in job", "pool", p.Name, "worker", workerID, "panic", r)
		}
	}()

	if err = job(ctx); err != nil {
		slog.Error("Job failed", "pool", p.Name, "worker", workerID, "error", err)
	}
	return err
}
