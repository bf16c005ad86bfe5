package worker

import (
	"context"
	"log/slog"
	"sync"
)

type workerManagerCMDType int

const (
	StartPool workerManagerCMDType = iota
	StopPool
	StartScheduler
)

type WorkerManagerCMD struct {
	Type      workerManagerCMDType
	PoolName  string
	Pool      Pool
	Scheduler *JobScheduler
}

// WorkerManager owns the lifecycle of pools and the schedulers feeding them.
type WorkerManager struct {
	pools       map[string]Pool
	poolCancels map[string]context.CancelFunc
	poolWg      *sync.WaitGroup
	schedWg     *sync.WaitGroup
	mu          sync.RWMutex

	managerContext context.Context
	managerCancel  context.CancelFunc
	cmdChan        chan WorkerManagerCMD
	done           chan struct{}
}

func NewWorkerManager() *WorkerManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerManager{
		poolWg:         new(sync.WaitGroup),
		schedWg:        new(sync.WaitGroup),
		managerContext: ctx,
		managerCancel:  cancel,
		pools:          make(map[string]Pool),
		poolCancels:    make(map[string]context.CancelFunc),
		cmdChan:        make(chan WorkerManagerCMD, 10),
		done:           make(chan struct{}),
	}
}

func (m *WorkerManager) Run() {
	slog.Info("Worker manager starting")
	defer close(m.done)
	defer slog.Info("Worker manager halted")

	for {
		select {
		case cmd := <-m.cmdChan:
			switch cmd.Type {
			case StartPool:
				m.startPool(cmd)
			case StopPool:
				m.stopPool(cmd.PoolName)
			case StartScheduler:
				m.schedWg.Add(1)
				go cmd.Scheduler.Run(m.managerContext, m.schedWg)
			}
		case <-m.managerContext.Done():
			return
		}
	}
}

func (m *WorkerManager) startPool(cmd WorkerManagerCMD) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.poolCancels[cmd.PoolName]; exists {
		slog.Warn("Pool already exists, skipping start", "pool_name", cmd.PoolName)
		return
	}
	slog.Info("Starting pool", "pool_name", cmd.PoolName)
	poolCtx, poolCancel := context.WithCancel(m.managerContext)
	m.poolCancels[cmd.PoolName] = poolCancel
	m.pools[cmd.PoolName] = cmd.Pool
	m.poolWg.Add(1)
	go cmd.Pool.Start(poolCtx, m.poolWg)
}

func (m *WorkerManager) stopPool(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel, exists := m.poolCancels[name]
	if !exists {
		slog.Warn("Pool not found, cannot stop", "pool_name", name)
		return
	}
	slog.Info("Stopping pool", "pool_name", name)
	cancel()
	delete(m.poolCancels, name)
	delete(m.pools, name)
}

func (m *WorkerManager) StartPool(pool Pool) {
	m.cmdChan <- WorkerManagerCMD{Type: StartPool, PoolName: pool.GetName(), Pool: pool}
}

func (m *WorkerManager) StopPool(name string) {
	m.cmdChan <- WorkerManagerCMD{Type: StopPool, PoolName: name}
}

func (m *WorkerManager) StartScheduler(s *JobScheduler) {
	m.cmdChan <- WorkerManagerCMD{Type: StartScheduler, Scheduler: s}
}

func (m *WorkerManager) GetPool(name string) (Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pool, exists := m.pools[name]
	return pool, exists
}

// Shutdown cancels every scheduler and pool and waits for running jobs to
// return. Run must be running.
func (m *WorkerManager) Shutdown() {
	slog.Info("Worker manager initiating shutdown")
	m.managerCancel()
	<-m.done
	m.schedWg.Wait()
	m.poolWg.Wait()
	slog.Info("Worker manager shutdown complete")
}
