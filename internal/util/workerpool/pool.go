package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of background work such as flushing an evicted shard
type Task struct {
	ID      string
	Fn      func(context.Context) error
	Context context.Context
}

// WorkerPool runs tasks on a bounded set of goroutines
type WorkerPool struct {
	name      string
	workers   int
	taskQueue chan Task
	logger    *zap.Logger
	wg        sync.WaitGroup
	inflight  sync.WaitGroup
	stopOnce  sync.Once
	stopChan  chan struct{}
	mu        sync.RWMutex // guards stopped against concurrent submits
	stopped   bool

	submitted uint64
	completed uint64
	failed    uint64
	rejected  uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// NewWorkerPool creates and starts a worker pool
func NewWorkerPool(cfg *Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	pool := &WorkerPool{
		name:      cfg.Name,
		workers:   cfg.MaxWorkers,
		taskQueue: make(chan Task, cfg.QueueSize),
		logger:    cfg.Logger,
		stopChan:  make(chan struct{}),
	}

	for i := 0; i < pool.workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		zap.String("name", pool.name),
		zap.Int("max_workers", pool.workers),
		zap.Int("queue_size", cfg.QueueSize))

	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			// drain what was accepted before stop
			for {
				select {
				case task := <-p.taskQueue:
					p.run(id, task)
				default:
					return
				}
			}
		case task := <-p.taskQueue:
			p.run(id, task)
		}
	}
}

func (p *WorkerPool) run(workerID int, task Task) {
	defer p.inflight.Done()

	start := time.Now()
	err := p.safeExecute(task)
	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Error("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&p.completed, 1)
}

func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return task.Fn(ctx)
}

// TrySubmit queues a task without blocking.
// Returns false if the queue is full or the pool is stopped; the caller should then run the task inline.
func (p *WorkerPool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		atomic.AddUint64(&p.rejected, 1)
		return false
	}

	p.inflight.Add(1)
	select {
	case p.taskQueue <- task:
		atomic.AddUint64(&p.submitted, 1)
		return true
	default:
		p.inflight.Done()
		atomic.AddUint64(&p.rejected, 1)
		return false
	}
}

// Wait blocks until every queued task has run
func (p *WorkerPool) Wait() {
	p.inflight.Wait()
}

// Stop stops accepting tasks, runs what is queued and waits for the workers
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool", zap.String("name", p.name))
		p.mu.Lock()
		p.stopped = true
		close(p.stopChan)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped gracefully", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats is a point-in-time view of pool counters
type Stats struct {
	Name      string
	Workers   int
	Queued    int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Queued:    len(p.taskQueue),
		Submitted: atomic.LoadUint64(&p.submitted),
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		Rejected:  atomic.LoadUint64(&p.rejected),
	}
}
