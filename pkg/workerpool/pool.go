// Package workerpool provides a bounded worker pool with per-task retries.
// Guideline ingestion uses it to embed and index documents in parallel
// without overrunning the embedding service.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStopped is returned when submitting to a stopped pool
	ErrStopped = errors.New("pool is shutting down")
	// ErrQueueFull is returned when the queue has no room
	ErrQueueFull = errors.New("task queue is full")
)

// Task is a unit of work
type Task[T any] struct {
	ID      string
	Payload T
	Context context.Context

	reply chan *Result
}

// Result is the outcome of a task
type Result struct {
	TaskID   string
	Err      error
	Attempts int
	Value    any
}

// Success reports whether the task completed
func (r *Result) Success() bool { return r.Err == nil }

// WorkerFunc processes one task
type WorkerFunc[T any] func(ctx context.Context, task *Task[T]) (any, error)

// Config holds worker pool configuration
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is how many times a failed task is retried
	MaxRetries int
	// RetryDelay grows linearly with the attempt number
	RetryDelay              time.Duration
	GracefulShutdownTimeout time.Duration
	// Retryable filters errors worth retrying; nil retries everything
	Retryable func(error) bool
}

// DefaultConfig returns defaults sized for embedding calls
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		QueueSize:               256,
		MaxRetries:              2,
		RetryDelay:              500 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool runs tasks on a fixed number of workers
type Pool[T any] struct {
	config     Config
	workerFunc WorkerFunc[T]
	logger     *zap.Logger

	taskChan   chan *Task[T]
	resultChan chan *Result
	wg         sync.WaitGroup
	stopOnce   sync.Once
	mu         sync.RWMutex
	stopped    bool

	ctx    context.Context
	cancel context.CancelFunc

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	queueDepth     int64
}

// New creates a new worker pool
func New[T any](cfg Config, fn WorkerFunc[T], logger *zap.Logger) (*Pool[T], error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}
	if cfg.Retryable == nil {
		cfg.Retryable = func(error) bool { return true }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[T]{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan *Task[T], cfg.QueueSize),
		resultChan: make(chan *Result, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches the workers
func (p *Pool[T]) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task; its result is delivered on Results
func (p *Pool[T]) Submit(task *Task[T]) error {
	return p.enqueue(task)
}

// Do queues a task and waits for its result. The result is not delivered on
// Results.
func (p *Pool[T]) Do(ctx context.Context, task *Task[T]) (*Result, error) {
	task.reply = make(chan *Result, 1)
	if task.Context == nil {
		task.Context = ctx
	}
	if err := p.enqueue(task); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-task.reply:
		return res, nil
	}
}

func (p *Pool[T]) enqueue(task *Task[T]) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.taskChan <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Results returns the channel results of Submit are delivered on. It is
// closed by Stop.
func (p *Pool[T]) Results() <-chan *Result {
	return p.resultChan
}

// Stop drains queued tasks and shuts the pool down
func (p *Pool[T]) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.taskChan)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool stopped gracefully")
		case <-time.After(p.config.GracefulShutdownTimeout):
			p.cancel()
			<-done
			err = errors.New("worker pool shutdown timed out")
			p.logger.Warn("worker pool shutdown timed out")
		}
		p.cancel()
		close(p.resultChan)
	})
	return err
}

func (p *Pool[T]) worker(id int) {
	defer p.wg.Done()
	for task := range p.taskChan {
		atomic.AddInt64(&p.queueDepth, -1)
		res := p.processTask(id, task)
		if task.reply != nil {
			task.reply <- res
			continue
		}
		p.resultChan <- res
	}
}

func (p *Pool[T]) processTask(workerID int, task *Task[T]) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	res := &Result{TaskID: task.ID}
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}
		res.Attempts = attempt + 1
		res.Value, res.Err = p.workerFunc(ctx, task)
		if res.Err == nil || !p.config.Retryable(res.Err) || attempt == p.config.MaxRetries {
			break
		}

		atomic.AddInt64(&p.tasksRetried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(res.Err))

		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			attempt = p.config.MaxRetries
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	if res.Err != nil {
		if res.Attempts > 1 {
			res.Err = fmt.Errorf("task failed after %d attempts: %w", res.Attempts, res.Err)
		}
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Error(res.Err))
	} else {
		atomic.AddInt64(&p.tasksCompleted, 1)
	}
	return res
}

// Stats holds pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the queue is not backing up
func (p *Pool[T]) IsHealthy() bool {
	s := p.Stats()
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < 0.9
}
