// Package prefetch runs speculative rasterization ahead of the reader: a
// priority-ordered task queue drained by a bounded set of workers. A failed
// render is logged and swallowed; the reader simply falls back to on-demand
// rasterization for that unit.
package prefetch

import (
	"container/heap"
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
)

const (
	// MaxConcurrency is the absolute cap on parallel renders regardless of
	// configuration or hardware parallelism.
	MaxConcurrency = 4

	defaultRetryAttempts = 2
	defaultRetryDelay    = 50 * time.Millisecond
)

// RenderFunc materializes one target at the given scale, typically by
// rasterizing through the document decoder and storing into a cache.
type RenderFunc func(ctx context.Context, target int, scale float64) error

// Task is one queued prefetch request. Lower priority values run sooner.
type Task struct {
	ID       string
	Target   int
	Priority float64
	Scale    float64
}

// Status reports the scheduler's current state.
type Status struct {
	Queued   int  `json:"queued" yaml:"queued"`
	Running  bool `json:"running" yaml:"running"`
	InFlight int  `json:"in_flight" yaml:"in_flight"`
}

type taskKey struct {
	target int
	scale  float64
}

// Config configures a new scheduler.
type Config struct {
	// MaxConcurrency caps parallel renders. Zero derives it from available
	// hardware parallelism, bounded by the package cap.
	MaxConcurrency int
	RetryAttempts  uint
	RetryDelay     time.Duration
	Logger         *slog.Logger
}

// Scheduler is a bounded-concurrency prefetch queue. Enqueueing is idempotent
// per (target, scale): a task already queued or in flight is not duplicated.
type Scheduler struct {
	logger         *slog.Logger
	maxConcurrency int
	retryAttempts  uint
	retryDelay     time.Duration

	mu       sync.Mutex
	queue    taskHeap
	seq      uint64
	queued   map[taskKey]struct{}
	inFlight map[taskKey]struct{}

	running atomic.Bool
	stopped atomic.Bool
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxConc := cfg.MaxConcurrency
	if maxConc <= 0 {
		maxConc = runtime.NumCPU()
	}
	if maxConc > MaxConcurrency {
		maxConc = MaxConcurrency
	}

	attempts := cfg.RetryAttempts
	if attempts == 0 {
		attempts = defaultRetryAttempts
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	return &Scheduler{
		logger:         logger.With("component", "prefetch", "workers", maxConc),
		maxConcurrency: maxConc,
		retryAttempts:  attempts,
		retryDelay:     delay,
		queue:          make(taskHeap, 0),
		queued:         make(map[taskKey]struct{}),
		inFlight:       make(map[taskKey]struct{}),
	}
}

// Add enqueues a prefetch target. Returns false when an equal (target, scale)
// task is already queued or in flight, or when the same target is re-added
// (the scheduler never duplicates work).
func (s *Scheduler) Add(target int, priority float64, scale float64) bool {
	k := taskKey{target, scale}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.queued[k]; dup {
		return false
	}
	if _, dup := s.inFlight[k]; dup {
		return false
	}

	s.seq++
	heap.Push(&s.queue, &taskItem{
		task: &Task{ID: uuid.New().String(), Target: target, Priority: priority, Scale: scale},
		seq:  s.seq,
	})
	s.queued[k] = struct{}{}
	return true
}

// AddBatch enqueues several targets at one priority-per-target, returning how
// many were actually queued.
func (s *Scheduler) AddBatch(tasks []Task) int {
	added := 0
	for _, t := range tasks {
		if s.Add(t.Target, t.Priority, t.Scale) {
			added++
		}
	}
	return added
}

// Start drains the queue, running up to the concurrency cap of renderFn
// invocations in parallel. It returns once the queue is empty and no render
// remains in flight. Calling Start while a drain is already running is a
// no-op. A render failure is retried a bounded number of times, then logged
// and swallowed; it never aborts the drain.
func (s *Scheduler) Start(ctx context.Context, renderFn RenderFunc) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer s.running.Store(false)
	s.stopped.Store(false)

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for {
		task, k := s.pop()
		if task == nil {
			// Queue looks empty; in-flight renders may still be running but
			// cannot enqueue, so wait for them and re-check once.
			wg.Wait()
			if task, k = s.pop(); task == nil {
				return
			}
		}
		sem <- struct{}{} // blocks while all workers are busy

		// A Stop issued while we waited for a slot abandons this task: it
		// was popped but never dispatched to a worker.
		if s.stopped.Load() || ctx.Err() != nil {
			s.dropInFlight(k)
			<-sem
			wg.Wait()
			return
		}

		wg.Add(1)
		go func(task *Task, k taskKey) {
			defer func() {
				s.dropInFlight(k)
				<-sem
				wg.Done()
			}()

			err := retry.Do(
				func() error { return renderFn(ctx, task.Target, task.Scale) },
				retry.Context(ctx),
				retry.Attempts(s.retryAttempts),
				retry.Delay(s.retryDelay),
				retry.LastErrorOnly(true),
			)
			if err != nil {
				s.logger.Warn("prefetch render failed",
					"task_id", task.ID, "target", task.Target, "scale", task.Scale, "error", err)
				return
			}
			s.logger.Debug("prefetched", "task_id", task.ID, "target", task.Target, "scale", task.Scale)
		}(task, k)
	}
}

// Stop abandons all queued tasks and lets in-flight renders run to
// completion (their results are still cached, so the work is not wasted).
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
	n := s.Clear()
	if n > 0 {
		s.logger.Debug("prefetch stopped", "abandoned", n)
	}
}

// Clear abandons queued (not in-flight) tasks, returning how many were
// dropped.
func (s *Scheduler) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	s.queue = s.queue[:0]
	s.queued = make(map[taskKey]struct{})
	return n
}

// Status returns a snapshot of queue depth and in-flight work.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Queued:   len(s.queue),
		Running:  s.running.Load(),
		InFlight: len(s.inFlight),
	}
}

// pop moves the most urgent task from queued to in-flight.
func (s *Scheduler) pop() (*Task, taskKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, taskKey{}
	}
	item := heap.Pop(&s.queue).(*taskItem)
	k := taskKey{item.task.Target, item.task.Scale}
	delete(s.queued, k)
	s.inFlight[k] = struct{}{}
	return item.task, k
}

func (s *Scheduler) dropInFlight(k taskKey) {
	s.mu.Lock()
	delete(s.inFlight, k)
	s.mu.Unlock()
}
