package sync

import (
	"context"
	"errors"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/siasync/siasync/internal/queue"
)

var ErrSchedulerStopped = errors.New("scheduler stopped")

// Task is a unit of work run on the scheduler. Tasks with the same name are
// never queued or running twice at the same time.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

// Priority orders queued tasks, lower runs first.
type Priority int

const (
	PriorityPeriodic Priority = iota
	PriorityDelete
	PriorityDownload
	PriorityUpload
)

// TaskFunc adapts a function to a named Task.
type TaskFunc struct {
	name  string
	fn    func(ctx context.Context) error
	local bool
}

func NewTaskFunc(name string, fn func(ctx context.Context) error) *TaskFunc {
	return &TaskFunc{name: name, fn: fn}
}

// NewLocalTaskFunc is NewTaskFunc for work that never calls the daemon.
func NewLocalTaskFunc(name string, fn func(ctx context.Context) error) *TaskFunc {
	return &TaskFunc{name: name, fn: fn, local: true}
}

func (t *TaskFunc) Local() bool {
	return t.local
}

func (t *TaskFunc) Name() string {
	return t.name
}

func (t *TaskFunc) Run(ctx context.Context) error {
	return t.fn(ctx)
}

type job struct {
	id   string
	task Task
	done chan error
}

// Scheduler runs one-off and periodic tasks on a fixed pool of workers.
type Scheduler struct {
	workers int
	clock   clockwork.Clock
	wrap    func(Task) Task

	queue  *queue.PriorityQueue[*job]
	signal chan struct{}

	mu      gosync.Mutex
	active  map[string]string
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

type SchedulerOption func(*Scheduler)

func WithSchedulerClock(clock clockwork.Clock) SchedulerOption {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// WithTaskWrapper decorates every task before it runs, e.g. with a recovery strategy.
func WithTaskWrapper(wrap func(Task) Task) SchedulerOption {
	return func(s *Scheduler) {
		s.wrap = wrap
	}
}

func NewScheduler(workers int, opts ...SchedulerOption) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		workers: workers,
		clock:   clockwork.NewRealClock(),
		queue:   queue.NewPriorityQueue[*job](),
		signal:  make(chan struct{}, workers),
		active:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start launches the workers. Tasks submitted before Start wait in the queue.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	// stopping either context stops the scheduler
	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.ctx.Done():
		}
	}()
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	if s.queue.Len() > 0 {
		s.wake()
	}
	slog.Debug("scheduler start", "workers", s.workers)
}

// Stop cancels running tasks and waits for the workers and periodic loops to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	slog.Debug("scheduler stop", "dropped", s.queue.Len())
}

// Submit queues task. It reports false when a task with the same name is
// already queued or running, or the scheduler is stopped.
func (s *Scheduler) Submit(task Task, priority Priority) bool {
	_, ok := s.submit(task, priority, nil)
	return ok
}

func (s *Scheduler) submit(task Task, priority Priority, done chan error) (*job, bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, false
	}
	if _, ok := s.active[task.Name()]; ok {
		s.mu.Unlock()
		return nil, false
	}
	j := &job{id: uuid.NewString(), task: task, done: done}
	s.active[task.Name()] = j.id
	s.mu.Unlock()

	s.queue.Enqueue(j, int(priority))
	s.wake()
	return j, true
}

func (s *Scheduler) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
		// every worker already has a wakeup pending
	}
}

// Pending reports whether a task with the given name is queued or running.
func (s *Scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[name]
	return ok
}

// Len returns the number of queued or running tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Every runs task on the pool right away and then again interval after each run finishes.
func (s *Scheduler) Every(interval time.Duration, task Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		var timer clockwork.Timer
		for {
			done := make(chan error, 1)
			if _, ok := s.submit(task, PriorityPeriodic, done); ok {
				select {
				case <-done:
				case <-s.ctx.Done():
					return
				}
			}

			if timer == nil {
				timer = s.clock.NewTimer(interval)
				defer timer.Stop()
			} else {
				timer.Reset(interval)
			}
			select {
			case <-s.ctx.Done():
				return
			case <-timer.Chan():
			}
		}
	}()
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.signal:
		}

		for {
			if s.ctx.Err() != nil {
				return
			}
			j, ok := s.queue.Dequeue()
			if !ok {
				break
			}
			s.run(id, j)
		}
	}
}

func (s *Scheduler) run(worker int, j *job) {
	task := j.task
	if s.wrap != nil {
		task = s.wrap(task)
	}

	start := s.clock.Now()
	err := runSafely(s.ctx, task)

	s.mu.Lock()
	if s.active[j.task.Name()] == j.id {
		delete(s.active, j.task.Name())
	}
	s.mu.Unlock()

	if j.done != nil {
		j.done <- err
	}

	switch {
	case err == nil:
		slog.Debug("task done", "task", j.task.Name(), "worker", worker, "took", s.clock.Since(start))
	case errors.Is(err, context.Canceled):
		slog.Debug("task cancelled", "task", j.task.Name())
	default:
		slog.Error("task failed", "task", j.task.Name(), "worker", worker, "error", err)
	}
}

func runSafely(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task panic", "task", task.Name(), "panic", r)
			err = errors.New("task panicked")
		}
	}()
	return task.Run(ctx)
}
