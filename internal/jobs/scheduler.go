package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrUnknownTask is returned by RunNow for a name that was never registered.
var ErrUnknownTask = errors.New("unknown task")

// JobMetrics observes finished task runs. errorType is empty on success.
type JobMetrics interface {
	ObserveRun(job string, elapsed time.Duration, errorType string)
}

// Task is one periodic maintenance job.
type Task struct {
	// Name labels logs and metrics. Must be unique within a Scheduler.
	Name string
	// Interval between runs.
	Interval time.Duration
	// Timeout bounds a single run. Defaults to Interval.
	Timeout time.Duration
	// Run performs the work. It must honor ctx cancellation.
	Run func(ctx context.Context) error
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Logger for job activity.
	Logger *slog.Logger
	// JobMetrics for centralized background job tracking. Optional.
	JobMetrics JobMetrics
}

// Scheduler runs each Task on its own ticker. Tasks are isolated from each
// other: a failure or panic in one is logged and counted, and the task simply
// runs again on its next tick.
type Scheduler struct {
	config SchedulerConfig
	tasks  map[string]Task
	order  []string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a Scheduler with the given tasks.
func NewScheduler(config SchedulerConfig, tasks ...Task) (*Scheduler, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	s := &Scheduler{config: config, tasks: make(map[string]Task, len(tasks))}
	for _, t := range tasks {
		if t.Name == "" || t.Run == nil {
			return nil, fmt.Errorf("task %q: name and run function are required", t.Name)
		}
		if t.Interval <= 0 {
			return nil, fmt.Errorf("task %q: interval must be > 0", t.Name)
		}
		if _, dup := s.tasks[t.Name]; dup {
			return nil, fmt.Errorf("task %q registered twice", t.Name)
		}
		if t.Timeout <= 0 {
			t.Timeout = t.Interval
		}
		s.tasks[t.Name] = t
		s.order = append(s.order, t.Name)
	}
	return s, nil
}

// Start launches one goroutine per task. The first run of each task happens
// after one interval. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for _, name := range s.order {
		task := s.tasks[name]
		s.wg.Add(1)
		go s.loop(ctx, task)
	}

	s.config.Logger.Info("scheduler started", "tasks", len(s.order))
	return nil
}

// Stop cancels all tasks and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	s.config.Logger.Info("scheduler stopped")
}

// IsRunning returns whether the scheduler is currently running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunNow executes the named task once, synchronously, with the same timeout,
// logging and metrics as a scheduled run.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	task, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.execute(ctx, task)
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.config.Logger.Debug("task stopping", "task", task.Name)
			return
		case <-ticker.C:
			_ = s.execute(ctx, task)
		}
	}
}

// execute runs a task once, converting panics into errors.
func (s *Scheduler) execute(parent context.Context, task Task) (err error) {
	ctx, cancel := context.WithTimeout(parent, task.Timeout)
	defer cancel()

	logger := s.config.Logger.With("task", task.Name)
	start := time.Now()
	logger.Debug("task started")

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
			s.record(task.Name, start, ErrorTypePanic)
			logger.Error("task panicked", "panic", r)
		}
	}()

	err = task.Run(ctx)

	if err != nil {
		errorType := ErrorTypeTask
		if errors.Is(err, context.DeadlineExceeded) {
			errorType = ErrorTypeTimeout
		}
		s.record(task.Name, start, errorType)
		logger.Error("task failed",
			"error", err,
			"duration_ms", time.Since(start).Milliseconds())
		return err
	}
	s.record(task.Name, start, "")
	logger.Info("task completed", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (s *Scheduler) record(name string, start time.Time, errorType string) {
	if m := s.config.JobMetrics; m != nil {
		m.ObserveRun(name, time.Since(start), errorType)
	}
}
