// Package sweep runs the periodic cleanup tasks: expiring stale
// sessions, deleting spent recovery capsules, and dropping expired vault
// entries. One abstraction covers all of them; tasks differ only in
// name, cadence and body.
package sweep

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/groundcrew/groundcrew/pkg/telemetry"
)

// Task is one periodic cleanup job. Run returns the number of records it
// removed.
type Task struct {
	// Name identifies the task in logs and metrics.
	Name string

	// Interval is the cadence between runs.
	Interval time.Duration

	// Run performs one sweep pass.
	Run func(ctx context.Context) (int, error)
}

// Sweeper owns a set of periodic tasks. Task errors are logged and
// counted, never fatal to the loop.
type Sweeper struct {
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	mu    sync.Mutex
	tasks []Task
}

// New creates a sweeper. metrics may be nil.
func New(logger zerolog.Logger, metrics *telemetry.Metrics) *Sweeper {
	return &Sweeper{
		logger:  logger.With().Str("component", "sweeper").Logger(),
		metrics: metrics,
	}
}

// Register adds a task. Tasks registered after Start are not picked up.
func (s *Sweeper) Register(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
}

// Start launches one ticker goroutine per registered task and returns.
// Start times are jittered so tasks sharing an interval do not fire in
// lockstep. Goroutines exit when ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	tasks := make([]Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	for _, task := range tasks {
		go s.loop(ctx, task)
	}

	s.logger.Info().Int("tasks", len(tasks)).Msg("sweeper started")
}

// RunOnce executes every registered task once, sequentially. Used by the
// sweep CLI command. The first task error is returned after all tasks
// have run.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	tasks := make([]Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	var firstErr error
	for _, task := range tasks {
		if err := s.runTask(ctx, task); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// loop runs one task on its cadence until ctx is done.
func (s *Sweeper) loop(ctx context.Context, task Task) {
	if task.Interval <= 0 {
		task.Interval = time.Minute
	}

	// Jitter the first run into [0, Interval).
	jitter := time.Duration(rand.Int63n(int64(task.Interval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	_ = s.runTask(ctx, task)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.runTask(ctx, task)
		}
	}
}

// runTask executes one pass of a task, recording outcome and duration.
func (s *Sweeper) runTask(ctx context.Context, task Task) error {
	started := time.Now()
	removed, err := task.Run(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("task", task.Name).Msg("sweep task failed")
		if s.metrics != nil {
			s.metrics.RecordError("sweep_" + task.Name)
		}
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordSweep(task.Name, removed)
	}
	s.logger.Debug().
		Str("task", task.Name).
		Int("removed", removed).
		Dur("duration", time.Since(started)).
		Msg("sweep task completed")
	return nil
}
