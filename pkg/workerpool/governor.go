// Package workerpool bounds how many reconciliation tasks run at once.
package workerpool

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/metrics"
)

// DefaultMaxConcurrent is the concurrency ceiling used when none is configured.
const DefaultMaxConcurrent = 20

// Config configures the governor.
type Config struct {
	MaxConcurrent int // Maximum tasks in flight across every Process call (default: 20)
}

// Governor holds the semaphore shared by every batch of one run, so the
// ceiling applies to the run as a whole rather than to each batch.
type Governor struct {
	config      Config
	sem         chan struct{}
	inFlight    atomic.Int64
	maxObserved atomic.Int64
	logger      *zap.Logger
}

// New creates a governor.
func New(config Config, logger *zap.Logger) *Governor {
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Governor{
		config: config,
		sem:    make(chan struct{}, config.MaxConcurrent),
		logger: logger.Named("governor"),
	}
}

// Limit returns the concurrency ceiling.
func (g *Governor) Limit() int {
	return g.config.MaxConcurrent
}

// InFlight returns the number of tasks currently executing.
func (g *Governor) InFlight() int {
	return int(g.inFlight.Load())
}

// MaxObserved returns the highest InFlight value seen so far.
func (g *Governor) MaxObserved() int {
	return int(g.maxObserved.Load())
}

// Task is a unit of work.
type Task[T any] struct {
	ID      string                               // For logging/tracking
	Execute func(ctx context.Context) (T, error) // The work to be executed
}

// Result is the result of a task. Aborted is set when the context ended
// before the task could start; Execute was never called for it.
type Result[T any] struct {
	ID      string
	Value   T
	Err     error
	Aborted bool
}

// Process runs every task with bounded parallelism and waits for all of them.
// A failing task never cancels its siblings. Once ctx is done, tasks that
// have not started are reported as aborted; tasks already running finish.
// Results are returned in completion order. onResult, if set, is called
// from the collecting goroutine as each result arrives.
func Process[T any](ctx context.Context, g *Governor, tasks []Task[T], onResult func(Result[T])) []Result[T] {
	if len(tasks) == 0 {
		return nil
	}

	results := make([]Result[T], 0, len(tasks))
	resultsChan := make(chan Result[T], len(tasks))

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task Task[T]) {
			defer wg.Done()
			resultsChan <- runTask(ctx, g, task)
		}(task)
	}

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	aborted := 0
	for r := range resultsChan {
		if r.Aborted {
			aborted++
		}
		results = append(results, r)
		if onResult != nil {
			onResult(r)
		}
	}

	if aborted > 0 {
		g.logger.Warn("Tasks aborted before start",
			zap.Int("aborted", aborted),
			zap.Int("total", len(tasks)))
	}

	return results
}

func runTask[T any](ctx context.Context, g *Governor, task Task[T]) Result[T] {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return Result[T]{ID: task.ID, Err: ctx.Err(), Aborted: true}
	}
	defer func() { <-g.sem }()

	// Both channels may have been ready; an ended run never starts new work.
	if err := ctx.Err(); err != nil {
		return Result[T]{ID: task.ID, Err: err, Aborted: true}
	}

	n := g.inFlight.Add(1)
	metrics.InFlight.Inc()
	for {
		prev := g.maxObserved.Load()
		if n <= prev || g.maxObserved.CompareAndSwap(prev, n) {
			break
		}
	}
	defer func() {
		g.inFlight.Add(-1)
		metrics.InFlight.Dec()
	}()

	value, err := task.Execute(ctx)
	return Result[T]{ID: task.ID, Value: value, Err: err}
}
