// Package dispatcher fans a snapshot of pending rows out to a bounded number
// of concurrent tasks, refilling a slot as soon as any task finishes.
package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ipfs-backfill/internal/clock/system"
)

// DefaultConcurrency is the number of rows in flight per pipeline.
const DefaultConcurrency = 5

// Config controls the fan-out.
type Config struct {
	// Concurrency is the maximum number of tasks in flight.
	Concurrency int
	// Stagger separates the launches that seed the pool.
	Stagger time.Duration
}

// Sleeper waits for a duration or until the context is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// InFlightObserver is told when a task starts and finishes.
type InFlightObserver interface {
	IncInFlight(pipeline string)
	DecInFlight(pipeline string)
}

// Task processes one item. A returned error marks the item failed; it never
// stops the run.
type Task[T any] func(ctx context.Context, item T) error

// Stats summarizes one Run.
type Stats struct {
	Launched     int
	Succeeded    int
	Failed       int
	Panicked     int
	Skipped      int
	PeakInFlight int
}

type result uint8

const (
	resultSucceeded result = iota
	resultFailed
	resultPanicked
)

// Dispatcher runs tasks over item snapshots with bounded concurrency.
type Dispatcher[T any] struct {
	name     string
	cfg      Config
	sleeper  Sleeper
	observer InFlightObserver
	logger   *zap.Logger
}

// New creates a Dispatcher. sleeper, observer and logger may be nil.
func New[T any](name string, cfg Config, sleeper Sleeper, observer InFlightObserver, logger *zap.Logger) *Dispatcher[T] {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Stagger < 0 {
		cfg.Stagger = 0
	}
	if sleeper == nil {
		sleeper = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher[T]{
		name:     name,
		cfg:      cfg,
		sleeper:  sleeper,
		observer: observer,
		logger:   logger,
	}
}

// Run processes items in FIFO launch order with at most Concurrency tasks in
// flight and returns once every launched task has finished. After ctx is done
// no new task is launched; the rest of the snapshot is reported as Skipped.
func (d *Dispatcher[T]) Run(ctx context.Context, items []T, task Task[T]) Stats {
	queue := make([]T, len(items))
	copy(queue, items)

	var stats Stats
	if len(queue) == 0 {
		return stats
	}

	// Buffered to the ceiling so a finishing task never blocks on send.
	results := make(chan result, d.cfg.Concurrency)
	inFlight := 0

	launch := func() {
		item := queue[0]
		var zero T
		queue[0] = zero
		queue = queue[1:]

		inFlight++
		stats.Launched++
		if inFlight > stats.PeakInFlight {
			stats.PeakInFlight = inFlight
		}
		if d.observer != nil {
			d.observer.IncInFlight(d.name)
		}
		go func() {
			results <- d.execute(ctx, item, task)
		}()
	}

	settle := func(r result) {
		inFlight--
		if d.observer != nil {
			d.observer.DecInFlight(d.name)
		}
		switch r {
		case resultSucceeded:
			stats.Succeeded++
		case resultFailed:
			stats.Failed++
		case resultPanicked:
			stats.Panicked++
		}
	}

	// Seed the pool, staggering launches so the gateway does not see a burst.
	// Completions during seeding stay buffered and are settled by the refill loop.
	for len(queue) > 0 && stats.Launched < d.cfg.Concurrency && ctx.Err() == nil {
		if stats.Launched > 0 && d.cfg.Stagger > 0 {
			if err := d.sleeper.Sleep(ctx, d.cfg.Stagger); err != nil {
				break
			}
		}
		launch()
	}

	// Refill: every completion immediately frees a slot for the next row.
	for inFlight > 0 {
		settle(<-results)
		if len(queue) > 0 && ctx.Err() == nil {
			launch()
		}
	}

	stats.Skipped = len(queue)
	d.logger.Debug("dispatch finished",
		zap.String("pipeline", d.name),
		zap.Int("launched", stats.Launched),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Int("panicked", stats.Panicked),
		zap.Int("skipped", stats.Skipped),
		zap.Int("peak_in_flight", stats.PeakInFlight),
	)
	return stats
}

func (d *Dispatcher[T]) execute(ctx context.Context, item T, task Task[T]) (res result) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("task panicked",
				zap.String("pipeline", d.name),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			res = resultPanicked
		}
	}()
	if err := task(ctx, item); err != nil {
		return resultFailed
	}
	return resultSucceeded
}
