// Package pipeline drives a backfill pipeline: select pending rows, fan them
// out through the dispatcher, cool down, repeat.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/ipfs-backfill/internal/backfill"
	"github.com/JakeFAU/ipfs-backfill/internal/dispatcher"
	"github.com/JakeFAU/ipfs-backfill/internal/metrics"
)

// SelectFunc returns the current snapshot of pending rows.
type SelectFunc[T any] func(ctx context.Context, maxAttempts int) ([]T, error)

// Config controls one pipeline.
type Config struct {
	MaxAttempts int
	Dispatch    dispatcher.Config
}

// Pipeline runs select-then-dispatch cycles for one row type.
type Pipeline[T any] struct {
	name        string
	maxAttempts int
	selectRows  SelectFunc[T]
	task        dispatcher.Task[T]
	dispatcher  *dispatcher.Dispatcher[T]
	ids         backfill.IDGenerator
	clock       backfill.Clock
	logger      *zap.Logger
}

// New builds a Pipeline. observer receives in-flight updates and may be nil.
func New[T any](
	name string,
	cfg Config,
	selectRows SelectFunc[T],
	task dispatcher.Task[T],
	ids backfill.IDGenerator,
	clock backfill.Clock,
	observer dispatcher.InFlightObserver,
	logger *zap.Logger,
) *Pipeline[T] {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = backfill.DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named(name)
	return &Pipeline[T]{
		name:        name,
		maxAttempts: cfg.MaxAttempts,
		selectRows:  selectRows,
		task:        task,
		dispatcher:  dispatcher.New[T](name, cfg.Dispatch, clock, observer, logger),
		ids:         ids,
		clock:       clock,
		logger:      logger,
	}
}

// Name returns the pipeline name.
func (p *Pipeline[T]) Name() string { return p.name }

// Cycle selects a fresh snapshot and processes it to completion.
func (p *Pipeline[T]) Cycle(ctx context.Context) (metrics.CycleReport, error) {
	report := metrics.CycleReport{Pipeline: p.name, StartedAt: p.clock.Now()}
	if id, err := p.ids.NewID(); err == nil {
		report.ID = id
	} else {
		p.logger.Warn("cycle id generation failed", zap.Error(err))
	}
	logger := p.logger.With(zap.String("cycle_id", report.ID))

	rows, err := p.selectRows(ctx, p.maxAttempts)
	if err != nil {
		report.Duration = p.clock.Now().Sub(report.StartedAt)
		report.Error = err.Error()
		return report, fmt.Errorf("select pending rows: %w", err)
	}
	report.Selected = len(rows)
	if len(rows) == 0 {
		report.Duration = p.clock.Now().Sub(report.StartedAt)
		logger.Debug("nothing pending")
		return report, nil
	}

	logger.Info("cycle started", zap.Int("selected", len(rows)))
	stats := p.dispatcher.Run(ctx, rows, p.task)
	report.Succeeded = stats.Succeeded
	report.Failed = stats.Failed
	report.Panicked = stats.Panicked
	report.PeakInFlight = stats.PeakInFlight
	report.Duration = p.clock.Now().Sub(report.StartedAt)

	logger.Info("cycle finished",
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Int("panicked", stats.Panicked),
		zap.Int("skipped", stats.Skipped),
		zap.Int("peak_in_flight", stats.PeakInFlight),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}
