package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ipfs-backfill/internal/backfill"
	"github.com/JakeFAU/ipfs-backfill/internal/metrics"
)

// DefaultInterval is the cooling period between cycles.
const DefaultInterval = time.Second

// Cycler runs one select-and-dispatch pass.
type Cycler interface {
	Name() string
	Cycle(ctx context.Context) (metrics.CycleReport, error)
}

// CycleObserver receives every finished cycle, failed ones included.
type CycleObserver interface {
	ObserveCycle(report metrics.CycleReport)
}

// State is the loop's current phase.
type State string

// Loop phases.
const (
	StateSelecting State = "selecting"
	StateCooling   State = "cooling"
	StateStopped   State = "stopped"
)

// Loop alternates between running a cycle and cooling down until its
// context is cancelled. A failed or panicking cycle never stops the loop.
type Loop struct {
	cycler   Cycler
	interval time.Duration
	clock    backfill.Clock
	observer CycleObserver
	logger   *zap.Logger

	state atomic.Value
}

// NewLoop builds a Loop. observer and logger may be nil.
func NewLoop(cycler Cycler, interval time.Duration, clock backfill.Clock, observer CycleObserver, logger *zap.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loop{
		cycler:   cycler,
		interval: interval,
		clock:    clock,
		observer: observer,
		logger:   logger.Named("loop").With(zap.String("pipeline", cycler.Name())),
	}
	l.state.Store(StateStopped)
	return l
}

// State reports the current phase.
func (l *Loop) State() State {
	return l.state.Load().(State)
}

// Run loops until ctx is cancelled. The in-flight cycle always drains before
// Run returns.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("backfill loop started", zap.Duration("interval", l.interval))
	defer l.transition(StateStopped)
	for {
		if ctx.Err() != nil {
			l.logger.Info("backfill loop stopped")
			return nil
		}
		l.transition(StateSelecting)
		if _, err := l.RunOnce(ctx); err != nil && ctx.Err() == nil {
			l.logger.Error("cycle failed", zap.Error(err))
		}

		l.transition(StateCooling)
		if err := l.clock.Sleep(ctx, l.interval); err != nil {
			l.logger.Info("backfill loop stopped")
			return nil
		}
	}
}

// RunOnce runs a single cycle, converting a panic into an error.
func (l *Loop) RunOnce(ctx context.Context) (report metrics.CycleReport, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("cycle panicked", zap.Any("panic", rec), zap.Stack("stack"))
			err = fmt.Errorf("cycle panicked: %v", rec)
			report.Pipeline = l.cycler.Name()
			report.Error = err.Error()
		}
		if l.observer != nil && !errors.Is(err, context.Canceled) {
			l.observer.ObserveCycle(report)
		}
	}()
	return l.cycler.Cycle(ctx)
}

func (l *Loop) transition(s State) {
	l.state.Store(s)
}
