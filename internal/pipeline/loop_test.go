package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ipfs-backfill/internal/metrics"
)

// scriptedCycler plays back one behavior per cycle, then succeeds.
type scriptedCycler struct {
	mu     sync.Mutex
	script []func() (metrics.CycleReport, error)
	calls  int
}

func (c *scriptedCycler) Name() string { return "content" }

func (c *scriptedCycler) Cycle(context.Context) (metrics.CycleReport, error) {
	c.mu.Lock()
	idx := c.calls
	c.calls++
	c.mu.Unlock()
	if idx < len(c.script) {
		return c.script[idx]()
	}
	return metrics.CycleReport{Pipeline: "content"}, nil
}

func (c *scriptedCycler) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestLoopSurvivesErrorsAndPanics(t *testing.T) {
	t.Parallel()

	cycler := &scriptedCycler{script: []func() (metrics.CycleReport, error){
		func() (metrics.CycleReport, error) {
			return metrics.CycleReport{Pipeline: "content", Error: "db down"}, errors.New("db down")
		},
		func() (metrics.CycleReport, error) { panic("unexpected") },
		func() (metrics.CycleReport, error) {
			return metrics.CycleReport{Pipeline: "content", Selected: 3, Succeeded: 3}, nil
		},
	}}
	m := metrics.New(prometheus.NewRegistry())
	clock := newStepClock()
	loop := NewLoop(cycler, 0, clock, m, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return cycler.Calls() >= 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.Equal(t, StateStopped, loop.State())

	for _, d := range clock.Sleeps() {
		require.Equal(t, DefaultInterval, d)
	}
	st := m.Status()["content"]
	require.GreaterOrEqual(t, st.Cycles, 4)
	require.Equal(t, 2, st.CycleErrors)
	require.Equal(t, 3, st.Succeeded)
}

func TestLoopCoolsBetweenCycles(t *testing.T) {
	t.Parallel()

	cycler := &scriptedCycler{}
	clock := newStepClock()
	clock.block = make(chan struct{})
	loop := NewLoop(cycler, 250*time.Millisecond, clock, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return loop.State() == StateCooling }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, cycler.Calls())

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, 1, cycler.Calls())
	require.Equal(t, []time.Duration{250 * time.Millisecond}, clock.Sleeps())
}

func TestLoopDoesNotStartAfterCancel(t *testing.T) {
	t.Parallel()

	cycler := &scriptedCycler{}
	loop := NewLoop(cycler, time.Second, newStepClock(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, loop.Run(ctx))
	require.Zero(t, cycler.Calls())
}

func TestRunOnceRecoversPanic(t *testing.T) {
	t.Parallel()

	cycler := &scriptedCycler{script: []func() (metrics.CycleReport, error){
		func() (metrics.CycleReport, error) { panic("kaboom") },
	}}
	m := metrics.New(nil)
	loop := NewLoop(cycler, time.Second, newStepClock(), m, nil)

	report, err := loop.RunOnce(context.Background())
	require.ErrorContains(t, err, "kaboom")
	require.Equal(t, "content", report.Pipeline)
	require.Equal(t, 1, m.Status()["content"].CycleErrors)
}
