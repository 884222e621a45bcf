// Package worker holds the per-row tasks of the content and image pipelines.
// Each Process call handles exactly one pending row and always leaves the
// row's attempt counter in a consistent state.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ipfs-backfill/internal/backfill"
	"github.com/JakeFAU/ipfs-backfill/internal/metrics"
)

// Pipeline names used in logs, metrics and notifications.
const (
	PipelineContent = "content"
	PipelineImage   = "image"
)

// DefaultRateLimitBackoff is how long a rate-limited task holds its slot.
const DefaultRateLimitBackoff = 30 * time.Second

// Config controls worker behavior.
type Config struct {
	// MaxAttempts is the attempt ceiling; missing image URLs jump straight to it.
	MaxAttempts int
	// RateLimitBackoff is slept inside the task after a 429.
	RateLimitBackoff time.Duration
	// BlobPrefix is prepended to stored image paths.
	BlobPrefix string
	// Topic receives a notification per backfilled row. Empty disables publishing.
	Topic string
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = backfill.DefaultMaxAttempts
	}
	if c.RateLimitBackoff < 0 {
		c.RateLimitBackoff = 0
	}
	return c
}

// Observer receives per-row outcomes.
type Observer interface {
	ObserveRow(pipeline, outcome string)
	ObserveRateLimited(pipeline string)
}

type nopObserver struct{}

func (nopObserver) ObserveRow(string, string)  {}
func (nopObserver) ObserveRateLimited(string) {}

// base carries the collaborators shared by both workers.
type base struct {
	pipeline  string
	cfg       Config
	publisher backfill.Publisher
	clock     backfill.Clock
	observer  Observer
	logger    *zap.Logger
}

func newBase(pipeline string, cfg Config, publisher backfill.Publisher, clock backfill.Clock, observer Observer, logger *zap.Logger) base {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{
		pipeline:  pipeline,
		cfg:       cfg.withDefaults(),
		publisher: publisher,
		clock:     clock,
		observer:  observer,
		logger:    logger.Named(pipeline),
	}
}

// backoffIfRateLimited keeps the caller's slot occupied after a 429 so the
// gateway sees fewer requests while it is throttling.
func (b base) backoffIfRateLimited(ctx context.Context, logger *zap.Logger, err error) {
	if !backfill.IsRateLimited(err) {
		return
	}
	b.observer.ObserveRateLimited(b.pipeline)
	if b.cfg.RateLimitBackoff == 0 {
		return
	}
	logger.Warn("gateway rate limited, backing off", zap.Duration("backoff", b.cfg.RateLimitBackoff))
	if sleepErr := b.clock.Sleep(ctx, b.cfg.RateLimitBackoff); sleepErr != nil {
		logger.Debug("backoff interrupted", zap.Error(sleepErr))
	}
}

func (b base) notify(ctx context.Context, logger *zap.Logger, ownerID int64, filename string) {
	if b.cfg.Topic == "" || b.publisher == nil {
		return
	}
	note := backfill.Notification{
		Pipeline:  b.pipeline,
		OwnerID:   ownerID,
		Filename:  filename,
		Timestamp: b.clock.Now(),
	}
	if _, err := b.publisher.Publish(ctx, b.cfg.Topic, note); err != nil {
		logger.Warn("publish notification failed", zap.Error(err))
	}
}

// interrupted reports whether err came from the run being cancelled rather
// than from the row itself.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

var _ Observer = (*metrics.Metrics)(nil)
