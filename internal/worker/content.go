package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/ipfs-backfill/internal/backfill"
	"github.com/JakeFAU/ipfs-backfill/internal/metrics"
)

// ContentWorker fetches the IPFS document of one owner and persists it.
type ContentWorker struct {
	base
	gateway backfill.Gateway
	writer  backfill.ContentWriter
}

// NewContentWorker constructs a ContentWorker. publisher, observer and logger may be nil.
func NewContentWorker(
	gateway backfill.Gateway,
	writer backfill.ContentWriter,
	publisher backfill.Publisher,
	clock backfill.Clock,
	observer Observer,
	cfg Config,
	logger *zap.Logger,
) *ContentWorker {
	return &ContentWorker{
		base:    newBase(PipelineContent, cfg, publisher, clock, observer, logger),
		gateway: gateway,
		writer:  writer,
	}
}

// Process runs one content task. Non-content payloads are stored as the empty
// sentinel and counted as a failed attempt.
func (w *ContentWorker) Process(ctx context.Context, row backfill.PendingContent) error {
	logger := w.logger.With(zap.Int64("owner_id", row.OwnerID), zap.Int("attempts", row.Attempts))

	hash, err := backfill.ExtractHash(row.Locator)
	if err != nil {
		return w.fail(ctx, logger, row, err)
	}

	body, err := w.gateway.FetchContent(ctx, hash)
	if err != nil {
		if interrupted(ctx, err) {
			return fmt.Errorf("fetch content %s: %w", hash, err)
		}
		failErr := w.fail(ctx, logger, row, err)
		w.backoffIfRateLimited(ctx, logger, err)
		return fmt.Errorf("fetch content %s: %w", hash, failErr)
	}

	doc := backfill.Classify(body)
	if doc.IsEmpty() {
		return w.fail(ctx, logger, row, backfill.ErrNotContent)
	}

	if err := w.writer.SaveContent(ctx, row.OwnerID, backfill.ContentOutcome{Document: doc, Succeeded: true}); err != nil {
		logger.Error("save content failed", zap.Error(err))
		return fmt.Errorf("save content: %w", err)
	}
	w.observer.ObserveRow(w.pipeline, metrics.OutcomeSucceeded)
	logger.Debug("content stored", zap.String("hash", hash), zap.Stringer("kind", doc.Kind()))
	w.notify(ctx, logger, row.OwnerID, "")
	return nil
}

// fail records the placeholder document with one more attempt and returns cause.
func (w *ContentWorker) fail(ctx context.Context, logger *zap.Logger, row backfill.PendingContent, cause error) error {
	w.observer.ObserveRow(w.pipeline, metrics.OutcomeFailed)
	logger.Warn("content fetch failed", zap.Error(cause))
	if err := w.writer.SaveContent(ctx, row.OwnerID, backfill.ContentOutcome{Document: backfill.EmptyDocument()}); err != nil {
		logger.Error("record failed attempt", zap.Error(err))
		return errors.Join(cause, fmt.Errorf("record failed attempt: %w", err))
	}
	return cause
}
