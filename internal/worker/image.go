package worker

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/ipfs-backfill/internal/backfill"
	"github.com/JakeFAU/ipfs-backfill/internal/metrics"
)

// ImageWorker downloads the image named by a record's contents, stores the
// bytes and records the filename and digest.
type ImageWorker struct {
	base
	gateway backfill.Gateway
	writer  backfill.ImageWriter
	blobs   backfill.BlobStore
}

// NewImageWorker constructs an ImageWorker. publisher, observer and logger may be nil.
func NewImageWorker(
	gateway backfill.Gateway,
	writer backfill.ImageWriter,
	blobs backfill.BlobStore,
	publisher backfill.Publisher,
	clock backfill.Clock,
	observer Observer,
	cfg Config,
	logger *zap.Logger,
) *ImageWorker {
	return &ImageWorker{
		base:    newBase(PipelineImage, cfg, publisher, clock, observer, logger),
		gateway: gateway,
		writer:  writer,
		blobs:   blobs,
	}
}

// Process runs one image task.
func (w *ImageWorker) Process(ctx context.Context, row backfill.PendingImage) error {
	logger := w.logger.With(zap.Int64("owner_id", row.OwnerID), zap.Int("attempts", row.Attempts))

	url, err := backfill.ImageURL(row.Contents)
	if err != nil {
		return w.missing(ctx, logger, row, err)
	}
	logger = logger.With(zap.String("image_url", url))

	data, err := w.fetch(ctx, logger, url)
	if err != nil {
		if interrupted(ctx, err) {
			return err
		}
		failErr := w.fail(ctx, logger, row, err)
		w.backoffIfRateLimited(ctx, logger, err)
		return failErr
	}

	outcome, err := w.store(ctx, row.OwnerID, data)
	if err != nil {
		return w.fail(ctx, logger, row, err)
	}
	if err := w.writer.SaveImage(ctx, row.OwnerID, outcome, w.cfg.MaxAttempts); err != nil {
		logger.Error("save image failed", zap.Error(err))
		return fmt.Errorf("save image: %w", err)
	}
	w.observer.ObserveRow(w.pipeline, metrics.OutcomeSucceeded)
	logger.Debug("image stored", zap.String("filename", outcome.Filename), zap.String("hash", outcome.Hash))
	w.notify(ctx, logger, row.OwnerID, outcome.Filename)
	return nil
}

// fetch tries the upgraded thumbnail first and falls back to the original
// URL. A 429 on the upgraded URL is returned as is.
func (w *ImageWorker) fetch(ctx context.Context, logger *zap.Logger, url string) ([]byte, error) {
	if upgraded, ok := backfill.UpgradeThumbnail(url); ok {
		data, err := w.gateway.FetchImage(ctx, upgraded)
		if err == nil {
			return data, nil
		}
		if backfill.IsRateLimited(err) || ctx.Err() != nil {
			return nil, fmt.Errorf("fetch image: %w", err)
		}
		logger.Debug("upgraded thumbnail failed, using original", zap.Error(err))
	}
	data, err := w.gateway.FetchImage(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	return data, nil
}

func (w *ImageWorker) store(ctx context.Context, ownerID int64, data []byte) (backfill.ImageOutcome, error) {
	format, err := backfill.SniffImage(data)
	if err != nil {
		return backfill.ImageOutcome{}, err
	}
	digest := backfill.ImageDigest(data)
	filename := backfill.ImageFilename(ownerID, format)
	if _, err := w.blobs.PutObject(ctx, w.blobPath(filename), format.ContentType, data); err != nil {
		return backfill.ImageOutcome{}, fmt.Errorf("put object: %w", err)
	}
	return backfill.ImageOutcome{Status: backfill.ImageStored, Filename: filename, Hash: digest}, nil
}

func (w *ImageWorker) blobPath(filename string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return filename
	}
	return path.Join(prefix, filename)
}

func (w *ImageWorker) fail(ctx context.Context, logger *zap.Logger, row backfill.PendingImage, cause error) error {
	w.observer.ObserveRow(w.pipeline, metrics.OutcomeFailed)
	logger.Warn("image backfill failed", zap.Error(cause))
	err := w.writer.SaveImage(ctx, row.OwnerID, backfill.ImageOutcome{Status: backfill.ImageFailed}, w.cfg.MaxAttempts)
	if err != nil {
		logger.Error("record failed attempt", zap.Error(err))
		return errors.Join(cause, fmt.Errorf("record failed attempt: %w", err))
	}
	return cause
}

// missing retires a row whose contents name no image.
func (w *ImageWorker) missing(ctx context.Context, logger *zap.Logger, row backfill.PendingImage, cause error) error {
	w.observer.ObserveRow(w.pipeline, metrics.OutcomeMissing)
	logger.Info("contents name no image, retiring row")
	err := w.writer.SaveImage(ctx, row.OwnerID, backfill.ImageOutcome{Status: backfill.ImageMissing}, w.cfg.MaxAttempts)
	if err != nil {
		return errors.Join(cause, fmt.Errorf("record missing image: %w", err))
	}
	return cause
}
