// Package app builds the long-lived services of the backfill process from
// configuration and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/ipfs-backfill/internal/api"
	"github.com/JakeFAU/ipfs-backfill/internal/backfill"
	"github.com/JakeFAU/ipfs-backfill/internal/clock/system"
	"github.com/JakeFAU/ipfs-backfill/internal/config"
	"github.com/JakeFAU/ipfs-backfill/internal/dispatcher"
	"github.com/JakeFAU/ipfs-backfill/internal/gateway"
	"github.com/JakeFAU/ipfs-backfill/internal/id/uuid"
	"github.com/JakeFAU/ipfs-backfill/internal/metrics"
	"github.com/JakeFAU/ipfs-backfill/internal/pipeline"
	"github.com/JakeFAU/ipfs-backfill/internal/policy/ratelimit"
	pubmemory "github.com/JakeFAU/ipfs-backfill/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/ipfs-backfill/internal/publisher/pubsub"
	"github.com/JakeFAU/ipfs-backfill/internal/storage/gcs"
	"github.com/JakeFAU/ipfs-backfill/internal/storage/local"
	"github.com/JakeFAU/ipfs-backfill/internal/storage/memory"
	"github.com/JakeFAU/ipfs-backfill/internal/storage/postgres"
	"github.com/JakeFAU/ipfs-backfill/internal/worker"
)

// Services are the replaceable collaborators of an App. Zero fields are
// built from configuration.
type Services struct {
	Store      backfill.Store
	Blobs      backfill.BlobStore
	Publisher  backfill.Publisher
	Gateway    backfill.Gateway
	HTTPClient *http.Client
	Clock      backfill.Clock
	Registry   *prometheus.Registry
}

// App holds the wired pipelines, their loops and the ops server.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     backfill.Store
	publisher backfill.Publisher
	metrics   *metrics.Metrics
	loops     []*pipeline.Loop
	server    *api.Server
	closers   []func() error
}

// New builds an App from cfg, filling unset services from configuration.
func New(ctx context.Context, cfg config.Config, svc Services, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx, svc); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, svc Services) error {
	cfg := a.cfg
	if svc.Clock == nil {
		svc.Clock = system.New()
	}
	a.metrics = metrics.New(svc.Registry)

	var err error
	if a.store, err = a.openStore(ctx, svc.Store); err != nil {
		return err
	}
	if svc.Blobs == nil {
		if svc.Blobs, err = a.openBlobs(ctx); err != nil {
			return err
		}
	}
	if svc.Publisher == nil && cfg.PubSub.TopicName != "" {
		if cfg.PubSub.ProjectID == "" {
			a.logger.Info("pubsub.project_id unset, keeping notifications in memory",
				zap.String("topic", cfg.PubSub.TopicName))
			svc.Publisher = pubmemory.New()
		} else {
			pub, err := pubsubpublisher.Dial(ctx, cfg.PubSub.ProjectID)
			if err != nil {
				return fmt.Errorf("init pubsub: %w", err)
			}
			a.closers = append(a.closers, pub.Close)
			svc.Publisher = pub
		}
	}
	a.publisher = svc.Publisher
	if svc.Gateway == nil {
		limiter := ratelimit.New(ratelimit.Config{
			RPS:   cfg.Gateway.RequestsPerSecond,
			Burst: cfg.Gateway.Burst,
		}, a.metrics)
		client, err := gateway.New(gateway.Config{
			BaseURL:         cfg.Gateway.BaseURL,
			Token:           cfg.Gateway.Token,
			UserAgent:       cfg.Gateway.UserAgent,
			ContentTimeout:  cfg.Gateway.ContentTimeout,
			ImageTimeout:    cfg.Gateway.ImageTimeout,
			MaxContentBytes: cfg.Gateway.MaxContentBytes,
			MaxImageBytes:   cfg.Gateway.MaxImageBytes,
		}, svc.HTTPClient, limiter, a.metrics)
		if err != nil {
			return fmt.Errorf("init gateway: %w", err)
		}
		svc.Gateway = client
	}

	workerCfg := worker.Config{
		MaxAttempts:      cfg.Backfill.MaxAttempts,
		RateLimitBackoff: cfg.Backfill.RateLimitBackoff,
		BlobPrefix:       cfg.Storage.Prefix,
		Topic:            cfg.PubSub.TopicName,
	}
	pipeCfg := pipeline.Config{
		MaxAttempts: cfg.Backfill.MaxAttempts,
		Dispatch: dispatcher.Config{
			Concurrency: cfg.Backfill.Concurrency,
			Stagger:     cfg.Backfill.LaunchStagger,
		},
	}
	ids := uuid.New()
	loops := make(map[string]api.LoopStater)

	if cfg.Backfill.ContentEnabled {
		w := worker.NewContentWorker(svc.Gateway, a.store, svc.Publisher, svc.Clock, a.metrics, workerCfg, a.logger)
		p := pipeline.New[backfill.PendingContent](worker.PipelineContent, pipeCfg,
			a.store.PendingContent, w.Process, ids, svc.Clock, a.metrics, a.logger)
		loop := pipeline.NewLoop(p, cfg.Backfill.CycleInterval, svc.Clock, a.metrics, a.logger)
		a.loops = append(a.loops, loop)
		loops[worker.PipelineContent] = loop
	}
	if cfg.Backfill.ImagesEnabled {
		w := worker.NewImageWorker(svc.Gateway, a.store, svc.Blobs, svc.Publisher,
			svc.Clock, a.metrics, workerCfg, a.logger)
		p := pipeline.New[backfill.PendingImage](worker.PipelineImage, pipeCfg,
			a.store.PendingImages, w.Process, ids, svc.Clock, a.metrics, a.logger)
		loop := pipeline.NewLoop(p, cfg.Backfill.CycleInterval, svc.Clock, a.metrics, a.logger)
		a.loops = append(a.loops, loop)
		loops[worker.PipelineImage] = loop
	}
	if len(a.loops) == 0 {
		return errors.New("no pipeline enabled")
	}

	a.server = api.NewServer(a.store, a.metrics, loops, a.logger)
	return nil
}

func (a *App) openStore(ctx context.Context, store backfill.Store) (backfill.Store, error) {
	if store != nil {
		return store, nil
	}
	db := a.cfg.DB
	if db.DSN == "" {
		var owners []memory.Owner
		if db.SeedFile != "" {
			var err error
			if owners, err = memory.LoadOwners(db.SeedFile); err != nil {
				return nil, err
			}
		}
		a.logger.Warn("no db.dsn set, using the in-memory record store", zap.Int("owners", len(owners)))
		return memory.NewRecordStore(owners...), nil
	}

	pg, err := postgres.NewRecordStore(ctx, postgres.RecordStoreConfig{
		DSN:             db.DSN,
		OwnerTable:      db.OwnerTable,
		RecordTable:     db.RecordTable,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: db.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("init record store: %w", err)
	}
	a.closers = append(a.closers, func() error { pg.Close(); return nil })
	if db.EnsureSchema {
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
	}
	return pg, nil
}

func (a *App) openBlobs(ctx context.Context) (backfill.BlobStore, error) {
	st := a.cfg.Storage
	switch st.Backend {
	case config.StorageGCS:
		store, closeClient, err := gcs.Open(ctx, gcs.Config{Bucket: st.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs blob store: %w", err)
		}
		a.closers = append(a.closers, closeClient)
		return store, nil
	case config.StorageMemory:
		return memory.NewBlobStore(), nil
	default:
		store, err := local.New(local.Config{BaseDir: st.ImageDir})
		if err != nil {
			return nil, fmt.Errorf("init local blob store: %w", err)
		}
		return store, nil
	}
}

// Metrics returns the App's collectors.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Handler returns the ops HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Run starts every enabled loop and the ops server and blocks until ctx is
// cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, loop := range a.loops {
		g.Go(func() error { return loop.Run(gctx) })
	}
	if a.cfg.Server.Port > 0 {
		addr := ":" + strconv.Itoa(a.cfg.Server.Port)
		g.Go(func() error { return a.server.ListenAndServe(gctx, addr) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("run backfill: %w", err)
	}
	return nil
}

// RunOnce runs a single cycle of each enabled pipeline, in order.
func (a *App) RunOnce(ctx context.Context) ([]metrics.CycleReport, error) {
	reports := make([]metrics.CycleReport, 0, len(a.loops))
	var errs []error
	for _, loop := range a.loops {
		report, err := loop.RunOnce(ctx)
		reports = append(reports, report)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return reports, errors.Join(errs...)
}

// Close releases the store and any cloud clients.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
}
