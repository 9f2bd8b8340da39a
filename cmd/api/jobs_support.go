package main

import (
	"context"
	"fmt"
	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/epub-forge/internal/config"
	"github.com/yourusername/epub-forge/internal/convert"
	"github.com/yourusername/epub-forge/internal/epub"
	"github.com/yourusername/epub-forge/internal/events"
	"github.com/yourusername/epub-forge/internal/jobs"
	"github.com/yourusername/epub-forge/internal/render"
	"github.com/yourusername/epub-forge/internal/storage"
)

// application はジョブ処理の構成要素をまとめます。
type application struct {
	service   *jobs.Service
	worker    *jobs.Worker
	queue     jobs.Queue
	queueName string
	closers   []func() error
}

// Close は開いた接続を逆順に閉じます。
func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("failed to close resource", slog.Any("error", err))
		}
	}
}

func setupJobs(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *application, err error) {
	app := &application{}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	files, err := storage.NewLocal(cfg.StorageDir)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg, app)
	if err != nil {
		return nil, err
	}

	mirror, err := newMirror(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	publisher, err := newPublisher(cfg, logger, app)
	if err != nil {
		return nil, err
	}

	converter := convert.New(newRenderer(cfg), cfg.WorkDir, cfg.MaxExtractBytes, logger)
	app.worker = jobs.NewWorker(store, files, converter, jobs.WorkerOptions{
		Mirror: mirror,
		Events: publisher,
		Logger: logger,
	})

	switch {
	case cfg.SyncMode:
		app.queue = jobs.NewInlineQueue(app.worker.Process)
		app.queueName = "inline"
	case cfg.QueueBackend == config.QueueAsynq:
		q, err := jobs.NewAsynqQueue(cfg.RedisURL, logger)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, q.Close)
		app.queue = q
		app.queueName = config.QueueAsynq
	default:
		app.queue = jobs.NewMemoryQueue()
		app.queueName = config.QueueMemory
	}

	normalizer := &epub.Normalizer{
		WorkDir:         cfg.WorkDir,
		MaxDepth:        cfg.MaxRepairDepth,
		MaxExtractBytes: cfg.MaxExtractBytes,
		Logger:          logger,
	}
	app.service = jobs.NewService(store, app.queue, files, normalizer, jobs.ServiceOptions{
		Mirror:         mirror,
		Revealer:       storage.NewRevealer(cfg.RevealEnabled, logger),
		Events:         publisher,
		Logger:         logger,
		MaxUploadBytes: cfg.MaxUploadSize,
	})
	return app, nil
}

func openStore(cfg *config.Config, app *application) (jobs.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreRedis:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opt)
		app.closers = append(app.closers, client.Close)
		return jobs.NewRedisStore(client, 0), nil
	default:
		db, err := jobs.OpenDatabase(cfg.StoreDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, sqlDB.Close)
		return jobs.NewGormStore(db), nil
	}
}

func newRenderer(cfg *config.Config) render.Renderer {
	if cfg.Renderer == config.RendererStub {
		return &render.StubRenderer{}
	}
	return render.NewChromeRenderer(cfg.ChromePath, cfg.RenderTimeout, cfg.WorkDir)
}

func newMirror(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Mirror, error) {
	if cfg.MinioEndpoint == "" {
		return storage.NopMirror{}, nil
	}
	mirror, err := storage.NewMinioMirror(ctx, storage.MinioConfig{
		Endpoint:        cfg.MinioEndpoint,
		AccessKeyID:     cfg.MinioAccessKey,
		SecretAccessKey: cfg.MinioSecretKey,
		UseSSL:          cfg.MinioUseSSL,
		Bucket:          cfg.MinioBucket,
	})
	if err != nil {
		return nil, fmt.Errorf("setup MinIO mirror: %w", err)
	}
	logger.Info("mirroring PDFs to MinIO", slog.String("endpoint", cfg.MinioEndpoint), slog.String("bucket", cfg.MinioBucket))
	return mirror, nil
}

func newPublisher(cfg *config.Config, logger *slog.Logger, app *application) (events.Publisher, error) {
	if cfg.NATSURL == "" {
		return events.Nop{}, nil
	}
	publisher, err := events.ConnectNATS(cfg.NATSURL, "epub-forge-api", logger)
	if err != nil {
		return nil, fmt.Errorf("setup NATS publisher: %w", err)
	}
	app.closers = append(app.closers, publisher.Close)
	return publisher, nil
}
