package main

import (
	"fmt"

	"github.com/fabriziosalmi/rainwal/internal/config"
	"github.com/fabriziosalmi/rainwal/internal/fallback"
	"github.com/fabriziosalmi/rainwal/internal/storage"
	"github.com/fabriziosalmi/rainwal/internal/worker"
	"github.com/fabriziosalmi/rainwal/pkg/logger"
	"go.uber.org/zap"
)

// app wires configuration into the archiver components.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    storage.Backend
	queue    *fallback.Queue
	uploader *worker.Uploader
	drainer  *worker.Drainer
	pruner   *worker.Pruner
	restorer *worker.Restorer
}

func newBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case "s3":
		return storage.New(cfg.S3, "s3-default"), nil
	case "fs":
		return storage.NewFSStore(cfg.Storage.FSRoot)
	case "multi":
		secondary, err := storage.NewFSStore(cfg.Storage.FSRoot)
		if err != nil {
			return nil, err
		}
		return storage.NewMultiStore(storage.New(cfg.S3, "s3-default"), secondary), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}

// newApp loads configuration and builds the components. withQueue opens the
// fallback queue, which takes the single-instance lock.
func newApp(configFile string, withQueue bool) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	var outputs []string
	if cfg.App.LogFile != "" {
		outputs = append(outputs, cfg.App.LogFile)
	}
	log, err := logger.New(cfg.App.Env, outputs...)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	log = log.With(zap.String("app", cfg.App.Name))

	store, err := newBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("init storage backend %s: %w", cfg.Storage.Backend, err)
	}

	a := &app{cfg: cfg, log: log, store: store}
	a.uploader = worker.NewUploader(store, cfg.Archive, log)
	a.pruner = worker.NewPruner(store, cfg.Archive.BaseFolder, a.uploader.Location(), log)
	a.restorer = worker.NewRestorer(store, cfg.Archive.BaseFolder, log)

	if withQueue {
		q, err := fallback.Open(cfg.Fallback.Dir, log)
		if err != nil {
			log.Error("cannot open fallback queue", zap.String("dir", cfg.Fallback.Dir),
				zap.String("class", worker.LocalResource.String()), zap.Error(err))
			return nil, err
		}
		a.queue = q
		a.drainer = worker.NewDrainer(q, a.uploader, log)
	}
	return a, nil
}

func (a *app) Close() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.log.Warn("close fallback queue", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}
