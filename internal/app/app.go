// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/drive-backup/internal/archive"
	"github.com/JakeFAU/drive-backup/internal/backup"
	"github.com/JakeFAU/drive-backup/internal/clock/system"
	"github.com/JakeFAU/drive-backup/internal/config"
	"github.com/JakeFAU/drive-backup/internal/hash/sha256"
	"github.com/JakeFAU/drive-backup/internal/id/uuid"
	"github.com/JakeFAU/drive-backup/internal/metrics"
	"github.com/JakeFAU/drive-backup/internal/pool"
	"github.com/JakeFAU/drive-backup/internal/progress"
	"github.com/JakeFAU/drive-backup/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/drive-backup/internal/publisher/pubsub"
	"github.com/JakeFAU/drive-backup/internal/remote/drive"
	remotememory "github.com/JakeFAU/drive-backup/internal/remote/memory"
	"github.com/JakeFAU/drive-backup/internal/runner"
	"github.com/JakeFAU/drive-backup/internal/snapshot"
	"github.com/JakeFAU/drive-backup/internal/storage/gcs"
	"github.com/JakeFAU/drive-backup/internal/storage/local"
	"github.com/JakeFAU/drive-backup/internal/storage/memory"
	"github.com/JakeFAU/drive-backup/internal/storage/postgres"
	"github.com/JakeFAU/drive-backup/internal/storage/redis"
	"github.com/JakeFAU/drive-backup/internal/telemetry"
)

// Options adjusts how Build wires the services.
type Options struct {
	// Demo swaps the remote for the built-in sample tree and keeps tasks and
	// snapshots in memory, so a run needs no credentials or database.
	Demo bool
	// Registerer receives the run collectors. Nil uses the default registry.
	Registerer prometheus.Registerer
	// Pools overrides the process-wide pool registry.
	Pools *pool.Registry
	// FS overrides the filesystem used for staging and local archives.
	FS afero.Fs
}

// App holds all the shared, long-lived services for the application.
// It is built once at startup and closed when the command finishes.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	service *runner.Service

	hub          *progress.Hub
	pg           *pgxpool.Pool
	redis        *goredis.Client
	gcs          *gcs.ArchiveStore
	publisher    *pubsubpublisher.Publisher
	tracer       *sdktrace.TracerProvider
	stopSampling context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// Service returns the run service.
func (a *App) Service() *runner.Service {
	return a.service
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Build creates every service named by cfg. Anything already opened is
// released again when a later step fails.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			if closeErr := a.Close(context.Background()); closeErr != nil {
				logger.Warn("cleanup after failed build", zap.Error(closeErr))
			}
		}
	}()

	if opts.Demo {
		logger.Info("demo mode: sample remote tree, in-memory tasks and snapshots")
		cfg.Store.Backend = config.BackendMemory
		cfg.Store.Tasks = config.BackendMemory
	}
	fs := opts.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}

	if cfg.Telemetry.Enabled {
		a.tracer, err = telemetry.InitTracerProvider(ctx, cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
	}

	pools := opts.Pools
	if pools == nil {
		if !pool.Init(cfg.Pools) {
			logger.Debug("pool registry already created; keeping its widths")
		}
		pools = pool.Default()
	}
	sampleCtx, stop := context.WithCancel(context.Background())
	a.stopSampling = stop
	go pools.Sample(sampleCtx, cfg.Progress.PoolSampleInterval, metrics.SetPoolBusy)

	remoteStore, err := a.setupRemote(ctx, opts.Demo)
	if err != nil {
		return nil, err
	}
	tasks, snaps, err := a.setupStores(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	archives, err := a.setupStorage(ctx, fs)
	if err != nil {
		return nil, err
	}
	notifier, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	emitter, err := a.setupProgress(opts.Registerer)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	engine := snapshot.New(snaps, archives, sha256.New(), clock, logger)
	a.service, err = runner.New(runner.Config{
		StagingDir:    cfg.Paths.StagingDir,
		Topic:         cfg.NotificationTopic(),
		Retention:     cfg.Retention.Policy,
		AutoRetention: cfg.Retention.Auto,
		Remote:        cfg.Remote.Config,
		Download:      cfg.Download,
		Tracker:       cfg.Progress.Tracker,
	}, runner.Deps{
		Remote:   remoteStore,
		Tasks:    tasks,
		Archives: archives,
		Engine:   engine,
		Archiver: archive.New(fs, pools.Compress, cfg.Archive, logger),
		Pools:    pools,
		FS:       fs,
		IDs:      uuid.New(),
		Clock:    clock,
		Notifier: notifier,
		Emitter:  emitter,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("run service init failed: %w", err)
	}
	logger.Info("application services initialized")
	return a, nil
}

func (a *App) setupRemote(ctx context.Context, demo bool) (backup.RemoteStore, error) {
	if demo || a.cfg.Remote.Backend == config.BackendMemory {
		a.logger.Info("using in-memory remote with the sample tree")
		return remotememory.Demo(time.Now()), nil
	}
	store, err := drive.New(ctx, drive.Options{
		CredentialsFile: a.cfg.Remote.CredentialsFile,
		Endpoint:        a.cfg.Remote.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("drive client init failed: %w", err)
	}
	a.logger.Info("using drive remote")
	return store, nil
}

func (a *App) setupStores(ctx context.Context, cfg config.StoreConfig) (backup.TaskStore, backup.SnapshotStore, error) {
	if cfg.Backend == config.BackendPostgres || cfg.Tasks == config.BackendPostgres {
		pg, err := postgres.Connect(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		a.pg = pg
		if err := postgres.Migrate(ctx, pg, cfg.Postgres); err != nil {
			return nil, nil, fmt.Errorf("postgres migrate failed: %w", err)
		}
		a.logger.Info("postgres connected")
	}

	var snaps backup.SnapshotStore
	switch cfg.Backend {
	case config.BackendPostgres:
		s, err := postgres.NewSnapshotStore(a.pg, cfg.Postgres.SnapshotTable)
		if err != nil {
			return nil, nil, err
		}
		snaps = s
	default:
		a.logger.Warn("snapshot records kept in memory; history is lost on exit")
		snaps = memory.NewSnapshotStore()
	}

	var tasks backup.TaskStore
	switch cfg.Tasks {
	case config.BackendPostgres:
		t, err := postgres.NewTaskStore(a.pg, cfg.Postgres.TaskTable)
		if err != nil {
			return nil, nil, err
		}
		tasks = t
	case config.BackendRedis:
		cl, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		a.redis = cl
		t, err := redis.NewTaskStore(cl, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		tasks = t
		a.logger.Info("redis task store connected")
	default:
		tasks = memory.NewTaskStore()
	}
	return tasks, snaps, nil
}

func (a *App) setupStorage(ctx context.Context, fs afero.Fs) (backup.ArchiveStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		store, err := gcs.Open(ctx, a.cfg.Storage.GCS, nil, fs, a.logger)
		if err != nil {
			return nil, fmt.Errorf("gcs archive store init failed: %w", err)
		}
		a.gcs = store
		a.logger.Info("using GCS archive store", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		return store, nil
	default:
		store, err := local.New(fs, a.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("local archive store init failed: %w", err)
		}
		a.logger.Info("using local archive store", zap.String("path", store.BaseDir()))
		return store, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (backup.Notifier, error) {
	if !a.cfg.PubSub.Enabled {
		return nil, nil
	}
	client, err := gpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.publisher = pubsubpublisher.New(client)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return a.publisher, nil
}

func (a *App) setupProgress(reg prometheus.Registerer) (progress.Emitter, error) {
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, err
	}
	hubCfg := a.cfg.Progress.Hub
	hubCfg.Logger = a.logger.Named("progress_hub")
	a.hub = progress.NewHub(hubCfg, promSink, sinks.NewLogSink(a.logger.Named("progress_log")))
	return a.hub, nil
}

// Close stops runs in flight and releases every client. Errors are joined.
// Later calls return the first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { a.closeErr = a.close(ctx) })
	return a.closeErr
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	if a.service != nil {
		if err := a.service.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close run service: %w", err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	if a.stopSampling != nil {
		a.stopSampling()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gcs client: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis client: %w", err))
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	return errors.Join(errs...)
}
