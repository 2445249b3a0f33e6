package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/nicktill/tinyoee/pkg/config"
	"github.com/nicktill/tinyoee/pkg/hierarchy"
	"github.com/nicktill/tinyoee/pkg/ingest"
	"github.com/nicktill/tinyoee/pkg/lifecycle"
	"github.com/nicktill/tinyoee/pkg/model"
	"github.com/nicktill/tinyoee/pkg/oee"
	"github.com/nicktill/tinyoee/pkg/query"
	"github.com/nicktill/tinyoee/pkg/registry"
	"github.com/nicktill/tinyoee/pkg/reliability"
	"github.com/nicktill/tinyoee/pkg/rollup"
	"github.com/nicktill/tinyoee/pkg/server/monitor"
	"github.com/nicktill/tinyoee/pkg/storage"
	"github.com/nicktill/tinyoee/pkg/storage/badger"
	"github.com/nicktill/tinyoee/pkg/storage/memory"
)

// App is the wired engine: fact store, rollup engine, aggregator, lifecycle
// manager and read service over one storage backend.
type App struct {
	cfg      *config.Config
	log      *slog.Logger
	storage  storage.Storage
	registry *registry.Static

	facts     *ingest.Store
	engine    *rollup.Engine
	agg       *hierarchy.Aggregator
	lifecycle *lifecycle.Manager
	query     *query.Service

	ingest         *ingest.Handler
	hub            *ingest.Hub
	monitors       *monitor.Jobs
	storageMonitor *monitor.StorageMonitor
	metrics        *monitor.Metrics

	accessLog io.Writer
	backoff   time.Duration
	now       func() time.Time
	started   time.Time
}

// Option configures an App.
type Option func(*App)

// WithClock overrides the wall clock of every component.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// WithAccessLog sets where HTTP access lines are written.
func WithAccessLog(w io.Writer) Option {
	return func(a *App) { a.accessLog = w }
}

// InitializeStorage opens the configured backend. It returns the data
// directory to measure for the storage limit, empty for in-memory storage.
func InitializeStorage(cfg config.Storage, log *slog.Logger) (storage.Storage, string, error) {
	if cfg.InMemory {
		log.Warn("using in-memory storage, data is lost on exit")
		return memory.New(), "", nil
	}

	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, "", fmt.Errorf("create data directory: %w", err)
	}
	log.Info("initializing badger storage", slog.String("path", cfg.Path), slog.Int64("max_memory_mb", cfg.MaxMemoryMB))
	st, err := badger.New(badger.Config{
		Path:        cfg.Path,
		MaxMemoryMB: cfg.MaxMemoryMB,
	})
	if err != nil {
		return nil, "", err
	}
	return st, cfg.Path, nil
}

// New wires every component. dataDir is measured for the storage limit.
func New(ctx context.Context, cfg *config.Config, reg *registry.Static, st storage.Storage, dataDir string, log *slog.Logger, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		log:       log,
		storage:   st,
		registry:  reg,
		monitors:  monitor.NewJobs(),
		metrics:   monitor.NewMetrics(),
		accessLog: os.Stdout,
		backoff:   config.JobBaseBackoff,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.started = a.now()

	// Shift instances must exist before facts are attributed to them.
	if n, err := reg.Expand(a.now().Add(-24*time.Hour), a.now().Add(cfg.ShiftHorizon)); err != nil {
		return nil, fmt.Errorf("expand shifts: %w", err)
	} else if n > 0 {
		log.Info("shift instances expanded", slog.Int("count", n))
	}

	facts, err := ingest.NewStore(ctx, st, reg, log,
		ingest.WithClock(a.now),
		ingest.WithRetention(cfg.Facts, config.RetentionGuard(cfg.Tiers)))
	if err != nil {
		return nil, fmt.Errorf("open fact store: %w", err)
	}
	a.facts = facts

	calc := oee.New(oee.Config{
		LossCategories:     lossCategories(cfg.Analysis.LossCategories),
		MinorStopThreshold: cfg.Analysis.MinorStopThreshold,
	})
	buckets := rollup.NewBuckets(st)
	engine, err := rollup.New(cfg.Tiers, reg, facts, buckets, calc, log, rollup.WithClock(a.now))
	if err != nil {
		return nil, fmt.Errorf("rollup engine: %w", err)
	}
	a.engine = engine

	graph, err := hierarchy.Build(reg.Nodes())
	if err != nil {
		return nil, fmt.Errorf("hierarchy: %w", err)
	}
	summaries := hierarchy.NewSummaries(st)
	a.agg = hierarchy.New(graph, buckets, summaries, log, cfg.KPI.Tiers)

	// Recomputes and aggregations left pending by the previous run.
	if err := engine.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore rollup state: %w", err)
	}
	if err := a.agg.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore kpi state: %w", err)
	}

	a.lifecycle = lifecycle.New(st, engine.Locks(), cfg.Facts, cfg.Tiers, log,
		lifecycle.WithClock(a.now),
		lifecycle.WithOpenFloor(facts.OldestOpen))

	analyzer := reliability.New(facts, calc, cfg.Analysis.FailureReasons, reliability.WithClock(a.now))
	a.query = query.NewService(reg, engine, buckets, analyzer, summaries, graph, facts)

	a.hub = ingest.NewHub(log)
	a.storageMonitor = monitor.NewStorageMonitor(dataDir, st, cfg.Storage.MaxStorageGB*1024*1024*1024)
	a.metrics.StorageUsage(a.storageMonitor)

	a.ingest = ingest.NewHandler(facts, log)
	a.ingest.SetStorageChecker(a.storageMonitor)

	facts.Subscribe(engine.FactAppended)
	facts.Subscribe(a.factAccepted)
	engine.OnFinalize(a.agg.BucketFinalized)
	engine.OnFinalize(a.bucketFinalized)
	a.agg.OnWrite(a.summaryWritten)

	log.Info("engine wired",
		slog.Int("equipment", len(reg.AllEquipment())),
		slog.Int("nodes", len(graph.Order())),
		slog.Any("tiers", engine.Tiers()),
		slog.Any("kpi_tiers", cfg.KPI.Tiers))
	return a, nil
}

// Facts returns the fact store, the target of stream consumers.
func (a *App) Facts() *ingest.Store { return a.facts }

// Query returns the read service.
func (a *App) Query() *query.Service { return a.query }

func (a *App) factAccepted(sf model.StoredFact) {
	a.metrics.FactIngested(string(sf.Fact.Kind()), sf.Late)
	if err := a.hub.Broadcast("fact", sf); err != nil {
		a.log.Warn("broadcast fact failed", slog.String("err", err.Error()))
	}
}

func (a *App) bucketFinalized(rec model.OEERecord, changed bool) {
	a.metrics.BucketFinalized(rec)
	if !changed {
		return
	}
	if err := a.hub.Broadcast("oee", rec); err != nil {
		a.log.Warn("broadcast bucket failed", slog.String("err", err.Error()))
	}
}

func (a *App) summaryWritten(sum model.KPISummary) {
	if err := a.hub.Broadcast("kpi", sum); err != nil {
		a.log.Warn("broadcast kpi summary failed", slog.String("err", err.Error()))
	}
}

func lossCategories(in map[string]string) map[string]oee.Loss {
	out := make(map[string]oee.Loss, len(in))
	for reason, loss := range in {
		out[reason] = oee.Loss(loss)
	}
	return out
}
