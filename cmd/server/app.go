package main

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inferloop/modelops/internal/api"
	"github.com/inferloop/modelops/internal/artifacts"
	"github.com/inferloop/modelops/internal/config"
	"github.com/inferloop/modelops/internal/deployment"
	"github.com/inferloop/modelops/internal/events"
	"github.com/inferloop/modelops/internal/experiments"
	"github.com/inferloop/modelops/internal/observability/health"
	"github.com/inferloop/modelops/internal/observability/metrics"
	"github.com/inferloop/modelops/internal/observability/trends"
	"github.com/inferloop/modelops/internal/predictor"
	"github.com/inferloop/modelops/internal/registry"
	"github.com/inferloop/modelops/internal/storage"
	"github.com/inferloop/modelops/pkg/interfaces"
)

// app holds every component of a running server
type app struct {
	config       *config.Config
	logger       *logrus.Logger
	store        interfaces.RecordStore
	metrics      *metrics.PrometheusMetrics
	publisher    interfaces.EventPublisher
	redis        *events.RedisPublisher
	trends       *trends.InfluxDBSink
	health       *health.HealthMonitor
	registry     *registry.Registry
	experiments  *experiments.Manager
	orchestrator *deployment.Orchestrator
	api          *api.Server
	http         *http.Server

	closers []io.Closer
}

// buildApp wires the components and restores persisted state. On error the
// components built so far are closed.
func buildApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (a *app, err error) {
	a = &app{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
			a = nil
		}
	}()

	if a.metrics, err = metrics.NewPrometheusMetrics(&cfg.Metrics, logger); err != nil {
		return nil, err
	}
	if a.store, err = storage.NewRecordStore(ctx, cfg.Store, logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store)

	artifactStore, err := artifacts.NewStore(ctx, cfg.Artifacts, logger)
	if err != nil {
		return nil, err
	}
	if a.publisher, err = a.buildPublisher(ctx); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.publisher)

	var sink interfaces.SnapshotSink
	if cfg.Trends.Enabled {
		influx := cfg.Trends.InfluxDB
		if a.trends, err = trends.NewInfluxDBSink(&influx, logger); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.trends)
		if err = a.trends.Connect(ctx); err != nil {
			return nil, err
		}
		sink = a.trends
	}

	registryConfig := cfg.Registry
	if a.registry, err = registry.NewRegistry(&registryConfig, registry.Dependencies{
		Store:     a.store,
		Artifacts: artifactStore,
		Codec:     predictor.NewJSONCodec(),
		Publisher: a.publisher,
		Metrics:   a.metrics,
	}, logger); err != nil {
		return nil, err
	}

	experimentsConfig := cfg.Experiments
	if a.experiments, err = experiments.NewManager(&experimentsConfig, experiments.Dependencies{
		Store:     a.store,
		Versions:  a.registry,
		Sink:      sink,
		Publisher: a.publisher,
		Metrics:   a.metrics,
	}, logger); err != nil {
		return nil, err
	}

	deploymentConfig := cfg.Deployment
	if a.orchestrator, err = deployment.NewOrchestrator(&deploymentConfig, deployment.Dependencies{
		Registry:    a.registry,
		Store:       a.store,
		Experiments: a.experiments,
		Publisher:   a.publisher,
		Metrics:     a.metrics,
	}, logger); err != nil {
		return nil, err
	}
	a.registry.SetInFlightProvider(a.orchestrator.InFlightVersionIDs)

	if err = a.registry.Load(ctx); err != nil {
		return nil, err
	}
	if err = a.experiments.Load(ctx); err != nil {
		return nil, err
	}
	if err = a.orchestrator.Load(ctx); err != nil {
		return nil, err
	}

	a.health = a.buildHealthMonitor()
	deps := api.Dependencies{
		Registry:     a.registry,
		Orchestrator: a.orchestrator,
		Experiments:  a.experiments,
		Metrics:      a.metrics,
		Health:       a.health,
	}
	if a.trends != nil {
		deps.Trends = a.trends
	}
	if a.api, err = api.NewServer(deps, logger); err != nil {
		return nil, err
	}

	a.http = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      a.api.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return a, nil
}

func (a *app) buildPublisher(ctx context.Context) (interfaces.EventPublisher, error) {
	logPublisher := events.NewLogPublisher(a.logger)
	if a.config.Events.Backend != config.EventsBackendRedis {
		return logPublisher, nil
	}

	redisConfig := a.config.Events.Redis
	redisPublisher, err := events.NewRedisPublisher(&redisConfig, a.logger)
	if err != nil {
		return nil, err
	}
	if err := redisPublisher.Connect(ctx); err != nil {
		return nil, err
	}
	a.redis = redisPublisher
	return events.Fanout{logPublisher, redisPublisher}, nil
}

// buildHealthMonitor checks every remote backend. Only the record store is
// critical, events and trends degrade the server.
func (a *app) buildHealthMonitor() *health.HealthMonitor {
	monitor := health.NewHealthMonitor(a.logger)
	if p, ok := a.store.(health.Pinger); ok {
		monitor.RegisterCheck(health.NewPingCheck("record_store", p, true, 0))
	}
	if a.redis != nil {
		monitor.RegisterCheck(health.NewPingCheck("events_redis", a.redis, false, 0))
	}
	if a.trends != nil {
		monitor.RegisterCheck(health.NewPingCheck("trends_influxdb", a.trends, false, 0))
	}
	return monitor
}

// run serves HTTP and the background loops until ctx is cancelled, then
// shuts everything down within the configured timeout
func (a *app) run(ctx context.Context) error {
	if err := a.metrics.Start(ctx); err != nil {
		return err
	}
	if err := a.registry.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.experiments.Run(gctx) })
	g.Go(func() error { return a.orchestrator.Run(gctx) })
	g.Go(func() error {
		a.logger.WithField("address", a.http.Addr).Info("Starting HTTP server")
		if err := a.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	err := g.Wait()
	a.close()
	return err
}

func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.http.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.api.Shutdown(ctx); err != nil {
		a.logger.WithError(err).Warn("Background deployments did not finish before shutdown")
	}
	if err := a.registry.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.metrics.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close component")
		}
	}
	a.closers = nil
}
