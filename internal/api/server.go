// Package api exposes the registry, the deployment orchestrator and the
// experiment manager over HTTP.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/modelops/internal/deployment"
	"github.com/inferloop/modelops/internal/experiments"
	"github.com/inferloop/modelops/internal/observability/health"
	"github.com/inferloop/modelops/internal/observability/metrics"
	"github.com/inferloop/modelops/internal/observability/trends"
	"github.com/inferloop/modelops/internal/registry"
	"github.com/inferloop/modelops/pkg/constants"
	"github.com/inferloop/modelops/pkg/errors"
)

// TrendSource serves stored experiment history
type TrendSource interface {
	History(ctx context.Context, experimentID string, since time.Duration) ([]trends.TrendPoint, error)
}

// Dependencies are the components the API fronts
type Dependencies struct {
	Registry     *registry.Registry
	Orchestrator *deployment.Orchestrator
	Experiments  *experiments.Manager
	Trends       TrendSource
	Metrics      *metrics.PrometheusMetrics
	Health       *health.HealthMonitor
}

// Server routes HTTP requests to the engine
type Server struct {
	logger       *logrus.Logger
	registry     *registry.Registry
	orchestrator *deployment.Orchestrator
	experiments  *experiments.Manager
	trends       TrendSource
	metrics      *metrics.PrometheusMetrics
	health       *health.HealthMonitor

	// background deployments outlive their request
	bg       context.Context
	cancelBg context.CancelFunc
	wg       sync.WaitGroup
}

func NewServer(deps Dependencies, logger *logrus.Logger) (*Server, error) {
	if deps.Registry == nil || deps.Orchestrator == nil || deps.Experiments == nil {
		return nil, errors.NewValidationError(errors.CodeMissingField, "api requires registry, orchestrator and experiment manager")
	}
	if logger == nil {
		logger = logrus.New()
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Server{
		logger:       logger,
		registry:     deps.Registry,
		orchestrator: deps.Orchestrator,
		experiments:  deps.Experiments,
		trends:       deps.Trends,
		metrics:      deps.Metrics,
		health:       deps.Health,
		bg:           bg,
		cancelBg:     cancel,
	}, nil
}

// Handler builds the route table
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recoverMiddleware, s.loggingMiddleware, s.metricsMiddleware)

	r.HandleFunc("/health", s.healthz).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle(constants.DefaultMetricsPath, s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix(constants.APIPrefix).Subrouter()

	versions := api.PathPrefix("/versions").Subrouter()
	versions.HandleFunc("", s.registerVersion).Methods(http.MethodPost)
	versions.HandleFunc("", s.listVersions).Methods(http.MethodGet)
	versions.HandleFunc("/compare", s.compareVersions).Methods(http.MethodGet)
	versions.HandleFunc("/{id}", s.getVersion).Methods(http.MethodGet)
	versions.HandleFunc("/{id}/lineage", s.lineage).Methods(http.MethodGet)
	versions.HandleFunc("/{id}/approve", s.approveVersion).Methods(http.MethodPost)
	versions.HandleFunc("/{id}/reject", s.rejectVersion).Methods(http.MethodPost)
	versions.HandleFunc("/{id}/deprecate", s.deprecateVersion).Methods(http.MethodPost)

	api.HandleFunc("/production/{modelType}", s.productionVersion).Methods(http.MethodGet)
	api.HandleFunc("/summary", s.summary).Methods(http.MethodGet)
	api.HandleFunc("/cleanup", s.cleanup).Methods(http.MethodPost)

	deployments := api.PathPrefix("/deployments").Subrouter()
	deployments.HandleFunc("", s.deploy).Methods(http.MethodPost)
	deployments.HandleFunc("", s.listDeployments).Methods(http.MethodGet)
	deployments.HandleFunc("/{id}", s.getDeployment).Methods(http.MethodGet)
	deployments.HandleFunc("/{id}/rollback", s.rollback).Methods(http.MethodPost)
	deployments.HandleFunc("/{id}/abort", s.abort).Methods(http.MethodPost)

	serving := api.PathPrefix("/serving/{modelType}").Subrouter()
	serving.HandleFunc("/route", s.route).Methods(http.MethodGet)
	serving.HandleFunc("/results", s.servingResult).Methods(http.MethodPost)

	exps := api.PathPrefix("/experiments").Subrouter()
	exps.HandleFunc("", s.listExperiments).Methods(http.MethodGet)
	exps.HandleFunc("/{id}", s.getExperiment).Methods(http.MethodGet)
	exps.HandleFunc("/{id}/assignments/{subject}", s.assign).Methods(http.MethodGet)
	exps.HandleFunc("/{id}/outcomes", s.recordOutcome).Methods(http.MethodPost)
	exps.HandleFunc("/{id}/evaluate", s.evaluate).Methods(http.MethodPost)
	exps.HandleFunc("/{id}/stop", s.stopExperiment).Methods(http.MethodPost)
	exps.HandleFunc("/{id}/trend", s.trend).Methods(http.MethodGet)

	return r
}

// Shutdown interrupts background deployments and waits for them to record
// their outcome
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBg()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// healthz answers 503 only when a critical backend is unreachable
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "ok",
		"service": constants.AppName,
		"version": constants.AppVersion,
	}
	if s.health == nil {
		writeJSON(w, http.StatusOK, body)
		return
	}

	status := s.health.Evaluate(r.Context())
	body["checks"] = status.CheckResults
	body["uptime"] = status.Uptime
	code := http.StatusOK
	switch status.OverallStatus {
	case health.StatusUnhealthy:
		body["status"] = string(health.StatusUnhealthy)
		body["critical_issues"] = status.CriticalIssues
		code = http.StatusServiceUnavailable
	case health.StatusDegraded:
		body["status"] = string(health.StatusDegraded)
	}
	writeJSON(w, code, body)
}
