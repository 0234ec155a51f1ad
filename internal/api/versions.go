package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/inferloop/modelops/internal/predictor"
	"github.com/inferloop/modelops/internal/registry"
	"github.com/inferloop/modelops/internal/semver"
	"github.com/inferloop/modelops/pkg/errors"
	"github.com/inferloop/modelops/pkg/models"
)

// RegisterVersionRequest carries a trained linear model and its evaluation
type RegisterVersionRequest struct {
	Model            *predictor.LinearModel `json:"model"`
	ModelName        string                 `json:"model_name"`
	ModelType        models.ModelType       `json:"model_type"`
	Metrics          models.ModelMetrics    `json:"metrics"`
	TrainingConfig   models.TrainingConfig  `json:"training_config"`
	TrainingDataHash string                 `json:"training_data_hash"`
	ParentVersionID  string                 `json:"parent_version_id,omitempty"`
	Increment        string                 `json:"increment,omitempty"`
	TrainingJobID    string                 `json:"training_job_id,omitempty"`
	Description      string                 `json:"description,omitempty"`
	Tags             []string               `json:"tags,omitempty"`
	Dependencies     map[string]string      `json:"dependencies,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// ReviewRequest is the body of approve and reject
type ReviewRequest struct {
	Reviewer string `json:"reviewer"`
	Notes    string `json:"notes,omitempty"`
}

// ReasonRequest carries a free-text reason
type ReasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) registerVersion(w http.ResponseWriter, r *http.Request) {
	var req RegisterVersionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Model == nil {
		writeError(w, errors.NewValidationError(errors.CodeMissingField, "model is required"))
		return
	}
	model, err := predictor.NewLinearModel(req.Model.Name, req.Model.Features, req.Model.Weights, req.Model.Intercept, req.Model.Link)
	if err != nil {
		writeError(w, err)
		return
	}
	kind, err := semver.ParseIncrementKind(req.Increment)
	if err != nil {
		writeError(w, err)
		return
	}

	v, err := s.registry.RegisterVersion(r.Context(), registry.RegisterRequest{
		Predictor:        model,
		ModelName:        req.ModelName,
		ModelType:        req.ModelType,
		Metrics:          req.Metrics,
		TrainingConfig:   req.TrainingConfig,
		TrainingDataHash: req.TrainingDataHash,
		ParentVersionID:  req.ParentVersionID,
		Increment:        kind,
		TrainingJobID:    req.TrainingJobID,
		Description:      req.Description,
		Tags:             req.Tags,
		Dependencies:     req.Dependencies,
		Metadata:         req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.VersionFilter{
		ModelName: q.Get("model_name"),
		ModelType: models.ModelType(q.Get("model_type")),
		Status:    models.VersionStatus(q.Get("status")),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, errors.NewValidationError(errors.CodeInvalidInput, "limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}

	versions, err := s.registry.ListVersions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"versions": versions, "count": len(versions)})
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.registry.GetVersion(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) compareVersions(w http.ResponseWriter, r *http.Request) {
	a, b := r.URL.Query().Get("a"), r.URL.Query().Get("b")
	if a == "" || b == "" {
		writeError(w, errors.NewValidationError(errors.CodeMissingField, "query parameters a and b are required"))
		return
	}
	cmp, err := s.registry.CompareVersions(r.Context(), a, b)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func (s *Server) lineage(w http.ResponseWriter, r *http.Request) {
	chain, err := s.registry.Lineage(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"lineage": chain})
}

func (s *Server) approveVersion(w http.ResponseWriter, r *http.Request) {
	s.review(w, r, s.registry.Approve)
}

func (s *Server) rejectVersion(w http.ResponseWriter, r *http.Request) {
	s.review(w, r, s.registry.Reject)
}

func (s *Server) review(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id, reviewer, notes string) error) {
	var req ReviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := apply(r.Context(), id, req.Reviewer, req.Notes); err != nil {
		writeError(w, err)
		return
	}
	s.respondVersion(w, r, id)
}

func (s *Server) deprecateVersion(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.registry.Deprecate(r.Context(), id, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	s.respondVersion(w, r, id)
}

func (s *Server) respondVersion(w http.ResponseWriter, r *http.Request, id string) {
	v, err := s.registry.GetVersion(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) productionVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.registry.GetProductionVersion(r.Context(), models.ModelType(mux.Vars(r)["modelType"]))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.registry.Summary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	days := 0
	if raw := r.URL.Query().Get("retention_days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, errors.NewValidationError(errors.CodeInvalidInput, "retention_days must be a positive integer"))
			return
		}
		days = n
	}
	removed, err := s.registry.CleanupArtifacts(r.Context(), days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}
