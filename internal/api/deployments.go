package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/inferloop/modelops/internal/deployment"
	"github.com/inferloop/modelops/pkg/errors"
	"github.com/inferloop/modelops/pkg/models"
)

// RollbackRequest is the body of a rollback
type RollbackRequest struct {
	Reason          string `json:"reason"`
	TargetVersionID string `json:"target_version_id,omitempty"`
}

// ServingResultRequest reports the outcome of one served prediction
type ServingResultRequest struct {
	VersionID string  `json:"version_id"`
	LatencyMs float64 `json:"latency_ms"`
	Failed    bool    `json:"failed"`
}

// deploy accepts a deployment and runs it in the background unless
// ?wait=true is given
func (s *Server) deploy(w http.ResponseWriter, r *http.Request) {
	var req deployment.DeployRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.VersionID == "" {
		writeError(w, errors.NewValidationError(errors.CodeMissingField, "version_id is required"))
		return
	}
	if _, err := s.registry.GetVersion(r.Context(), req.VersionID); err != nil {
		writeError(w, err)
		return
	}
	if req.DeploymentID == "" {
		req.DeploymentID = uuid.New().String()
	} else if _, err := s.orchestrator.GetDeployment(r.Context(), req.DeploymentID); err == nil {
		writeError(w, errors.NewConflictError(errors.CodeInvalidInput, "deployment id already in use").
			WithContext("deployment_id", req.DeploymentID))
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		record, err := s.orchestrator.Deploy(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.orchestrator.Deploy(s.bg, req); err != nil {
			s.logger.WithError(err).WithField("deployment_id", req.DeploymentID).Warn("Background deployment did not complete")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"deployment_id": req.DeploymentID,
		"version_id":    req.VersionID,
		"strategy":      req.Strategy,
		"status":        models.DeploymentPending,
	})
}

func (s *Server) listDeployments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	records, err := s.orchestrator.ListDeployments(r.Context(), models.DeploymentFilter{
		ModelType: models.ModelType(q.Get("model_type")),
		VersionID: q.Get("version_id"),
		Status:    models.DeploymentStatus(q.Get("status")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deployments": records, "count": len(records)})
}

func (s *Server) getDeployment(w http.ResponseWriter, r *http.Request) {
	record, err := s.orchestrator.GetDeployment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) rollback(w http.ResponseWriter, r *http.Request) {
	var req RollbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	record, err := s.orchestrator.Rollback(r.Context(), mux.Vars(r)["id"], req.Reason, req.TargetVersionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.orchestrator.Abort(id) {
		writeError(w, errors.NewNotFoundError("running deployment", id))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"deployment_id": id, "aborting": true})
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	subject := r.URL.Query().Get("subject")
	if subject == "" {
		writeError(w, errors.NewValidationError(errors.CodeMissingField, "subject is required"))
		return
	}
	decision, err := s.orchestrator.Router().Route(models.ModelType(mux.Vars(r)["modelType"]), subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) servingResult(w http.ResponseWriter, r *http.Request) {
	var req ServingResultRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.VersionID == "" {
		writeError(w, errors.NewValidationError(errors.CodeMissingField, "version_id is required"))
		return
	}
	if req.LatencyMs < 0 {
		writeError(w, errors.NewValidationError(errors.CodeOutOfRange, "latency_ms must not be negative"))
		return
	}
	latency := time.Duration(req.LatencyMs * float64(time.Millisecond))
	s.orchestrator.Router().RecordServingResult(models.ModelType(mux.Vars(r)["modelType"]), req.VersionID, latency, req.Failed)
	w.WriteHeader(http.StatusNoContent)
}

