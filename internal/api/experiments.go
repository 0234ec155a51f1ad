package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/inferloop/modelops/pkg/errors"
	"github.com/inferloop/modelops/pkg/models"
)

// OutcomeRequest records metric values for one subject. Values and the
// Metric/Value pair may be combined.
type OutcomeRequest struct {
	Variant models.Variant     `json:"variant"`
	Values  map[string]float64 `json:"values,omitempty"`
	Metric  string             `json:"metric,omitempty"`
	Value   *float64           `json:"value,omitempty"`
}

func (s *Server) listExperiments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	exps := s.experiments.ListExperiments(r.Context(), models.ExperimentFilter{
		ModelType: models.ModelType(q.Get("model_type")),
		Status:    models.ExperimentStatus(q.Get("status")),
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"experiments": exps, "count": len(exps)})
}

func (s *Server) getExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.experiments.GetExperiment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) assign(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	variant, err := s.experiments.AssignVariant(vars["id"], vars["subject"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"experiment_id": vars["id"],
		"subject_id":    vars["subject"],
		"variant":       variant,
	})
}

func (s *Server) recordOutcome(w http.ResponseWriter, r *http.Request) {
	var req OutcomeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	values := make(map[string]float64, len(req.Values)+1)
	for k, v := range req.Values {
		values[k] = v
	}
	if req.Metric != "" {
		if req.Value == nil {
			writeError(w, errors.NewValidationError(errors.CodeMissingField, "value is required with metric"))
			return
		}
		values[req.Metric] = *req.Value
	}

	result, err := s.experiments.RecordObservation(r.Context(), mux.Vars(r)["id"], req.Variant, values)
	if err != nil {
		writeError(w, err)
		return
	}
	if result == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request) {
	result, err := s.experiments.Evaluate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) stopExperiment(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := s.orchestrator.StopExperiment(r.Context(), id, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	exp, err := s.experiments.GetExperiment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) trend(w http.ResponseWriter, r *http.Request) {
	if s.trends == nil {
		writeError(w, errors.NewAppError(errors.ErrorTypeNotFound, errors.CodeNotFound, "trend storage is not enabled"))
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := s.experiments.GetExperiment(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	var since time.Duration
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, errors.NewValidationError(errors.CodeInvalidInput, "since must be a positive duration such as 72h"))
			return
		}
		since = d
	}

	points, err := s.trends.History(r.Context(), id, since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"experiment_id": id, "points": points})
}
