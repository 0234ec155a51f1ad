package api

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/inferloop/modelops/pkg/errors"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Code      string                 `json:"code,omitempty"`
	Type      string                 `json:"type"`
	Details   string                 `json:"details,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Failures  []errors.CheckFailure  `json:"failures,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{
		Error:     err.Error(),
		Type:      string(errors.TypeOf(err)),
		Timestamp: time.Now().UTC(),
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		resp.Error = appErr.Message
		resp.Code = appErr.Code
		resp.Details = appErr.Details
		resp.Context = appErr.Context
	}
	var health *errors.HealthCheckError
	if stderrors.As(err, &health) {
		resp.Error = health.Error()
		resp.Code = errors.CodeHealthCheckFailed
		resp.Failures = health.Failures
	}

	writeJSON(w, errors.HTTPStatus(err), resp)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidInput, "invalid request body")
	}
	return nil
}
