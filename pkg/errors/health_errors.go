package errors

import (
	"fmt"
	"sort"
	"strings"
)

// CheckFailure describes one failed pre-deployment health check
type CheckFailure struct {
	Check    string      `json:"check"`
	Reason   string      `json:"reason"`
	Metric   string      `json:"metric,omitempty"`
	Expected interface{} `json:"expected,omitempty"`
	Actual   interface{} `json:"actual,omitempty"`
	Cause    error       `json:"-"`
}

func (f CheckFailure) String() string {
	s := fmt.Sprintf("%s: %s", f.Check, f.Reason)
	if f.Metric != "" {
		s = fmt.Sprintf("%s (%s expected %v, got %v)", s, f.Metric, f.Expected, f.Actual)
	}
	return s
}

// HealthCheckError enumerates every failing check of a deployment attempt
type HealthCheckError struct {
	VersionID string         `json:"version_id"`
	Failures  []CheckFailure `json:"failures"`
}

// NewHealthCheckError creates a health check failure for a version
func NewHealthCheckError(versionID string, failures []CheckFailure) *HealthCheckError {
	sorted := append([]CheckFailure(nil), failures...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Check < sorted[j].Check })
	return &HealthCheckError{VersionID: versionID, Failures: sorted}
}

func (e *HealthCheckError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.String())
	}
	return fmt.Sprintf("%s: health checks failed for version %s: %s",
		CodeHealthCheckFailed, e.VersionID, strings.Join(parts, "; "))
}

// Unwrap exposes the per-check causes, e.g. an integrity error
func (e *HealthCheckError) Unwrap() []error {
	var causes []error
	for _, f := range e.Failures {
		if f.Cause != nil {
			causes = append(causes, f.Cause)
		}
	}
	return causes
}

// FailedChecks returns the names of the failing checks
func (e *HealthCheckError) FailedChecks() []string {
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, f.Check)
	}
	return names
}

// Has reports whether the named check failed
func (e *HealthCheckError) Has(check string) bool {
	for _, f := range e.Failures {
		if f.Check == check {
			return true
		}
	}
	return false
}
