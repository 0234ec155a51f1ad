// Package health reports whether the backends a server depends on are
// reachable.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultCheckTimeout = 5 * time.Second

// HealthMonitor runs the registered dependency checks on demand
type HealthMonitor struct {
	logger    *logrus.Logger
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	last      map[string]HealthStatus
	startTime time.Time
}

// HealthCheck defines a health check
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) HealthResult
	Critical() bool
	Timeout() time.Duration
}

// HealthResult represents the result of a health check
type HealthResult struct {
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message"`
	Critical  bool          `json:"critical"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthStatus represents the health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// SystemStatus represents overall server health
type SystemStatus struct {
	OverallStatus  HealthStatus            `json:"overall_status"`
	CheckResults   map[string]HealthResult `json:"check_results"`
	CriticalIssues []string                `json:"critical_issues,omitempty"`
	LastCheck      time.Time               `json:"last_check"`
	StartTime      time.Time               `json:"start_time"`
	Uptime         string                  `json:"uptime"`
}

// Pinger is a backend that can report its own reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// BasicHealthCheck adapts a function to HealthCheck
type BasicHealthCheck struct {
	name      string
	checkFunc func(ctx context.Context) error
	critical  bool
	timeout   time.Duration
}

// NewHealthMonitor creates a monitor without checks
func NewHealthMonitor(logger *logrus.Logger) *HealthMonitor {
	if logger == nil {
		logger = logrus.New()
	}
	return &HealthMonitor{
		logger:    logger,
		checks:    make(map[string]HealthCheck),
		last:      make(map[string]HealthStatus),
		startTime: time.Now(),
	}
}

// RegisterCheck adds or replaces a check by name
func (hm *HealthMonitor) RegisterCheck(check HealthCheck) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[check.Name()] = check
}

// Checks returns the registered check names in order
func (hm *HealthMonitor) Checks() []string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	names := make([]string, 0, len(hm.checks))
	for name := range hm.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate runs every check concurrently. A failing critical check makes the
// server unhealthy, any other failure degrades it.
func (hm *HealthMonitor) Evaluate(ctx context.Context) *SystemStatus {
	hm.mu.RLock()
	checks := make([]HealthCheck, 0, len(hm.checks))
	for _, c := range hm.checks {
		checks = append(checks, c)
	}
	hm.mu.RUnlock()

	results := make([]HealthResult, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, c HealthCheck) {
			defer wg.Done()
			results[i] = hm.executeCheck(ctx, c)
		}(i, check)
	}
	wg.Wait()

	now := time.Now()
	status := &SystemStatus{
		OverallStatus: StatusHealthy,
		CheckResults:  make(map[string]HealthResult, len(checks)),
		LastCheck:     now,
		StartTime:     hm.startTime,
		Uptime:        now.Sub(hm.startTime).Round(time.Second).String(),
	}
	for i, check := range checks {
		result := results[i]
		status.CheckResults[check.Name()] = result
		if result.Status == StatusHealthy {
			continue
		}
		if check.Critical() {
			status.CriticalIssues = append(status.CriticalIssues, check.Name())
			status.OverallStatus = StatusUnhealthy
		} else if status.OverallStatus == StatusHealthy {
			status.OverallStatus = StatusDegraded
		}
	}
	sort.Strings(status.CriticalIssues)

	hm.recordTransitions(status)
	return status
}

func (hm *HealthMonitor) executeCheck(ctx context.Context, check HealthCheck) HealthResult {
	start := time.Now()

	timeout := check.Timeout()
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := check.Check(checkCtx)
	result.Critical = check.Critical()
	result.Duration = time.Since(start)
	result.Timestamp = time.Now()
	return result
}

// recordTransitions logs checks whose status changed since the last run
func (hm *HealthMonitor) recordTransitions(status *SystemStatus) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	for name, result := range status.CheckResults {
		previous, seen := hm.last[name]
		hm.last[name] = result.Status
		if seen && previous == result.Status {
			continue
		}
		if !seen && result.Status == StatusHealthy {
			continue
		}
		entry := hm.logger.WithFields(logrus.Fields{
			"check":    name,
			"status":   result.Status,
			"critical": result.Critical,
		})
		if result.Status == StatusHealthy {
			entry.Info("Health check recovered")
		} else {
			entry.WithField("message", result.Message).Warn("Health check failing")
		}
	}
}

// NewBasicHealthCheck creates a check from a function
func NewBasicHealthCheck(name string, checkFunc func(ctx context.Context) error, critical bool, timeout time.Duration) *BasicHealthCheck {
	return &BasicHealthCheck{
		name:      name,
		checkFunc: checkFunc,
		critical:  critical,
		timeout:   timeout,
	}
}

// NewPingCheck checks a backend through its Ping method
func NewPingCheck(name string, p Pinger, critical bool, timeout time.Duration) *BasicHealthCheck {
	return NewBasicHealthCheck(name, p.Ping, critical, timeout)
}

func (bhc *BasicHealthCheck) Name() string {
	return bhc.name
}

// Check executes the health check
func (bhc *BasicHealthCheck) Check(ctx context.Context) HealthResult {
	if err := bhc.checkFunc(ctx); err != nil {
		return HealthResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return HealthResult{Status: StatusHealthy, Message: "OK"}
}

func (bhc *BasicHealthCheck) Critical() bool {
	return bhc.critical
}

func (bhc *BasicHealthCheck) Timeout() time.Duration {
	return bhc.timeout
}
