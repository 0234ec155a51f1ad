package deployment

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/inferloop/modelops/pkg/errors"
	"github.com/inferloop/modelops/pkg/interfaces"
	"github.com/inferloop/modelops/pkg/models"
)

// Blue/green slot names
const (
	SlotBlue  = "blue"
	SlotGreen = "green"
)

var slotNames = [2]string{SlotBlue, SlotGreen}

// RouteDecision tells the serving path which version answers a subject
type RouteDecision struct {
	VersionID    string         `json:"version_id"`
	Variant      models.Variant `json:"variant,omitempty"`
	ExperimentID string         `json:"experiment_id,omitempty"`
	Canary       bool           `json:"canary,omitempty"`
	Shadows      []string       `json:"shadows,omitempty"`
}

type experimentRoute struct {
	id           string
	challengerID string
	assign       func(subjectID string) (models.Variant, error)
}

type servingCounters struct {
	requests int64
	errors   int64
	latency  time.Duration
}

type route struct {
	slots         [2]string
	active        int
	canaryID      string
	canaryPercent int
	shadows       map[string]bool
	experiment    *experimentRoute
	stats         map[string]*servingCounters
}

// Router is the in-memory routing table, one route per model type
type Router struct {
	mu     sync.RWMutex
	routes map[models.ModelType]*route
}

var _ interfaces.TrafficRouter = (*Router)(nil)

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{routes: make(map[models.ModelType]*route)}
}

// routeFor must be called with r.mu held for writing
func (r *Router) routeFor(modelType models.ModelType) *route {
	rt, ok := r.routes[modelType]
	if !ok {
		rt = &route{shadows: make(map[string]bool), stats: make(map[string]*servingCounters)}
		r.routes[modelType] = rt
	}
	return rt
}

func (r *Router) SetLive(modelType models.ModelType, versionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt := r.routeFor(modelType)
	rt.slots[rt.active] = versionID
}

func (r *Router) Live(modelType models.ModelType) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[modelType]
	if !ok {
		return ""
	}
	return rt.slots[rt.active]
}

// Idle returns the version loaded in the idle slot
func (r *Router) Idle(modelType models.ModelType) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[modelType]
	if !ok {
		return ""
	}
	return rt.slots[1-rt.active]
}

func (r *Router) StageIdle(modelType models.ModelType, versionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt := r.routeFor(modelType)
	rt.slots[1-rt.active] = versionID
	return slotNames[1-rt.active]
}

func (r *Router) SwitchSlots(modelType models.ModelType) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt := r.routeFor(modelType)
	rt.active = 1 - rt.active
	return rt.slots[rt.active]
}

func (r *Router) SetCanary(modelType models.ModelType, versionID string, percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt := r.routeFor(modelType)
	if percent <= 0 || versionID == "" {
		rt.canaryID, rt.canaryPercent = "", 0
		return
	}
	if percent > 100 {
		percent = 100
	}
	rt.canaryID, rt.canaryPercent = versionID, percent
}

// Canary returns the canary version and its traffic share
func (r *Router) Canary(modelType models.ModelType) (string, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[modelType]
	if !ok {
		return "", 0
	}
	return rt.canaryID, rt.canaryPercent
}

func (r *Router) EnableShadow(modelType models.ModelType, versionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routeFor(modelType).shadows[versionID] = true
}

func (r *Router) DisableShadow(modelType models.ModelType, versionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routeFor(modelType).shadows, versionID)
}

func (r *Router) AttachExperiment(modelType models.ModelType, experimentID, challengerID string, assign func(subjectID string) (models.Variant, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routeFor(modelType).experiment = &experimentRoute{id: experimentID, challengerID: challengerID, assign: assign}
}

func (r *Router) DetachExperiment(modelType models.ModelType, experimentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt := r.routeFor(modelType)
	if rt.experiment != nil && rt.experiment.id == experimentID {
		rt.experiment = nil
	}
}

// Experiment returns the attached experiment id, "" when none
func (r *Router) Experiment(modelType models.ModelType) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[modelType]
	if !ok || rt.experiment == nil {
		return ""
	}
	return rt.experiment.id
}

// Route picks the version that serves subjectID. Experiment routing wins
// over a canary share; shadows receive a copy of every request.
func (r *Router) Route(modelType models.ModelType, subjectID string) (*RouteDecision, error) {
	r.mu.RLock()
	rt, ok := r.routes[modelType]
	if !ok || rt.slots[rt.active] == "" {
		r.mu.RUnlock()
		return nil, errors.NewNotFoundError("live version", string(modelType))
	}
	live := rt.slots[rt.active]
	exp := rt.experiment
	canaryID, canaryPercent := rt.canaryID, rt.canaryPercent
	shadows := make([]string, 0, len(rt.shadows))
	for id := range rt.shadows {
		shadows = append(shadows, id)
	}
	r.mu.RUnlock()
	sort.Strings(shadows)

	decision := &RouteDecision{VersionID: live, Shadows: shadows}

	switch {
	case exp != nil:
		variant, err := exp.assign(subjectID)
		if err != nil {
			return nil, err
		}
		decision.Variant = variant
		decision.ExperimentID = exp.id
		if variant == models.VariantChallenger {
			decision.VersionID = exp.challengerID
		}
	case canaryID != "" && bucket(string(modelType), subjectID) < float64(canaryPercent)/100:
		decision.VersionID = canaryID
		decision.Canary = true
	}
	return decision, nil
}

// RecordServingResult counts one served request for versionID
func (r *Router) RecordServingResult(modelType models.ModelType, versionID string, latency time.Duration, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt := r.routeFor(modelType)
	c, ok := rt.stats[versionID]
	if !ok {
		c = &servingCounters{}
		rt.stats[versionID] = c
	}
	c.requests++
	if failed {
		c.errors++
	}
	c.latency += latency
}

func (r *Router) ServingStats(modelType models.ModelType, versionID string) interfaces.ServingStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[modelType]
	if !ok {
		return interfaces.ServingStats{}
	}
	c, ok := rt.stats[versionID]
	if !ok {
		return interfaces.ServingStats{}
	}
	stats := interfaces.ServingStats{Requests: c.requests, Errors: c.errors}
	if c.requests > 0 {
		stats.Latency = float64(c.latency) / float64(time.Millisecond) / float64(c.requests)
	}
	return stats
}

// bucket maps a subject onto [0,1) for percentage routing
func bucket(key, subjectID string) float64 {
	sum := sha256.Sum256([]byte(key + ":" + subjectID))
	b := float64(binary.BigEndian.Uint64(sum[:8])) / float64(math.MaxUint64)
	if b >= 1 {
		return math.Nextafter(1, 0)
	}
	return b
}
