package models

import (
	"math"
	"time"
)

// ExperimentStatus is the lifecycle state of an A/B experiment
type ExperimentStatus string

const (
	ExperimentPending   ExperimentStatus = "pending"
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentCompleted ExperimentStatus = "completed"
	ExperimentStopped   ExperimentStatus = "stopped"
	ExperimentFailed    ExperimentStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed
func (s ExperimentStatus) IsTerminal() bool {
	return s == ExperimentCompleted || s == ExperimentStopped || s == ExperimentFailed
}

// Decision is the outcome of an experiment evaluation
type Decision string

const (
	DecisionPromote Decision = "promote"
	DecisionReject  Decision = "reject"
	DecisionExtend  Decision = "extend"
)

// Variant is the arm a subject is routed to
type Variant string

const (
	VariantChampion   Variant = "champion"
	VariantChallenger Variant = "challenger"
)

// Valid reports whether v names one of the two arms
func (v Variant) Valid() bool {
	return v == VariantChampion || v == VariantChallenger
}

// ExperimentConfig carries the tunables of a new experiment; zero values take defaults
type ExperimentConfig struct {
	ExperimentName                   string                 `json:"experiment_name" yaml:"experiment_name"`
	TrafficSplit                     float64                `json:"traffic_split" yaml:"traffic_split"`
	SuccessMetrics                   []string               `json:"success_metrics" yaml:"success_metrics"`
	LowerIsBetter                    []string               `json:"lower_is_better,omitempty" yaml:"lower_is_better"`
	MinimumSampleSize                int64                  `json:"minimum_sample_size" yaml:"minimum_sample_size"`
	MaximumDuration                  time.Duration          `json:"maximum_duration" yaml:"maximum_duration"`
	StatisticalSignificanceThreshold float64                `json:"statistical_significance_threshold" yaml:"statistical_significance_threshold"`
	PracticalSignificanceThreshold   float64                `json:"practical_significance_threshold" yaml:"practical_significance_threshold"`
	EvaluationInterval               *time.Duration         `json:"evaluation_interval,omitempty" yaml:"evaluation_interval"`
	StratificationFeatures           []string               `json:"stratification_features,omitempty" yaml:"stratification_features"`
	ExclusionCriteria                map[string]interface{} `json:"exclusion_criteria,omitempty" yaml:"exclusion_criteria"`
	Metadata                         map[string]interface{} `json:"metadata,omitempty" yaml:"metadata"`
}

// MetricStats is an online mean/variance accumulator for one metric on one arm
type MetricStats struct {
	Count  int64   `json:"count"`
	Mean   float64 `json:"mean"`
	M2     float64 `json:"m2"`
	Binary bool    `json:"binary"`
}

// NewMetricStats returns an empty accumulator; Binary holds until a non 0/1 value arrives
func NewMetricStats() *MetricStats {
	return &MetricStats{Binary: true}
}

// Observe folds one value in using Welford's update
func (s *MetricStats) Observe(x float64) {
	s.Count++
	delta := x - s.Mean
	s.Mean += delta / float64(s.Count)
	s.M2 += delta * (x - s.Mean)
	if x != 0 && x != 1 {
		s.Binary = false
	}
}

// Variance is the unbiased sample variance, 0 with fewer than two samples
func (s *MetricStats) Variance() float64 {
	if s.Count < 2 {
		return 0
	}
	return math.Max(s.M2/float64(s.Count-1), 0)
}

// ArmStats aggregates all observations routed to one arm
type ArmStats struct {
	SampleCount int64                   `json:"sample_count"`
	Metrics     map[string]*MetricStats `json:"metrics"`
}

// NewArmStats returns an empty arm
func NewArmStats() *ArmStats {
	return &ArmStats{Metrics: make(map[string]*MetricStats)}
}

// Metric returns the accumulator for name, creating it on first use
func (a *ArmStats) Metric(name string) *MetricStats {
	if a.Metrics == nil {
		a.Metrics = make(map[string]*MetricStats)
	}
	s, ok := a.Metrics[name]
	if !ok {
		s = NewMetricStats()
		a.Metrics[name] = s
	}
	return s
}

func (a *ArmStats) clone() *ArmStats {
	if a == nil {
		return nil
	}
	c := &ArmStats{SampleCount: a.SampleCount, Metrics: make(map[string]*MetricStats, len(a.Metrics))}
	for k, s := range a.Metrics {
		cp := *s
		c.Metrics[k] = &cp
	}
	return c
}

// MetricResult is the statistical comparison of one success metric
type MetricResult struct {
	Metric                     string  `json:"metric"`
	ChampionMean               float64 `json:"champion_mean"`
	ChallengerMean             float64 `json:"challenger_mean"`
	ChampionSamples            int64   `json:"champion_samples"`
	ChallengerSamples          int64   `json:"challenger_samples"`
	EffectSize                 float64 `json:"effect_size"`
	TestName                   string  `json:"test_name,omitempty"`
	Statistic                  float64 `json:"statistic"`
	PValue                     float64 `json:"p_value"`
	IsStatisticallySignificant bool    `json:"is_statistically_significant"`
	IsPracticallySignificant   bool    `json:"is_practically_significant"`
	Improved                   bool    `json:"improved"`
	Degraded                   bool    `json:"degraded"`
	Error                      string  `json:"error,omitempty"`
}

// ExperimentSnapshot is one entry of the evaluation history
type ExperimentSnapshot struct {
	Timestamp         time.Time               `json:"timestamp"`
	ChampionSamples   int64                   `json:"champion_samples"`
	ChallengerSamples int64                   `json:"challenger_samples"`
	Results           map[string]MetricResult `json:"results"`
	Decision          Decision                `json:"decision"`
	Confidence        float64                 `json:"confidence"`
}

// ExperimentAlert flags a condition worth an operator's attention
type ExperimentAlert struct {
	Metric    string    `json:"metric"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ABTestExperiment is a running comparison between a champion and a challenger
type ABTestExperiment struct {
	ExperimentID        string    `json:"experiment_id"`
	ExperimentName      string    `json:"experiment_name"`
	ModelType           ModelType `json:"model_type"`
	ChampionVersionID   string    `json:"champion_version_id"`
	ChallengerVersionID string    `json:"challenger_version_id"`

	TrafficSplit                     float64                `json:"traffic_split"`
	SuccessMetrics                   []string               `json:"success_metrics"`
	LowerIsBetter                    []string               `json:"lower_is_better,omitempty"`
	MinimumSampleSize                int64                  `json:"minimum_sample_size"`
	MaximumDuration                  time.Duration          `json:"maximum_duration"`
	StatisticalSignificanceThreshold float64                `json:"statistical_significance_threshold"`
	PracticalSignificanceThreshold   float64                `json:"practical_significance_threshold"`
	EvaluationInterval               time.Duration          `json:"evaluation_interval"`
	StratificationFeatures           []string               `json:"stratification_features,omitempty"`
	ExclusionCriteria                map[string]interface{} `json:"exclusion_criteria,omitempty"`

	Status          ExperimentStatus `json:"status"`
	StartTime       *time.Time       `json:"start_time,omitempty"`
	PlannedEndTime  *time.Time       `json:"planned_end_time,omitempty"`
	EndTime         *time.Time       `json:"end_time,omitempty"`
	LastEvaluatedAt *time.Time       `json:"last_evaluated_at,omitempty"`

	Champion   *ArmStats `json:"champion"`
	Challenger *ArmStats `json:"challenger"`

	StatisticalResults map[string]MetricResult `json:"statistical_results,omitempty"`
	FinalDecision      Decision                `json:"final_decision,omitempty"`
	DecisionReason     string                  `json:"decision_reason,omitempty"`
	DecisionConfidence float64                 `json:"decision_confidence"`
	DecisionTimestamp  *time.Time              `json:"decision_timestamp,omitempty"`

	DailyResults []ExperimentSnapshot   `json:"daily_results,omitempty"`
	Alerts       []ExperimentAlert      `json:"alerts,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Arm returns the stats block for a variant
func (e *ABTestExperiment) Arm(v Variant) *ArmStats {
	if v == VariantChallenger {
		return e.Challenger
	}
	return e.Champion
}

// IsLowerBetter reports whether a decrease in metric counts as an improvement
func (e *ABTestExperiment) IsLowerBetter(metric string) bool {
	for _, m := range e.LowerIsBetter {
		if m == metric {
			return true
		}
	}
	return false
}

// Clone returns a deep copy
func (e *ABTestExperiment) Clone() *ABTestExperiment {
	if e == nil {
		return nil
	}
	c := *e
	c.SuccessMetrics = append([]string(nil), e.SuccessMetrics...)
	c.LowerIsBetter = append([]string(nil), e.LowerIsBetter...)
	c.StratificationFeatures = append([]string(nil), e.StratificationFeatures...)
	c.ExclusionCriteria = cloneAnyMap(e.ExclusionCriteria)
	c.StartTime = cloneTime(e.StartTime)
	c.PlannedEndTime = cloneTime(e.PlannedEndTime)
	c.EndTime = cloneTime(e.EndTime)
	c.LastEvaluatedAt = cloneTime(e.LastEvaluatedAt)
	c.DecisionTimestamp = cloneTime(e.DecisionTimestamp)
	c.Champion = e.Champion.clone()
	c.Challenger = e.Challenger.clone()
	if e.StatisticalResults != nil {
		c.StatisticalResults = make(map[string]MetricResult, len(e.StatisticalResults))
		for k, r := range e.StatisticalResults {
			c.StatisticalResults[k] = r
		}
	}
	c.DailyResults = append([]ExperimentSnapshot(nil), e.DailyResults...)
	c.Alerts = append([]ExperimentAlert(nil), e.Alerts...)
	c.Metadata = cloneAnyMap(e.Metadata)
	return &c
}

// ExperimentFilter narrows ListExperiments
type ExperimentFilter struct {
	ModelType ModelType        `json:"model_type,omitempty"`
	Status    ExperimentStatus `json:"status,omitempty"`
}

// Matches reports whether e passes the filter
func (f ExperimentFilter) Matches(e *ABTestExperiment) bool {
	if f.ModelType != "" && e.ModelType != f.ModelType {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

// EvaluationResult is returned by every evaluation pass
type EvaluationResult struct {
	ExperimentID string                  `json:"experiment_id"`
	Decision     Decision                `json:"decision"`
	Reason       string                  `json:"reason"`
	Confidence   float64                 `json:"confidence"`
	Results      map[string]MetricResult `json:"results"`
	Final        bool                    `json:"final"`
	EvaluatedAt  time.Time               `json:"evaluated_at"`
}

// ExperimentDecision is emitted when an experiment reaches a non-extend decision
type ExperimentDecision struct {
	ExperimentID        string    `json:"experiment_id"`
	ModelType           ModelType `json:"model_type"`
	ChampionVersionID   string    `json:"champion_version_id"`
	ChallengerVersionID string    `json:"challenger_version_id"`
	Decision            Decision  `json:"decision"`
	Confidence          float64   `json:"confidence"`
	Reason              string    `json:"reason"`
	DecidedAt           time.Time `json:"decided_at"`
}

// DecisionRecord returns the final decision of a completed experiment
func (e *ABTestExperiment) DecisionRecord() (ExperimentDecision, bool) {
	if e.Status != ExperimentCompleted || e.FinalDecision == "" || e.FinalDecision == DecisionExtend {
		return ExperimentDecision{}, false
	}
	d := ExperimentDecision{
		ExperimentID:        e.ExperimentID,
		ModelType:           e.ModelType,
		ChampionVersionID:   e.ChampionVersionID,
		ChallengerVersionID: e.ChallengerVersionID,
		Decision:            e.FinalDecision,
		Confidence:          e.DecisionConfidence,
		Reason:              e.DecisionReason,
	}
	if e.DecisionTimestamp != nil {
		d.DecidedAt = *e.DecisionTimestamp
	}
	return d, true
}
