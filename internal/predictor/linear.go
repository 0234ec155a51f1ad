// Package predictor provides the concrete model type the engine ships with
// and the codec that turns it into artifact bytes.
package predictor

import (
	"context"
	"fmt"
	"math"

	"github.com/inferloop/modelops/pkg/errors"
)

// Link selects how the linear score is mapped to a prediction
type Link string

const (
	LinkIdentity Link = "identity"
	LinkLogistic Link = "logistic"
)

// LinearModel is a weighted sum of named features with an optional logistic link
type LinearModel struct {
	Name      string             `json:"name"`
	Features  []string           `json:"features"`
	Weights   map[string]float64 `json:"weights"`
	Intercept float64            `json:"intercept"`
	Link      Link               `json:"link"`
}

// NewLinearModel validates that every feature has a weight
func NewLinearModel(name string, features []string, weights map[string]float64, intercept float64, link Link) (*LinearModel, error) {
	if len(features) == 0 {
		return nil, errors.NewValidationError(errors.CodeMissingField, "model needs at least one feature")
	}
	for _, f := range features {
		if _, ok := weights[f]; !ok {
			return nil, errors.NewValidationError(errors.CodeMissingField, fmt.Sprintf("no weight for feature %q", f))
		}
	}
	if link == "" {
		link = LinkLogistic
	}
	return &LinearModel{
		Name:      name,
		Features:  append([]string(nil), features...),
		Weights:   weights,
		Intercept: intercept,
		Link:      link,
	}, nil
}

// FeatureNames lists the model inputs in training order
func (m *LinearModel) FeatureNames() []string {
	return append([]string(nil), m.Features...)
}

// Predict scores one feature vector. Missing features count as zero.
func (m *LinearModel) Predict(ctx context.Context, features map[string]float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	score := m.Intercept
	for _, name := range m.Features {
		score += m.Weights[name] * features[name]
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, errors.NewValidationError(errors.CodeInvalidInput, "prediction is not finite")
	}
	if m.Link == LinkLogistic {
		return 1 / (1 + math.Exp(-score)), nil
	}
	return score, nil
}
