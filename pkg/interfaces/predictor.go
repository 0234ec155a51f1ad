package interfaces

import (
	"context"
	"io"
)

// Predictor is an opaque trained model
type Predictor interface {
	// Predict scores one feature vector keyed by feature name
	Predict(ctx context.Context, features map[string]float64) (float64, error)

	// FeatureNames lists the inputs the model was trained on, in order
	FeatureNames() []string
}

// PredictorCodec converts predictors to and from artifact bytes
type PredictorCodec interface {
	Encode(p Predictor, w io.Writer) error
	Decode(r io.Reader) (Predictor, error)
	Format() string
}
