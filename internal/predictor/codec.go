package predictor

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/inferloop/modelops/pkg/errors"
	"github.com/inferloop/modelops/pkg/interfaces"
)

// FormatLinearJSON tags artifacts written by JSONCodec
const FormatLinearJSON = "linear-json/v1"

type envelope struct {
	Format string       `json:"format"`
	Model  *LinearModel `json:"model"`
}

// JSONCodec serializes LinearModel predictors
type JSONCodec struct{}

// NewJSONCodec creates the default codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// Format names the artifact encoding
func (c *JSONCodec) Format() string {
	return FormatLinearJSON
}

// Encode writes p; only LinearModel is supported
func (c *JSONCodec) Encode(p interfaces.Predictor, w io.Writer) error {
	m, ok := p.(*LinearModel)
	if !ok {
		return errors.NewValidationError(errors.CodeInvalidInput, fmt.Sprintf("cannot encode predictor of type %T", p))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(envelope{Format: FormatLinearJSON, Model: m})
}

// Decode reads a predictor previously written by Encode
func (c *JSONCodec) Decode(r io.Reader) (interfaces.Predictor, error) {
	var env envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidInput, "artifact is not a valid model")
	}
	if env.Format != FormatLinearJSON {
		return nil, errors.NewValidationError(errors.CodeInvalidInput, fmt.Sprintf("unsupported artifact format %q", env.Format))
	}
	if env.Model == nil {
		return nil, errors.NewValidationError(errors.CodeInvalidInput, "artifact carries no model")
	}
	return NewLinearModel(env.Model.Name, env.Model.Features, env.Model.Weights, env.Model.Intercept, env.Model.Link)
}
