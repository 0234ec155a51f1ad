package predictor

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinearModelPredict(t *testing.T) {
	m, err := NewLinearModel("lead", []string{"visits", "opens"}, map[string]float64{"visits": 1, "opens": -1}, 0, LinkIdentity)
	require.NoError(t, err)

	score, err := m.Predict(context.Background(), map[string]float64{"visits": 3, "opens": 1})
	require.NoError(t, err)
	assert.Equal(t, 2.0, score)

	m.Link = LinkLogistic
	score, err = m.Predict(context.Background(), map[string]float64{})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, score, 1e-9)
}

func TestNewLinearModelValidation(t *testing.T) {
	_, err := NewLinearModel("lead", nil, nil, 0, LinkLogistic)
	assert.Error(t, err)

	_, err = NewLinearModel("lead", []string{"a"}, map[string]float64{}, 0, LinkLogistic)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no weight for feature "a"`)
}

func TestJSONCodecRoundTrip(t *testing.T) {
	m, err := NewLinearModel("lead", []string{"a", "b"}, map[string]float64{"a": 0.5, "b": 2}, 0.1, LinkLogistic)
	require.NoError(t, err)

	codec := NewJSONCodec()
	var buf bytes.Buffer
	require.NoError(t, codec.Encode(m, &buf))

	decoded, err := codec.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, decoded.FeatureNames())

	want, _ := m.Predict(context.Background(), map[string]float64{"a": 1, "b": 1})
	got, err := decoded.Predict(context.Background(), map[string]float64{"a": 1, "b": 1})
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-12)
}

func TestJSONCodecRejectsGarbage(t *testing.T) {
	_, err := NewJSONCodec().Decode(strings.NewReader("not json"))
	assert.Error(t, err)

	_, err = NewJSONCodec().Decode(strings.NewReader(`{"format":"pickle"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported artifact format")
}
