package semver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/modelops/pkg/errors"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in                  string
		major, minor, patch int
	}{
		{"1.2.3", 1, 2, 3},
		{"v2.0.1", 2, 0, 1},
		{"2", 2, 0, 0},
		{"3.4", 3, 4, 0},
		{"", 0, 0, 0},
		{"abc", 0, 0, 0},
		{"1.x.3", 0, 0, 0},
		{"1.2.3.4", 0, 0, 0},
		{"-1.0.0", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			major, minor, patch := Parse(tt.in)
			assert.Equal(t, tt.major, major)
			assert.Equal(t, tt.minor, minor)
			assert.Equal(t, tt.patch, patch)
		})
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("0.0.0"))
	assert.True(t, Valid("1.10.2"))
	assert.False(t, Valid("."))
	assert.False(t, Valid("release"))
}

func TestIncrement(t *testing.T) {
	next, err := Increment("1.2.3", Major)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", next)

	next, err = Increment("1.2.3", Minor)
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", next)

	next, err = Increment("1.2.3", Patch)
	require.NoError(t, err)
	assert.Equal(t, "1.2.4", next)

	next, err = Increment("garbage", Patch)
	require.NoError(t, err)
	assert.Equal(t, "0.0.1", next)
}

func TestIncrementUnknownKind(t *testing.T) {
	_, err := Increment("1.0.0", IncrementKind("build"))
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), "build")
}

func TestParseIncrementKind(t *testing.T) {
	kind, err := ParseIncrementKind("")
	require.NoError(t, err)
	assert.Equal(t, Patch, kind)

	kind, err = ParseIncrementKind("MINOR")
	require.NoError(t, err)
	assert.Equal(t, Minor, kind)

	_, err = ParseIncrementKind("huge")
	assert.Error(t, err)
}

func TestCompare(t *testing.T) {
	assert.Equal(t, 0, Compare("1.0.0", "1.0.0"))
	assert.Equal(t, -1, Compare("1.0.0", "1.0.1"))
	assert.Equal(t, 1, Compare("1.10.0", "1.9.9"))
	assert.Equal(t, -1, Compare("bad", "0.0.1"))
	assert.Equal(t, 1, Compare("2", "1.99.99"))
}

func TestIsCompatible(t *testing.T) {
	assert.True(t, IsCompatible("1.0.0", "1.9.3"))
	assert.False(t, IsCompatible("1.0.0", "2.0.0"))
	assert.True(t, IsCompatible("bad", "0.4.0"))
}
