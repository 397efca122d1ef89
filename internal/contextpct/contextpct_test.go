package contextpct

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPercentClampsToRange(t *testing.T) {
	e := NewEstimator("claude-sonnet-4", 1000)

	assert.Equal(t, 0.0, e.Percent(0))
	assert.InDelta(t, 50.0, e.Percent(500), 0.001)
	assert.Equal(t, 100.0, e.Percent(2000), "usage beyond the window clamps to 100")
	assert.Equal(t, 0.0, e.Percent(-10), "negative usage clamps to 0")
}

func TestPercentWithNoWindowConfigured(t *testing.T) {
	e := NewEstimator("claude-sonnet-4", 0)
	assert.Equal(t, 0.0, e.Percent(500))
}

func TestCountTokensFallsBackWhenCodecUnavailable(t *testing.T) {
	e := &Estimator{codec: nil, maxContext: 1000}
	text := strings.Repeat("a", 40)
	assert.Equal(t, 10, e.CountTokens(text))
}

func TestCountTokensUsesCodecWhenAvailable(t *testing.T) {
	e := NewEstimator("gpt-4", 1000)
	n := e.CountTokens("hello world, this is a context estimate test")
	assert.Positive(t, n)
}
