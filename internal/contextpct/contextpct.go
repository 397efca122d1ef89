// Package contextpct estimates a job's live contextPercent (§4.4 step 4:
// "update an in-memory contextPercent estimate if the runner emits
// usage"). Grounded on pkg/utils/tiktoken.go's TokenCounter: every model is
// counted with the GPT-4 encoding, with the same char-count fallback; only
// the context-window size passed to the estimator varies per model.
package contextpct

import (
	"github.com/tiktoken-go/tokenizer"
)

// Estimator counts tokens for one job's running context window.
type Estimator struct {
	codec      tokenizer.Codec
	maxContext int
}

// NewEstimator builds an estimator for modelName against maxContextTokens
// (the backend's context window size). Falls back to a nil codec (and so
// CountTokens falls back to char/4 estimation) if the tokenizer can't be
// constructed — the same degradation pkg/utils/tiktoken.go performs.
func NewEstimator(modelName string, maxContextTokens int) *Estimator {
	codec, err := tokenizer.ForModel(tikModelFor(modelName))
	if err != nil {
		codec = nil
	}
	return &Estimator{codec: codec, maxContext: maxContextTokens}
}

func tikModelFor(modelName string) tokenizer.Model {
	// Every backend wired in internal/runner is approximated with the
	// GPT-4 encoding, mirroring pkg/utils/tiktoken.go's own approximation
	// for Claude models: token *counts* differ slightly across model
	// families, but not enough to change contextPercent's order of
	// magnitude, and none of the SDKs in the domain stack expose a public
	// tokenizer of their own.
	return tokenizer.GPT4
}

// CountTokens counts text, falling back to a char/4 estimate when no
// codec is available.
func (e *Estimator) CountTokens(text string) int {
	if e.codec == nil {
		return len(text) / 4
	}
	count, err := e.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// Percent returns usedTokens as a percentage of the configured context
// window, clamped to [0, 100]. Returns 0 if no window is configured.
func (e *Estimator) Percent(usedTokens int) float64 {
	if e.maxContext <= 0 {
		return 0
	}
	pct := float64(usedTokens) / float64(e.maxContext) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
