// Package tokenizer estimates and (where a real vocabulary is available)
// encodes/decodes model token counts. Cosmos has no bundled BPE vocabulary,
// so Estimator is the only implementation shipped — it satisfies the same
// contract a future exact tokenizer would.
package tokenizer

import (
	"math"
)

// Tokenizer can encode/decode when an exact vocabulary is available, and
// always estimate a token count even when it isn't.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
	EstimateTokens(text string) int
}

// charsPerToken is the conservative fallback ratio used when no BPE
// vocabulary is available: ceil(chars / 4).
const charsPerToken = 4

// Estimator is the chars/4 fallback tokenizer. It never actually tokenizes —
// Encode/Decode operate on a trivial one-rune-per-"token" encoding so callers
// that need a real token stream (not just a count) get a stable, reversible
// mapping rather than a panic.
type Estimator struct{}

// NewEstimator returns the chars/4 fallback tokenizer.
func NewEstimator() Estimator { return Estimator{} }

// EstimateTokens returns ceil(chars(text) / 4), the canonical fallback ratio.
func (Estimator) EstimateTokens(text string) int {
	n := len([]rune(text))
	if n == 0 {
		return 0
	}
	return int(math.Ceil(float64(n) / float64(charsPerToken)))
}

// Encode returns one pseudo-token per rune. Not a real BPE encoding: its
// length is the rune count, so it does not equal EstimateTokens(text),
// which is about a quarter of that.
func (Estimator) Encode(text string) []int {
	runes := []rune(text)
	out := make([]int, len(runes))
	for i, r := range runes {
		out[i] = int(r)
	}
	return out
}

// Decode reverses Encode.
func (Estimator) Decode(tokens []int) string {
	runes := make([]rune, len(tokens))
	for i, t := range tokens {
		runes[i] = rune(t)
	}
	return string(runes)
}

// ChunkCharSize computes the fallback chunk size in characters for an
// oversized input: context_tokens × 4 × reduction_factor, rounded down to a
// multiple of 4.
func ChunkCharSize(contextTokens int, reductionFactor float64) int {
	size := int(float64(contextTokens) * float64(charsPerToken) * reductionFactor)
	return size - (size % charsPerToken)
}

var _ Tokenizer = Estimator{}
