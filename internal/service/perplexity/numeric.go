package perplexity

import "math"

// MaxPerplexity is the sentinel for "no finite perplexity available":
// the largest 32-bit signed integer, as a float.
const MaxPerplexity = float64(math.MaxInt32)

var log10Of2 = math.Log10(2)

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// Log10ToLog2 converts a base-10 log-probability to base 2.
func Log10ToLog2(log10p float64) float64 {
	return log10p / log10Of2
}

// perplexityFromLog10 returns the mean negative log10 probability and 10^entropy.
func perplexityFromLog10(sumLog10Probs, n float64) (entropy, perplexity float64) {
	entropy = -(sumLog10Probs / n)
	return entropy, math.Pow(10, entropy)
}

func pow2(log2p float64) float64 {
	return math.Pow(2, log2p)
}
