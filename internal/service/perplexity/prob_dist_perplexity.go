package perplexity

import (
	"fmt"
	"math"

	"lmperplexity/internal/model/ngram"
)

// ProbDistPerplexity is the perplexity of a probability distribution
//
//	2^H(P) = 2^[-Σ_x p(x) log2 p(x)]
//
// It is kept as an independent cross-check of ModelPerplexity.
// Like ModelPerplexity it is not safe for concurrent use.
//
// Deprecated: use ModelPerplexity.
type ProbDistPerplexity struct {
	lm           LanguageModel
	sumLog2Probs float64
	sumNGrams    int64
	opts         options
}

// NewProbDistPerplexity binds a distribution evaluator to lm.
//
// Deprecated: use NewModelPerplexity.
func NewProbDistPerplexity(lm LanguageModel, opts ...Option) *ProbDistPerplexity {
	return &ProbDistPerplexity{
		lm:   lm,
		opts: newOptions(opts),
	}
}

// Reset clears the running sums
func (pd *ProbDistPerplexity) Reset() {
	pd.sumLog2Probs = 0
	pd.sumNGrams = 0
}

// Get returns 2^(-Σ p log2 p). An infinite sum yields +Inf.
func (pd *ProbDistPerplexity) Get() float64 {
	_, perp, _ := pd.value()
	return perp
}

// Report returns Get and hands the result to the observer
func (pd *ProbDistPerplexity) Report() float64 {
	entropy, perp, fallback := pd.value()
	pd.opts.observer.ObservePerplexity(PerplexityScore{
		Evaluator:  EvaluatorProbDist,
		N:          float64(pd.sumNGrams),
		LogSum:     pd.sumLog2Probs,
		Entropy:    entropy,
		Perplexity: perp,
		Fallback:   fallback,
	})
	return perp
}

func (pd *ProbDistPerplexity) value() (entropy, perp float64, fallback bool) {
	// No base perplexity here: an impossible event makes the result +Inf,
	// unlike ModelPerplexity which falls back. Keep the two policies apart.
	if math.IsInf(pd.sumLog2Probs, 0) {
		return 0, math.Inf(1), true
	}
	entropy = -pd.sumLog2Probs
	return entropy, pow2(entropy), false
}

// N returns the number of n-grams added since the last reset
func (pd *ProbDistPerplexity) N() int64 {
	return pd.sumNGrams
}

// Log2Probs returns the running sum of p(x)*log2 p(x)
func (pd *ProbDistPerplexity) Log2Probs() float64 {
	return pd.sumLog2Probs
}

// AddLog2Prob adds p(x)*log2 p(x) for ng to the running sum and returns the product.
func (pd *ProbDistPerplexity) AddLog2Prob(ng ngram.NGram) (float64, error) {
	product, err := calcProbProduct(pd.lm, ng, pd.opts)
	if err != nil {
		return 0, err
	}
	pd.sumLog2Probs += product
	pd.sumNGrams++
	return product, nil
}

// CalcProbProduct returns p(x)*log2 p(x) for ng.
// An infinite log probability yields -Inf rather than the limit 0.
func CalcProbProduct(lm LanguageModel, ng ngram.NGram, opts ...Option) (float64, error) {
	return calcProbProduct(lm, ng, newOptions(opts))
}

// CalculateProbDistPerplexity computes 2^(-Σ p log2 p) over a pre-segmented sequence,
// returning +Inf as soon as one n-gram is impossible.
func CalculateProbDistPerplexity(lm LanguageModel, ngramSequence []ngram.NGram, opts ...Option) (float64, error) {
	o := newOptions(opts)

	sum := 0.0
	for _, ng := range ngramSequence {
		product, err := calcProbProduct(lm, ng, o)
		if err != nil {
			return 0, err
		}
		if math.IsInf(product, 0) {
			o.observer.ObservePerplexity(PerplexityScore{
				Evaluator:  EvaluatorProbDist,
				N:          float64(len(ngramSequence)),
				LogSum:     product,
				Perplexity: math.Inf(1),
				Fallback:   true,
			})
			return math.Inf(1), nil
		}
		sum += product
	}

	entropy := -sum
	perp := pow2(entropy)
	o.observer.ObservePerplexity(PerplexityScore{
		Evaluator:  EvaluatorProbDist,
		N:          float64(len(ngramSequence)),
		LogSum:     sum,
		Entropy:    entropy,
		Perplexity: perp,
	})
	return perp, nil
}

// CalculateProbDistPerplexityFromTokens windows tokens with seg and delegates.
func CalculateProbDistPerplexityFromTokens(lm LanguageModel, seg Segmenter, tokens []string, opts ...Option) (float64, error) {
	return CalculateProbDistPerplexity(lm, seg.NGramSequence(tokens), opts...)
}

func calcProbProduct(lm LanguageModel, ng ngram.NGram, o options) (float64, error) {
	if err := checkOrder(lm, ng); err != nil {
		return 0, err
	}
	log10prob, err := lm.LogProbability(ng)
	if err != nil {
		return 0, fmt.Errorf("log probability of %q: %w", ng.String(), err)
	}

	if math.IsInf(log10prob, 0) {
		o.observer.ObserveNGram(NGramScore{
			Evaluator: EvaluatorProbDist,
			NGram:     ng,
			Log10Prob: log10prob,
			Log2Prob:  log10prob,
			Product:   math.Inf(-1),
		})
		return math.Inf(-1), nil
	}

	log2prob := Log10ToLog2(log10prob)
	prob := pow2(log2prob)
	product := prob * log2prob
	o.observer.ObserveNGram(NGramScore{
		Evaluator:   EvaluatorProbDist,
		NGram:       ng,
		Log10Prob:   log10prob,
		Log2Prob:    log2prob,
		Probability: prob,
		Product:     product,
	})
	return product, nil
}
