package perplexity

import (
	"fmt"

	"lmperplexity/internal/model/ngram"

	"go.uber.org/zap"
)

// ModelPerplexity is the perplexity of a language model over a stream of n-grams
//
//	2^H = 2^[-1/n Σ log2 p(x_i)] = 10^[-1/n Σ log10 p(x_i)]
//
// where n is the number of added n-grams.
//
// A ModelPerplexity is not safe for concurrent use. AddLog10Prob and Reset mutate
// the running sums without locking; callers sharing an instance must serialize access.
// The bound LanguageModel is only read.
type ModelPerplexity struct {
	lm             LanguageModel
	sumNGrams      int64
	sumLog10Probs  float64
	basePerplexity float64
	opts           options
}

// NewModelPerplexity binds an evaluator to lm and estimates its base perplexity
// from an n-gram made only of <unk>. It never fails: if the estimate cannot be made
// the failure is logged and the base perplexity becomes MaxPerplexity.
func NewModelPerplexity(lm LanguageModel, opts ...Option) *ModelPerplexity {
	mp := &ModelPerplexity{
		lm:   lm,
		opts: newOptions(opts),
	}

	base, err := mp.estimateBasePerplexity()
	if err != nil {
		mp.opts.logger.Error("Could not estimate base perplexity", zap.Error(err))
		base = MaxPerplexity
	}
	mp.basePerplexity = base
	return mp
}

// estimateBasePerplexity scores the <unk> n-gram without touching the running
// sums or the observer.
func (mp *ModelPerplexity) estimateBasePerplexity() (base float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("language model panicked: %v", r)
		}
	}()

	if mp.lm == nil {
		return 0, ErrNoModel
	}
	order := mp.lm.Order()
	if order < 1 {
		return 0, fmt.Errorf("invalid language model order %d", order)
	}

	silent := options{logger: mp.opts.logger, observer: NopObserver}
	log10prob, err := calcLog10Prob(mp.lm, ngram.Repeat(ngram.UnknownWord, order), silent)
	if err != nil {
		return 0, fmt.Errorf("score unknown-word n-gram: %w", err)
	}
	if !isFinite(log10prob) {
		return 0, fmt.Errorf("unknown-word n-gram scored log10 p = %v", log10prob)
	}

	_, perp := perplexityFromLog10(log10prob, 1)
	return perp, nil
}

// Reset clears the running sums. The base perplexity and model binding are kept.
func (mp *ModelPerplexity) Reset() {
	mp.sumNGrams = 0
	mp.sumLog10Probs = 0
}

// Get returns 10^(-mean log10 p) over the added n-grams.
// With no samples, or a NaN/infinite sum, it returns the base perplexity instead.
// Get only reads the sums; use Report to publish a finished result.
func (mp *ModelPerplexity) Get() float64 {
	_, perp, _ := mp.value()
	return perp
}

// Report returns Get and hands the result to the observer
func (mp *ModelPerplexity) Report() float64 {
	entropy, perp, fallback := mp.value()
	mp.opts.observer.ObservePerplexity(PerplexityScore{
		Evaluator:  EvaluatorModel,
		N:          float64(mp.sumNGrams),
		LogSum:     mp.sumLog10Probs,
		Entropy:    entropy,
		Perplexity: perp,
		Fallback:   fallback,
	})
	return perp
}

func (mp *ModelPerplexity) value() (entropy, perp float64, fallback bool) {
	n := mp.sumNGrams
	if n == 0 || !isFinite(mp.sumLog10Probs) {
		// Falls back to this model's base perplexity, whereas CalculatePerplexity
		// falls back to the MaxPerplexity constant. Callers depend on both values;
		// do not unify them.
		return 0, mp.basePerplexity, true
	}
	entropy, perp = perplexityFromLog10(mp.sumLog10Probs, float64(n))
	return entropy, perp, false
}

// N returns the number of n-grams added since the last reset
func (mp *ModelPerplexity) N() int64 {
	return mp.sumNGrams
}

// Log10Probs returns the running sum of log10 probabilities
func (mp *ModelPerplexity) Log10Probs() float64 {
	return mp.sumLog10Probs
}

// BasePerplexity returns the fallback value computed at construction
func (mp *ModelPerplexity) BasePerplexity() float64 {
	return mp.basePerplexity
}

// AddLog10Prob scores ng, adds it to the running sums and returns its log10 probability.
func (mp *ModelPerplexity) AddLog10Prob(ng ngram.NGram) (float64, error) {
	log10prob, err := calcLog10Prob(mp.lm, ng, mp.opts)
	if err != nil {
		return 0, err
	}
	mp.sumNGrams++
	mp.sumLog10Probs += log10prob
	return log10prob, nil
}

// CalculatePerplexity computes the perplexity of a pre-segmented n-gram sequence.
// With skipOOV, n-grams ending in an unknown token are left out of both the sum
// and the n-gram count.
// If no n-gram remains or the sum is not finite the result is MaxPerplexity.
func CalculatePerplexity(lm LanguageModel, ngramSequence []ngram.NGram, skipOOV bool, opts ...Option) (float64, error) {
	score, err := ScoreSequence(lm, ngramSequence, skipOOV, opts...)
	if err != nil {
		return 0, err
	}
	return score.Perplexity, nil
}

// ScoreSequence is CalculatePerplexity returning the whole score: N is the number
// of n-grams scored and Skipped the number left out as unknown.
func ScoreSequence(lm LanguageModel, ngramSequence []ngram.NGram, skipOOV bool, opts ...Option) (PerplexityScore, error) {
	o := newOptions(opts)

	sumLog10Probs := 0.0
	nOOV := 0
	for _, ng := range ngramSequence {
		if skipOOV {
			if lm == nil {
				return PerplexityScore{}, ErrNoModel
			}
			oov, err := lm.EndsWithUnknown(ng)
			if err != nil {
				return PerplexityScore{}, fmt.Errorf("check %q for unknown words: %w", ng.String(), err)
			}
			if oov {
				nOOV++
				continue
			}
		}
		log10prob, err := calcLog10Prob(lm, ng, o)
		if err != nil {
			return PerplexityScore{}, err
		}
		sumLog10Probs += log10prob
	}

	// N counts scored n-grams only; no order-1 boundary correction is added.
	score := PerplexityScore{
		Evaluator: EvaluatorModel,
		N:         float64(len(ngramSequence) - nOOV),
		LogSum:    sumLog10Probs,
		Skipped:   nOOV,
	}
	if score.N == 0 || !isFinite(sumLog10Probs) {
		// Constant sentinel, not a model-specific base perplexity: see ModelPerplexity.Get.
		score.Perplexity = MaxPerplexity
		score.Fallback = true
	} else {
		score.Entropy, score.Perplexity = perplexityFromLog10(sumLog10Probs, score.N)
	}
	o.observer.ObservePerplexity(score)
	return score, nil
}

// CalculatePerplexityFromTokens windows tokens with seg and delegates to CalculatePerplexity.
func CalculatePerplexityFromTokens(lm LanguageModel, seg Segmenter, tokens []string, skipOOV bool, opts ...Option) (float64, error) {
	return CalculatePerplexity(lm, seg.NGramSequence(tokens), skipOOV, opts...)
}

func calcLog10Prob(lm LanguageModel, ng ngram.NGram, o options) (float64, error) {
	if err := checkOrder(lm, ng); err != nil {
		return 0, err
	}
	log10prob, err := lm.LogProbability(ng)
	if err != nil {
		return 0, fmt.Errorf("log probability of %q: %w", ng.String(), err)
	}

	log2prob := Log10ToLog2(log10prob)
	o.observer.ObserveNGram(NGramScore{
		Evaluator:   EvaluatorModel,
		NGram:       ng,
		Log10Prob:   log10prob,
		Log2Prob:    log2prob,
		Probability: pow2(log2prob),
	})
	return log10prob, nil
}
