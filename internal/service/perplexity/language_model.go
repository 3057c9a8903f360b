package perplexity

import (
	"errors"
	"fmt"

	"lmperplexity/internal/model/ngram"
)

var (
	// ErrNGramTooLong is returned when an n-gram has more tokens than the model order
	ErrNGramTooLong = errors.New("n-gram exceeds language model order")
	// ErrNoModel is returned when an evaluator is not bound to a language model
	ErrNoModel = errors.New("no language model bound")
)

// LanguageModel is the query surface the evaluators need from a model
type LanguageModel interface {
	// Order returns the maximum supported n-gram length
	Order() int

	// LogProbability returns log10 p(w_n | w_1 ... w_n-1).
	// Impossible events yield -Inf; an unseen n-gram is not an error.
	LogProbability(ng ngram.NGram) (float64, error)

	// EndsWithUnknown reports whether the last token is outside the vocabulary
	EndsWithUnknown(ng ngram.NGram) (bool, error)
}

// Segmenter turns a token sequence into the n-gram sequence to be scored
type Segmenter interface {
	NGramSequence(tokens []string) []ngram.NGram
}

func checkOrder(lm LanguageModel, ng ngram.NGram) error {
	if lm == nil {
		return ErrNoModel
	}
	if order := lm.Order(); len(ng) > order {
		return fmt.Errorf("%w: %q has %d tokens, order is %d", ErrNGramTooLong, ng.String(), len(ng), order)
	}
	return nil
}
