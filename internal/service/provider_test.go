package service

import (
	"context"
	"math"
	"strings"
	"testing"
	"unicode/utf8"

	"lmperplexity/internal/model/ngram"
	"lmperplexity/internal/service/perplexity"
	"lmperplexity/internal/service/tokenizer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func foxProvider(t *testing.T, opts ...ProviderOption) *LMProvider {
	t.Helper()
	m := NewNGramModel(3, nil)
	trainSentences(t, m, "The quick brown fox", "The quick brown cat")
	m.Fix()
	p, err := NewLMProvider("fox", m, nil, opts...)
	require.NoError(t, err)
	return p
}

func TestNewLMProvider(t *testing.T) {
	_, err := NewLMProvider("none", nil, nil)
	assert.ErrorIs(t, err, perplexity.ErrNoModel)

	p := foxProvider(t, WithModelType("counting"), WithSkipOOV(true), WithBoundaryMode(ngram.BoundaryGrow))
	assert.Equal(t, "fox", p.Name())
	assert.Equal(t, 3, p.Order())
	assert.True(t, p.SkipOOV())
	assert.Equal(t, tokenizer.LanguageText, p.Tokenizer().Language())
	assert.Equal(t, ModelInfo{
		Name: "fox", Type: "counting", Order: 3, Language: "text",
		Boundary: 2, SkipOOV: true, VocabularySize: 5,
	}, p.Info())
}

func TestLMProvider_NGrams(t *testing.T) {
	p := foxProvider(t)
	ctx := context.Background()

	ngrams, err := p.NGrams(ctx, "The quick brown fox\nshort line\n\nquick brown cat")
	require.NoError(t, err)
	assert.Equal(t, []ngram.NGram{
		{"The", "quick", "brown"}, {"quick", "brown", "fox"}, {"quick", "brown", "cat"},
	}, ngrams)

	ngrams, err = p.NGrams(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, ngrams)
}

func TestLMProvider_Perplexity(t *testing.T) {
	p := foxProvider(t)
	ctx := context.Background()

	perp, err := p.Perplexity(ctx, "The quick brown fox", false)
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt2, perp, 1e-12)

	pd, err := p.ProbDistPerplexity(ctx, "The quick brown fox")
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt2, pd, 1e-12)

	// an unseen trigram has zero probability
	perp, err = p.Perplexity(ctx, "The quick brown dog", false)
	require.NoError(t, err)
	assert.Equal(t, perplexity.MaxPerplexity, perp)

	// skipping the OOV trigram leaves p = 1
	perp, err = p.Perplexity(ctx, "The quick brown dog", true)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, perp, 1e-12)

	// nothing to score
	perp, err = p.Perplexity(ctx, "too short", false)
	require.NoError(t, err)
	assert.Equal(t, perplexity.MaxPerplexity, perp)

	sum, err := p.SequenceLog10Probability(ctx, "The quick brown cat")
	require.NoError(t, err)
	assert.InDelta(t, math.Log10(0.5), sum, 1e-12)
}

func TestLMProvider_SharedPerplexity(t *testing.T) {
	p := foxProvider(t)
	ctx := context.Background()

	// empty evaluator falls back to the base perplexity
	assert.Equal(t, perplexity.MaxPerplexity, p.CurrentPerplexity())

	perp, err := p.AddToPerplexity(ctx, "The quick brown fox")
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt2, perp, 1e-12)

	lp, err := p.AddNGramToPerplexity(ngram.NGram{"quick", "brown", "cat"})
	require.NoError(t, err)
	assert.InDelta(t, math.Log10(0.5), lp, 1e-12)
	assert.InDelta(t, math.Pow(10, -2*math.Log10(0.5)/3), p.CurrentPerplexity(), 1e-12)

	_, err = p.AddNGramToPerplexity(ngram.NGram{"a", "b", "c", "d"})
	assert.ErrorIs(t, err, perplexity.ErrNGramTooLong)

	p.ResetPerplexity()
	assert.Equal(t, perplexity.MaxPerplexity, p.CurrentPerplexity())
}

func TestLMProvider_NGramLog10Probability(t *testing.T) {
	p := foxProvider(t)

	lp, err := p.NGramLog10Probability(ngram.NGram{"The", "quick", "brown"})
	require.NoError(t, err)
	assert.Equal(t, 0.0, lp)

	_, err = p.NGramLog10Probability(ngram.NGram{})
	assert.Error(t, err)
	_, err = p.NGramLog10Probability(ngram.NGram{"a", "b", "c", "d"})
	assert.ErrorIs(t, err, perplexity.ErrNGramTooLong)

	oov, err := p.ContainsUnknown(ngram.NGram{"dog", "The"})
	require.NoError(t, err)
	assert.True(t, oov)
	oov, err = p.ContainsUnknown(ngram.NGram{"The", "fox"})
	require.NoError(t, err)
	assert.False(t, oov)
}

func TestLMProvider_ObserverOptions(t *testing.T) {
	rec := &countingObserver{}
	p := foxProvider(t, WithPerplexityOptions(perplexity.WithObserver(rec)))

	ngrams, perplexities := rec.ngrams, rec.perplexities
	_, err := p.Perplexity(context.Background(), "The quick brown fox", false)
	require.NoError(t, err)
	assert.Equal(t, ngrams+2, rec.ngrams)
	assert.Equal(t, perplexities+1, rec.perplexities)

	// streaming reads do not publish results
	_, err = p.AddToPerplexity(context.Background(), "The quick brown fox")
	require.NoError(t, err)
	p.CurrentPerplexity()
	assert.Equal(t, ngrams+4, rec.ngrams)
	assert.Equal(t, perplexities+1, rec.perplexities)

	// a finished line is published once
	_, err = p.ScoreLines(context.Background(), []string{"The quick brown fox"})
	require.NoError(t, err)
	assert.Equal(t, perplexities+2, rec.perplexities)
}

func TestLMProvider_ScoreNGrams(t *testing.T) {
	p := foxProvider(t)
	ngrams, err := p.NGrams(context.Background(), "The quick brown dog")
	require.NoError(t, err)
	require.Len(t, ngrams, 2)

	score, err := p.ScoreNGrams(ngrams, true)
	require.NoError(t, err)
	assert.Equal(t, 1.0, score.N)
	assert.Equal(t, 1, score.Skipped)
	assert.InDelta(t, 1.0, score.Perplexity, 1e-12)

	score, err = p.ScoreNGrams(ngrams, false)
	require.NoError(t, err)
	assert.Equal(t, 2.0, score.N)
	assert.Zero(t, score.Skipped)
	assert.True(t, score.Fallback)
	assert.Equal(t, perplexity.MaxPerplexity, score.Perplexity)

	pd, err := p.ProbDistPerplexityOfNGrams(ngrams[:1])
	require.NoError(t, err)
	assert.Equal(t, 1.0, pd)
}

func TestAbbreviate(t *testing.T) {
	assert.Equal(t, "short", abbreviate("short", 10))
	assert.Equal(t, "abcdefg...", abbreviate("abcdefghijklmnop", 10))

	// multi-byte runes are never split
	for _, s := range []string{"ééééééééééé", "日本語のテキストです", "a€€€€€€€€"} {
		got := abbreviate(s, 10)
		assert.True(t, utf8.ValidString(got), got)
		assert.LessOrEqual(t, len(got), 10)
		assert.True(t, strings.HasSuffix(got, "..."))
	}
}

type countingObserver struct {
	ngrams       int
	perplexities int
}

func (o *countingObserver) ObserveNGram(perplexity.NGramScore)           { o.ngrams++ }
func (o *countingObserver) ObservePerplexity(perplexity.PerplexityScore) { o.perplexities++ }

func TestLineScorer(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	p := foxProvider(t, WithProviderLogger(zap.New(core)))
	ctx := context.Background()
	scorer := p.NewLineScorer()

	score, err := scorer.ScoreLine(ctx, "The quick brown fox")
	require.NoError(t, err)
	assert.Equal(t, int64(2), score.NGrams)
	assert.Equal(t, int64(0), score.OOV)
	assert.InDelta(t, math.Log10(0.5), score.Log10Prob, 1e-12)
	assert.InDelta(t, math.Sqrt2, score.Perplexity, 1e-12)
	assert.InDelta(t, math.Sqrt2, score.PerplexityKnown, 1e-12)
	assert.Equal(t, "The quick brown fox\t2\t0\t-3.010300e-01\t1.414214e+00\t-3.010300e-01\t1.414214e+00", score.String())

	score, err = scorer.ScoreLine(ctx, "The quick brown dog")
	require.NoError(t, err)
	assert.Equal(t, int64(2), score.NGrams)
	assert.Equal(t, int64(1), score.OOV)
	assert.True(t, math.IsInf(score.Log10Prob, -1))
	assert.Equal(t, perplexity.MaxPerplexity, score.Perplexity)
	assert.Equal(t, 0.0, score.Log10ProbKnown)
	assert.Equal(t, 1.0, score.PerplexityKnown)

	// short lines are scored as a single shorter n-gram
	score, err = scorer.ScoreLine(ctx, "quick brown")
	require.NoError(t, err)
	assert.Equal(t, int64(1), score.NGrams)

	score, err = scorer.ScoreLine(ctx, "   ")
	require.NoError(t, err)
	assert.Equal(t, "   \t0\t0\t-Inf\t+Inf\t-Inf\t+Inf", score.String())

	// zero probabilities are scores, not failures
	assert.Zero(t, logs.FilterMessage("Could not add n-gram to perplexity").Len())
	// the all-unknown priming n-gram fails under MLE
	assert.Positive(t, logs.FilterMessage("Could not estimate base perplexity").Len())
}

func TestLMProvider_ScoreLines(t *testing.T) {
	p := foxProvider(t)
	scores, err := p.ScoreLines(context.Background(), []string{"The quick brown fox", "", "The quick brown cat"})
	require.NoError(t, err)
	require.Len(t, scores, 3)
	assert.Equal(t, int64(0), scores[1].NGrams)
	assert.InDelta(t, scores[0].Perplexity, scores[2].Perplexity, 1e-12)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.ScoreLines(ctx, []string{"a"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDocumentScorer(t *testing.T) {
	p := foxProvider(t)
	input := strings.Join([]string{
		"t1\tThe quick brown fox\tdoc1",
		"t1\tThe quick brown cat\tdoc1",
		"",
		"malformed line",
		"t2\tThe quick brown dog\tdoc2",
		"t3\tquick brown fox\tdoc3",
	}, "\n")

	var scores []DocumentScore
	err := p.NewDocumentScorer(true).Score(context.Background(), strings.NewReader(input), func(s DocumentScore) error {
		scores = append(scores, s)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, scores, 3)

	assert.Equal(t, "doc1", scores[0].DocID)
	assert.Equal(t, "t1", scores[0].Timestamp)
	assert.Equal(t, int64(4), scores[0].NGrams)
	assert.InDelta(t, math.Sqrt2, scores[0].Perplexity, 1e-12)

	assert.Equal(t, "doc2", scores[1].DocID)
	assert.Equal(t, int64(2), scores[1].NGrams)
	assert.Equal(t, int64(1), scores[1].OOVNGrams)
	assert.Equal(t, int64(1), scores[1].OOVTerms)
	assert.InDelta(t, 1.0, scores[1].Perplexity, 1e-12)

	assert.Equal(t, "doc3", scores[2].DocID)
	assert.InDelta(t, 2.0, scores[2].Perplexity, 1e-12)
	assert.InDelta(t, 2.0, scores[2].Max, 1e-12)
	assert.InDelta(t, 1.0, scores[2].Min, 1e-12)

	assert.Equal(t, "t3\tdoc3\t2.000e+00", scores[2].Short())
	assert.Contains(t, scores[2].String(), "Perplexity: 2.000e+00 \tMax: 2.000e+00 \tMin: 1.000e+00 \tngrams: 1")
}
