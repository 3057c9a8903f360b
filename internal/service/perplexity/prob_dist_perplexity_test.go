package perplexity

import (
	"math"
	"strings"
	"testing"

	"lmperplexity/internal/model/ngram"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokens(s string) []string {
	return strings.Fields(s)
}

func TestCalcProbProduct(t *testing.T) {
	lm := newTableModel(2, map[string]float64{
		"a b": math.Log10(0.5),
		"a c": 0,
		"a d": math.Inf(-1),
	})

	got, err := CalcProbProduct(lm, ngram.NGram{"a", "b"})
	require.NoError(t, err)
	assert.InDelta(t, -0.5, got, 1e-12)

	got, err = CalcProbProduct(lm, ngram.NGram{"a", "c"})
	require.NoError(t, err)
	assert.Equal(t, 0.0, got)

	got, err = CalcProbProduct(lm, ngram.NGram{"a", "d"})
	require.NoError(t, err)
	assert.True(t, math.IsInf(got, -1))

	_, err = CalcProbProduct(lm, ngram.NGram{"a", "b", "c"})
	assert.ErrorIs(t, err, ErrNGramTooLong)
}

func TestProbDistPerplexity_Streaming(t *testing.T) {
	lm := newTableModel(2, map[string]float64{
		"a b": math.Log10(0.5),
		"b c": math.Log10(0.25),
	})
	pd := NewProbDistPerplexity(lm)

	assert.Equal(t, int64(0), pd.N())
	assert.Equal(t, 1.0, pd.Get())

	_, err := pd.AddLog2Prob(ngram.NGram{"a", "b"})
	require.NoError(t, err)
	_, err = pd.AddLog2Prob(ngram.NGram{"b", "c"})
	require.NoError(t, err)

	assert.Equal(t, int64(2), pd.N())
	assert.InDelta(t, -1.0, pd.Log2Probs(), 1e-12)
	assert.InDelta(t, 2.0, pd.Get(), 1e-12)
	assert.Equal(t, pd.Get(), pd.Get())

	pd.Reset()
	assert.Equal(t, int64(0), pd.N())
	assert.Equal(t, 0.0, pd.Log2Probs())
}

func TestProbDistPerplexity_InfiniteSum(t *testing.T) {
	lm := newTableModel(2, map[string]float64{"a b": math.Inf(-1)})
	rec := &recordingObserver{}
	pd := NewProbDistPerplexity(lm, WithObserver(rec))

	_, err := pd.AddLog2Prob(ngram.NGram{"a", "b"})
	require.NoError(t, err)
	assert.True(t, math.IsInf(pd.Get(), 1))
	assert.Empty(t, rec.perps)

	assert.True(t, math.IsInf(pd.Report(), 1))
	require.Len(t, rec.perps, 1)
	assert.True(t, rec.perps[0].Fallback)
}

func TestProbDistPerplexity_RejectsLongNGram(t *testing.T) {
	pd := NewProbDistPerplexity(newTableModel(1, nil))

	_, err := pd.AddLog2Prob(ngram.NGram{"a", "b"})
	assert.ErrorIs(t, err, ErrNGramTooLong)
	assert.Equal(t, int64(0), pd.N())

	_, err = NewProbDistPerplexity(nil).AddLog2Prob(ngram.NGram{"a"})
	assert.ErrorIs(t, err, ErrNoModel)
}

func TestCalculateProbDistPerplexity_ShortCircuit(t *testing.T) {
	lm := newTableModel(2, map[string]float64{
		"a b": math.Log10(0.5),
		"b c": math.Inf(-1),
	})

	got, err := CalculateProbDistPerplexity(lm, seq("a b", "b c", "c d", "d e"))
	require.NoError(t, err)
	assert.True(t, math.IsInf(got, 1))
	// nothing after the impossible n-gram is scored
	assert.Equal(t, 2, lm.calls)

	got, err = CalculateProbDistPerplexity(lm, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)
}

func TestEvaluators_CrossCheck(t *testing.T) {
	lm := newTableModel(3, map[string]float64{
		"The quick brown": 0,
		"quick brown fox": math.Log10(0.5),
	})
	w := ngram.NewWindower(3, ngram.BoundaryNone)
	toks := tokens("The quick brown fox")

	model, err := CalculatePerplexityFromTokens(lm, w, toks, false)
	require.NoError(t, err)
	dist, err := CalculateProbDistPerplexityFromTokens(lm, w, toks)
	require.NoError(t, err)

	assert.InDelta(t, math.Sqrt2, model, 1e-9)
	assert.InDelta(t, model, dist, 1e-9)

	// streaming evaluators agree with the batch functions
	mp := NewModelPerplexity(lm)
	pd := NewProbDistPerplexity(lm)
	for _, ng := range w.NGramSequence(toks) {
		_, err := mp.AddLog10Prob(ng)
		require.NoError(t, err)
		_, err = pd.AddLog2Prob(ng)
		require.NoError(t, err)
	}
	assert.InDelta(t, model, mp.Get(), 1e-9)
	assert.InDelta(t, dist, pd.Get(), 1e-9)
}
