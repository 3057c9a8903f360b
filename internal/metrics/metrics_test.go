package metrics

import (
	"math"
	"testing"
	"time"

	"lmperplexity/internal/model/ngram"
	"lmperplexity/internal/service/perplexity"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mleModel gives <unk> zero probability, like an unsmoothed counting model
type mleModel struct{}

func (mleModel) Order() int { return 2 }

func (mleModel) LogProbability(ng ngram.NGram) (float64, error) {
	if ng.LastToken() == ngram.UnknownWord {
		return math.Inf(-1), nil
	}
	return -1, nil
}

func (mleModel) EndsWithUnknown(ng ngram.NGram) (bool, error) {
	return ng.LastToken() == ngram.UnknownWord, nil
}

type evaluatorCounters struct {
	scored, impossible, fallbacks float64
	samples                       uint64
}

func readCounters(t *testing.T) evaluatorCounters {
	t.Helper()
	var m dto.Metric
	h := PerplexityValue.WithLabelValues(perplexity.EvaluatorModel).(prometheus.Metric)
	require.NoError(t, h.Write(&m))
	return evaluatorCounters{
		scored:     testutil.ToFloat64(NGramsScored.WithLabelValues(perplexity.EvaluatorModel)),
		impossible: testutil.ToFloat64(ImpossibleNGrams.WithLabelValues(perplexity.EvaluatorModel)),
		fallbacks:  testutil.ToFloat64(PerplexityFallbacks.WithLabelValues(perplexity.EvaluatorModel)),
		samples:    m.GetHistogram().GetSampleCount(),
	}
}

func TestObserver_NGrams(t *testing.T) {
	o := NewObserver()
	scored := testutil.ToFloat64(NGramsScored.WithLabelValues(perplexity.EvaluatorModel))
	impossible := testutil.ToFloat64(ImpossibleNGrams.WithLabelValues(perplexity.EvaluatorModel))

	o.ObserveNGram(perplexity.NGramScore{Evaluator: perplexity.EvaluatorModel, NGram: ngram.NGram{"a"}, Log10Prob: -1})
	o.ObserveNGram(perplexity.NGramScore{Evaluator: perplexity.EvaluatorModel, NGram: ngram.NGram{"b"}, Log10Prob: math.Inf(-1)})

	assert.Equal(t, scored+2, testutil.ToFloat64(NGramsScored.WithLabelValues(perplexity.EvaluatorModel)))
	assert.Equal(t, impossible+1, testutil.ToFloat64(ImpossibleNGrams.WithLabelValues(perplexity.EvaluatorModel)))
}

func TestObserver_Perplexity(t *testing.T) {
	o := NewObserver()
	fallbacks := testutil.ToFloat64(PerplexityFallbacks.WithLabelValues(perplexity.EvaluatorProbDist))
	skipped := testutil.ToFloat64(OOVSkipped)

	o.ObservePerplexity(perplexity.PerplexityScore{Evaluator: perplexity.EvaluatorProbDist, Perplexity: math.Inf(1), Fallback: true})
	o.ObservePerplexity(perplexity.PerplexityScore{Evaluator: perplexity.EvaluatorModel, Perplexity: 10, Skipped: 3})

	assert.Equal(t, fallbacks+1, testutil.ToFloat64(PerplexityFallbacks.WithLabelValues(perplexity.EvaluatorProbDist)))
	assert.Equal(t, skipped+3, testutil.ToFloat64(OOVSkipped))
	assert.Positive(t, testutil.CollectAndCount(PerplexityValue))
}

func TestRecordRequestAndModel(t *testing.T) {
	RecordRequest("/api/v1/perplexity", "200", 15*time.Millisecond)
	assert.Positive(t, testutil.CollectAndCount(RequestDuration))

	RecordModel("news", "counting", 42)
	assert.Equal(t, 42.0, testutil.ToFloat64(ModelsLoaded.WithLabelValues("news", "counting")))
}

func TestObserver_ConstructionAndGetLeaveCountersAlone(t *testing.T) {
	before := readCounters(t)

	mp := perplexity.NewModelPerplexity(mleModel{}, perplexity.WithObserver(NewObserver()))
	for i := 0; i < 5; i++ {
		mp.Get()
	}
	assert.Equal(t, perplexity.MaxPerplexity, mp.Get())
	assert.Equal(t, before, readCounters(t))

	_, err := mp.AddLog10Prob(ngram.NGram{"a", "b"})
	require.NoError(t, err)
	mp.Get()
	after := readCounters(t)
	assert.Equal(t, before.scored+1, after.scored)
	assert.Equal(t, before.impossible, after.impossible)
	assert.Equal(t, before.samples, after.samples)

	assert.InDelta(t, 10.0, mp.Report(), 1e-12)
	assert.Equal(t, before.samples+1, readCounters(t).samples)
	assert.Equal(t, before.fallbacks, readCounters(t).fallbacks)
}
