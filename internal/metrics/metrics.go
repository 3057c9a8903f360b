package metrics

import (
	"math"
	"time"

	"lmperplexity/internal/service/perplexity"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NGramsScored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lm_ngrams_scored_total",
		Help: "Total number of n-grams scored by the evaluators",
	}, []string{"evaluator"})

	ImpossibleNGrams = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lm_impossible_ngrams_total",
		Help: "N-grams the model assigned zero probability",
	}, []string{"evaluator"})

	OOVSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lm_oov_ngrams_skipped_total",
		Help: "N-grams left out of batch perplexity because they end in an unknown token",
	})

	PerplexityFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lm_perplexity_fallbacks_total",
		Help: "Perplexity computations that returned a base or sentinel value",
	}, []string{"evaluator"})

	PerplexityValue = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lm_perplexity",
		Help:    "Distribution of finite computed perplexities",
		Buckets: prometheus.ExponentialBuckets(1, 2, 20),
	}, []string{"evaluator"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lm_request_duration_seconds",
		Help:    "Duration of API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lm_active_sessions",
		Help: "Number of open streaming perplexity sessions",
	})

	ModelsLoaded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lm_model_vocabulary_size",
		Help: "Vocabulary size of each loaded model",
	}, []string{"model", "type"})
)

// RecordRequest records the duration of one API request
func RecordRequest(route, status string, duration time.Duration) {
	RequestDuration.WithLabelValues(route, status).Observe(duration.Seconds())
}

// RecordModel publishes the vocabulary size of a loaded model
func RecordModel(name, modelType string, vocabularySize int) {
	ModelsLoaded.WithLabelValues(name, modelType).Set(float64(vocabularySize))
}

// Observer feeds evaluator events into the collectors above
type Observer struct{}

// NewObserver returns an evaluator observer backed by the package collectors
func NewObserver() *Observer {
	return &Observer{}
}

func (o *Observer) ObserveNGram(score perplexity.NGramScore) {
	NGramsScored.WithLabelValues(score.Evaluator).Inc()
	if math.IsInf(score.Log10Prob, -1) {
		ImpossibleNGrams.WithLabelValues(score.Evaluator).Inc()
	}
}

func (o *Observer) ObservePerplexity(score perplexity.PerplexityScore) {
	if score.Skipped > 0 {
		OOVSkipped.Add(float64(score.Skipped))
	}
	if score.Fallback {
		PerplexityFallbacks.WithLabelValues(score.Evaluator).Inc()
		return
	}
	if !math.IsInf(score.Perplexity, 0) && !math.IsNaN(score.Perplexity) {
		PerplexityValue.WithLabelValues(score.Evaluator).Observe(score.Perplexity)
	}
}
