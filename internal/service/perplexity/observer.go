package perplexity

import (
	"lmperplexity/internal/model/ngram"

	"go.uber.org/zap"
)

// Evaluator names reported to observers
const (
	EvaluatorModel    = "model"
	EvaluatorProbDist = "probdist"
)

// NGramScore describes a single scored n-gram
type NGramScore struct {
	Evaluator   string
	NGram       ngram.NGram
	Log10Prob   float64
	Log2Prob    float64
	Probability float64
	Product     float64 // p(x)*log2 p(x), probdist evaluator only
}

// PerplexityScore describes one perplexity computation
type PerplexityScore struct {
	Evaluator  string
	N          float64
	LogSum     float64 // log10 sum (model) or sum of p*log2 p (probdist)
	Entropy    float64
	Perplexity float64
	Skipped    int  // OOV n-grams excluded from the batch
	Fallback   bool // a base/sentinel value was returned instead of a computed one
}

// Observer receives diagnostic events from the evaluators.
// Implementations must not retain the NGram slice.
type Observer interface {
	ObserveNGram(score NGramScore)
	ObservePerplexity(score PerplexityScore)
}

type nopObserver struct{}

func (nopObserver) ObserveNGram(NGramScore)           {}
func (nopObserver) ObservePerplexity(PerplexityScore) {}

// NopObserver discards all events
var NopObserver Observer = nopObserver{}

// ZapObserver logs every event at debug level
type ZapObserver struct {
	logger *zap.Logger
}

// NewZapObserver creates an observer writing to logger
func NewZapObserver(logger *zap.Logger) *ZapObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapObserver{logger: logger}
}

func (o *ZapObserver) ObserveNGram(score NGramScore) {
	if ce := o.logger.Check(zap.DebugLevel, "Scored n-gram"); ce != nil {
		ce.Write(
			zap.String("evaluator", score.Evaluator),
			zap.Stringer("ngram", score.NGram),
			zap.Float64("p", score.Probability),
			zap.Float64("log2", score.Log2Prob),
			zap.Float64("log10", score.Log10Prob),
			zap.Float64("product", score.Product),
		)
	}
}

func (o *ZapObserver) ObservePerplexity(score PerplexityScore) {
	if ce := o.logger.Check(zap.DebugLevel, "Computed perplexity"); ce != nil {
		ce.Write(
			zap.String("evaluator", score.Evaluator),
			zap.Float64("n", score.N),
			zap.Float64("log_sum", score.LogSum),
			zap.Float64("entropy", score.Entropy),
			zap.Float64("perplexity", score.Perplexity),
			zap.Int("skipped_oov", score.Skipped),
			zap.Bool("fallback", score.Fallback),
		)
	}
}

type multiObserver []Observer

func (m multiObserver) ObserveNGram(score NGramScore) {
	for _, o := range m {
		o.ObserveNGram(score)
	}
}

func (m multiObserver) ObservePerplexity(score PerplexityScore) {
	for _, o := range m {
		o.ObservePerplexity(score)
	}
}

// Observers fans events out to every non-nil observer
func Observers(observers ...Observer) Observer {
	var m multiObserver
	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}
	switch len(m) {
	case 0:
		return NopObserver
	case 1:
		return m[0]
	}
	return m
}

// Option configures evaluators and batch functions
type Option func(*options)

type options struct {
	logger   *zap.Logger
	observer Observer
}

// WithLogger sets the logger used for construction failures
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver sets the diagnostic hook
func WithObserver(observer Observer) Option {
	return func(o *options) {
		if observer != nil {
			o.observer = observer
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:   zap.NewNop(),
		observer: NopObserver,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
