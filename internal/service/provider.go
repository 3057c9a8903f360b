package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"unicode/utf8"

	"lmperplexity/internal/model/ngram"
	"lmperplexity/internal/service/perplexity"
	"lmperplexity/internal/service/tokenizer"

	"go.uber.org/zap"
)

// LMProvider binds a language model to the tokenizer and windowing used to feed it,
// and owns one shared streaming evaluator.
type LMProvider struct {
	name      string
	modelType string
	lm        perplexity.LanguageModel
	tokenizer tokenizer.Tokenizer
	windower  *ngram.Windower
	skipOOV   bool
	perpOpts  []perplexity.Option
	logger    *zap.Logger

	mu   sync.Mutex // guards perp
	perp *perplexity.ModelPerplexity
}

// ProviderOption configures an LMProvider
type ProviderOption func(*LMProvider)

// WithProviderLogger sets the provider logger. It is also handed to the evaluators.
func WithProviderLogger(logger *zap.Logger) ProviderOption {
	return func(p *LMProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithBoundaryMode selects how the start of each sentence is windowed
func WithBoundaryMode(mode ngram.BoundaryMode) ProviderOption {
	return func(p *LMProvider) {
		p.windower = ngram.NewWindower(p.lm.Order(), mode)
	}
}

// WithSkipOOV makes n-grams ending in an unknown word count as skipped by default
func WithSkipOOV(skip bool) ProviderOption {
	return func(p *LMProvider) {
		p.skipOOV = skip
	}
}

// WithModelType records the model type reported by Info
func WithModelType(modelType string) ProviderOption {
	return func(p *LMProvider) {
		p.modelType = modelType
	}
}

// WithPerplexityOptions passes options (observers) to every evaluator the provider creates
func WithPerplexityOptions(opts ...perplexity.Option) ProviderOption {
	return func(p *LMProvider) {
		p.perpOpts = append(p.perpOpts, opts...)
	}
}

// NewLMProvider creates a provider for lm. The tokenizer defaults to the plain text tokenizer.
func NewLMProvider(name string, lm perplexity.LanguageModel, tok tokenizer.Tokenizer, opts ...ProviderOption) (*LMProvider, error) {
	if lm == nil {
		return nil, perplexity.ErrNoModel
	}
	if lm.Order() < 1 {
		return nil, fmt.Errorf("model %s has invalid order %d", name, lm.Order())
	}
	if tok == nil {
		tok = tokenizer.NewTextTokenizer(tokenizer.SentenceTagsNone)
	}

	p := &LMProvider{
		name:      name,
		lm:        lm,
		tokenizer: tok,
		windower:  ngram.NewWindower(lm.Order(), ngram.BoundaryNone),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.perp = p.NewEvaluator()
	return p, nil
}

// Name returns the registry name of the provider
func (p *LMProvider) Name() string {
	return p.name
}

// Order returns the order of the bound model
func (p *LMProvider) Order() int {
	return p.lm.Order()
}

// Model returns the bound language model
func (p *LMProvider) Model() perplexity.LanguageModel {
	return p.lm
}

// Tokenizer returns the tokenizer used for raw text
func (p *LMProvider) Tokenizer() tokenizer.Tokenizer {
	return p.tokenizer
}

// SkipOOV reports the configured default for OOV skipping
func (p *LMProvider) SkipOOV() bool {
	return p.skipOOV
}

// ModelInfo describes a provider for listings
type ModelInfo struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	Order          int    `json:"order"`
	Language       string `json:"language"`
	Boundary       int    `json:"boundary"`
	SkipOOV        bool   `json:"skip_oov"`
	VocabularySize int    `json:"vocabulary_size,omitempty"`
}

// Info returns a description of the provider
func (p *LMProvider) Info() ModelInfo {
	info := ModelInfo{
		Name:     p.name,
		Type:     p.modelType,
		Order:    p.Order(),
		Language: p.tokenizer.Language(),
		Boundary: int(p.windower.Boundary),
		SkipOOV:  p.skipOOV,
	}
	if v, ok := p.lm.(interface{ VocabularySize() int }); ok {
		info.VocabularySize = v.VocabularySize()
	}
	return info
}

// NewEvaluator returns a fresh streaming evaluator bound to the provider's model
func (p *LMProvider) NewEvaluator() *perplexity.ModelPerplexity {
	opts := append([]perplexity.Option{perplexity.WithLogger(p.logger)}, p.perpOpts...)
	return perplexity.NewModelPerplexity(p.lm, opts...)
}

// NGrams tokenizes text into sentences and windows each of them.
// Sentences with fewer tokens than the model order, tags included, are skipped.
func (p *LMProvider) NGrams(ctx context.Context, text string) ([]ngram.NGram, error) {
	sentences, err := tokenizer.Sentences(ctx, p.tokenizer, []byte(text))
	if err != nil {
		return nil, err
	}

	order := p.Order()
	var ngrams []ngram.NGram
	for _, sentence := range sentences {
		if len(sentence) < order {
			p.logger.Debug("Skipping sentence shorter than model order",
				zap.Int("tokens", len(sentence)), zap.Int("order", order))
			continue
		}
		ngrams = append(ngrams, p.windower.NGramSequence(sentence)...)
	}
	return ngrams, nil
}

// Perplexity computes the batch perplexity of text. With skipOOV, n-grams
// ending in an unknown word are left out.
func (p *LMProvider) Perplexity(ctx context.Context, text string, skipOOV bool) (float64, error) {
	ngrams, err := p.NGrams(ctx, text)
	if err != nil {
		return 0, err
	}
	score, err := p.ScoreNGrams(ngrams, skipOOV)
	if err != nil {
		return 0, err
	}
	return score.Perplexity, nil
}

// ScoreNGrams computes the batch perplexity of already windowed n-grams. The
// score's N counts the n-grams actually scored.
func (p *LMProvider) ScoreNGrams(ngrams []ngram.NGram, skipOOV bool) (perplexity.PerplexityScore, error) {
	return perplexity.ScoreSequence(p.lm, ngrams, skipOOV, p.perpOpts...)
}

// ProbDistPerplexity computes the deprecated p*log2 p estimate of text, for comparison
func (p *LMProvider) ProbDistPerplexity(ctx context.Context, text string) (float64, error) {
	ngrams, err := p.NGrams(ctx, text)
	if err != nil {
		return 0, err
	}
	return p.ProbDistPerplexityOfNGrams(ngrams)
}

// ProbDistPerplexityOfNGrams is ProbDistPerplexity over already windowed n-grams
func (p *LMProvider) ProbDistPerplexityOfNGrams(ngrams []ngram.NGram) (float64, error) {
	//nolint:staticcheck
	return perplexity.CalculateProbDistPerplexity(p.lm, ngrams, p.perpOpts...)
}

// AddToPerplexity adds every n-gram of text to the shared evaluator and returns its
// current value. On error the n-grams added before the failure stay added.
func (p *LMProvider) AddToPerplexity(ctx context.Context, text string) (float64, error) {
	ngrams, err := p.NGrams(ctx, text)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := addAll(p.perp, ngrams); err != nil {
		return 0, err
	}
	return p.perp.Get(), nil
}

// AddNGramToPerplexity adds a single n-gram to the shared evaluator and returns its log10 probability
func (p *LMProvider) AddNGramToPerplexity(ng ngram.NGram) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.perp.AddLog10Prob(ng)
}

// CurrentPerplexity returns the value of the shared evaluator
func (p *LMProvider) CurrentPerplexity() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.perp.Get()
}

// ResetPerplexity clears the shared evaluator
func (p *LMProvider) ResetPerplexity() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.perp.Reset()
}

// NGramLog10Probability scores a single n-gram
func (p *LMProvider) NGramLog10Probability(ng ngram.NGram) (float64, error) {
	if len(ng) == 0 {
		return 0, errors.New("empty n-gram")
	}
	if len(ng) > p.Order() {
		return 0, fmt.Errorf("%w: %d tokens for order %d", perplexity.ErrNGramTooLong, len(ng), p.Order())
	}
	return p.lm.LogProbability(ng)
}

// SequenceLog10Probability sums the log10 probabilities of every n-gram of text
func (p *LMProvider) SequenceLog10Probability(ctx context.Context, text string) (float64, error) {
	ngrams, err := p.NGrams(ctx, text)
	if err != nil {
		return 0, err
	}
	return SequenceLogProbability(p.lm, ngrams)
}

// EndsWithUnknown reports whether the last token of ng is unknown to the model
func (p *LMProvider) EndsWithUnknown(ng ngram.NGram) (bool, error) {
	return p.lm.EndsWithUnknown(ng)
}

// ContainsUnknown reports whether any token of ng is unknown to the model
func (p *LMProvider) ContainsUnknown(ng ngram.NGram) (bool, error) {
	for _, token := range ng {
		oov, err := p.lm.EndsWithUnknown(ngram.NGram{token})
		if err != nil {
			return false, err
		}
		if oov {
			return true, nil
		}
	}
	return false, nil
}

func addAll(mp *perplexity.ModelPerplexity, ngrams []ngram.NGram) error {
	for _, ng := range ngrams {
		if _, err := mp.AddLog10Prob(ng); err != nil {
			return err
		}
	}
	return nil
}

// LineScore is the evaluation of a single line, over all n-grams and over
// the n-grams that do not end in an unknown word
type LineScore struct {
	Line            string  `json:"line"`
	NGrams          int64   `json:"ngrams"`
	OOV             int64   `json:"oov"`
	Log10Prob       float64 `json:"log10prob"`
	Perplexity      float64 `json:"perplexity"`
	Log10ProbKnown  float64 `json:"log10prob_known"`
	PerplexityKnown float64 `json:"perplexity_known"`
}

// String formats the score as a tab separated record
func (s LineScore) String() string {
	return fmt.Sprintf("%s\t%d\t%d\t%e\t%e\t%e\t%e",
		s.Line, s.NGrams, s.OOV, s.Log10Prob, s.Perplexity, s.Log10ProbKnown, s.PerplexityKnown)
}

func emptyLineScore(line string) LineScore {
	return LineScore{
		Line:            line,
		Log10Prob:       math.Inf(-1),
		Perplexity:      math.Inf(1),
		Log10ProbKnown:  math.Inf(-1),
		PerplexityKnown: math.Inf(1),
	}
}

// LineScorer scores lines with two evaluators of its own.
// It is not safe for concurrent use; create one per goroutine.
type LineScorer struct {
	p     *LMProvider
	all   *perplexity.ModelPerplexity
	known *perplexity.ModelPerplexity
}

// NewLineScorer creates a scorer bound to the provider's model
func (p *LMProvider) NewLineScorer() *LineScorer {
	return &LineScorer{p: p, all: p.NewEvaluator(), known: p.NewEvaluator()}
}

// ScoreLine evaluates line as one sentence. A blank line, or one yielding no
// n-grams, gets zero counts with infinite scores. N-grams that fail to score are
// logged and left out.
func (ls *LineScorer) ScoreLine(ctx context.Context, line string) (LineScore, error) {
	p := ls.p
	sentences, err := tokenizer.Sentences(ctx, p.tokenizer, []byte(line))
	if err != nil {
		return LineScore{}, fmt.Errorf("tokenize line: %w", err)
	}
	var tokens []string
	for _, s := range sentences {
		tokens = append(tokens, s...)
	}
	if len(tokens) == 0 {
		return emptyLineScore(line), nil
	}
	ngrams := p.windower.NGramSequence(tokens)
	if len(ngrams) == 0 {
		return emptyLineScore(line), nil
	}

	ls.all.Reset()
	ls.known.Reset()
	for _, ng := range ngrams {
		if len(ng) == 0 {
			continue
		}
		if _, err := ls.all.AddLog10Prob(ng); err != nil {
			p.logger.Error("Could not add n-gram to perplexity", zap.Stringer("ngram", ng), zap.Error(err))
			continue
		}
		oov, err := p.lm.EndsWithUnknown(ng)
		if err != nil {
			p.logger.Error("Could not check n-gram for unknown words", zap.Stringer("ngram", ng), zap.Error(err))
			continue
		}
		if oov {
			continue
		}
		if _, err := ls.known.AddLog10Prob(ng); err != nil {
			p.logger.Error("Could not add n-gram to perplexity", zap.Stringer("ngram", ng), zap.Error(err))
		}
	}

	return LineScore{
		Line:            line,
		NGrams:          ls.all.N(),
		OOV:             ls.all.N() - ls.known.N(),
		Log10Prob:       ls.all.Log10Probs(),
		Perplexity:      ls.all.Report(),
		Log10ProbKnown:  ls.known.Log10Probs(),
		PerplexityKnown: ls.known.Get(),
	}, nil
}

// ScoreLines scores every line of text with a fresh scorer
func (p *LMProvider) ScoreLines(ctx context.Context, lines []string) ([]LineScore, error) {
	scorer := p.NewLineScorer()
	scores := make([]LineScore, 0, len(lines))
	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			return scores, err
		}
		score, err := scorer.ScoreLine(ctx, line)
		if err != nil {
			p.logger.Error("Could not get n-grams from line", zap.String("line", abbreviate(line, 100)), zap.Error(err))
			continue
		}
		scores = append(scores, score)
	}
	return scores, nil
}

// abbreviate cuts s to at most max bytes, ellipsis included, on a rune boundary
func abbreviate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
