package service

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"lmperplexity/internal/model/ngram"
	"lmperplexity/internal/service/perplexity"
)

// ErrModelFixed is returned when adding to a model after Fix
var ErrModelFixed = errors.New("language model is fixed, no more n-grams can be added")

// NGramModel stores n-gram statistics and provides probability calculations.
// It satisfies perplexity.LanguageModel.
//
// Every added n-gram is counted as is, together with its prefix. Unigram probabilities
// are relative to the number of added n-grams of length one or two.
type NGramModel struct {
	n           int               // Maximum n-gram length
	words       []string          // token ID -> token
	index       map[string]int    // token -> token ID
	ngrams      countStore        // full n-grams of any length up to n
	contexts    countStore        // n-gram prefixes
	followers   map[string]int    // context key -> distinct continuations
	sumOneGrams int64             // unigram total
	smoother    Smoother          // Smoothing algorithm
	fixed       bool              // no more n-grams accepted
	windower    *ngram.Windower   // splits token sequences for Add
	mu          sync.RWMutex      // Protects all of the above
}

// NewNGramModel creates a new map-backed n-gram model
func NewNGramModel(n int, smoother Smoother) *NGramModel {
	return newNGramModel(n, smoother, newMapStore(), newMapStore())
}

func newNGramModel(n int, smoother Smoother, ngrams, contexts countStore) *NGramModel {
	if n < 1 {
		n = 3 // Default to trigrams
	}
	if smoother == nil {
		smoother = NewMLESmoother()
	}
	return &NGramModel{
		n:         n,
		index:     make(map[string]int),
		ngrams:    ngrams,
		contexts:  contexts,
		followers: make(map[string]int),
		smoother:  smoother,
		windower:  ngram.NewWindower(n, ngram.BoundaryNone),
	}
}

// Order returns the maximum n-gram length
func (m *NGramModel) Order() int {
	return m.n
}

// Smoother returns the smoothing algorithm in use
func (m *NGramModel) Smoother() Smoother {
	return m.smoother
}

// SetBoundaryMode changes how Add windows short sequences
func (m *NGramModel) SetBoundaryMode(mode ngram.BoundaryMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windower = ngram.NewWindower(m.n, mode)
}

// Fix freezes the model. Further additions fail with ErrModelFixed.
func (m *NGramModel) Fix() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixed = true
}

// Fixed reports whether the model is frozen
func (m *NGramModel) Fixed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fixed
}

// Add windows tokens into n-grams and adds all of them. It returns the number of n-grams added.
func (m *NGramModel) Add(tokens []string) (int, error) {
	m.mu.RLock()
	w := m.windower
	m.mu.RUnlock()
	return m.AddNGramSequence(w.NGramSequence(tokens))
}

// NGramSequence windows tokens the way Add does
func (m *NGramModel) NGramSequence(tokens []string) []ngram.NGram {
	m.mu.RLock()
	w := m.windower
	m.mu.RUnlock()
	return w.NGramSequence(tokens)
}

// AddNGramSequence adds every n-gram of a pre-segmented sequence
func (m *NGramModel) AddNGramSequence(ngrams []ngram.NGram) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, ng := range ngrams {
		if _, err := m.addNGram(ng); err != nil {
			return i, err
		}
	}
	return len(ngrams), nil
}

// AddNGram adds a single n-gram and returns its new count
func (m *NGramModel) AddNGram(ng ngram.NGram) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addNGram(ng)
}

func (m *NGramModel) addNGram(ng ngram.NGram) (int64, error) {
	if m.fixed {
		return 0, ErrModelFixed
	}
	if len(ng) == 0 {
		return 0, errors.New("empty n-gram")
	}
	if len(ng) > m.n {
		return 0, fmt.Errorf("%w: %q has %d tokens, order is %d", perplexity.ErrNGramTooLong, ng.String(), len(ng), m.n)
	}

	for _, token := range ng {
		m.wordID(token)
	}

	count, created := m.ngrams.Increment(ng)
	if created {
		m.followers[storeKey(ng.Context())]++
	}

	if len(ng) > 1 {
		m.contexts.Increment(ng.Context())
	}
	if len(ng) <= 2 {
		m.sumOneGrams++
	}
	return count, nil
}

// Remove subtracts the n-grams of a token sequence, the inverse of Add
func (m *NGramModel) Remove(tokens []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fixed {
		return ErrModelFixed
	}

	for _, ng := range m.windower.NGramSequence(tokens) {
		if m.ngrams.Count(ng) == 0 {
			continue
		}
		if m.ngrams.Decrement(ng) == 0 {
			key := storeKey(ng.Context())
			if m.followers[key]--; m.followers[key] <= 0 {
				delete(m.followers, key)
			}
		}
		if len(ng) > 1 {
			m.contexts.Decrement(ng.Context())
		}
		if len(ng) <= 2 && m.sumOneGrams > 0 {
			m.sumOneGrams--
		}
	}
	return nil
}

// Merge adds all counts of other into this model. Both models must have the same order.
func (m *NGramModel) Merge(other *NGramModel) error {
	if other == nil {
		return nil
	}
	if other == m {
		return errors.New("cannot merge a model into itself")
	}
	if other.n != m.n {
		return fmt.Errorf("cannot merge order %d model into order %d model", other.n, m.n)
	}

	other.mu.RLock()
	var ngrams []ngram.NGram
	var counts []int64
	other.ngrams.Each(func(tokens []string, count int64) bool {
		ngrams = append(ngrams, tokens)
		counts = append(counts, count)
		return true
	})
	other.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, ng := range ngrams {
		for j := int64(0); j < counts[i]; j++ {
			if _, err := m.addNGram(ng); err != nil {
				return err
			}
		}
	}
	return nil
}

// wordID returns the ID of token, adding it to the vocabulary if needed. Caller holds the lock.
func (m *NGramModel) wordID(token string) int {
	if id, ok := m.index[token]; ok {
		return id
	}
	id := len(m.words)
	m.words = append(m.words, token)
	m.index[token] = id
	return id
}

// WordIndex returns the ID of token, or -1 for unknown tokens
func (m *NGramModel) WordIndex(token string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.index[token]; ok {
		return id
	}
	return -1
}

// Word returns the token for id, or "" if id is out of range
func (m *NGramModel) Word(id int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id < 0 || id >= len(m.words) {
		return ""
	}
	return m.words[id]
}

// Vocabulary returns all known tokens in ID order
func (m *NGramModel) Vocabulary() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vocab := make([]string, len(m.words))
	copy(vocab, m.words)
	return vocab
}

// VocabularySize returns the number of known tokens
func (m *NGramModel) VocabularySize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.words)
}

// Count returns how often ng was added
func (m *NGramModel) Count(ng ngram.NGram) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ngrams.Count(ng)
}

// LogProbability returns log10 p(w_n | w_1 ... w_n-1). Unseen n-grams score
// whatever the smoother gives them, -Inf for a zero probability.
func (m *NGramModel) LogProbability(ng ngram.NGram) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(ng) > m.n {
		return 0, fmt.Errorf("%w: %q has %d tokens, order is %d", perplexity.ErrNGramTooLong, ng.String(), len(ng), m.n)
	}
	if len(ng) == 0 {
		return math.Inf(-1), nil
	}
	return math.Log10(m.probability(ng)), nil
}

// probability applies the smoother, recursing into shorter n-grams for the backoff term.
// Caller holds the lock.
func (m *NGramModel) probability(ng ngram.NGram) float64 {
	vocabSize := len(m.words)

	var backoff float64
	if len(ng) > 1 {
		backoff = m.probability(ng[1:])
	} else if vocabSize > 0 {
		backoff = 1.0 / float64(vocabSize)
	}

	c := Counts{
		NGram:      m.ngrams.Count(ng),
		Followers:  m.followers[storeKey(ng.Context())],
		Vocabulary: vocabSize,
	}
	if len(ng) == 1 {
		c.Context = m.sumOneGrams
	} else {
		c.Context = m.contexts.Count(ng.Context())
	}
	return m.smoother.Smooth(c, backoff)
}

// EndsWithUnknown reports whether the last token of ng is not in the vocabulary
func (m *NGramModel) EndsWithUnknown(ng ngram.NGram) (bool, error) {
	if len(ng) == 0 {
		return false, nil
	}
	return m.WordIndex(ng.LastToken()) < 0, nil
}

// ContainsUnknown reports whether any token of ng is not in the vocabulary
func (m *NGramModel) ContainsUnknown(ng ngram.NGram) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, token := range ng {
		if _, ok := m.index[token]; !ok {
			return true
		}
	}
	return false
}

// SequenceLogProbability sums the log10 probabilities of ngrams
func (m *NGramModel) SequenceLogProbability(ngrams []ngram.NGram) (float64, error) {
	return SequenceLogProbability(m, ngrams)
}

// NGrams lists all stored n-grams with their counts
func (m *NGramModel) NGrams() []NGramWithCount {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]NGramWithCount, 0, m.ngrams.Len())
	m.ngrams.Each(func(tokens []string, count int64) bool {
		result = append(result, NGramWithCount{Tokens: tokens, Count: count})
		return true
	})
	return result
}

// Prune removes n-grams and contexts with count below threshold
func (m *NGramModel) Prune(minCount int64) (int64, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ngramPruned := m.ngrams.Prune(minCount)
	contextPruned := m.contexts.Prune(minCount)

	// continuation counts must reflect what is left
	m.followers = make(map[string]int)
	m.ngrams.Each(func(tokens []string, count int64) bool {
		m.followers[storeKey(ngram.NGram(tokens).Context())]++
		return true
	})
	return ngramPruned, contextPruned
}

// Stats returns statistics about the model
func (m *NGramModel) Stats() ModelStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ModelStats{
		N:              m.n,
		VocabularySize: len(m.words),
		NGramCount:     m.ngrams.Len(),
		TotalNGrams:    m.ngrams.Total(),
		UnigramTotal:   m.sumOneGrams,
		SmootherName:   m.smoother.Name(),
		Store:          m.ngrams.Kind(),
		Fixed:          m.fixed,
	}
}

// ModelStats contains statistics about an n-gram model
type ModelStats struct {
	N              int    `json:"n"`
	VocabularySize int    `json:"vocabulary_size"`
	NGramCount     int    `json:"ngram_count"`
	TotalNGrams    int64  `json:"total_ngrams"`
	UnigramTotal   int64  `json:"unigram_total"`
	SmootherName   string `json:"smoother_name"`
	Store          string `json:"store"`
	Fixed          bool   `json:"fixed"`
}

// SequenceLogProbability sums log10 probabilities of ngrams under lm
func SequenceLogProbability(lm perplexity.LanguageModel, ngrams []ngram.NGram) (float64, error) {
	sum := 0.0
	for _, ng := range ngrams {
		logProb, err := lm.LogProbability(ng)
		if err != nil {
			return 0, err
		}
		sum += logProb
	}
	return sum, nil
}
