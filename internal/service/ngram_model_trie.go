package service

// NewNGramModelTrie creates a trie-backed n-gram model without bloom filter
func NewNGramModelTrie(n int, smoother Smoother) *NGramModel {
	return newNGramModel(n, smoother, newTrieStore(), newTrieStore())
}

// NewNGramModelTrieWithBloom creates a trie-backed n-gram model. With useBloom, n-grams
// and contexts seen only once are tracked in a bloom filter instead of the trie.
func NewNGramModelTrieWithBloom(n int, smoother Smoother, useBloom bool, expectedItems uint, falsePositiveRate float64) *NGramModel {
	if !useBloom {
		return NewNGramModelTrie(n, smoother)
	}
	return newNGramModel(n, smoother,
		newTrieStoreWithBloom(expectedItems, falsePositiveRate),
		newTrieStoreWithBloom(expectedItems, falsePositiveRate),
	)
}

// TrieModelMemoryStats contains detailed memory statistics for a trie-backed model
type TrieModelMemoryStats struct {
	N            int             `json:"n"`
	NGramStats   TrieMemoryStats `json:"ngram_stats"`
	ContextStats TrieMemoryStats `json:"context_stats"`
}

// TotalMemoryBytes returns the estimated total memory usage
func (s TrieModelMemoryStats) TotalMemoryBytes() int64 {
	return s.NGramStats.TotalMemoryBytes() + s.ContextStats.TotalMemoryBytes()
}

// MemoryStats returns memory statistics, ok is false for map-backed models
func (m *NGramModel) MemoryStats() (stats TrieModelMemoryStats, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ngrams, ok1 := m.ngrams.(*trieStore)
	contexts, ok2 := m.contexts.(*trieStore)
	if !ok1 || !ok2 {
		return TrieModelMemoryStats{}, false
	}
	return TrieModelMemoryStats{
		N:            m.n,
		NGramStats:   ngrams.MemoryStats(),
		ContextStats: contexts.MemoryStats(),
	}, true
}

// GetNGramsWithPrefix returns all n-grams starting with a given prefix
func (m *NGramModel) GetNGramsWithPrefix(prefix []string) []NGramWithCount {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if t, ok := m.ngrams.(*trieStore); ok {
		return t.WithPrefix(prefix)
	}

	var results []NGramWithCount
	m.ngrams.Each(func(tokens []string, count int64) bool {
		if hasPrefix(tokens, prefix) {
			results = append(results, NGramWithCount{Tokens: tokens, Count: count})
		}
		return true
	})
	return results
}

func hasPrefix(tokens, prefix []string) bool {
	if len(prefix) > len(tokens) {
		return false
	}
	for i, p := range prefix {
		if tokens[i] != p {
			return false
		}
	}
	return true
}

// ConvertToTrieModel copies a model into a trie-backed one with the same order,
// smoother and vocabulary order
func ConvertToTrieModel(model *NGramModel) *NGramModel {
	trieModel := NewNGramModelTrie(model.n, model.smoother)
	copyModel(model, trieModel)
	return trieModel
}

// copyModel replaces the contents of dst with those of src
func copyModel(src, dst *NGramModel) {
	src.mu.RLock()
	defer src.mu.RUnlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()

	for _, w := range src.words {
		dst.wordID(w)
	}
	src.ngrams.Each(func(tokens []string, count int64) bool {
		dst.ngrams.Set(tokens, count)
		return true
	})
	src.contexts.Each(func(tokens []string, count int64) bool {
		dst.contexts.Set(tokens, count)
		return true
	})
	for k, v := range src.followers {
		dst.followers[k] = v
	}
	dst.sumOneGrams = src.sumOneGrams
	dst.fixed = src.fixed
	dst.windower = src.windower
}
