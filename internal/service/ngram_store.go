package service

import "strings"

// countStore keeps frequencies of token sequences.
// Stores are not synchronized; NGramModel guards them with its own lock.
type countStore interface {
	// Increment adds one observation and returns the new count.
	// created reports whether this call made the sequence appear in the store.
	Increment(tokens []string) (count int64, created bool)
	// Decrement removes one observation and returns the new count
	Decrement(tokens []string) int64
	Count(tokens []string) int64
	// Set overwrites the count, used when restoring a saved model
	Set(tokens []string, count int64)
	// Len returns the number of distinct sequences with a positive count
	Len() int
	// Total returns the sum of all counts
	Total() int64
	// Each visits every sequence with a positive count until fn returns false
	Each(fn func(tokens []string, count int64) bool)
	// Prune drops sequences seen fewer than minCount times and returns the pruned total
	Prune(minCount int64) int64
	Kind() string
}

// Store kinds
const (
	StoreMap  = "map"
	StoreTrie = "trie"
)

const keySeparator = "\x00"

func storeKey(tokens []string) string {
	return strings.Join(tokens, keySeparator)
}

func splitStoreKey(key string) []string {
	return strings.Split(key, keySeparator)
}

// mapStore is the default backend: one hash map entry per sequence
type mapStore struct {
	counts map[string]int64
	total  int64
}

func newMapStore() *mapStore {
	return &mapStore{counts: make(map[string]int64)}
}

func (s *mapStore) Increment(tokens []string) (int64, bool) {
	key := storeKey(tokens)
	s.counts[key]++
	s.total++
	c := s.counts[key]
	return c, c == 1
}

func (s *mapStore) Decrement(tokens []string) int64 {
	key := storeKey(tokens)
	count, ok := s.counts[key]
	if !ok {
		return 0
	}
	s.total--
	if count > 1 {
		s.counts[key]--
		return count - 1
	}
	delete(s.counts, key)
	return 0
}

func (s *mapStore) Count(tokens []string) int64 {
	return s.counts[storeKey(tokens)]
}

func (s *mapStore) Set(tokens []string, count int64) {
	key := storeKey(tokens)
	s.total -= s.counts[key]
	if count <= 0 {
		delete(s.counts, key)
		return
	}
	s.counts[key] = count
	s.total += count
}

func (s *mapStore) Len() int {
	return len(s.counts)
}

func (s *mapStore) Total() int64 {
	return s.total
}

func (s *mapStore) Each(fn func(tokens []string, count int64) bool) {
	for key, count := range s.counts {
		if !fn(splitStoreKey(key), count) {
			return
		}
	}
}

func (s *mapStore) Prune(minCount int64) int64 {
	var pruned int64
	for key, count := range s.counts {
		if count < minCount {
			pruned += count
			delete(s.counts, key)
		}
	}
	s.total -= pruned
	return pruned
}

func (s *mapStore) Kind() string {
	return StoreMap
}
