package service

import (
	"fmt"
	"hash/fnv"

	"github.com/bits-and-blooms/bloom/v3"
)

// TrieNode represents a node in the n-gram trie
type TrieNode struct {
	tokenID  uint32               // Token ID at this node
	count    int64                // Frequency of the sequence ending at this node
	children map[uint32]*TrieNode // Children indexed by token ID
}

// NewTrieNode creates a new trie node
func NewTrieNode(tokenID uint32) *TrieNode {
	return &TrieNode{
		tokenID:  tokenID,
		children: make(map[uint32]*TrieNode),
	}
}

// trieStore keeps sequences in a trie with string interning.
// With a bloom filter, a sequence is only stored from its second sighting on,
// so singletons never allocate trie nodes.
type trieStore struct {
	root        *TrieNode
	tokenToID   map[string]uint32 // String to token ID mapping
	idToToken   []string          // Token ID to string reverse mapping
	total       int64
	distinct    int
	bloomFilter *bloom.BloomFilter
}

func newTrieStore() *trieStore {
	return &trieStore{
		root:      NewTrieNode(0), // Root has ID 0 (sentinel)
		tokenToID: make(map[string]uint32),
		idToToken: []string{"<ROOT>"}, // ID 0 is reserved for root
	}
}

func newTrieStoreWithBloom(expectedItems uint, falsePositiveRate float64) *trieStore {
	t := newTrieStore()
	if expectedItems == 0 {
		expectedItems = 100000
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	t.bloomFilter = bloom.NewWithEstimates(expectedItems, falsePositiveRate)
	return t
}

// internToken converts a token string to its ID, creating a new ID if needed
func (t *trieStore) internToken(token string) uint32 {
	if id, exists := t.tokenToID[token]; exists {
		return id
	}

	id := uint32(len(t.idToToken))
	t.tokenToID[token] = id
	t.idToToken = append(t.idToToken, token)
	return id
}

// getToken returns the token string for a given ID
func (t *trieStore) getToken(id uint32) string {
	if int(id) < len(t.idToToken) {
		return t.idToToken[id]
	}
	return ""
}

// bloomKey hashes a sequence into a compact bloom filter key
func bloomKey(tokens []string) []byte {
	h := fnv.New64a()
	for _, token := range tokens {
		h.Write([]byte(token))
		h.Write([]byte{0}) // Separator
	}
	return h.Sum(nil)
}

// find walks the trie without creating nodes
func (t *trieStore) find(tokens []string) *TrieNode {
	current := t.root
	for _, token := range tokens {
		id, exists := t.tokenToID[token]
		if !exists {
			return nil
		}
		child, exists := current.children[id]
		if !exists {
			return nil
		}
		current = child
	}
	return current
}

// path walks the trie, creating missing nodes
func (t *trieStore) path(tokens []string) *TrieNode {
	current := t.root
	for _, token := range tokens {
		id := t.internToken(token)
		child, exists := current.children[id]
		if !exists {
			child = NewTrieNode(id)
			current.children[id] = child
		}
		current = child
	}
	return current
}

func (t *trieStore) Increment(tokens []string) (int64, bool) {
	if len(tokens) == 0 {
		return 0, false
	}

	increment := int64(1)
	if t.bloomFilter != nil {
		if node := t.find(tokens); node == nil || node.count == 0 {
			key := bloomKey(tokens)
			if !t.bloomFilter.Test(key) {
				// First sighting: remember it, store nothing
				t.bloomFilter.Add(key)
				return 0, false
			}
			// Second sighting: account for the first one as well
			increment = 2
		}
	}

	node := t.path(tokens)
	created := node.count == 0
	node.count += increment
	t.total += increment
	if created {
		t.distinct++
	}
	return node.count, created
}

func (t *trieStore) Decrement(tokens []string) int64 {
	node := t.find(tokens)
	if node == nil || node.count == 0 {
		return 0
	}
	// Nodes are kept even when the count drops to zero
	node.count--
	t.total--
	if node.count == 0 {
		t.distinct--
	}
	return node.count
}

func (t *trieStore) Count(tokens []string) int64 {
	if len(tokens) == 0 {
		return 0
	}
	if node := t.find(tokens); node != nil {
		return node.count
	}
	return 0
}

func (t *trieStore) Set(tokens []string, count int64) {
	if len(tokens) == 0 {
		return
	}
	if count <= 0 {
		node := t.find(tokens)
		if node != nil && node.count > 0 {
			t.total -= node.count
			t.distinct--
			node.count = 0
		}
		return
	}
	node := t.path(tokens)
	if node.count == 0 {
		t.distinct++
	}
	t.total += count - node.count
	node.count = count
}

func (t *trieStore) Len() int {
	return t.distinct
}

func (t *trieStore) Total() int64 {
	return t.total
}

func (t *trieStore) Each(fn func(tokens []string, count int64) bool) {
	t.walk(t.root, nil, fn)
}

func (t *trieStore) walk(node *TrieNode, path []uint32, fn func([]string, int64) bool) bool {
	if node.count > 0 {
		tokens := make([]string, len(path))
		for i, id := range path {
			tokens[i] = t.getToken(id)
		}
		if !fn(tokens, node.count) {
			return false
		}
	}
	for tokenID, child := range node.children {
		if !t.walk(child, append(path, tokenID), fn) {
			return false
		}
	}
	return true
}

// WithPrefix returns all stored sequences starting with prefix
func (t *trieStore) WithPrefix(prefix []string) []NGramWithCount {
	node := t.find(prefix)
	if node == nil {
		return nil
	}

	path := make([]uint32, len(prefix))
	for i, token := range prefix {
		path[i] = t.tokenToID[token]
	}

	var results []NGramWithCount
	t.walk(node, path, func(tokens []string, count int64) bool {
		results = append(results, NGramWithCount{Tokens: tokens, Count: count})
		return true
	})
	return results
}

func (t *trieStore) Prune(minCount int64) int64 {
	var pruned int64
	t.pruneNode(t.root, minCount, &pruned)
	return pruned
}

// pruneNode recursively prunes nodes with low counts
func (t *trieStore) pruneNode(node *TrieNode, minCount int64, pruned *int64) {
	for tokenID, child := range node.children {
		t.pruneNode(child, minCount, pruned)

		if child.count == 0 && len(child.children) == 0 {
			delete(node.children, tokenID)
		}
	}

	if node != t.root && node.count > 0 && node.count < minCount {
		t.total -= node.count
		*pruned += node.count
		node.count = 0
		t.distinct--
	}
}

func (t *trieStore) Kind() string {
	return StoreTrie
}

// encodeBloom serializes the singleton filter, nil when there is none
func (t *trieStore) encodeBloom() ([]byte, error) {
	if t.bloomFilter == nil {
		return nil, nil
	}
	return t.bloomFilter.GobEncode()
}

func (t *trieStore) decodeBloom(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	filter := &bloom.BloomFilter{}
	if err := filter.GobDecode(data); err != nil {
		return fmt.Errorf("decode bloom filter: %w", err)
	}
	t.bloomFilter = filter
	return nil
}

// MemoryStats returns memory usage statistics
func (t *trieStore) MemoryStats() TrieMemoryStats {
	var nodeCount int64
	t.countNodes(t.root, &nodeCount)

	vocabMemory := int64(0)
	for token := range t.tokenToID {
		vocabMemory += int64(len(token)) + 16 // String header + content
	}

	var bloomBytes int64
	if t.bloomFilter != nil {
		bloomBytes = int64(t.bloomFilter.Cap() / 8)
	}

	return TrieMemoryStats{
		VocabularySize:   len(t.tokenToID),
		TotalNodes:       nodeCount,
		TotalNGrams:      t.total,
		VocabMemoryBytes: vocabMemory,
		NodeMemoryBytes:  nodeCount * 56, // Approx: tokenID(4) + count(8) + map(24) + pointers(20)
		BloomMemoryBytes: bloomBytes,
	}
}

// countNodes recursively counts all nodes in the trie
func (t *trieStore) countNodes(node *TrieNode, count *int64) {
	*count++
	for _, child := range node.children {
		t.countNodes(child, count)
	}
}

// NGramWithCount represents an n-gram with its frequency
type NGramWithCount struct {
	Tokens []string `json:"tokens"`
	Count  int64    `json:"count"`
}

// TrieMemoryStats contains memory usage statistics
type TrieMemoryStats struct {
	VocabularySize   int   `json:"vocabulary_size"`
	TotalNodes       int64 `json:"total_nodes"`
	TotalNGrams      int64 `json:"total_ngrams"`
	VocabMemoryBytes int64 `json:"vocab_memory_bytes"`
	NodeMemoryBytes  int64 `json:"node_memory_bytes"`
	BloomMemoryBytes int64 `json:"bloom_memory_bytes"`
}

// TotalMemoryBytes returns the estimated total memory usage
func (s TrieMemoryStats) TotalMemoryBytes() int64 {
	return s.VocabMemoryBytes + s.NodeMemoryBytes + s.BloomMemoryBytes
}
