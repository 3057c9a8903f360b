package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"lmperplexity/internal/model/ngram"
	"lmperplexity/internal/service/perplexity"
	"lmperplexity/internal/service/tokenizer"
	"lmperplexity/internal/util"

	"go.uber.org/zap"
)

// DocumentModel is the bookkeeping of one corpus file
type DocumentModel struct {
	Path         string    `json:"path"`
	Language     string    `json:"language"`
	TokenCount   int       `json:"token_count"`
	NGramCount   int       `json:"ngram_count"`
	LastModified time.Time `json:"last_modified"`
	Perplexity   float64   `json:"perplexity"` // under the corpus model, set by ScoreDocuments
	Entropy      float64   `json:"entropy"`    // log2 of Perplexity
	Scored       bool      `json:"scored"`
	sentences    [][]string
}

// CorpusManager trains one counting model from a set of documents and keeps
// per-document statistics
type CorpusManager struct {
	model      *NGramModel
	documents  map[string]*DocumentModel
	tokenizer  *tokenizer.Registry
	fallback   tokenizer.Tokenizer // used for files no registered extension matches
	numThreads int
	logger     *zap.Logger
	mu         sync.RWMutex // Protects documents
}

// NewCorpusManager creates a corpus manager training model
func NewCorpusManager(model *NGramModel, tokenizerRegistry *tokenizer.Registry, logger *zap.Logger) *CorpusManager {
	if model == nil {
		model = NewNGramModel(3, nil)
	}
	if tokenizerRegistry == nil {
		tokenizerRegistry = tokenizer.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CorpusManager{
		model:      model,
		documents:  make(map[string]*DocumentModel),
		tokenizer:  tokenizerRegistry,
		numThreads: 2,
		logger:     logger,
	}
}

// SetFallbackTokenizer sets the tokenizer for files whose extension has no registered tokenizer.
// With no fallback those files are skipped.
func (cm *CorpusManager) SetFallbackTokenizer(tok tokenizer.Tokenizer) {
	cm.fallback = tok
}

// SetNumThreads sets the number of files tokenized in parallel by TrainDirectory
func (cm *CorpusManager) SetNumThreads(n int) {
	if n > 0 {
		cm.numThreads = n
	}
}

// Model returns the corpus model
func (cm *CorpusManager) Model() *NGramModel {
	return cm.model
}

func (cm *CorpusManager) tokenizerFor(path string) (tokenizer.Tokenizer, error) {
	tok, err := cm.tokenizer.ForFile(path)
	if err == nil {
		return tok, nil
	}
	if cm.fallback != nil && errors.Is(err, tokenizer.ErrNoTokenizer) {
		return cm.fallback, nil
	}
	return nil, err
}

// AddFile tokenizes source and adds its sentences to the corpus model.
// A file already in the corpus is replaced.
func (cm *CorpusManager) AddFile(ctx context.Context, filePath string, source []byte) error {
	tok, err := cm.tokenizerFor(filePath)
	if err != nil {
		return err
	}

	sentences, err := tokenizer.Sentences(ctx, tok, source)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if existing, ok := cm.documents[filePath]; ok {
		if err := cm.removeSentences(existing.sentences); err != nil {
			return fmt.Errorf("remove previous version of %s: %w", filePath, err)
		}
	}

	doc := &DocumentModel{
		Path:         filePath,
		Language:     tok.Language(),
		LastModified: time.Now(),
		sentences:    sentences,
	}
	for _, sentence := range sentences {
		added, err := cm.model.Add(sentence)
		doc.NGramCount += added
		if err != nil {
			return fmt.Errorf("add %s: %w", filePath, err)
		}
		doc.TokenCount += len(sentence)
	}
	cm.documents[filePath] = doc

	cm.logger.Debug("Added file to corpus",
		zap.String("path", filePath),
		zap.String("language", doc.Language),
		zap.Int("tokens", doc.TokenCount),
		zap.Int("ngrams", doc.NGramCount),
	)
	return nil
}

func (cm *CorpusManager) removeSentences(sentences [][]string) error {
	for _, sentence := range sentences {
		if err := cm.model.Remove(sentence); err != nil {
			return err
		}
	}
	return nil
}

// RemoveFile subtracts the counts of a file from the corpus model
func (cm *CorpusManager) RemoveFile(ctx context.Context, filePath string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	doc, exists := cm.documents[filePath]
	if !exists {
		return fmt.Errorf("file not found in corpus: %s", filePath)
	}
	if err := cm.removeSentences(doc.sentences); err != nil {
		return err
	}
	delete(cm.documents, filePath)

	cm.logger.Debug("Removed file from corpus", zap.String("path", filePath))
	return nil
}

// TrainDirectory adds every file below root that a tokenizer accepts and returns
// the number of files added. Files that fail are logged and skipped.
func (cm *CorpusManager) TrainDirectory(ctx context.Context, root string) (int, error) {
	info, err := os.Stat(root)
	if err != nil {
		return 0, fmt.Errorf("corpus %s: %w", root, err)
	}
	if !info.IsDir() {
		source, err := os.ReadFile(root)
		if err != nil {
			return 0, err
		}
		if err := cm.AddFile(ctx, root, source); err != nil {
			return 0, err
		}
		return 1, nil
	}

	start := time.Now()
	var added atomic.Int64
	skip := func(path string, isDir bool) bool {
		if isDir {
			return util.SkipCommonDirs(path, isDir)
		}
		_, err := cm.tokenizerFor(path)
		return err != nil
	}
	walkFn := func(ctx context.Context, path string) error {
		source, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := cm.AddFile(ctx, path, source); err != nil {
			return err
		}
		added.Add(1)
		return nil
	}

	err = util.WalkDirTree(ctx, root, walkFn, skip, cm.logger, 1000, cm.numThreads)
	cm.logger.Info("Trained corpus model",
		zap.String("root", root),
		zap.Int64("files", added.Load()),
		zap.Duration("duration", time.Since(start)),
		zap.Any("model", cm.model.Stats()),
	)
	return int(added.Load()), err
}

// ScoreDocuments computes the perplexity of every document under the corpus model.
// With skipOOV, n-grams ending in an unknown word are left out.
func (cm *CorpusManager) ScoreDocuments(ctx context.Context, skipOOV bool, opts ...perplexity.Option) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	order := cm.model.Order()
	for _, doc := range cm.documents {
		if err := ctx.Err(); err != nil {
			return err
		}
		var ngrams []ngram.NGram
		for _, sentence := range doc.sentences {
			if len(sentence) < order {
				continue
			}
			ngrams = append(ngrams, cm.model.NGramSequence(sentence)...)
		}
		perp, err := perplexity.CalculatePerplexity(cm.model, ngrams, skipOOV, opts...)
		if err != nil {
			return fmt.Errorf("score %s: %w", doc.Path, err)
		}
		doc.Perplexity = perp
		doc.Entropy = math.Log2(perp)
		doc.Scored = true
	}
	return nil
}

// GetDocument returns a copy of the bookkeeping of filePath
func (cm *CorpusManager) GetDocument(ctx context.Context, filePath string) (DocumentModel, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	doc, exists := cm.documents[filePath]
	if !exists {
		return DocumentModel{}, fmt.Errorf("file not found in corpus: %s", filePath)
	}
	out := *doc
	out.sentences = nil
	return out, nil
}

// ListFiles returns the paths of all documents in sorted order
func (cm *CorpusManager) ListFiles(ctx context.Context) []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	files := make([]string, 0, len(cm.documents))
	for path := range cm.documents {
		files = append(files, path)
	}
	sort.Strings(files)
	return files
}

// RelativeFiles returns the document paths relative to root
func (cm *CorpusManager) RelativeFiles(ctx context.Context, root string) []string {
	files := cm.ListFiles(ctx)
	for i, f := range files {
		files[i] = filepath.ToSlash(util.ToRelativePath(root, f))
	}
	return files
}

// CorpusStats contains statistics about the entire corpus
type CorpusStats struct {
	TotalFiles     int            `json:"total_files"`
	TotalTokens    int            `json:"total_tokens"`
	LanguageCounts map[string]int `json:"language_counts"`
	Model          ModelStats     `json:"model"`
	Entropy        EntropyStats   `json:"entropy"`
}

// GetStats returns statistics about the corpus
func (cm *CorpusManager) GetStats(ctx context.Context) CorpusStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	languageCounts := make(map[string]int)
	totalTokens := 0
	for _, doc := range cm.documents {
		languageCounts[doc.Language]++
		totalTokens += doc.TokenCount
	}

	return CorpusStats{
		TotalFiles:     len(cm.documents),
		TotalTokens:    totalTokens,
		LanguageCounts: languageCounts,
		Model:          cm.model.Stats(),
		Entropy:        calculateEntropyStatistics(cm.entropies()),
	}
}

// entropies lists the finite document entropies. Caller holds the lock.
func (cm *CorpusManager) entropies() []float64 {
	entropies := make([]float64, 0, len(cm.documents))
	for _, doc := range cm.documents {
		if doc.Scored && !math.IsNaN(doc.Entropy) && !math.IsInf(doc.Entropy, 0) {
			entropies = append(entropies, doc.Entropy)
		}
	}
	return entropies
}

// EntropyStats contains entropy statistics for z-score calculation
type EntropyStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Count  int     `json:"count"`
}

// GetEntropyStats returns statistics over the scored documents
func (cm *CorpusManager) GetEntropyStats(ctx context.Context) EntropyStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return calculateEntropyStatistics(cm.entropies())
}

// CalculateZScore returns (entropy - mean) / stddev over the scored documents.
// Higher values mark more unusual text.
func (cm *CorpusManager) CalculateZScore(ctx context.Context, entropy float64) float64 {
	stats := cm.GetEntropyStats(ctx)
	if stats.StdDev == 0 {
		return 0
	}
	return (entropy - stats.Mean) / stats.StdDev
}

// PruneModel prunes low-frequency n-grams from the corpus model
func (cm *CorpusManager) PruneModel(minCount int64) (int64, int64) {
	return cm.model.Prune(minCount)
}

func calculateEntropyStatistics(entropies []float64) EntropyStats {
	if len(entropies) == 0 {
		return EntropyStats{}
	}

	sum := 0.0
	min := entropies[0]
	max := entropies[0]
	for _, e := range entropies {
		sum += e
		if e < min {
			min = e
		}
		if e > max {
			max = e
		}
	}
	mean := sum / float64(len(entropies))

	varianceSum := 0.0
	for _, e := range entropies {
		diff := e - mean
		varianceSum += diff * diff
	}

	return EntropyStats{
		Mean:   mean,
		StdDev: math.Sqrt(varianceSum / float64(len(entropies))),
		Min:    min,
		Max:    max,
		Count:  len(entropies),
	}
}
