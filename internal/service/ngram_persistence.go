package service

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"lmperplexity/internal/model/ngram"

	"go.uber.org/zap"
)

const persistenceVersion = "2.0"

// SerializableNGramModel is a serializable representation of the n-gram model
type SerializableNGramModel struct {
	Version      string    // Format version
	Name         string    // Model name
	N            int       // N-gram size
	Store        string    // map or trie
	SmootherName string    // Smoother type
	SmootherK    float64   // add-k pseudo-count
	Boundary     int       // windowing mode used by Add
	Fixed        bool      // whether the model was frozen
	CreatedAt    time.Time // When the model was saved
	SumOneGrams  int64     // Unigram total

	Words     []string           // Vocabulary in ID order
	NGrams    []SerializedCount  // Full n-grams
	Contexts  []SerializedCount  // Prefixes
	Followers map[string]int     // context key -> distinct continuations

	// Singleton filters for trie models with bloom
	NGramBloom   []byte
	ContextBloom []byte
}

// SerializedCount is one stored sequence and its frequency
type SerializedCount struct {
	Tokens []string
	Count  int64
}

// NGramPersistence handles saving and loading n-gram models
type NGramPersistence struct {
	outputDir string
	logger    *zap.Logger
}

// NewNGramPersistence creates a new persistence manager
func NewNGramPersistence(outputDir string, logger *zap.Logger) (*NGramPersistence, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	return &NGramPersistence{
		outputDir: outputDir,
		logger:    logger,
	}, nil
}

// GetModelPath returns the file path for a named model
func (p *NGramPersistence) GetModelPath(name string) string {
	return filepath.Join(p.outputDir, fmt.Sprintf("%s_ngram.gob", name))
}

// SaveModel writes a model to disk under name
func (p *NGramPersistence) SaveModel(model *NGramModel, name string) error {
	snapshot, err := p.serializeModel(model)
	if err != nil {
		return fmt.Errorf("failed to serialize model: %w", err)
	}
	snapshot.Name = name

	modelPath := p.GetModelPath(name)
	if err := p.saveToFile(snapshot, modelPath); err != nil {
		return fmt.Errorf("failed to save to file: %w", err)
	}

	p.logger.Info("Saved n-gram model",
		zap.String("model", name),
		zap.String("path", modelPath),
		zap.Int("n", snapshot.N),
		zap.String("store", snapshot.Store),
		zap.Int("ngrams", len(snapshot.NGrams)))

	return nil
}

// LoadModel reads a model previously saved under name
func (p *NGramPersistence) LoadModel(name string) (*NGramModel, error) {
	modelPath := p.GetModelPath(name)
	if _, err := os.Stat(modelPath); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no saved model %q", ErrModelNotFound, name)
	}

	snapshot, err := p.loadFromFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load from file: %w", err)
	}

	model, err := p.deserializeModel(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize model: %w", err)
	}

	p.logger.Info("Loaded n-gram model",
		zap.String("model", name),
		zap.String("path", modelPath),
		zap.Int("n", snapshot.N),
		zap.String("store", snapshot.Store),
		zap.Int("ngrams", len(snapshot.NGrams)))

	return model, nil
}

// ModelExists checks if a saved model exists
func (p *NGramPersistence) ModelExists(name string) bool {
	_, err := os.Stat(p.GetModelPath(name))
	return err == nil
}

// DeleteModel deletes a saved model
func (p *NGramPersistence) DeleteModel(name string) error {
	if err := os.Remove(p.GetModelPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete model: %w", err)
	}
	p.logger.Info("Deleted n-gram model", zap.String("model", name))
	return nil
}

func (p *NGramPersistence) serializeModel(model *NGramModel) (*SerializableNGramModel, error) {
	model.mu.RLock()
	defer model.mu.RUnlock()

	snapshot := &SerializableNGramModel{
		Version:      persistenceVersion,
		N:            model.n,
		Store:        model.ngrams.Kind(),
		SmootherName: model.smoother.Name(),
		Boundary:     int(model.windower.Boundary),
		Fixed:        model.fixed,
		CreatedAt:    time.Now(),
		SumOneGrams:  model.sumOneGrams,
		Words:        append([]string(nil), model.words...),
		Followers:    make(map[string]int, len(model.followers)),
	}
	if addK, ok := model.smoother.(*AddKSmoother); ok {
		snapshot.SmootherK = addK.K()
	}

	snapshot.NGrams = flattenStore(model.ngrams)
	snapshot.Contexts = flattenStore(model.contexts)
	for k, v := range model.followers {
		snapshot.Followers[k] = v
	}

	var err error
	if t, ok := model.ngrams.(*trieStore); ok {
		if snapshot.NGramBloom, err = t.encodeBloom(); err != nil {
			return nil, err
		}
	}
	if t, ok := model.contexts.(*trieStore); ok {
		if snapshot.ContextBloom, err = t.encodeBloom(); err != nil {
			return nil, err
		}
	}
	return snapshot, nil
}

func flattenStore(store countStore) []SerializedCount {
	out := make([]SerializedCount, 0, store.Len())
	store.Each(func(tokens []string, count int64) bool {
		out = append(out, SerializedCount{Tokens: tokens, Count: count})
		return true
	})
	return out
}

func (p *NGramPersistence) deserializeModel(snapshot *SerializableNGramModel) (*NGramModel, error) {
	if snapshot.Version != persistenceVersion {
		return nil, fmt.Errorf("unsupported model format version %q", snapshot.Version)
	}

	smoother, err := NewSmoother(snapshot.SmootherName, snapshot.SmootherK)
	if err != nil {
		return nil, err
	}
	boundary, err := ngram.ParseBoundaryMode(snapshot.Boundary)
	if err != nil {
		return nil, err
	}

	var ngrams, contexts countStore
	switch snapshot.Store {
	case StoreMap, "":
		ngrams, contexts = newMapStore(), newMapStore()
	case StoreTrie:
		ngramTrie, contextTrie := newTrieStore(), newTrieStore()
		if err := ngramTrie.decodeBloom(snapshot.NGramBloom); err != nil {
			return nil, err
		}
		if err := contextTrie.decodeBloom(snapshot.ContextBloom); err != nil {
			return nil, err
		}
		ngrams, contexts = ngramTrie, contextTrie
	default:
		return nil, fmt.Errorf("unknown store kind %q", snapshot.Store)
	}

	model := newNGramModel(snapshot.N, smoother, ngrams, contexts)
	model.windower = ngram.NewWindower(model.n, boundary)
	for _, w := range snapshot.Words {
		model.wordID(w)
	}
	for _, c := range snapshot.NGrams {
		model.ngrams.Set(c.Tokens, c.Count)
	}
	for _, c := range snapshot.Contexts {
		model.contexts.Set(c.Tokens, c.Count)
	}
	for k, v := range snapshot.Followers {
		model.followers[k] = v
	}
	model.sumOneGrams = snapshot.SumOneGrams
	model.fixed = snapshot.Fixed
	return model, nil
}

// saveToFile saves a model to a file using gob encoding
func (p *NGramPersistence) saveToFile(model *SerializableNGramModel, path string) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if err := gob.NewEncoder(file).Encode(model); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// loadFromFile loads a model from a file using gob decoding
func (p *NGramPersistence) loadFromFile(path string) (*SerializableNGramModel, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var model SerializableNGramModel
	if err := gob.NewDecoder(file).Decode(&model); err != nil {
		return nil, err
	}

	return &model, nil
}
