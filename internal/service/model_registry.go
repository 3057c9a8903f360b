package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"lmperplexity/internal/config"
	"lmperplexity/internal/metrics"
	"lmperplexity/internal/model/ngram"
	"lmperplexity/internal/service/perplexity"
	"lmperplexity/internal/service/tokenizer"

	"go.uber.org/zap"
)

// ErrModelNotFound is returned for unknown model names
var ErrModelNotFound = errors.New("model not found")

// Bloom filter sizing used when the configuration leaves it open
const (
	defaultBloomExpected = 100000
	defaultBloomFPRate   = 0.01
)

// ModelRegistry owns the providers served by name, the corpora they were
// trained from and the streaming sessions opened on them
type ModelRegistry struct {
	cfg         *config.Config
	providers   map[string]*LMProvider
	names       []string
	corpora     map[string]*CorpusManager
	persistence *NGramPersistence
	sessions    *SessionStore
	observer    perplexity.Observer
	logger      *zap.Logger
	mu          sync.RWMutex
}

// NewModelRegistry creates an empty registry for cfg, filling in its unset
// fields. Models are built by LoadAll.
func NewModelRegistry(cfg *config.Config, logger *zap.Logger) (*ModelRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	persistence, err := NewNGramPersistence(cfg.App.ModelDir, logger)
	if err != nil {
		return nil, err
	}

	observers := []perplexity.Observer{perplexity.NewZapObserver(logger.Named("perplexity"))}
	if cfg.App.Metrics {
		observers = append(observers, metrics.NewObserver())
	}

	sessions := NewSessionStore(cfg.App.SessionIdleTimeout, logger.Named("sessions"))
	if cfg.App.Metrics {
		sessions.OnChange(func(active int) {
			metrics.ActiveSessions.Set(float64(active))
		})
	}

	return &ModelRegistry{
		cfg:         cfg,
		providers:   make(map[string]*LMProvider),
		corpora:     make(map[string]*CorpusManager),
		persistence: persistence,
		sessions:    sessions,
		observer:    perplexity.Observers(observers...),
		logger:      logger,
	}, nil
}

// LoadAll builds every configured model. The first failure aborts loading.
func (r *ModelRegistry) LoadAll(ctx context.Context) error {
	for i := range r.cfg.Models {
		mc := r.cfg.Models[i]
		start := time.Now()
		provider, err := r.buildProvider(ctx, mc)
		if err != nil {
			return fmt.Errorf("model %q: %w", mc.Name, err)
		}
		r.Register(provider)
		r.logger.Info("Loaded language model",
			zap.String("model", mc.Name),
			zap.String("type", mc.Type),
			zap.Int("order", provider.Order()),
			zap.Duration("duration", time.Since(start)))
	}
	return nil
}

// Load builds and registers the single named model from the configuration
func (r *ModelRegistry) Load(ctx context.Context, name string) (*LMProvider, error) {
	mc, ok := r.cfg.GetModel(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	provider, err := r.buildProvider(ctx, *mc)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", name, err)
	}
	r.Register(provider)
	return provider, nil
}

// Register adds or replaces a provider
func (r *ModelRegistry) Register(p *LMProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Name()]; !exists {
		r.names = append(r.names, p.Name())
	}
	r.providers[p.Name()] = p

	if r.cfg.App.Metrics {
		info := p.Info()
		metrics.RecordModel(info.Name, info.Type, info.VocabularySize)
	}
}

// Get returns the provider registered under name
func (r *ModelRegistry) Get(name string) (*LMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModelNotFound, name)
	}
	return p, nil
}

// Resolve returns the named provider, or the first registered one for an empty name
func (r *ModelRegistry) Resolve(name string) (*LMProvider, error) {
	if name != "" {
		return r.Get(name)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.names) == 0 {
		return nil, fmt.Errorf("%w: no models loaded", ErrModelNotFound)
	}
	return r.providers[r.names[0]], nil
}

// List describes all providers in registration order
func (r *ModelRegistry) List() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]ModelInfo, 0, len(r.names))
	for _, name := range r.names {
		infos = append(infos, r.providers[name].Info())
	}
	return infos
}

// Names returns the registered model names in sorted order
func (r *ModelRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.names...)
	sort.Strings(names)
	return names
}

// Corpus returns the corpus a counting model was trained from in this process
func (r *ModelRegistry) Corpus(name string) (*CorpusManager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cm, ok := r.corpora[name]
	return cm, ok
}

// Sessions returns the streaming session store
func (r *ModelRegistry) Sessions() *SessionStore {
	return r.sessions
}

// Observer returns the evaluator observer attached to every provider
func (r *ModelRegistry) Observer() perplexity.Observer {
	return r.observer
}

// OpenSession creates a streaming session on the named model
func (r *ModelRegistry) OpenSession(name string) (SessionSnapshot, error) {
	p, err := r.Resolve(name)
	if err != nil {
		return SessionSnapshot{}, err
	}
	return r.sessions.Create(p), nil
}

func (r *ModelRegistry) buildProvider(ctx context.Context, mc config.ModelConfig) (*LMProvider, error) {
	tags, err := tokenizer.ParseSentenceTagMode(*mc.SentenceTags)
	if err != nil {
		return nil, err
	}
	boundary, err := ngram.ParseBoundaryMode(*mc.Boundary)
	if err != nil {
		return nil, err
	}
	tokenizers, err := tokenizer.NewDefaultRegistry(tags)
	if err != nil {
		return nil, err
	}
	queryTokenizer, err := tokenizers.Get(mc.Language)
	if err != nil {
		return nil, err
	}

	logger := r.logger.With(zap.String("model", mc.Name))
	var lm perplexity.LanguageModel
	switch mc.Type {
	case config.ModelTypeARPA:
		arpa, err := LoadARPAFile(mc.Path)
		if err != nil {
			return nil, err
		}
		if arpa.Order() != mc.Order {
			logger.Warn("ARPA file order differs from configured order, using the file's",
				zap.Int("file_order", arpa.Order()), zap.Int("configured_order", mc.Order))
		}
		lm = arpa

	case config.ModelTypeSaved:
		model, err := r.persistence.LoadModel(mc.Name)
		if err != nil {
			return nil, err
		}
		lm = model

	case config.ModelTypeCounting:
		model, err := r.countingModel(ctx, mc, tokenizers, boundary, logger)
		if err != nil {
			return nil, err
		}
		lm = model

	default:
		return nil, fmt.Errorf("unknown model type %q", mc.Type)
	}

	return NewLMProvider(mc.Name, lm, queryTokenizer,
		WithProviderLogger(logger),
		WithBoundaryMode(boundary),
		WithSkipOOV(*mc.SkipOOV),
		WithModelType(mc.Type),
		WithPerplexityOptions(perplexity.WithObserver(r.observer)),
	)
}

// countingModel loads a saved snapshot unless a rebuild is asked for, and
// otherwise trains from the corpus
func (r *ModelRegistry) countingModel(ctx context.Context, mc config.ModelConfig, tokenizers *tokenizer.Registry, boundary ngram.BoundaryMode, logger *zap.Logger) (*NGramModel, error) {
	if !mc.Rebuild && r.persistence.ModelExists(mc.Name) {
		model, err := r.persistence.LoadModel(mc.Name)
		if err == nil {
			return model, nil
		}
		logger.Warn("Could not load saved model, retraining", zap.Error(err))
	}

	model, err := NewCountingModel(mc)
	if err != nil {
		return nil, err
	}
	model.SetBoundaryMode(boundary)

	cm := NewCorpusManager(model, tokenizers, logger)
	cm.SetNumThreads(r.cfg.App.NumFileThreads)
	if strings.EqualFold(mc.Language, tokenizer.LanguageText) {
		text, _ := tokenizers.Get(tokenizer.LanguageText)
		cm.SetFallbackTokenizer(text)
	}

	files, err := cm.TrainDirectory(ctx, mc.Corpus)
	if err != nil {
		return nil, err
	}
	if files == 0 {
		return nil, fmt.Errorf("no trainable files in corpus %s", mc.Corpus)
	}
	model.Fix()

	if err := cm.ScoreDocuments(ctx, *mc.SkipOOV); err != nil {
		return nil, err
	}
	stats := cm.GetEntropyStats(ctx)
	logger.Info("Scored corpus documents",
		zap.Int("documents", stats.Count),
		zap.Float64("mean_entropy", stats.Mean),
		zap.Float64("stddev_entropy", stats.StdDev))

	r.mu.Lock()
	r.corpora[mc.Name] = cm
	r.mu.Unlock()

	if mc.Save {
		if err := r.persistence.SaveModel(model, mc.Name); err != nil {
			return nil, err
		}
	}
	return model, nil
}

// NewCountingModel creates an empty counting model with the store and smoother of mc
func NewCountingModel(mc config.ModelConfig) (*NGramModel, error) {
	smoother, err := NewSmoother(mc.Smoother, mc.K)
	if err != nil {
		return nil, err
	}

	switch mc.Store {
	case StoreTrie:
		expected, fpRate := mc.BloomExpected, mc.BloomFPRate
		if expected == 0 {
			expected = defaultBloomExpected
		}
		if fpRate == 0 {
			fpRate = defaultBloomFPRate
		}
		return NewNGramModelTrieWithBloom(mc.Order, smoother, mc.Bloom, expected, fpRate), nil
	case StoreMap, "":
		return NewNGramModel(mc.Order, smoother), nil
	}
	return nil, fmt.Errorf("unknown store %q", mc.Store)
}
