package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"lmperplexity/internal/model/ngram"
	"lmperplexity/internal/service/perplexity"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSessionNotFound is returned for unknown or expired session IDs
var ErrSessionNotFound = errors.New("session not found")

// session is one client's streaming evaluator
type session struct {
	id       string
	provider *LMProvider
	eval     *perplexity.ModelPerplexity
	created  time.Time
	lastUsed time.Time
	mu       sync.Mutex
}

// SessionSnapshot is the visible state of a session
type SessionSnapshot struct {
	ID         string    `json:"id"`
	Model      string    `json:"model"`
	N          int64     `json:"n"`
	Log10Probs float64   `json:"log10probs"`
	Perplexity float64   `json:"perplexity"`
	Created    time.Time `json:"created"`
	LastUsed   time.Time `json:"last_used"`
}

// snapshot reads the session state. Caller holds s.mu.
func (s *session) snapshot() SessionSnapshot {
	return SessionSnapshot{
		ID:         s.id,
		Model:      s.provider.Name(),
		N:          s.eval.N(),
		Log10Probs: s.eval.Log10Probs(),
		Perplexity: s.eval.Get(),
		Created:    s.created,
		LastUsed:   s.lastUsed,
	}
}

// SessionStore keeps per-client streaming evaluators keyed by UUID.
// Sessions not used for longer than the idle timeout are dropped by Sweep.
type SessionStore struct {
	sessions    map[string]*session
	idleTimeout time.Duration
	onChange    func(active int)
	now         func() time.Time
	logger      *zap.Logger
	mu          sync.RWMutex
}

// NewSessionStore creates an empty store. A zero idleTimeout disables expiry.
func NewSessionStore(idleTimeout time.Duration, logger *zap.Logger) *SessionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionStore{
		sessions:    make(map[string]*session),
		idleTimeout: idleTimeout,
		onChange:    func(int) {},
		now:         time.Now,
		logger:      logger,
	}
}

// OnChange registers a hook called with the number of open sessions whenever it changes
func (s *SessionStore) OnChange(fn func(active int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		fn = func(int) {}
	}
	s.onChange = fn
}

// Create opens a session evaluating with provider
func (s *SessionStore) Create(provider *LMProvider) SessionSnapshot {
	now := s.now()
	sess := &session{
		id:       uuid.New().String(),
		provider: provider,
		eval:     provider.NewEvaluator(),
		created:  now,
		lastUsed: now,
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	active := len(s.sessions)
	s.onChange(active)
	s.mu.Unlock()

	s.logger.Info("Opened perplexity session",
		zap.String("session", sess.id),
		zap.String("model", provider.Name()),
		zap.Int("active", active))

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.snapshot()
}

func (s *SessionStore) lookup(id string) (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Get returns the state of session id
func (s *SessionStore) Get(id string) (SessionSnapshot, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return SessionSnapshot{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.snapshot(), nil
}

// Add windows text with the session's provider and adds every n-gram.
// When an n-gram fails, the ones before it stay added.
func (s *SessionStore) Add(ctx context.Context, id string, text string) (SessionSnapshot, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return SessionSnapshot{}, err
	}
	ngrams, err := sess.provider.NGrams(ctx, text)
	if err != nil {
		return SessionSnapshot{}, err
	}
	return s.addNGrams(sess, ngrams)
}

// AddNGrams adds pre-segmented n-grams to session id
func (s *SessionStore) AddNGrams(id string, ngrams []ngram.NGram) (SessionSnapshot, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return SessionSnapshot{}, err
	}
	return s.addNGrams(sess, ngrams)
}

func (s *SessionStore) addNGrams(sess *session, ngrams []ngram.NGram) (SessionSnapshot, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastUsed = s.now()
	if err := addAll(sess.eval, ngrams); err != nil {
		return SessionSnapshot{}, err
	}
	return sess.snapshot(), nil
}

// Reset clears the sums of session id
func (s *SessionStore) Reset(id string) (SessionSnapshot, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return SessionSnapshot{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastUsed = s.now()
	sess.eval.Reset()
	return sess.snapshot(), nil
}

// Delete closes session id
func (s *SessionStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	s.onChange(len(s.sessions))
	s.logger.Info("Closed perplexity session", zap.String("session", id))
	return nil
}

// Len returns the number of open sessions
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep drops sessions idle for longer than the idle timeout and returns how many were dropped
func (s *SessionStore) Sweep() int {
	if s.idleTimeout <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.idleTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for id, sess := range s.sessions {
		sess.mu.Lock()
		idle := sess.lastUsed.Before(cutoff)
		sess.mu.Unlock()
		if idle {
			delete(s.sessions, id)
			dropped++
		}
	}
	if dropped > 0 {
		s.onChange(len(s.sessions))
		s.logger.Info("Expired idle sessions", zap.Int("expired", dropped), zap.Int("active", len(s.sessions)))
	}
	return dropped
}

// Run sweeps periodically until ctx is done
func (s *SessionStore) Run(ctx context.Context) {
	if s.idleTimeout <= 0 {
		return
	}
	interval := s.idleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
