package service

import (
	"fmt"
	"strings"
)

// Counts carries the statistics a Smoother needs for one n-gram
type Counts struct {
	NGram      int64 // c(w_1 ... w_n)
	Context    int64 // c(w_1 ... w_n-1), or the unigram total for unigrams
	Followers  int   // distinct tokens seen after the context
	Vocabulary int   // number of known tokens
}

// Smoother defines the interface for n-gram probability smoothing algorithms
type Smoother interface {
	// Smooth computes the probability of an n-gram.
	// backoffProb is the probability of the n-gram without its first token,
	// or the uniform probability for unigrams.
	Smooth(c Counts, backoffProb float64) float64

	// Name returns the name of the smoothing algorithm
	Name() string
}

// Smoother names accepted by NewSmoother
const (
	SmootherMLE        = "MLE"
	SmootherAddK       = "AddK"
	SmootherWittenBell = "WittenBell"
)

// NewSmoother returns the smoother registered under name. k is only used by add-k smoothing.
func NewSmoother(name string, k float64) (Smoother, error) {
	switch strings.ToLower(name) {
	case "", "mle":
		return NewMLESmoother(), nil
	case "addk", "laplace":
		return NewAddKSmoother(k), nil
	case "wittenbell", "witten-bell":
		return NewWittenBellSmoother(), nil
	}
	return nil, fmt.Errorf("unknown smoother %q", name)
}

// MLESmoother is the unsmoothed relative frequency c(w_1..w_n) / c(w_1..w_n-1).
// Unseen n-grams get probability 0.
type MLESmoother struct{}

// NewMLESmoother creates a maximum likelihood estimator
func NewMLESmoother() *MLESmoother {
	return &MLESmoother{}
}

func (s *MLESmoother) Smooth(c Counts, backoffProb float64) float64 {
	if c.NGram == 0 || c.Context == 0 {
		return 0
	}
	return float64(c.NGram) / float64(c.Context)
}

func (s *MLESmoother) Name() string {
	return SmootherMLE
}

// AddKSmoother implements simple add-k (Laplace) smoothing
type AddKSmoother struct {
	k float64
}

// NewAddKSmoother creates a new add-k smoother
func NewAddKSmoother(k float64) *AddKSmoother {
	if k <= 0 {
		k = 1.0 // Default to Laplace smoothing
	}
	return &AddKSmoother{k: k}
}

// K returns the pseudo-count
func (s *AddKSmoother) K() float64 {
	return s.k
}

func (s *AddKSmoother) Smooth(c Counts, backoffProb float64) float64 {
	if c.Vocabulary == 0 {
		return 0
	}
	numerator := float64(c.NGram) + s.k
	denominator := float64(c.Context) + (s.k * float64(c.Vocabulary))
	return numerator / denominator
}

func (s *AddKSmoother) Name() string {
	return SmootherAddK
}

// WittenBellSmoother implements interpolated Witten-Bell smoothing
type WittenBellSmoother struct{}

// NewWittenBellSmoother creates a new Witten-Bell smoother
func NewWittenBellSmoother() *WittenBellSmoother {
	return &WittenBellSmoother{}
}

func (s *WittenBellSmoother) Smooth(c Counts, backoffProb float64) float64 {
	if c.Context == 0 {
		return backoffProb
	}

	contextCount := float64(c.Context)
	followers := float64(c.Followers)
	lambda := contextCount / (contextCount + followers)
	return lambda*(float64(c.NGram)/contextCount) + (1-lambda)*backoffProb
}

func (s *WittenBellSmoother) Name() string {
	return SmootherWittenBell
}
