package ngram

import "fmt"

// BoundaryMode controls how the start of a token sequence is windowed
type BoundaryMode int

const (
	// BoundaryOmit drops sequences shorter than the order
	BoundaryOmit BoundaryMode = -1
	// BoundaryNone keeps a short sequence as a single, shorter n-gram
	BoundaryNone BoundaryMode = 0
	// BoundaryPad repeats the first token order-2 times in front of the sequence
	BoundaryPad BoundaryMode = 1
	// BoundaryGrow emits growing n-grams (length 2 .. order-1) at the front
	BoundaryGrow BoundaryMode = 2
)

// ParseBoundaryMode validates an integer boundary mode from configuration.
func ParseBoundaryMode(v int) (BoundaryMode, error) {
	switch BoundaryMode(v) {
	case BoundaryOmit, BoundaryNone, BoundaryPad, BoundaryGrow:
		return BoundaryMode(v), nil
	}
	return BoundaryNone, fmt.Errorf("unknown boundary mode %d (want -1, 0, 1 or 2)", v)
}

// Windower turns a token sequence into overlapping n-grams of at most Order tokens
type Windower struct {
	Order    int
	Boundary BoundaryMode
}

// NewWindower creates a sliding-window segmenter
func NewWindower(order int, boundary BoundaryMode) *Windower {
	if order < 1 {
		order = 3 // Default to trigrams
	}
	return &Windower{Order: order, Boundary: boundary}
}

// NGramSequence returns the ordered sliding window over tokens.
// The returned n-grams never alias the input slice.
func (w *Windower) NGramSequence(tokens []string) []NGram {
	if len(tokens) == 0 {
		return nil
	}

	sequence := tokens
	if w.Boundary == BoundaryPad && w.Order > 2 {
		padded := make([]string, 0, len(tokens)+w.Order-2)
		for i := 0; i < w.Order-2; i++ {
			padded = append(padded, tokens[0])
		}
		sequence = append(padded, tokens...)
	}

	if w.Boundary == BoundaryOmit && len(sequence) < w.Order {
		return nil
	}

	if len(sequence) == 1 || (len(sequence) <= w.Order && w.Boundary < BoundaryGrow) {
		return []NGram{cloneNGram(sequence)}
	}

	l := len(sequence)
	o := min(l, w.Order)
	n := l - o + 1
	if w.Boundary == BoundaryGrow && o > 2 {
		n += o - 2
	}

	result := make([]NGram, 0, n)
	if w.Boundary == BoundaryGrow {
		for i := 0; i < o-2; i++ {
			result = append(result, cloneNGram(sequence[:i+2]))
		}
	}
	for j := 0; len(result) < n; j++ {
		result = append(result, cloneNGram(sequence[j:j+o]))
	}

	return result
}

func cloneNGram(tokens []string) NGram {
	ng := make(NGram, len(tokens))
	copy(ng, tokens)
	return ng
}
