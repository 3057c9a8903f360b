package ngram

import "strings"

// Pseudo symbols shared with ARPA files (SRILM, BerkeleyLM).
const (
	SequenceStart = "<s>"
	SequenceEnd   = "</s>"
	UnknownWord   = "<unk>"
)

// Token represents a single lexical token produced by a tokenizer
type Token struct {
	Type   string // Token type (e.g., "word", "identifier", "KEYWORD")
	Value  string // Original token value
	Line   int    // Line number in source
	Column int    // Column number in source
}

// TokenSequence is a slice of tokens
type TokenSequence []Token

// Values returns the raw token values
func (ts TokenSequence) Values() []string {
	values := make([]string, len(ts))
	for i, tok := range ts {
		values[i] = tok.Value
	}
	return values
}

// NGram represents an n-gram (sequence of up to n tokens)
type NGram []string

// String returns the n-gram as a space-separated string
func (ng NGram) String() string {
	return strings.Join(ng, " ")
}

// Context returns the context (all tokens except the last one)
func (ng NGram) Context() NGram {
	if len(ng) <= 1 {
		return NGram{}
	}
	return ng[:len(ng)-1]
}

// LastToken returns the last token in the n-gram
func (ng NGram) LastToken() string {
	if len(ng) == 0 {
		return ""
	}
	return ng[len(ng)-1]
}

// Repeat builds an n-gram holding token n times.
func Repeat(token string, n int) NGram {
	if n <= 0 {
		return NGram{}
	}
	ng := make(NGram, n)
	for i := range ng {
		ng[i] = token
	}
	return ng
}
