package tokenizer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"lmperplexity/internal/model/ngram"
)

// ErrNoTokenizer is returned when no tokenizer is registered for a language or file
var ErrNoTokenizer = errors.New("no tokenizer registered")

// Tokenizer defines the interface for language-specific tokenization
type Tokenizer interface {
	// Tokenize converts source into a sequence of tokens
	Tokenize(ctx context.Context, source []byte) (ngram.TokenSequence, error)

	// Normalize applies language-specific normalization (e.g., all identifiers -> "ID")
	Normalize(token ngram.Token) string

	// Language returns the language this tokenizer handles
	Language() string
}

// SentenceTokenizer is implemented by tokenizers that split their input into sentences
type SentenceTokenizer interface {
	Sentences(ctx context.Context, source []byte) ([][]string, error)
}

// Sentences returns the normalized token sequences of source. Tokenizers without
// sentence boundaries yield a single sequence.
func Sentences(ctx context.Context, tok Tokenizer, source []byte) ([][]string, error) {
	if st, ok := tok.(SentenceTokenizer); ok {
		return st.Sentences(ctx, source)
	}

	tokens, err := tok.Tokenize(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("tokenization failed: %w", err)
	}
	if len(tokens) == 0 {
		return nil, nil
	}
	return [][]string{Normalized(tok, tokens)}, nil
}

// Normalized maps every token through tok.Normalize
func Normalized(tok Tokenizer, tokens ngram.TokenSequence) []string {
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		out = append(out, tok.Normalize(token))
	}
	return out
}

// Registry manages tokenizers for different languages
type Registry struct {
	tokenizers map[string]Tokenizer
	extensions map[string]string // file extension -> language
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		tokenizers: make(map[string]Tokenizer),
		extensions: make(map[string]string),
	}
}

// NewDefaultRegistry registers the text tokenizer and the code tokenizers for
// go, python, javascript, typescript and java.
func NewDefaultRegistry(sentenceTags SentenceTagMode) (*Registry, error) {
	registry := NewRegistry()
	registry.Register(LanguageText, NewTextTokenizer(sentenceTags), []string{".txt", ".text"})

	for _, lang := range codeLanguages {
		tok, err := NewCodeTokenizer(lang.name)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s tokenizer: %w", lang.name, err)
		}
		registry.Register(lang.name, tok, lang.extensions)
	}
	return registry, nil
}

// Register adds a tokenizer for a specific language
func (r *Registry) Register(language string, tokenizer Tokenizer, extensions []string) {
	r.tokenizers[language] = tokenizer
	for _, ext := range extensions {
		r.extensions[strings.ToLower(ext)] = language
	}
}

// Get returns the tokenizer for a given language
func (r *Registry) Get(language string) (Tokenizer, error) {
	tokenizer, ok := r.tokenizers[language]
	if !ok {
		return nil, fmt.Errorf("%w for language %q", ErrNoTokenizer, language)
	}
	return tokenizer, nil
}

// GetByExtension returns the tokenizer for a given file extension
func (r *Registry) GetByExtension(extension string) (Tokenizer, bool) {
	language, ok := r.extensions[strings.ToLower(extension)]
	if !ok {
		return nil, false
	}
	tokenizer, ok := r.tokenizers[language]
	return tokenizer, ok
}

// ForFile picks the tokenizer by the extension of path
func (r *Registry) ForFile(path string) (Tokenizer, error) {
	ext := filepath.Ext(path)
	tokenizer, ok := r.GetByExtension(ext)
	if !ok {
		return nil, fmt.Errorf("%w for file %q", ErrNoTokenizer, filepath.Base(path))
	}
	return tokenizer, nil
}

// SupportedLanguages returns the registered languages in sorted order
func (r *Registry) SupportedLanguages() []string {
	languages := make([]string, 0, len(r.tokenizers))
	for lang := range r.tokenizers {
		languages = append(languages, lang)
	}
	sort.Strings(languages)
	return languages
}
