package tokenizer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"lmperplexity/internal/model/ngram"
)

// LanguageText is the registry name of the plain text tokenizer
const LanguageText = "text"

// SentenceTagMode selects which sequence markers are added around each sentence
type SentenceTagMode int

const (
	SentenceTagsNone  SentenceTagMode = 0
	SentenceTagsStart SentenceTagMode = 1 // <s> only
	SentenceTagsEnd   SentenceTagMode = 2 // </s> only
	SentenceTagsBoth  SentenceTagMode = 3
)

// ParseSentenceTagMode validates a tag mode from configuration
func ParseSentenceTagMode(v int) (SentenceTagMode, error) {
	if v < 0 || v > 3 {
		return SentenceTagsNone, fmt.Errorf("unknown sentence tag mode %d (want 0-3)", v)
	}
	return SentenceTagMode(v), nil
}

// TextTokenizer handles pre-tokenized text: one sentence per line,
// tokens separated by whitespace
type TextTokenizer struct {
	tags SentenceTagMode
}

// NewTextTokenizer creates a text tokenizer adding the given sentence tags
func NewTextTokenizer(tags SentenceTagMode) *TextTokenizer {
	return &TextTokenizer{tags: tags}
}

// Tokenize returns every whitespace separated token with its position
func (t *TextTokenizer) Tokenize(ctx context.Context, source []byte) (ngram.TokenSequence, error) {
	var tokens ngram.TokenSequence
	scanner := newLineScanner(source)
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text := scanner.Text()
		col := 0
		for _, field := range strings.Fields(text) {
			idx := strings.Index(text[col:], field)
			col += idx
			tokens = append(tokens, ngram.Token{
				Type:   "word",
				Value:  field,
				Line:   line,
				Column: col + 1,
			})
			col += len(field)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

// Normalize keeps words as they are
func (t *TextTokenizer) Normalize(token ngram.Token) string {
	return token.Value
}

func (t *TextTokenizer) Language() string {
	return LanguageText
}

// Sentences splits source into lines and tokenizes each non-empty line,
// adding sentence tags per the configured mode
func (t *TextTokenizer) Sentences(ctx context.Context, source []byte) ([][]string, error) {
	var sentences [][]string
	scanner := newLineScanner(source)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s := t.TokenizeSentence(scanner.Text()); len(s) > 0 {
			sentences = append(sentences, s)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return sentences, nil
}

// TokenizeSentence splits a single sentence on whitespace and adds sentence tags.
// An empty sentence stays empty.
func (t *TextTokenizer) TokenizeSentence(sentence string) []string {
	tokens := strings.Fields(sentence)
	if t.tags <= SentenceTagsNone || len(tokens) == 0 {
		return tokens
	}

	tagged := make([]string, 0, len(tokens)+2)
	if t.tags%2 == 1 {
		tagged = append(tagged, ngram.SequenceStart)
	}
	tagged = append(tagged, tokens...)
	if t.tags > SentenceTagsStart {
		tagged = append(tagged, ngram.SequenceEnd)
	}
	return tagged
}

func newLineScanner(source []byte) *bufio.Scanner {
	scanner := bufio.NewScanner(bytes.NewReader(source))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return scanner
}
