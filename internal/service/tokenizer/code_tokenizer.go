package tokenizer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"lmperplexity/internal/model/ngram"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
)

// codeLanguage describes one tree-sitter grammar and how its leaves are normalized
type codeLanguage struct {
	name       string
	extensions []string
	grammar    func() unsafe.Pointer
	normalize  func(ngram.Token) string
}

var codeLanguages = []codeLanguage{
	goLanguage,
	pythonLanguage,
	javaLanguage,
	javascriptLanguage,
	typescriptLanguage,
	tsxLanguage,
}

func lookupCodeLanguage(name string) (codeLanguage, bool) {
	for _, lang := range codeLanguages {
		if lang.name == name {
			return lang, true
		}
	}
	return codeLanguage{}, false
}

// CodeTokenizer tokenizes source code with a tree-sitter grammar. Every leaf of the
// syntax tree except comments becomes a token.
type CodeTokenizer struct {
	lang     codeLanguage
	parser   *tree_sitter.Parser
	language *tree_sitter.Language
	mu       sync.Mutex // Protects parser (tree-sitter parsers are not thread-safe)
}

// NewCodeTokenizer creates a tokenizer for one of the supported languages
func NewCodeTokenizer(language string) (*CodeTokenizer, error) {
	lang, ok := lookupCodeLanguage(language)
	if !ok {
		return nil, fmt.Errorf("%w for language %q", ErrNoTokenizer, language)
	}

	parser := tree_sitter.NewParser()
	tsLanguage := tree_sitter.NewLanguage(lang.grammar())

	if err := parser.SetLanguage(tsLanguage); err != nil {
		parser.Close()
		return nil, fmt.Errorf("failed to set %s language: %w", lang.name, err)
	}

	return &CodeTokenizer{
		lang:     lang,
		parser:   parser,
		language: tsLanguage,
	}, nil
}

// SupportedCodeLanguages lists the languages NewCodeTokenizer accepts
func SupportedCodeLanguages() []string {
	names := make([]string, len(codeLanguages))
	for i, lang := range codeLanguages {
		names[i] = lang.name
	}
	return names
}

func (t *CodeTokenizer) Tokenize(ctx context.Context, source []byte) (ngram.TokenSequence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	tree := t.parser.Parse(source, nil)
	t.mu.Unlock()
	if tree == nil {
		return nil, fmt.Errorf("failed to parse %s source", t.lang.name)
	}
	defer tree.Close()

	var tokens ngram.TokenSequence
	t.traverseNode(tree.RootNode(), source, &tokens)
	return tokens, nil
}

func (t *CodeTokenizer) traverseNode(node *tree_sitter.Node, source []byte, tokens *ngram.TokenSequence) {
	if node == nil {
		return
	}

	if node.ChildCount() == 0 {
		nodeType := node.Kind()
		content := node.Utf8Text(source)

		// Skip whitespace-only tokens (statement terminators) and comments
		if strings.TrimSpace(content) == "" || nodeType == "comment" || nodeType == "line_comment" || nodeType == "block_comment" {
			return
		}

		startPoint := node.StartPosition()
		*tokens = append(*tokens, ngram.Token{
			Type:   nodeType,
			Value:  content,
			Line:   int(startPoint.Row) + 1,
			Column: int(startPoint.Column) + 1,
		})
		return
	}

	for i := uint(0); i < node.ChildCount(); i++ {
		t.traverseNode(node.Child(i), source, tokens)
	}
}

func (t *CodeTokenizer) Normalize(token ngram.Token) string {
	return t.lang.normalize(token)
}

func (t *CodeTokenizer) Language() string {
	return t.lang.name
}

// Close releases the parser
func (t *CodeTokenizer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.parser.Close()
}
