package tokenizer

import (
	"lmperplexity/internal/model/ngram"

	golang "github.com/tree-sitter/tree-sitter-go/bindings/go"
	java "github.com/tree-sitter/tree-sitter-java/bindings/go"
	javascript "github.com/tree-sitter/tree-sitter-javascript/bindings/go"
	python "github.com/tree-sitter/tree-sitter-python/bindings/go"
	typescript "github.com/tree-sitter/tree-sitter-typescript/bindings/go"
)

var goLanguage = codeLanguage{
	name:       "go",
	extensions: []string{".go"},
	grammar:    golang.Language,
	normalize: func(token ngram.Token) string {
		switch token.Type {
		case "identifier", "field_identifier", "type_identifier", "package_identifier":
			return "ID"
		case "int_literal", "float_literal", "imaginary_literal":
			return "NUM"
		case "raw_string_literal", "interpreted_string_literal", "interpreted_string_literal_content", "raw_string_literal_content":
			return "STR"
		case "rune_literal":
			return "CHAR"
		case "true", "false":
			return "BOOL"
		case "nil":
			return "NIL"
		}
		// keywords, operators and punctuation keep their text
		return token.Value
	},
}

var pythonLanguage = codeLanguage{
	name:       "python",
	extensions: []string{".py", ".pyw"},
	grammar:    python.Language,
	normalize: func(token ngram.Token) string {
		switch token.Type {
		case "identifier":
			return "ID"
		case "integer", "float":
			return "NUM"
		case "string", "string_content":
			return "STR"
		case "true", "false", "True", "False":
			return "BOOL"
		case "none", "None":
			return "NONE"
		}
		return token.Value
	},
}

var javaLanguage = codeLanguage{
	name:       "java",
	extensions: []string{".java"},
	grammar:    java.Language,
	normalize: func(token ngram.Token) string {
		switch token.Type {
		case "identifier", "type_identifier":
			return "ID"
		case "decimal_integer_literal", "hex_integer_literal", "octal_integer_literal",
			"binary_integer_literal", "decimal_floating_point_literal", "hex_floating_point_literal":
			return "NUM"
		case "string_literal", "string_fragment", "character_literal":
			return "STR"
		case "true", "false":
			return "BOOL"
		case "null_literal", "null":
			return "NULL"
		}
		return token.Value
	},
}

func normalizeECMAScript(token ngram.Token) string {
	switch token.Type {
	case "identifier", "property_identifier", "shorthand_property_identifier", "type_identifier":
		return "ID"
	case "number":
		return "NUM"
	case "string", "string_fragment", "template_string":
		return "STR"
	case "regex", "regex_pattern":
		return "REGEX"
	case "true", "false":
		return "BOOL"
	case "null":
		return "NULL"
	case "undefined":
		return "UNDEF"
	}
	return token.Value
}

var javascriptLanguage = codeLanguage{
	name:       "javascript",
	extensions: []string{".js", ".jsx", ".mjs", ".cjs"},
	grammar:    javascript.Language,
	normalize:  normalizeECMAScript,
}

var typescriptLanguage = codeLanguage{
	name:       "typescript",
	extensions: []string{".ts", ".mts", ".cts"},
	grammar:    typescript.LanguageTypescript,
	normalize:  normalizeECMAScript,
}

var tsxLanguage = codeLanguage{
	name:       "tsx",
	extensions: []string{".tsx"},
	grammar:    typescript.LanguageTSX,
	normalize:  normalizeECMAScript,
}
