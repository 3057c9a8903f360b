package ngram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokens(s string) []string {
	return strings.Fields(s)
}

func TestWindower_NoBoundaryHandling(t *testing.T) {
	w := NewWindower(3, BoundaryNone)

	got := w.NGramSequence(tokens("The quick brown fox"))
	assert.Equal(t, []NGram{
		{"The", "quick", "brown"},
		{"quick", "brown", "fox"},
	}, got)

	// Short sequences are kept as one shorter n-gram
	assert.Equal(t, []NGram{{"a", "b"}}, w.NGramSequence(tokens("a b")))
	assert.Equal(t, []NGram{{"a"}}, w.NGramSequence(tokens("a")))
}

func TestWindower_OmitShortSequences(t *testing.T) {
	w := NewWindower(3, BoundaryOmit)

	assert.Nil(t, w.NGramSequence(tokens("a b")))
	assert.Len(t, w.NGramSequence(tokens("a b c d")), 2)
}

func TestWindower_PadFront(t *testing.T) {
	w := NewWindower(3, BoundaryPad)

	assert.Equal(t, []NGram{
		{"a", "a", "b"},
		{"a", "b", "c"},
	}, w.NGramSequence(tokens("a b c")))
}

func TestWindower_GrowFront(t *testing.T) {
	w := NewWindower(3, BoundaryGrow)

	assert.Equal(t, []NGram{
		{"<s>", "the"},
		{"<s>", "the", "quick"},
		{"the", "quick", "brown"},
	}, w.NGramSequence(tokens("<s> the quick brown")))

	assert.Equal(t, []NGram{{"<s>", "fox"}}, w.NGramSequence(tokens("<s> fox")))
}

func TestWindower_EmptyInput(t *testing.T) {
	w := NewWindower(3, BoundaryNone)
	assert.Nil(t, w.NGramSequence(nil))
}

func TestWindower_DoesNotAliasInput(t *testing.T) {
	w := NewWindower(2, BoundaryNone)
	in := tokens("x y z")

	got := w.NGramSequence(in)
	require.Len(t, got, 2)

	in[1] = "changed"
	assert.Equal(t, NGram{"x", "y"}, got[0])
}

func TestParseBoundaryMode(t *testing.T) {
	for _, v := range []int{-1, 0, 1, 2} {
		mode, err := ParseBoundaryMode(v)
		require.NoError(t, err)
		assert.Equal(t, BoundaryMode(v), mode)
	}

	_, err := ParseBoundaryMode(7)
	assert.Error(t, err)
}

func TestNGram_Helpers(t *testing.T) {
	ng := NGram{"a", "b", "c"}
	assert.Equal(t, "a b c", ng.String())
	assert.Equal(t, NGram{"a", "b"}, ng.Context())
	assert.Equal(t, "c", ng.LastToken())
	assert.Equal(t, NGram{}, NGram{"a"}.Context())
	assert.Equal(t, "", NGram{}.LastToken())
	assert.Equal(t, NGram{UnknownWord, UnknownWord}, Repeat(UnknownWord, 2))
}
