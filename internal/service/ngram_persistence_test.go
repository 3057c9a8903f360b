package service

import (
	"os"
	"testing"

	"lmperplexity/internal/model/ngram"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNGramPersistence_RoundTrip(t *testing.T) {
	p, err := NewNGramPersistence(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	models := map[string]*NGramModel{
		"map":   NewNGramModel(3, NewAddKSmoother(0.5)),
		"trie":  NewNGramModelTrie(3, NewWittenBellSmoother()),
		"bloom": NewNGramModelTrieWithBloom(3, nil, true, 1000, 0.01),
	}
	probes := []ngram.NGram{{"the", "cat", "sat"}, {"on", "the", "mat"}, {"the", "dog"}, {"zebra"}}

	for name, m := range models {
		t.Run(name, func(t *testing.T) {
			m.SetBoundaryMode(ngram.BoundaryPad)
			trainSentences(t, m, "the cat sat on the mat", "the cat sat on the mat", "the dog sat")
			m.Fix()

			require.False(t, p.ModelExists(name))
			require.NoError(t, p.SaveModel(m, name))
			require.True(t, p.ModelExists(name))

			loaded, err := p.LoadModel(name)
			require.NoError(t, err)

			assert.Equal(t, m.Stats(), loaded.Stats())
			assert.Equal(t, m.Vocabulary(), loaded.Vocabulary())
			assert.True(t, loaded.Fixed())
			for _, ng := range probes {
				assert.Equal(t, log10Of(t, m, ng...), log10Of(t, loaded, ng...), ng.String())
			}
			assert.Equal(t, m.NGramSequence([]string{"a", "b"}), loaded.NGramSequence([]string{"a", "b"}))

			require.NoError(t, p.DeleteModel(name))
			assert.False(t, p.ModelExists(name))
		})
	}
}

func TestNGramPersistence_Errors(t *testing.T) {
	dir := t.TempDir()
	p, err := NewNGramPersistence(dir, zap.NewNop())
	require.NoError(t, err)

	_, err = p.LoadModel("missing")
	assert.ErrorIs(t, err, ErrModelNotFound)

	require.NoError(t, os.WriteFile(p.GetModelPath("broken"), []byte("not gob"), 0644))
	_, err = p.LoadModel("broken")
	assert.Error(t, err)

	assert.NoError(t, p.DeleteModel("missing"))
}
