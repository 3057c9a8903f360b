package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
app:
  port: 9090
  session_idle_timeout: 5m
mcp:
  enabled: true
defaults:
  order: 3
  sentence_tags: 3
models:
  - name: news
    corpus: ./corpus/news
    smoother: AddK
  - name: kenlm
    type: arpa
    path: ./lm/news.arpa
    order: 5
    boundary: 2
    skip_oov: true
  - name: code
    corpus: ./repo
    language: go
    store: trie
    bloom: true
`

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.App.Port)
	assert.Equal(t, 5*time.Minute, cfg.App.SessionIdleTimeout)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, []string{"stdout"}, cfg.App.LogOutputs)
	assert.Equal(t, "/api/mcp", cfg.Mcp.Path)
	require.Len(t, cfg.Models, 3)

	news, ok := cfg.GetModel("news")
	require.True(t, ok)
	assert.Equal(t, ModelTypeCounting, news.Type)
	assert.Equal(t, "text", news.Language)
	assert.Equal(t, 3, news.Order)
	assert.Equal(t, "AddK", news.Smoother)
	assert.Equal(t, 1.0, news.K)
	assert.Equal(t, "map", news.Store)
	assert.Equal(t, 0, *news.Boundary)
	assert.Equal(t, 3, *news.SentenceTags)
	assert.False(t, *news.SkipOOV)

	kenlm, ok := cfg.GetModel("kenlm")
	require.True(t, ok)
	assert.Equal(t, 5, kenlm.Order)
	assert.Equal(t, 2, *kenlm.Boundary)
	assert.True(t, *kenlm.SkipOOV)

	_, ok = cfg.GetModel("missing")
	assert.False(t, ok)
}

func TestApplyDefaults_ConfigBuiltInCode(t *testing.T) {
	cfg := &Config{Models: []ModelConfig{{Name: "kenlm", Type: ModelTypeARPA, Path: "small.arpa"}}}
	cfg.ApplyDefaults()

	m := cfg.Models[0]
	require.NotNil(t, m.Boundary)
	require.NotNil(t, m.SentenceTags)
	require.NotNil(t, m.SkipOOV)
	assert.Equal(t, 3, m.Order)

	*m.Boundary = 2
	cfg.ApplyDefaults()
	assert.Equal(t, 2, *cfg.Models[0].Boundary)
	assert.NoError(t, cfg.Validate())
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown field":   "app:\n  colour: blue\n",
		"missing name":    "models:\n  - corpus: x\n",
		"duplicate name":  "models:\n  - {name: a, corpus: x}\n  - {name: a, corpus: y}\n",
		"missing corpus":  "models:\n  - name: a\n",
		"missing path":    "models:\n  - {name: a, type: arpa}\n",
		"unknown type":    "models:\n  - {name: a, type: neural}\n",
		"bloom on map":    "models:\n  - {name: a, corpus: x, bloom: true}\n",
		"bad boundary":    "models:\n  - {name: a, corpus: x, boundary: 3}\n",
		"bad tags":        "models:\n  - {name: a, corpus: x, sentence_tags: 4}\n",
		"bad port":        "app:\n  port: 70000\n",
		"negative order":  "defaults:\n  order: -2\n",
		"bad fp rate":     "models:\n  - {name: a, corpus: x, store: trie, bloom: true, bloom_fp_rate: 1.5}\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Mcp.Enabled)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
