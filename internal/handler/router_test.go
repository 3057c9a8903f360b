package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"lmperplexity/internal/config"
	"lmperplexity/internal/controller"
	"lmperplexity/internal/service"
	"lmperplexity/pkg/mcp"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func testRouter(t *testing.T) *gin.Engine {
	t.Helper()
	cfg, err := config.ParseConfig([]byte(fmt.Sprintf("app:\n  model_dir: %s\n  metrics: true\nmcp:\n  enabled: true\n", t.TempDir())))
	require.NoError(t, err)

	registry, err := service.NewModelRegistry(cfg, zap.NewNop())
	require.NoError(t, err)

	m := service.NewNGramModel(3, nil)
	for _, s := range []string{"The quick brown fox", "The quick brown cat"} {
		_, err := m.Add(strings.Fields(s))
		require.NoError(t, err)
	}
	m.Fix()
	p, err := service.NewLMProvider("fox", m, nil, service.WithModelType(config.ModelTypeCounting))
	require.NoError(t, err)
	registry.Register(p)

	pc := controller.NewPerplexityController(registry, zap.NewNop())
	return SetupRouter(pc, mcp.NewPerplexityServer(registry, zap.NewNop()), cfg, zap.NewNop())
}

func do(t *testing.T, router *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp map[string]any
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w, resp
}

func TestRouter_HealthAndModels(t *testing.T) {
	router := testRouter(t)

	w, resp := do(t, router, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", resp["status"])

	w, resp = do(t, router, http.MethodGet, "/api/v1/models", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	models := resp["models"].([]any)
	require.Len(t, models, 1)
	assert.Equal(t, "fox", models[0].(map[string]any)["name"])
	assert.Equal(t, float64(3), models[0].(map[string]any)["order"])

	w, _ = do(t, router, http.MethodGet, "/api/v1/models/fox", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = do(t, router, http.MethodGet, "/api/v1/models/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, router, http.MethodGet, "/api/v1/models/fox/arpa", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "\\data\\")
	assert.Contains(t, w.Body.String(), "ngram 3=")
}

func TestRouter_Perplexity(t *testing.T) {
	router := testRouter(t)

	w, resp := do(t, router, http.MethodPost, "/api/v1/perplexity", gin.H{
		"text": "The quick brown fox", "cross_check": true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "fox", resp["model"])
	assert.Equal(t, float64(2), resp["ngrams"])
	assert.InDelta(t, math.Sqrt2, resp["perplexity"], 1e-12)
	assert.InDelta(t, math.Sqrt2, resp["prob_dist_perplexity"], 1e-12)

	// unseen trigram, then the same text with unknown n-grams skipped
	_, resp = do(t, router, http.MethodPost, "/api/v1/perplexity", gin.H{"model": "fox", "text": "The quick brown dog"})
	assert.Equal(t, float64(math.MaxInt32), resp["perplexity"])
	assert.Equal(t, float64(2), resp["ngrams"])
	assert.NotContains(t, resp, "prob_dist_perplexity")
	_, resp = do(t, router, http.MethodPost, "/api/v1/perplexity", gin.H{"text": "The quick brown dog", "skip_oov": true})
	assert.InDelta(t, 1.0, resp["perplexity"], 1e-12)
	assert.Equal(t, float64(1), resp["ngrams"])
	assert.Equal(t, float64(1), resp["skipped"])

	w, _ = do(t, router, http.MethodPost, "/api/v1/perplexity", gin.H{"model": "fox"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = do(t, router, http.MethodPost, "/api/v1/perplexity", gin.H{"model": "nope", "text": "a"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_Probabilities(t *testing.T) {
	router := testRouter(t)

	w, resp := do(t, router, http.MethodPost, "/api/v1/ngramProbability", gin.H{"ngram": []string{"quick", "brown", "fox"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.InDelta(t, math.Log10(0.5), resp["log10prob"], 1e-12)
	assert.Equal(t, false, resp["ends_with_unknown"])

	_, resp = do(t, router, http.MethodPost, "/api/v1/ngramProbability", gin.H{"ngram": []string{"quick", "brown", "dog"}})
	assert.Equal(t, "-Inf", resp["log10prob"])
	assert.Equal(t, true, resp["ends_with_unknown"])

	w, _ = do(t, router, http.MethodPost, "/api/v1/ngramProbability", gin.H{"ngram": []string{"a", "b", "c", "d"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = do(t, router, http.MethodPost, "/api/v1/ngramProbability", gin.H{"ngram": []string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, resp = do(t, router, http.MethodPost, "/api/v1/sequenceProbability", gin.H{"text": "The quick brown cat"})
	assert.InDelta(t, math.Log10(0.5), resp["log10prob"], 1e-12)
}

func TestRouter_ScoreLines(t *testing.T) {
	router := testRouter(t)

	w, resp := do(t, router, http.MethodPost, "/api/v1/scoreLines", gin.H{
		"lines": []string{"The quick brown fox", "", "The quick brown dog"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	lines := resp["lines"].([]any)
	require.Len(t, lines, 3)

	first := lines[0].(map[string]any)
	assert.InDelta(t, math.Sqrt2, first["perplexity"], 1e-12)
	empty := lines[1].(map[string]any)
	assert.Equal(t, "+Inf", empty["perplexity"])
	assert.Equal(t, "-Inf", empty["log10prob"])
	oov := lines[2].(map[string]any)
	assert.Equal(t, float64(1), oov["oov"])
	assert.InDelta(t, 1.0, oov["perplexity_known"], 1e-12)
}

func TestRouter_Sessions(t *testing.T) {
	router := testRouter(t)

	w, resp := do(t, router, http.MethodPost, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := resp["id"].(string)
	assert.Equal(t, "fox", resp["model"])
	assert.Equal(t, float64(0), resp["n"])

	base := "/api/v1/sessions/" + id
	_, resp = do(t, router, http.MethodPost, base+"/add", gin.H{"text": "The quick brown fox"})
	assert.Equal(t, float64(2), resp["n"])
	assert.InDelta(t, math.Sqrt2, resp["perplexity"], 1e-12)

	_, resp = do(t, router, http.MethodPost, base+"/add", gin.H{"ngrams": [][]string{{"quick", "brown", "cat"}}})
	assert.Equal(t, float64(3), resp["n"])

	w, _ = do(t, router, http.MethodPost, base+"/add", gin.H{"ngrams": [][]string{{"a", "b", "c", "d"}}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = do(t, router, http.MethodPost, base+"/add", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, resp = do(t, router, http.MethodGet, base, nil)
	assert.Equal(t, float64(3), resp["n"])

	_, resp = do(t, router, http.MethodPost, base+"/reset", nil)
	assert.Equal(t, float64(0), resp["n"])

	w, _ = do(t, router, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, _ = do(t, router, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, router, http.MethodPost, "/api/v1/sessions", gin.H{"model": "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_Metrics(t *testing.T) {
	router := testRouter(t)
	do(t, router, http.MethodGet, "/api/v1/health", nil)

	w, _ := do(t, router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `lm_request_duration_seconds_count{route="/api/v1/health",status="200"}`)
}

func TestCustomRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CustomRecoveryMiddleware(zap.NewNop()))
	router.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Internal server error")
}

func TestLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)
	router := gin.New()
	router.Use(LoggerMiddleware(zap.New(core)))
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/fail", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))

	entries := logs.FilterMessage("HTTP Request").All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, int64(http.StatusOK), entries[0].ContextMap()["status"])
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
}
