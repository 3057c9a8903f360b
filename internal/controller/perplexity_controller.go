package controller

import (
	"net/http"

	"lmperplexity/internal/model/ngram"
	"lmperplexity/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type PerplexityController struct {
	registry *service.ModelRegistry
	logger   *zap.Logger
}

type PerplexityRequest struct {
	Model   string `json:"model"`
	Text    string `json:"text" binding:"required"`
	SkipOOV *bool  `json:"skip_oov"`

	// also compute the deprecated probability distribution perplexity
	CrossCheck bool `json:"cross_check"`
}

type PerplexityResponse struct {
	Model              string `json:"model"`
	NGrams             int    `json:"ngrams"`
	Skipped            int    `json:"skipped"`
	Perplexity         Float  `json:"perplexity"`
	ProbDistPerplexity *Float `json:"prob_dist_perplexity,omitempty"`
}

type NGramProbabilityRequest struct {
	Model string   `json:"model"`
	NGram []string `json:"ngram" binding:"required"`
}

type SequenceProbabilityRequest struct {
	Model string `json:"model"`
	Text  string `json:"text" binding:"required"`
}

type ScoreLinesRequest struct {
	Model string   `json:"model"`
	Lines []string `json:"lines" binding:"required"`
}

type CreateSessionRequest struct {
	Model string `json:"model"`
}

type SessionAddRequest struct {
	Text   string     `json:"text"`
	NGrams [][]string `json:"ngrams"`
}

func NewPerplexityController(registry *service.ModelRegistry, logger *zap.Logger) *PerplexityController {
	return &PerplexityController{
		registry: registry,
		logger:   logger,
	}
}

func (pc *PerplexityController) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": pc.registry.List()})
}

func (pc *PerplexityController) GetModel(c *gin.Context) {
	p, err := pc.registry.Get(c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"model": p.Info()}
	if cm, ok := pc.registry.Corpus(p.Name()); ok {
		resp["corpus"] = cm.GetStats(c.Request.Context())
	}
	c.JSON(http.StatusOK, resp)
}

func (pc *PerplexityController) Perplexity(c *gin.Context) {
	var req PerplexityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := pc.registry.Resolve(req.Model)
	if err != nil {
		writeError(c, err)
		return
	}
	skipOOV := p.SkipOOV()
	if req.SkipOOV != nil {
		skipOOV = *req.SkipOOV
	}

	ctx := c.Request.Context()
	ngrams, err := p.NGrams(ctx, req.Text)
	if err != nil {
		writeError(c, err)
		return
	}
	score, err := p.ScoreNGrams(ngrams, skipOOV)
	if err != nil {
		pc.logger.Error("Failed to compute perplexity", zap.String("model", p.Name()), zap.Error(err))
		writeError(c, err)
		return
	}

	resp := PerplexityResponse{
		Model:      p.Name(),
		NGrams:     int(score.N),
		Skipped:    score.Skipped,
		Perplexity: Float(score.Perplexity),
	}
	if req.CrossCheck {
		pd, err := p.ProbDistPerplexityOfNGrams(ngrams)
		if err != nil {
			writeError(c, err)
			return
		}
		f := Float(pd)
		resp.ProbDistPerplexity = &f
	}
	c.JSON(http.StatusOK, resp)
}

func (pc *PerplexityController) NGramProbability(c *gin.Context) {
	var req NGramProbabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.NGram) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ngram must not be empty"})
		return
	}

	p, err := pc.registry.Resolve(req.Model)
	if err != nil {
		writeError(c, err)
		return
	}
	ng := ngram.NGram(req.NGram)
	lp, err := p.NGramLog10Probability(ng)
	if err != nil {
		writeError(c, err)
		return
	}
	oov, err := p.EndsWithUnknown(ng)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"model":             p.Name(),
		"ngram":             req.NGram,
		"log10prob":         Float(lp),
		"ends_with_unknown": oov,
	})
}

func (pc *PerplexityController) SequenceProbability(c *gin.Context) {
	var req SequenceProbabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := pc.registry.Resolve(req.Model)
	if err != nil {
		writeError(c, err)
		return
	}
	lp, err := p.SequenceLog10Probability(c.Request.Context(), req.Text)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": p.Name(), "log10prob": Float(lp)})
}

func (pc *PerplexityController) ScoreLines(c *gin.Context) {
	var req ScoreLinesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := pc.registry.Resolve(req.Model)
	if err != nil {
		writeError(c, err)
		return
	}
	scores, err := p.ScoreLines(c.Request.Context(), req.Lines)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := make([]LineScoreResponse, len(scores))
	for i, s := range scores {
		resp[i] = newLineScoreResponse(s)
	}
	c.JSON(http.StatusOK, gin.H{"model": p.Name(), "lines": resp})
}

func (pc *PerplexityController) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	snap, err := pc.registry.OpenSession(req.Model)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newSessionResponse(snap))
}

func (pc *PerplexityController) GetSession(c *gin.Context) {
	snap, err := pc.registry.Sessions().Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionResponse(snap))
}

func (pc *PerplexityController) AddToSession(c *gin.Context) {
	var req SessionAddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Text == "" && len(req.NGrams) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text or ngrams is required"})
		return
	}

	sessions := pc.registry.Sessions()
	id := c.Param("id")
	var (
		snap service.SessionSnapshot
		err  error
	)
	if len(req.NGrams) > 0 {
		ngrams := make([]ngram.NGram, len(req.NGrams))
		for i, ng := range req.NGrams {
			ngrams[i] = ng
		}
		snap, err = sessions.AddNGrams(id, ngrams)
	} else {
		snap, err = sessions.Add(c.Request.Context(), id, req.Text)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionResponse(snap))
}

func (pc *PerplexityController) ResetSession(c *gin.Context) {
	snap, err := pc.registry.Sessions().Reset(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionResponse(snap))
}

func (pc *PerplexityController) DeleteSession(c *gin.Context) {
	if err := pc.registry.Sessions().Delete(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ExportARPA streams a counting model in ARPA format
func (pc *PerplexityController) ExportARPA(c *gin.Context) {
	p, err := pc.registry.Get(c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	model, ok := p.Model().(*service.NGramModel)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only counting models can be exported"})
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Content-Disposition", "attachment; filename="+p.Name()+".arpa")
	c.Status(http.StatusOK)
	if err := model.WriteARPA(c.Writer); err != nil {
		pc.logger.Error("Failed to export model", zap.String("model", p.Name()), zap.Error(err))
	}
}
