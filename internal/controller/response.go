package controller

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"lmperplexity/internal/service"
	"lmperplexity/internal/service/perplexity"

	"github.com/gin-gonic/gin"
)

// Float is a float64 that survives JSON encoding when it is infinite or NaN.
// Non-finite values are written as the strings "+Inf", "-Inf" and "NaN".
type Float float64

func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

type LineScoreResponse struct {
	Line            string `json:"line"`
	NGrams          int64  `json:"ngrams"`
	OOV             int64  `json:"oov"`
	Log10Prob       Float  `json:"log10prob"`
	Perplexity      Float  `json:"perplexity"`
	Log10ProbKnown  Float  `json:"log10prob_known"`
	PerplexityKnown Float  `json:"perplexity_known"`
}

func newLineScoreResponse(s service.LineScore) LineScoreResponse {
	return LineScoreResponse{
		Line:            s.Line,
		NGrams:          s.NGrams,
		OOV:             s.OOV,
		Log10Prob:       Float(s.Log10Prob),
		Perplexity:      Float(s.Perplexity),
		Log10ProbKnown:  Float(s.Log10ProbKnown),
		PerplexityKnown: Float(s.PerplexityKnown),
	}
}

type SessionResponse struct {
	ID         string    `json:"id"`
	Model      string    `json:"model"`
	N          int64     `json:"n"`
	Log10Probs Float     `json:"log10probs"`
	Perplexity Float     `json:"perplexity"`
	Created    time.Time `json:"created"`
	LastUsed   time.Time `json:"last_used"`
}

func newSessionResponse(s service.SessionSnapshot) SessionResponse {
	return SessionResponse{
		ID:         s.ID,
		Model:      s.Model,
		N:          s.N,
		Log10Probs: Float(s.Log10Probs),
		Perplexity: Float(s.Perplexity),
		Created:    s.Created,
		LastUsed:   s.LastUsed,
	}
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrModelNotFound), errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, perplexity.ErrNGramTooLong):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}
