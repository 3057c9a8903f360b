package mcp

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"lmperplexity/internal/model/ngram"
	"lmperplexity/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

type PerplexityServer struct {
	server   *mcp.Server
	registry *service.ModelRegistry
	logger   *zap.Logger
	handler  *mcp.StreamableHTTPHandler
}

type PerplexityParams struct {
	Text    string `json:"text" jsonschema:"the text to evaluate, one sentence per line"`
	Model   string `json:"model,omitempty" jsonschema:"name of the language model, the first configured model if empty"`
	SkipOOV *bool  `json:"skip_oov,omitempty" jsonschema:"leave out n-grams ending in an unknown word"`
}

type NGramParams struct {
	NGram []string `json:"ngram" jsonschema:"the n-gram tokens, context first and the predicted word last"`
	Model string   `json:"model,omitempty" jsonschema:"name of the language model, the first configured model if empty"`
}

func NewPerplexityServer(registry *service.ModelRegistry, logger *zap.Logger) *PerplexityServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &PerplexityServer{
		registry: registry,
		logger:   logger,
	}

	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    "LMPerplexity",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        "computePerplexity",
		Description: "Compute the perplexity of a text under a language model. Lower is more predictable. Also returns the number of n-grams scored",
	}, server.handleComputePerplexity)

	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        "ngramLogProbability",
		Description: "Return the base-10 log probability of the last token of an n-gram given the tokens before it",
	}, server.handleNGramLogProbability)

	server.handler = mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	server.server = mcpServer
	return server
}

func errorResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

func (s *PerplexityServer) handleComputePerplexity(ctx context.Context, req *mcp.CallToolRequest, args PerplexityParams) (*mcp.CallToolResult, any, error) {
	s.logger.Info("Handling computePerplexity request", zap.String("model", args.Model), zap.Int("text_length", len(args.Text)))

	p, err := s.registry.Resolve(args.Model)
	if err != nil {
		return errorResult("Model not found: %s", args.Model), nil, nil
	}
	skipOOV := p.SkipOOV()
	if args.SkipOOV != nil {
		skipOOV = *args.SkipOOV
	}

	ngrams, err := p.NGrams(ctx, args.Text)
	if err != nil {
		return errorResult("Failed to tokenize text: %v", err), nil, nil
	}
	score, err := p.ScoreNGrams(ngrams, skipOOV)
	if err != nil {
		s.logger.Error("Failed to compute perplexity", zap.String("model", p.Name()), zap.Error(err))
		return errorResult("Failed to compute perplexity: %v", err), nil, nil
	}

	var result strings.Builder
	fmt.Fprintf(&result, "Model: %s (order %d)\n", p.Name(), p.Order())
	fmt.Fprintf(&result, "N-grams: %d\n", int(score.N))
	fmt.Fprintf(&result, "Skip OOV: %t\n", skipOOV)
	if skipOOV {
		fmt.Fprintf(&result, "Skipped: %d\n", score.Skipped)
	}
	fmt.Fprintf(&result, "Perplexity: %g\n", score.Perplexity)

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: result.String()}},
	}, nil, nil
}

func (s *PerplexityServer) handleNGramLogProbability(ctx context.Context, req *mcp.CallToolRequest, args NGramParams) (*mcp.CallToolResult, any, error) {
	s.logger.Info("Handling ngramLogProbability request", zap.String("model", args.Model), zap.Strings("ngram", args.NGram))

	p, err := s.registry.Resolve(args.Model)
	if err != nil {
		return errorResult("Model not found: %s", args.Model), nil, nil
	}
	if len(args.NGram) == 0 {
		return errorResult("ngram must not be empty"), nil, nil
	}

	ng := ngram.NGram(args.NGram)
	lp, err := p.NGramLog10Probability(ng)
	if err != nil {
		return errorResult("Failed to score n-gram: %v", err), nil, nil
	}
	oov, err := p.EndsWithUnknown(ng)
	if err != nil {
		return errorResult("Failed to look up n-gram: %v", err), nil, nil
	}

	text := fmt.Sprintf("log10 P(%s | %s) = %g\nUnknown word: %t\n",
		ng[len(ng)-1], strings.Join(ng[:len(ng)-1], " "), lp, oov)
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

// SetupHTTPRoutes serves the streamable HTTP transport under path on the
// API router
func (s *PerplexityServer) SetupHTTPRoutes(router *gin.Engine, path string) {
	s.logger.Info("MCP server mounted", zap.String("path", path))
	router.Any(path, gin.WrapH(s.handler))
}

// Server exposes the underlying MCP server, used for in-process transports
func (s *PerplexityServer) Server() *mcp.Server {
	return s.server
}
