package handler

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"lmperplexity/internal/config"
	"lmperplexity/internal/controller"
	"lmperplexity/internal/metrics"
	"lmperplexity/pkg/mcp"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func SetupRouter(pc *controller.PerplexityController, mcpServer *mcp.PerplexityServer, cfg *config.Config, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(CustomRecoveryMiddleware(logger))
	router.Use(LoggerMiddleware(logger))
	if cfg.App.Metrics {
		router.Use(MetricsMiddleware())
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/models", pc.ListModels)
		v1.GET("/models/:name", pc.GetModel)
		v1.GET("/models/:name/arpa", pc.ExportARPA)
		v1.POST("/perplexity", pc.Perplexity)
		v1.POST("/ngramProbability", pc.NGramProbability)
		v1.POST("/sequenceProbability", pc.SequenceProbability)
		v1.POST("/scoreLines", pc.ScoreLines)

		sessions := v1.Group("/sessions")
		sessions.POST("", pc.CreateSession)
		sessions.GET("/:id", pc.GetSession)
		sessions.POST("/:id/add", pc.AddToSession)
		sessions.POST("/:id/reset", pc.ResetSession)
		sessions.DELETE("/:id", pc.DeleteSession)

		v1.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{
				"status": "healthy",
			})
		})
	}

	if mcpServer != nil && cfg.Mcp.Enabled {
		mcpServer.SetupHTTPRoutes(router, cfg.Mcp.Path)
	}

	return router
}

// LoggerMiddleware logs each request once it has been served
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("HTTP Request", fields...)
			return
		}
		logger.Info("HTTP Request", fields...)
	}
}

// MetricsMiddleware records request durations by route template and status
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordRequest(route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

func CustomRecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("stack", string(debug.Stack())),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				c.JSON(http.StatusInternalServerError, gin.H{
					"error": "Internal server error",
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}
