package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"intelgraph/internal/accumulator"
	"intelgraph/internal/pipeline"
	"intelgraph/internal/resolver"
	"intelgraph/internal/store"
	"intelgraph/internal/tracker"
	"intelgraph/pkg/logger"
)

// Server is the HTTP surface over the intelligence graph
type Server struct {
	store       store.Store
	resolver    *resolver.Resolver
	accumulator *accumulator.Accumulator
	tracker     *tracker.Tracker
	pipeline    *pipeline.Pipeline
	logger      *zap.Logger
}

// New creates the HTTP server over the graph components
func New(s store.Store, r *resolver.Resolver, a *accumulator.Accumulator, t *tracker.Tracker, p *pipeline.Pipeline) *Server {
	return &Server{
		store:       s,
		resolver:    r,
		accumulator: a,
		tracker:     t,
		pipeline:    p,
		logger:      logger.Named("server"),
	}
}

// Router builds the gin engine with all routes and middleware
func (s *Server) Router(production bool) *gin.Engine {
	if production {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(ginLogger(s.logger))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/entities", s.listEntities)
		api.GET("/entities/by-name", s.getEntityByName)
		api.GET("/entities/:id", s.getEntity)
		api.GET("/entities/:id/relationships", s.listRelationships)
		api.POST("/entities/:id/promote", s.promoteEntity)
		api.POST("/entities/:id/correct", s.correctEntity)

		api.POST("/events", s.submitEvent)
		api.GET("/events/:id", s.getEvent)

		api.POST("/resolve", s.resolveCandidate)
		api.POST("/merge", s.mergeEntities)

		api.GET("/insights", s.listInsights)

		api.GET("/review", s.listReview)
		api.POST("/review/:id/resolve", s.resolveReview)

		api.GET("/stats", s.stats)
	}

	return router
}

// Response envelope: every reply says whether it is a success, a pending
// disambiguation or a hard failure, never a bare error string.

func ok(c *gin.Context, code int, data interface{}) {
	c.JSON(code, gin.H{"status": "ok", "data": data})
}

func pending(c *gin.Context, data interface{}) {
	c.JSON(http.StatusConflict, gin.H{"status": "pending_disambiguation", "data": data})
}

func fail(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"status": "error", "error": msg})
}

func ginLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Info("HTTP Request",
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
