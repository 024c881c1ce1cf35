// Package api provides the HTTP boundary of the Insight Bridge: session
// lifecycle, tool discovery and tool invocation endpoints consumed by the
// LLM-driven agent.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"insightbridge/internal/config"
	"insightbridge/internal/logging"
	"insightbridge/internal/pipeline"
	"insightbridge/internal/session"
	"insightbridge/internal/supervisor"
	"insightbridge/internal/validation"
)

type Server struct {
	cfg        *config.Config
	store      *session.Store
	registry   *supervisor.Registry
	validator  *validation.Validator
	pipe       *pipeline.Pipeline
	httpServer *http.Server
}

func New(cfg *config.Config, store *session.Store, registry *supervisor.Registry, validator *validation.Validator, pipe *pipeline.Pipeline) *Server {
	return &Server{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		validator: validator,
		pipe:      pipe,
	}
}

func (s *Server) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	s.RegisterRoutes(router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.BindHost, s.cfg.BindPort),
		Handler:      router,
		ReadTimeout:  s.cfg.RequestTimeout,
		WriteTimeout: writeTimeout(s.cfg),
	}

	go func() {
		logging.Info("bridge API listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("API server error: %v", err)
		}
	}()

	<-ctx.Done()

	logging.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// responseWriteMargin is the extra time a handler gets to write its response
// after a tool call has run up to its own deadline.
const responseWriteMargin = 10 * time.Second

// writeTimeout must exceed the longest tool call, or a response finishing
// near the call deadline could no longer be written.
func writeTimeout(cfg *config.Config) time.Duration {
	if t := cfg.ToolCallTimeout + responseWriteMargin; t > cfg.RequestTimeout {
		return t
	}
	return cfg.RequestTimeout
}

// RegisterRoutes wires the HTTP surface onto the router. Split out so tests
// can drive handlers without a listening server.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", s.health)
	router.POST("/init", s.initSession)
	router.POST("/shutdown", s.shutdownSession)
	router.GET("/tools-schema", s.toolsSchema)
	router.POST("/tools", s.listTools)
	router.POST("/call-tool", s.callTool)
}
