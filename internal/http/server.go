// Package http provides the HTTP API for vectord.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectord/internal/ingest"
	"github.com/fyrsmithlabs/vectord/internal/vectorstore"
)

// Engine is the collection and record surface the API exposes.
type Engine interface {
	CreateCollection(ctx context.Context, req vectorstore.CreateCollectionRequest) error
	DeleteCollection(ctx context.Context, name, teamID string) error
	UpdateCollectionMetadata(ctx context.Context, name, teamID string, metadata map[string]string) error
	ListCollections(ctx context.Context, teamID, typeFilter string) ([]vectorstore.CollectionDetails, error)
	VerifyCollection(ctx context.Context, name, teamID string) (*vectorstore.CollectionDetails, error)
	StoreRecord(ctx context.Context, req vectorstore.StoreRecordRequest) (int64, error)
	Query(ctx context.Context, req vectorstore.QueryRequest) ([]vectorstore.SearchResult, error)
	VerifyRecord(ctx context.Context, req vectorstore.VerifyRequest) (*vectorstore.VerifyResult, error)
	DeleteDocumentEmbeddings(ctx context.Context, collection, documentID, teamID string) (int64, error)
}

// Ingestor triggers the embedding pipeline.
type Ingestor interface {
	EmbedDocument(ctx context.Context, req ingest.EmbedRequest) (*ingest.EmbedResult, error)
}

// HealthChecker verifies the backing store connection.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Server provides HTTP endpoints for vectord.
type Server struct {
	echo     *echo.Echo
	engine   Engine
	ingestor Ingestor
	health   HealthChecker
	logger   *zap.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates the HTTP server. ingestor and health may be nil;
// the corresponding endpoints then report service unavailable.
func NewServer(engine Engine, ingestor Ingestor, health HealthChecker, logger *zap.Logger, cfg *Config) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9091,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		engine:   engine,
		ingestor: ingestor,
		health:   health,
		logger:   logger,
		config:   cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Health check
	s.echo.GET("/health", s.handleHealth)

	// API v1 routes
	v1 := s.echo.Group("/api/v1")

	v1.POST("/collections", s.handleCreateCollection)
	v1.GET("/collections", s.handleListCollections)
	v1.GET("/collections/:name", s.handleVerifyCollection)
	v1.PATCH("/collections/:name/metadata", s.handleUpdateMetadata)
	v1.DELETE("/collections/:name", s.handleDeleteCollection)

	v1.POST("/collections/:name/records", s.handleStoreRecord)
	v1.POST("/collections/:name/search", s.handleSearch)
	v1.POST("/collections/:name/verify", s.handleVerifyRecord)
	v1.DELETE("/collections/:name/documents/:documentId", s.handleDeleteDocument)

	v1.POST("/documents/:documentId/embed", s.handleEmbedDocument)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.health != nil {
		if err := s.health.Health(c.Request().Context()); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "degraded"})
		}
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
