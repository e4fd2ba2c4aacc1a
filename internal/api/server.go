package api

import (
	"context"
	"net/http"
	"time"

	"github.com/krkmzglmstf-pentegra/pentegra-panel/config"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/api/handlers"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/metrics"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/repositories"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/search"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/services"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server represents the HTTP server
type Server struct {
	config      config.Config
	router      *gin.Engine
	httpServer  *http.Server
	ingestion   *services.IngestionService
	credentials *services.CredentialService
	stream      *services.StreamHub
	couriers    *repositories.CourierRepository
	elastic     *search.ElasticClient
	tracer      tracing.Tracer
	metrics     *metrics.Metrics
}

// NewServer creates a new HTTP server
func NewServer(
	cfg config.Config,
	ingestion *services.IngestionService,
	credentials *services.CredentialService,
	stream *services.StreamHub,
	couriers *repositories.CourierRepository,
	elastic *search.ElasticClient,
	tracer tracing.Tracer,
	m *metrics.Metrics,
) *Server {
	server := &Server{
		config:      cfg,
		ingestion:   ingestion,
		credentials: credentials,
		stream:      stream,
		couriers:    couriers,
		elastic:     elastic,
		tracer:      tracer,
		metrics:     m,
	}

	router := server.setupRouter()
	server.router = router

	server.httpServer = &http.Server{
		Addr:    cfg.ServerAddress,
		Handler: router,
	}

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	if s.config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	router.Use(gin.Recovery())

	webhookHandler := handlers.NewWebhookHandler(s.ingestion, s.tracer)
	webhookHandler.RegisterRoutes(router)

	streamHandler := handlers.NewStreamHandler(s.stream)
	streamHandler.RegisterRoutes(router)

	adminHandler := handlers.NewAdminHandler(s.credentials, s.elastic, s.tracer)
	adminHandler.RegisterRoutes(router)

	courierHandler := handlers.NewCourierHandler(s.couriers)
	courierHandler.RegisterRoutes(router)

	metricsHandler := handlers.NewMetricsHandler(s.metrics)
	router.GET("/metrics", metricsHandler.HandleGetMetrics)
	router.GET("/health", metricsHandler.HandleGetHealthCheck)

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
