package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"heron-nvr-go/internal/api/handlers"
	"heron-nvr-go/internal/bufferpool"
	"heron-nvr-go/internal/config"
	"heron-nvr-go/internal/health"
	"heron-nvr-go/internal/ingest"
	"heron-nvr-go/internal/prebuffer"
	"heron-nvr-go/internal/services/recorder"
)

// Server is the HTTP serving plane. It is built to be cheap to tear down
// and recreate: the health supervisor can order a restart of this layer
// without touching the ingestion loops.
type Server struct {
	config *config.Config
	router *gin.Engine
	server *http.Server

	supervisor *health.Supervisor

	healthHandler *handlers.HealthHandler
	streamHandler *handlers.StreamHandler
	systemHandler *handlers.SystemHandler
}

func NewServer(cfg *config.Config, supervisor *health.Supervisor, manager *ingest.Manager,
	selector *prebuffer.Selector, pool *bufferpool.Pool, recorderSvc *recorder.Service) *Server {

	gin.SetMode(gin.ReleaseMode)

	return &Server{
		config:        cfg,
		router:        gin.New(),
		supervisor:    supervisor,
		healthHandler: handlers.NewHealthHandler(cfg.NodeID, supervisor),
		streamHandler: handlers.NewStreamHandler(manager, recorderSvc),
		systemHandler: handlers.NewSystemHandler(cfg.NodeID, supervisor, selector, pool),
	}
}

func (s *Server) Setup() error {
	s.setupMiddleware()

	s.setupRoutes()

	s.setupSwagger()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
	}

	return nil
}

func (s *Server) Start() error {
	log.Info().Int("port", s.config.Port).Msg("Starting NVR API")
	return s.server.ListenAndServe()
}

func (s *Server) Stop() error {
	log.Info().Msg("Stopping NVR API")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Router exposes the configured engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
