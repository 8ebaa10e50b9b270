// Package server exposes the management REST API: agents, chains,
// prompts, providers, conversations and their execution endpoints.
package server

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"agentmux/internal/crypto"
	"agentmux/internal/engine"
	"agentmux/internal/metrics"
	"agentmux/internal/queue"
	"agentmux/internal/storage"
)

// namePattern bounds every user-supplied entity name.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_ -]{1,64}$`)

type Config struct {
	Store        *storage.Store
	Engine       *engine.Engine
	Crypto       *crypto.Manager
	Notifier     *queue.Notifier
	RateLimiter  *queue.RateLimiter
	Deduplicator *queue.RequestDeduplicator
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
	APIKey       string
	Version      string
}

type Server struct {
	echo     *echo.Echo
	store    *storage.Store
	engine   *engine.Engine
	secrets  *crypto.Manager
	notifier *queue.Notifier
	limiter  *queue.RateLimiter
	dedup    *queue.RequestDeduplicator
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	apiKey   string
	version  string
	upgrader websocket.Upgrader
}

func New(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{
		store:    cfg.Store,
		engine:   cfg.Engine,
		secrets:  cfg.Crypto,
		notifier: cfg.Notifier,
		limiter:  cfg.RateLimiter,
		dedup:    cfg.Deduplicator,
		metrics:  m,
		logger:   cfg.Logger,
		apiKey:   cfg.APIKey,
		version:  cfg.Version,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(s.requestMetrics)
	s.echo = e
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api", s.requireAPIKey)
	api.GET("/healthz", s.handleHealth)

	api.GET("/agent", s.listAgents)
	api.POST("/agent", s.createAgent)
	api.GET("/agent/:name", s.getAgent)
	api.PUT("/agent/:name", s.updateAgent)
	api.PATCH("/agent/:name", s.patchAgent)
	api.DELETE("/agent/:name", s.deleteAgent)
	api.GET("/agent/:name/command", s.listAgentCommands)
	api.PATCH("/agent/:name/command", s.toggleAgentCommand)
	api.POST("/agent/:name/command", s.executeAgentCommand)
	api.POST("/agent/:name/chat", s.agentChat)
	api.POST("/agent/:name/instruct", s.agentInstruct)
	api.POST("/agent/:name/task", s.startAgentTask)
	api.GET("/agent/:name/task", s.latestAgentTask)
	api.DELETE("/agent/:name/task", s.cancelAgentTask)

	api.GET("/chain", s.listChains)
	api.POST("/chain", s.createChain)
	api.GET("/chain/:name", s.getChain)
	api.PUT("/chain/:name", s.updateChain)
	api.DELETE("/chain/:name", s.deleteChain)
	api.POST("/chain/:name/step", s.addChainStep)
	api.PUT("/chain/:name/step/:number", s.updateChainStep)
	api.DELETE("/chain/:name/step/:number", s.deleteChainStep)
	api.PATCH("/chain/:name/step/move", s.moveChainStep)
	api.POST("/chain/:name/run", s.runChain)
	api.GET("/chain/:name/run/:id", s.getChainRun)
	api.GET("/chain/:name/run/:id/events", s.streamRunEvents)

	api.GET("/prompt", s.listPrompts)
	api.POST("/prompt", s.createPrompt)
	api.GET("/prompt/:name", s.getPrompt)
	api.PUT("/prompt/:name", s.updatePrompt)
	api.DELETE("/prompt/:name", s.deletePrompt)
	api.GET("/prompt/:name/args", s.getPromptArgs)

	api.GET("/provider", s.listProviders)
	api.POST("/provider", s.createProvider)
	api.GET("/provider/:name", s.getProvider)
	api.PUT("/provider/:name", s.updateProvider)
	api.PATCH("/provider/:name", s.patchProvider)
	api.DELETE("/provider/:name", s.deleteProvider)

	api.GET("/conversation", s.listConversations)
	api.POST("/conversation", s.createConversation)
	api.GET("/conversation/:id", s.getConversation)
	api.DELETE("/conversation/:id", s.deleteConversation)
	api.GET("/conversation/:id/stream", s.streamConversation)
}

// Start runs the server until the context is cancelled, then shuts it
// down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": s.version,
	})
}

// mapError translates sentinel errors into API responses. The entity
// name feeds the not-found and conflict messages.
func (s *Server) mapError(c echo.Context, err error, entity string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": entity + " not found"})
	case errors.Is(err, storage.ErrConflict):
		return c.JSON(http.StatusConflict, map[string]string{"error": entity + " already exists"})
	case errors.Is(err, storage.ErrInUse):
		return c.JSON(http.StatusConflict, map[string]string{"error": entity + " is still referenced"})
	case errors.Is(err, storage.ErrStepRange):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, engine.ErrCommandDisabled), errors.Is(err, engine.ErrCommandBlocked):
		return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, engine.ErrProviderFailure):
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	case errors.Is(err, engine.ErrChainTooDeep), errors.Is(err, engine.ErrAgentRequired), errors.Is(err, engine.ErrQueueRequired):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}
