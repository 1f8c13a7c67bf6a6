// Package api exposes the engine over HTTP: position lifecycle, balances,
// reconciliation and queue introspection, plus a WebSocket event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"leverage-bot/internal/engine"
	"leverage-bot/internal/events"
	"leverage-bot/internal/ledger"
	"leverage-bot/internal/position"
	"leverage-bot/internal/queue"
	"leverage-bot/internal/reconcile"
)

// EngineAPI is what the server needs from the trading engine.
type EngineAPI interface {
	OpenPosition(ctx context.Context, req engine.OpenRequest) (*position.Position, error)
	ClosePosition(ctx context.Context, id, reason string) (*position.Position, error)
	GetPosition(id string) (*position.Position, error)
	ActivePositions() []*position.Position
	History(page, pageSize int) ([]*position.Position, int)
	Balances() map[string]ledger.AssetBalance
	ReconcileNow(ctx context.Context) (int, error)
	Conflicts() []reconcile.Conflict
	QueueStats() queue.Stats
	FailedTasks() []*queue.Task
	HandleSignal(ctx context.Context, sig engine.Signal) (*queue.Task, error)
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ProductionMode bool
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	engine     EngineAPI
	eventBus   *events.EventBus
	hub        *WSHub
	config     ServerConfig
	startedAt  time.Time
	log        zerolog.Logger
}

// NewServer creates a new API server
func NewServer(config ServerConfig, eng EngineAPI, eventBus *events.EventBus, log zerolog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:    router,
		engine:    eng,
		eventBus:  eventBus,
		hub:       NewWSHub(log),
		config:    config,
		startedAt: time.Now(),
		log:       log.With().Str("component", "api").Logger(),
	}

	server.setupRoutes()
	server.hub.AttachBus(eventBus)
	go server.hub.Run()

	return server
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)

		api.GET("/positions", s.handleListPositions)
		api.POST("/positions", s.handleOpenPosition)
		api.GET("/positions/:id", s.handleGetPosition)
		api.POST("/positions/:id/close", s.handleClosePosition)
		api.GET("/positions/history", s.handleHistory)

		api.GET("/balances", s.handleBalances)

		api.POST("/reconcile", s.handleReconcile)
		api.GET("/reconcile/conflicts", s.handleConflicts)

		api.GET("/queue/stats", s.handleQueueStats)
		api.GET("/queue/failed", s.handleFailedTasks)

		api.POST("/signals", s.handleSignal)
	}

	s.router.GET("/ws", s.hub.HandleConnection)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleListPositions(c *gin.Context) {
	successResponse(c, s.engine.ActivePositions())
}

type openPositionRequest struct {
	Symbol     string  `json:"symbol" binding:"required"`
	Side       string  `json:"side" binding:"required"`
	Quantity   float64 `json:"quantity" binding:"required"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
}

func (s *Server) handleOpenPosition(c *gin.Context) {
	var req openPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	p, err := s.engine.OpenPosition(c.Request.Context(), engine.OpenRequest{
		Symbol:     req.Symbol,
		Side:       position.Side(req.Side),
		Quantity:   req.Quantity,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
	})
	if err != nil {
		errorResponse(c, openStatusCode(err), err.Error())
		return
	}
	successResponse(c, p)
}

func (s *Server) handleGetPosition(c *gin.Context) {
	p, err := s.engine.GetPosition(c.Param("id"))
	if err != nil {
		errorResponse(c, http.StatusNotFound, err.Error())
		return
	}
	successResponse(c, p)
}

type closePositionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleClosePosition(c *gin.Context) {
	var req closePositionRequest
	_ = c.ShouldBindJSON(&req) // empty body is fine
	if req.Reason == "" {
		req.Reason = position.ReasonManual
	}

	p, err := s.engine.ClosePosition(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		errorResponse(c, closeStatusCode(err), err.Error())
		return
	}
	successResponse(c, p)
}

func (s *Server) handleHistory(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))

	items, total := s.engine.History(page, pageSize)
	successResponse(c, gin.H{
		"positions": items,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (s *Server) handleBalances(c *gin.Context) {
	successResponse(c, s.engine.Balances())
}

func (s *Server) handleReconcile(c *gin.Context) {
	corrected, err := s.engine.ReconcileNow(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{"corrected": corrected})
}

func (s *Server) handleConflicts(c *gin.Context) {
	successResponse(c, s.engine.Conflicts())
}

func (s *Server) handleQueueStats(c *gin.Context) {
	successResponse(c, s.engine.QueueStats())
}

func (s *Server) handleFailedTasks(c *gin.Context) {
	successResponse(c, s.engine.FailedTasks())
}

func (s *Server) handleSignal(c *gin.Context) {
	var sig engine.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	task, err := s.engine.HandleSignal(c.Request.Context(), sig)
	if err != nil {
		errorResponse(c, openStatusCode(err), err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "data": task})
}

func openStatusCode(err error) int {
	switch {
	case errors.Is(err, position.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, position.ErrInsufficientFunds), errors.Is(err, engine.ErrMaxPositions):
		return http.StatusConflict
	case errors.Is(err, engine.ErrNoPrice):
		return http.StatusServiceUnavailable
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func closeStatusCode(err error) int {
	switch {
	case errors.Is(err, position.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, position.ErrAlreadyClosed), errors.Is(err, position.ErrCloseInFlight):
		return http.StatusConflict
	case errors.Is(err, position.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNoPrice):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
