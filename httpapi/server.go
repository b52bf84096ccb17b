// Package httpapi serves the orchestrator over a JSON HTTP API for
// user-invoked executions, together with health, readiness and metrics
// endpoints.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/orchestrator"
	"github.com/isdmx/sandboxd/sandbox"
)

const (
	maxWait      = 5 * time.Minute
	readyTimeout = 3 * time.Second
)

// Service is the orchestrator surface the API needs.
type Service interface {
	Submit(ctx context.Context, req orchestrator.ExecutionRequest) (orchestrator.Ticket, error)
	Cancel(ticketID string) error
	Pending(ticketID string) bool
	Ready(ctx context.Context) error
	Stats() orchestrator.Stats
}

// Results looks up delivered results.
type Results interface {
	Get(ticketID string) (orchestrator.ExecutionResult, bool)
	Wait(ctx context.Context, ticketID string) (orchestrator.ExecutionResult, error)
}

// Server is the HTTP API.
type Server struct {
	logger  *zap.Logger
	addr    string
	svc     Service
	results Results
	router  *gin.Engine

	mu         sync.Mutex
	httpServer *http.Server
}

// New builds the router. gatherer backs /metrics.
func New(logger *zap.Logger, addr string, svc Service, results Results, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		logger:  logger.Named("http"),
		addr:    addr,
		svc:     svc,
		results: results,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	router.GET("/healthz", s.health)
	router.GET("/readyz", s.ready)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/v1")
	api.POST("/executions", s.createExecution)
	api.GET("/executions/:id", s.getExecution)
	api.DELETE("/executions/:id", s.cancelExecution)
	api.GET("/stats", s.stats)

	s.router = router
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("HTTP API started", zap.String("addr", listener.Addr().String()))
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP API stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type executionRequest struct {
	SessionID string          `json:"session_id"`
	TurnID    string          `json:"turn_id"`
	Language  string          `json:"language" binding:"required"`
	Code      string          `json:"code" binding:"required"`
	Network   bool            `json:"network"`
	Mounts    []sandbox.Mount `json:"mounts"`
	TimeoutMS int64           `json:"timeout_ms"`
}

type statusResponse struct {
	TicketID string `json:"ticket_id,omitempty"`
	Status   string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) createExecution(c *gin.Context) {
	var body executionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	wait, err := parseWait(c.Query("wait"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	sessionID := body.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ticket, err := s.svc.Submit(c.Request.Context(), orchestrator.ExecutionRequest{
		SessionID: sessionID,
		TurnID:    body.TurnID,
		Language:  body.Language,
		Code:      body.Code,
		Capabilities: orchestrator.Capabilities{
			Network: body.Network,
			Mounts:  body.Mounts,
		},
		Timeout: time.Duration(body.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	if wait > 0 {
		if res, ok := s.await(c, ticket.ID, wait); ok {
			c.JSON(http.StatusOK, res)
			return
		}
	}
	c.JSON(http.StatusAccepted, ticket)
}

func (s *Server) getExecution(c *gin.Context) {
	ticketID := c.Param("id")
	wait, err := parseWait(c.Query("wait"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if res, ok := s.results.Get(ticketID); ok {
		c.JSON(http.StatusOK, res)
		return
	}
	if !s.svc.Pending(ticketID) {
		if res, ok := s.results.Get(ticketID); ok {
			c.JSON(http.StatusOK, res)
			return
		}
		s.writeError(c, orchestrator.ErrTicketNotFound)
		return
	}

	if wait > 0 {
		if res, ok := s.await(c, ticketID, wait); ok {
			c.JSON(http.StatusOK, res)
			return
		}
	}
	c.JSON(http.StatusAccepted, statusResponse{TicketID: ticketID, Status: "pending"})
}

func (s *Server) cancelExecution(c *gin.Context) {
	ticketID := c.Param("id")
	if err := s.svc.Cancel(ticketID); err != nil {
		if errors.Is(err, orchestrator.ErrTicketNotFound) {
			if _, ok := s.results.Get(ticketID); ok {
				c.JSON(http.StatusOK, statusResponse{TicketID: ticketID, Status: "finished"})
				return
			}
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, statusResponse{TicketID: ticketID, Status: "cancelling"})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Stats())
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()
	if err := s.svc.Ready(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, statusResponse{Status: "ready"})
}

// await blocks up to wait for the ticket's result.
func (s *Server) await(c *gin.Context, ticketID string, wait time.Duration) (orchestrator.ExecutionResult, bool) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()
	res, err := s.results.Wait(ctx, ticketID)
	return res, err == nil
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrTicketNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid wait %q", raw)
	}
	return min(d, maxWait), nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		s.logger.Info("request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
