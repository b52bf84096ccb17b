package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/orchestrator"
	"github.com/isdmx/sandboxd/sandbox"
)

// maxWait caps how long get_result may block.
const maxWait = 5 * time.Minute

// Submitter admits and cancels executions.
type Submitter interface {
	Submit(ctx context.Context, req orchestrator.ExecutionRequest) (orchestrator.Ticket, error)
	Cancel(ticketID string) error
	Pending(ticketID string) bool
}

// Results looks up delivered results.
type Results interface {
	Get(ticketID string) (orchestrator.ExecutionResult, bool)
	Wait(ctx context.Context, ticketID string) (orchestrator.ExecutionResult, error)
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	submitter Submitter
	results   Results
	languages []string
	mcpServer *server.MCPServer

	mu         sync.Mutex
	httpServer *server.StreamableHTTPServer
	stopStdio  context.CancelFunc
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, submitter Submitter, results Results, langs sandbox.Languages) (*MCPServer, error) {
	s := &MCPServer{
		config:    cfg,
		logger:    logger.Named("mcp"),
		submitter: submitter,
		results:   results,
		languages: langs.Names(),
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.Duration("sandbox.default_timeout", cfg.Sandbox.DefaultTimeout),
		zap.Duration("sandbox.max_timeout", cfg.Sandbox.MaxTimeout),
		zap.String("sandbox.memory", cfg.Sandbox.Memory),
		zap.Int("sandbox.max_output_bytes", cfg.Sandbox.MaxOutputBytes),
		zap.String("sandbox.network_default", cfg.Sandbox.NetworkDefault),
		zap.Int("orchestrator.max_concurrent_per_session", cfg.Orchestrator.MaxConcurrentPerSession),
		zap.Strings("languages", s.languages),
	)

	s.mcpServer = server.NewMCPServer("sandboxd", "1.0.0", server.WithToolCapabilities(false))

	s.mcpServer.AddTool(s.executeCodeTool(), s.handleExecuteCode)
	s.mcpServer.AddTool(s.submitCodeTool(), s.handleSubmitCode)
	s.mcpServer.AddTool(getResultTool(), s.handleGetResult)
	s.mcpServer.AddTool(cancelExecutionTool(), s.handleCancelExecution)

	return s, nil
}

func (s *MCPServer) requestOptions(session ...mcp.PropertyOption) []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("language",
			mcp.Required(),
			mcp.Description("Runtime language"),
			mcp.Enum(s.languages...),
		),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("Source code to run"),
		),
		mcp.WithString("session_id", session...),
		mcp.WithString("turn_id",
			mcp.Description("Chat turn that produced the code"),
		),
		mcp.WithBoolean("network",
			mcp.Description("Allow outbound network access for this execution"),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("Wall-clock limit; the server default applies when omitted"),
		),
	}
}

func (s *MCPServer) executeCodeTool() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Run untrusted code in an isolated sandbox and wait for the result"),
	}, s.requestOptions(mcp.Description("Conversation the code belongs to. Executions of one session run in submission order "+
		"under a per-session concurrency ceiling; when omitted the call gets a one-off session with no ordering against other calls"))...)
	return mcp.NewTool("execute_code", opts...)
}

func (s *MCPServer) submitCodeTool() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Queue untrusted code for sandboxed execution and return a ticket"),
	}, s.requestOptions(
		mcp.Required(),
		mcp.Description("Conversation the code belongs to; its executions run in submission order"),
	)...)
	return mcp.NewTool("submit_code", opts...)
}

func getResultTool() mcp.Tool {
	return mcp.NewTool("get_result",
		mcp.WithDescription("Fetch the result of a submitted execution"),
		mcp.WithString("ticket_id", mcp.Required(), mcp.Description("Ticket returned by submit_code")),
		mcp.WithNumber("wait_seconds", mcp.Description("Block up to this long for the result")),
	)
}

func cancelExecutionTool() mcp.Tool {
	return mcp.NewTool("cancel_execution",
		mcp.WithDescription("Cancel a queued or running execution"),
		mcp.WithString("ticket_id", mcp.Required(), mcp.Description("Ticket returned by submit_code")),
	)
}

// parseRequest reads the shared execution arguments. Without requireSession a
// missing session_id is replaced by a one-off session.
func (s *MCPServer) parseRequest(request mcp.CallToolRequest, requireSession bool) (orchestrator.ExecutionRequest, error) {
	language, err := request.RequireString("language")
	if err != nil {
		return orchestrator.ExecutionRequest{}, fmt.Errorf("language parameter is required: %w", err)
	}
	code, err := request.RequireString("code")
	if err != nil {
		return orchestrator.ExecutionRequest{}, fmt.Errorf("code parameter is required: %w", err)
	}

	sessionID := request.GetString("session_id", "")
	if sessionID == "" {
		if requireSession {
			return orchestrator.ExecutionRequest{}, errors.New("session_id parameter is required")
		}
		sessionID = uuid.NewString()
	}

	return orchestrator.ExecutionRequest{
		SessionID: sessionID,
		TurnID:    request.GetString("turn_id", ""),
		Language:  language,
		Code:      code,
		Capabilities: orchestrator.Capabilities{
			Network: request.GetBool("network", false),
		},
		Timeout: time.Duration(request.GetFloat("timeout_seconds", 0) * float64(time.Second)),
	}, nil
}

func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, err := s.parseRequest(request, false)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ticket, err := s.submitter.Submit(ctx, req)
	if err != nil {
		s.logger.Warn("execution rejected", zap.String("session_id", req.SessionID), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Execution rejected: %v", err)), nil
	}
	s.logger.Info("code execution requested",
		zap.String("ticket_id", ticket.ID),
		zap.String("session_id", ticket.SessionID),
		zap.String("language", req.Language))

	res, err := s.results.Wait(ctx, ticket.ID)
	if err != nil {
		// The caller went away; do not leave the sandbox running for nobody.
		if cancelErr := s.submitter.Cancel(ticket.ID); cancelErr != nil && !errors.Is(cancelErr, orchestrator.ErrTicketNotFound) {
			s.logger.Warn("failed to cancel abandoned execution", zap.String("ticket_id", ticket.ID), zap.Error(cancelErr))
		}
		return nil, fmt.Errorf("waiting for %s: %w", ticket.ID, err)
	}
	return resultContent(res)
}

func (s *MCPServer) handleSubmitCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, err := s.parseRequest(request, true)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ticket, err := s.submitter.Submit(ctx, req)
	if err != nil {
		s.logger.Warn("execution rejected", zap.String("session_id", req.SessionID), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Execution rejected: %v", err)), nil
	}
	s.logger.Info("code submitted",
		zap.String("ticket_id", ticket.ID),
		zap.String("session_id", ticket.SessionID),
		zap.String("language", req.Language))

	return jsonContent(ticket, false)
}

type pendingStatus struct {
	TicketID string `json:"ticket_id"`
	Status   string `json:"status"`
}

func (s *MCPServer) handleGetResult(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ticketID, err := request.RequireString("ticket_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ticket_id parameter is required: %v", err)), nil
	}

	if res, ok := s.results.Get(ticketID); ok {
		return resultContent(res)
	}
	if !s.submitter.Pending(ticketID) {
		if res, ok := s.results.Get(ticketID); ok {
			return resultContent(res)
		}
		return mcp.NewToolResultError(fmt.Sprintf("unknown ticket: %s", ticketID)), nil
	}

	wait := time.Duration(request.GetFloat("wait_seconds", 0) * float64(time.Second))
	if wait > maxWait {
		wait = maxWait
	}
	if wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		res, err := s.results.Wait(waitCtx, ticketID)
		if err == nil {
			return resultContent(res)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return jsonContent(pendingStatus{TicketID: ticketID, Status: "pending"}, false)
}

func (s *MCPServer) handleCancelExecution(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ticketID, err := request.RequireString("ticket_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ticket_id parameter is required: %v", err)), nil
	}

	if err := s.submitter.Cancel(ticketID); err != nil {
		if errors.Is(err, orchestrator.ErrTicketNotFound) {
			if _, ok := s.results.Get(ticketID); ok {
				return jsonContent(pendingStatus{TicketID: ticketID, Status: "finished"}, false)
			}
		}
		return mcp.NewToolResultError(fmt.Sprintf("Cancel failed: %v", err)), nil
	}
	s.logger.Info("execution cancelled", zap.String("ticket_id", ticketID))
	return jsonContent(pendingStatus{TicketID: ticketID, Status: "cancelling"}, false)
}

// resultContent renders res as JSON. Failures of the orchestrator itself are
// flagged as tool errors; code that exits non-zero is a normal result.
func resultContent(res orchestrator.ExecutionResult) (*mcp.CallToolResult, error) {
	return jsonContent(res, res.SystemFailed())
}

func jsonContent(v any, isError bool) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
		IsError: isError,
	}, nil
}

// Start serves the configured transport in the background.
func (s *MCPServer) Start() error {
	switch s.config.Server.Transport {
	case "none":
		s.logger.Info("MCP transport disabled")
	case "stdio":
		ctx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.stopStdio = cancel
		s.mu.Unlock()
		go func() {
			if err := s.ServeStdio(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("MCP stdio server stopped", zap.Error(err))
			}
		}()
	case "http":
		go func() {
			if err := s.ServeHTTP(); err != nil {
				s.logger.Error("MCP HTTP server stopped", zap.Error(err))
			}
		}()
	default:
		return fmt.Errorf("unsupported transport: %s", s.config.Server.Transport)
	}
	return nil
}

// ServeStdio serves on stdin/stdout until ctx is done
func (s *MCPServer) ServeStdio(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio")
	return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// Stop shuts down whichever transport is running.
func (s *MCPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	httpServer, stopStdio := s.httpServer, s.stopStdio
	s.mu.Unlock()

	if stopStdio != nil {
		stopStdio()
	}
	if httpServer != nil {
		return httpServer.Shutdown(ctx)
	}
	return nil
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
