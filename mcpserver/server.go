package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/runmeter/config"
	"github.com/isdmx/runmeter/sandbox"
)

// ToolName is the name of the single tool exposed by the server.
const ToolName = "execute_code"

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	executor   sandbox.Executor
	registry   *sandbox.Registry
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor sandbox.Executor, registry *sandbox.Registry) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		executor: executor,
		registry: registry,
	}

	s.mcpServer = server.NewMCPServer("runmeter", "Sandboxed code execution with resource telemetry")
	s.registerExecuteCodeTool()
	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)

	return s, nil
}

// registerExecuteCodeTool registers the execute_code tool
func (s *MCPServer) registerExecuteCodeTool() {
	s.mcpServer.AddTool(s.executeCodeTool(), s.handleExecuteCode)
}

func (s *MCPServer) executeCodeTool() mcp.Tool {
	return mcp.Tool{
		Name:        ToolName,
		Description: "Run a single source file in an isolated container and report its output with CPU, memory, network and block I/O usage",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Complete source code of the program",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Language id",
					"enum":        s.registry.Languages(),
				},
			},
			Required: []string{"code", "language"},
		},
	}
}

// handleExecuteCode handles the execute_code tool. The result text is the same
// JSON payload the REST API returns.
func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	language, err := request.RequireString("language")
	if err != nil {
		return nil, fmt.Errorf("language parameter is required: %w", err)
	}

	s.logger.Info("code execution requested", zap.String("language", language), zap.Int("code_len", len(code)))

	res, err := s.executor.Execute(ctx, sandbox.Submission{Language: language, Code: code})
	payload := sandbox.Assemble(res, err)
	if err != nil {
		s.logger.Warn("code execution failed",
			zap.String("language", language),
			zap.Int("status", payload.Status),
			zap.Error(err))
	}

	text, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(text),
			},
		},
		IsError: payload.IsError(),
	}, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))
	return s.httpServer.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP transport.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
