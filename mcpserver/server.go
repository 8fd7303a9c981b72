// Package mcpserver exposes the agent's tools over the Model Context
// Protocol, so other MCP clients can use the same workspace and sandbox.
package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/martinemde/codeloop/agentloop"
)

const (
	serverName    = "codeloop"
	serverVersion = "0.1.0"

	// RunAgentTool runs a whole agent turn instead of a single tool.
	RunAgentTool = "run_agent"
)

// Server is an MCP server backed by a Machine. Every registered tool is
// served through the machine's dispatcher, plus run_agent.
type Server struct {
	server  *server.MCPServer
	machine *agentloop.Machine
	logger  zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. It must not write to stdout when serving over
// stdio.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a Server and registers its tools.
func New(machine *agentloop.Machine, opts ...Option) *Server {
	s := &Server{
		server: server.NewMCPServer(
			serverName,
			serverVersion,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		machine: machine,
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, tool := range machine.Dispatcher().Registry().Tools() {
		s.server.AddTool(tool.Definition, s.callTool(tool.Definition.Name))
	}
	s.server.AddTool(runAgentTool(), s.runAgent)
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.server
}

// ServeStdio serves MCP over stdin and stdout until stdin closes.
func (s *Server) ServeStdio() error {
	s.logger.Info().Int("tools", s.machine.Dispatcher().Registry().Count()+1).Msg("serving MCP over stdio")
	if err := server.ServeStdio(s.server); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

func (s *Server) callTool(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		call := agentloop.ToolCallRequest{
			ID:        "mcp_" + uuid.NewString(),
			Name:      name,
			Arguments: agentloop.Arguments(request.GetArguments()),
		}
		result := s.machine.Dispatcher().Invoke(ctx, call)
		s.logger.Debug().Str("tool", name).Bool("is_error", result.IsError).Msg("mcp tool call")
		if result.IsError {
			return mcp.NewToolResultError(result.Content), nil
		}
		return mcp.NewToolResultText(result.Content), nil
	}
}

func runAgentTool() mcp.Tool {
	return mcp.NewTool(RunAgentTool,
		mcp.WithDescription("Run a coding-agent turn on a prompt and return the agent's final answer. "+
			"Pass session_id from an earlier call to continue that conversation."),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("The request for the agent")),
		mcp.WithString("session_id", mcp.Description("Session to continue; a new one is created when empty")),
	)
}

func (s *Server) runAgent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := agentloop.Arguments(request.GetArguments())
	prompt := strings.TrimSpace(args.GetStringOr("prompt", ""))
	if prompt == "" {
		return mcp.NewToolResultError("prompt is required"), nil
	}

	store := s.machine.Store()
	sessionID := args.GetStringOr("session_id", "")
	if sessionID == "" {
		sessionID = store.Create()
	} else if !store.Exists(sessionID) {
		return mcp.NewToolResultError(fmt.Sprintf("unknown session %s", sessionID)), nil
	}

	var failure string
	out, err := s.machine.Run(ctx, sessionID, prompt, agentloop.PublisherFunc(func(ev agentloop.Event) {
		if ev.Kind == agentloop.EventError && ev.Terminal {
			failure = ev.Message
		}
	}))
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("run_agent turn failed")
		if failure == "" {
			failure = err.Error()
		}
		return mcp.NewToolResultError(fmt.Sprintf("%s\n\nsession_id: %s", failure, sessionID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s\n\nsession_id: %s", out.Reply, sessionID)), nil
}
