// Package mcp exposes the orchestrator over the Model Context Protocol:
// MCP clients can start runs, poll their status, resolve approvals, and
// browse the capability catalog without going through the REST API.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/pipewright/pipewright/internal/domain/tool"
	"github.com/pipewright/pipewright/internal/domain/workflow"
	"github.com/pipewright/pipewright/internal/port/checkpoint"
	"github.com/pipewright/pipewright/internal/service"
)

// RunController is the slice of the orchestrator the MCP tools drive.
type RunController interface {
	Start(ctx context.Context, task string, cfg *workflow.Config) (*workflow.Run, error)
	Get(ctx context.Context, threadID string) (*workflow.Run, error)
	List(ctx context.Context, filter checkpoint.Filter) ([]workflow.Run, error)
	Resume(ctx context.Context, threadID string, d service.ResumeDecision) (*workflow.Run, error)
}

// CapabilityReader lists the capabilities the gateway can broker.
type CapabilityReader interface {
	Capabilities() []tool.Capability
}

// ServerConfig holds the MCP server settings.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
	// APIKey guards the HTTP transport when set; empty disables auth.
	APIKey string
}

// ServerDeps are the services the tools and resources call. A nil field
// disables its tools with an in-band error result instead of failing startup.
type ServerDeps struct {
	Runs         RunController
	Capabilities CapabilityReader
}

// Server exposes workflow tools and resources over MCP's SSE transport.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
	httpSrv   *http.Server
}

// NewServer builds the protocol server and registers all tools and resources.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(
			cfg.Name,
			cfg.Version,
			mcpserver.WithToolCapabilities(true),
			mcpserver.WithResourceCapabilities(true, true),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer exposes the underlying protocol server for embedding and tests.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Start serves the MCP endpoints over SSE in the background. The /mcp base
// path carries both the event stream and the message endpoint.
func (s *Server) Start() error {
	if s.cfg.Addr == "" {
		return fmt.Errorf("mcp: no listen address configured")
	}

	sse := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithStaticBasePath("/mcp"))
	mux := http.NewServeMux()
	mux.Handle("/mcp", AuthMiddleware(s.cfg.APIKey, sse))
	mux.Handle("/mcp/", AuthMiddleware(s.cfg.APIKey, sse))

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("mcp server listening", "addr", s.cfg.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mcp server stopped", "error", err)
		}
	}()
	return nil
}

// Stop shuts the HTTP transport down, letting in-flight requests drain.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
