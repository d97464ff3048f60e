package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/pipewright/pipewright/internal/domain/workflow"
	"github.com/pipewright/pipewright/internal/port/checkpoint"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"pipewright://runs",
			"Run List",
			mcplib.WithResourceDescription("All workflow runs, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRunsResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			"pipewright://capabilities",
			"Capability Catalog",
			mcplib.WithResourceDescription("Tool capabilities the gateway can broker, with their safety classifications"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleCapabilitiesResource,
	)
}

func (s *Server) handleRunsResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Runs == nil {
		return []mcplib.ResourceContents{
			mcplib.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     `{"error":"run controller not configured"}`,
			},
		}, nil
	}
	runs, err := s.deps.Runs.List(ctx, checkpoint.Filter{})
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []workflow.Run{}
	}
	data, err := json.Marshal(runs)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleCapabilitiesResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Capabilities == nil {
		return []mcplib.ResourceContents{
			mcplib.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     `{"error":"capability gateway not configured"}`,
			},
		}, nil
	}
	data, err := json.Marshal(s.deps.Capabilities.Capabilities())
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
