package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/pipewright/pipewright/internal/domain/workflow"
	"github.com/pipewright/pipewright/internal/port/checkpoint"
	"github.com/pipewright/pipewright/internal/service"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.startWorkflowTool(),
		s.workflowStatusTool(),
		s.listWorkflowsTool(),
		s.resumeWorkflowTool(),
		s.listCapabilitiesTool(),
	)
}

func (s *Server) startWorkflowTool() mcpserver.ServerTool {
	t := mcplib.NewTool("start_workflow",
		mcplib.WithDescription("Start a multi-stage workflow run for a task"),
		mcplib.WithString("task",
			mcplib.Required(),
			mcplib.Description("The task description the pipeline works on"),
		),
		mcplib.WithNumber("rigidity",
			mcplib.Description("Quality gate strictness between 0.0 and 1.0"),
		),
		mcplib.WithString("worker",
			mcplib.Description("Registered worker backend to execute stages"),
		),
		mcplib.WithString("model",
			mcplib.Description("Model identifier passed through to the worker"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    t,
		Handler: s.handleStartWorkflow,
	}
}

func (s *Server) workflowStatusTool() mcpserver.ServerTool {
	t := mcplib.NewTool("workflow_status",
		mcplib.WithDescription("Get the current state of a workflow run by thread ID"),
		mcplib.WithString("thread_id",
			mcplib.Required(),
			mcplib.Description("The thread ID of the run to inspect"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    t,
		Handler: s.handleWorkflowStatus,
	}
}

func (s *Server) listWorkflowsTool() mcpserver.ServerTool {
	t := mcplib.NewTool("list_workflows",
		mcplib.WithDescription("List workflow runs, optionally filtered by status"),
		mcplib.WithString("status",
			mcplib.Description("Filter: running, waiting_approval, complete, or aborted"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    t,
		Handler: s.handleListWorkflows,
	}
}

func (s *Server) resumeWorkflowTool() mcpserver.ServerTool {
	t := mcplib.NewTool("resume_workflow",
		mcplib.WithDescription("Apply a human decision to a suspended workflow run"),
		mcplib.WithString("thread_id",
			mcplib.Required(),
			mcplib.Description("The thread ID of the suspended run"),
		),
		mcplib.WithString("action",
			mcplib.Required(),
			mcplib.Description("One of approve, reject, or modify"),
		),
		mcplib.WithString("note",
			mcplib.Description("Optional note recorded on the resume event"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    t,
		Handler: s.handleResumeWorkflow,
	}
}

func (s *Server) listCapabilitiesTool() mcpserver.ServerTool {
	t := mcplib.NewTool("list_capabilities",
		mcplib.WithDescription("List the tool capabilities the gateway can broker"),
	)
	return mcpserver.ServerTool{
		Tool:    t,
		Handler: s.handleListCapabilities,
	}
}

func (s *Server) handleStartWorkflow(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Runs == nil {
		return mcplib.NewToolResultError("run controller not configured"), nil
	}
	args := req.GetArguments()
	task, ok := args["task"].(string)
	if !ok || task == "" {
		return mcplib.NewToolResultError("task is required"), nil
	}

	// Only build an explicit configuration when the caller overrides a knob;
	// otherwise the orchestrator applies its own defaults.
	var cfg *workflow.Config
	c := workflow.DefaultConfig()
	if v, ok := args["rigidity"].(float64); ok {
		c.Rigidity = v
		cfg = &c
	}
	if v, ok := args["worker"].(string); ok && v != "" {
		c.Worker = v
		cfg = &c
	}
	if v, ok := args["model"].(string); ok && v != "" {
		c.Model = v
		cfg = &c
	}

	r, err := s.deps.Runs.Start(ctx, task, cfg)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to start workflow", err), nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal run", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleWorkflowStatus(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Runs == nil {
		return mcplib.NewToolResultError("run controller not configured"), nil
	}
	args := req.GetArguments()
	threadID, ok := args["thread_id"].(string)
	if !ok || threadID == "" {
		return mcplib.NewToolResultError("thread_id is required"), nil
	}
	r, err := s.deps.Runs.Get(ctx, threadID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to get run %s", threadID), err,
		), nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal run", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleListWorkflows(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Runs == nil {
		return mcplib.NewToolResultError("run controller not configured"), nil
	}
	var filter checkpoint.Filter
	args := req.GetArguments()
	if v, ok := args["status"].(string); ok && v != "" {
		filter.Status = workflow.Status(v)
	}
	runs, err := s.deps.Runs.List(ctx, filter)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to list runs", err), nil
	}
	if runs == nil {
		runs = []workflow.Run{}
	}
	data, err := json.Marshal(runs)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal runs", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleResumeWorkflow(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Runs == nil {
		return mcplib.NewToolResultError("run controller not configured"), nil
	}
	args := req.GetArguments()
	threadID, ok := args["thread_id"].(string)
	if !ok || threadID == "" {
		return mcplib.NewToolResultError("thread_id is required"), nil
	}
	action, ok := args["action"].(string)
	if !ok || action == "" {
		return mcplib.NewToolResultError("action is required"), nil
	}
	d := service.ResumeDecision{Action: service.ResumeAction(action)}
	if note, ok := args["note"].(string); ok {
		d.Note = note
	}
	r, err := s.deps.Runs.Resume(ctx, threadID, d)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to resume run %s", threadID), err,
		), nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal run", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleListCapabilities(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Capabilities == nil {
		return mcplib.NewToolResultError("capability gateway not configured"), nil
	}
	data, err := json.Marshal(s.deps.Capabilities.Capabilities())
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal capabilities", err), nil
	}
	return toolResultJSON(string(data)), nil
}

// toolResultJSON wraps a JSON document as a text tool result.
func toolResultJSON(data string) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(data)
}
