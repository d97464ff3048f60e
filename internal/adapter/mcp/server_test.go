package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	pwmcp "github.com/pipewright/pipewright/internal/adapter/mcp"
	"github.com/pipewright/pipewright/internal/domain/tool"
	"github.com/pipewright/pipewright/internal/domain/workflow"
	"github.com/pipewright/pipewright/internal/port/checkpoint"
	"github.com/pipewright/pipewright/internal/service"
)

// --- Mocks ---

type mockRuns struct {
	runs map[string]*workflow.Run
	err  error

	lastTask     string
	lastCfg      *workflow.Config
	lastDecision service.ResumeDecision
}

func (m *mockRuns) Start(_ context.Context, task string, cfg *workflow.Config) (*workflow.Run, error) {
	m.lastTask = task
	m.lastCfg = cfg
	if m.err != nil {
		return nil, m.err
	}
	return &workflow.Run{ThreadID: "thread-new", TaskDescription: task, Status: workflow.StatusRunning}, nil
}

func (m *mockRuns) Get(_ context.Context, threadID string) (*workflow.Run, error) {
	if r, ok := m.runs[threadID]; ok {
		return r, nil
	}
	return nil, m.err
}

func (m *mockRuns) List(_ context.Context, filter checkpoint.Filter) ([]workflow.Run, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []workflow.Run
	for _, r := range m.runs {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (m *mockRuns) Resume(_ context.Context, threadID string, d service.ResumeDecision) (*workflow.Run, error) {
	m.lastDecision = d
	if m.err != nil {
		return nil, m.err
	}
	return &workflow.Run{ThreadID: threadID, Status: workflow.StatusRunning}, nil
}

type mockCapabilities struct {
	caps []tool.Capability
}

func (m *mockCapabilities) Capabilities() []tool.Capability {
	return m.caps
}

func callTool(t *testing.T, s *pwmcp.Server, name string, args map[string]any) *mcplib.CallToolResult {
	t.Helper()

	tools := s.MCPServer().ListTools()
	st, ok := tools[name]
	if !ok {
		t.Fatalf("tool %q not registered", name)
	}
	result, err := st.Handler(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return result
}

func resultText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()

	if result.IsError {
		t.Fatalf("tool returned error: %v", result.Content)
	}
	text, ok := result.Content[0].(mcplib.TextContent)
	if !ok {
		t.Fatal("expected TextContent")
	}
	return text.Text
}

// --- Tests ---

func TestNewServer(t *testing.T) {
	cfg := pwmcp.ServerConfig{
		Addr:    ":3001",
		Name:    "test-server",
		Version: "0.1.0",
	}
	s := pwmcp.NewServer(cfg, pwmcp.ServerDeps{})
	if s == nil {
		t.Fatal("NewServer returned nil")
	}
	if s.MCPServer() == nil {
		t.Fatal("MCPServer() returned nil")
	}
}

func TestServerStartStop(t *testing.T) {
	cfg := pwmcp.ServerConfig{
		Addr:    ":0",
		Name:    "test-server",
		Version: "0.1.0",
	}
	s := pwmcp.NewServer(cfg, pwmcp.ServerDeps{})

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestServerStartWithoutAddr(t *testing.T) {
	s := pwmcp.NewServer(pwmcp.ServerConfig{Name: "test", Version: "0.1.0"}, pwmcp.ServerDeps{})
	if err := s.Start(); err == nil {
		t.Fatal("expected error for missing listen address")
	}
}

func TestToolRegistration(t *testing.T) {
	s := pwmcp.NewServer(pwmcp.ServerConfig{Name: "test", Version: "0.1.0"}, pwmcp.ServerDeps{})

	tools := s.MCPServer().ListTools()
	if len(tools) != 5 {
		t.Fatalf("expected 5 tools, got %d", len(tools))
	}

	expectedTools := map[string]bool{
		"start_workflow":    false,
		"workflow_status":   false,
		"list_workflows":    false,
		"resume_workflow":   false,
		"list_capabilities": false,
	}
	for name := range tools {
		if _, ok := expectedTools[name]; ok {
			expectedTools[name] = true
		} else {
			t.Errorf("unexpected tool: %s", name)
		}
	}
	for name, found := range expectedTools {
		if !found {
			t.Errorf("expected tool %q not registered", name)
		}
	}
}

func TestHandleStartWorkflow(t *testing.T) {
	runs := &mockRuns{}
	s := pwmcp.NewServer(pwmcp.ServerConfig{Name: "test", Version: "0.1.0"}, pwmcp.ServerDeps{Runs: runs})

	result := callTool(t, s, "start_workflow", map[string]any{"task": "build the parser"})

	var r workflow.Run
	if err := json.Unmarshal([]byte(resultText(t, result)), &r); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if r.ThreadID != "thread-new" {
		t.Fatalf("expected thread-new, got %q", r.ThreadID)
	}
	if runs.lastTask != "build the parser" {
		t.Fatalf("task not passed through, got %q", runs.lastTask)
	}
	if runs.lastCfg != nil {
		t.Fatalf("expected nil config without overrides, got %+v", runs.lastCfg)
	}
}

func TestHandleStartWorkflowWithOverrides(t *testing.T) {
	runs := &mockRuns{}
	s := pwmcp.NewServer(pwmcp.ServerConfig{Name: "test", Version: "0.1.0"}, pwmcp.ServerDeps{Runs: runs})

	result := callTool(t, s, "start_workflow", map[string]any{
		"task":     "review the design",
		"rigidity": 0.9,
		"worker":   "litellm",
	})
	resultText(t, result)

	if runs.lastCfg == nil {
		t.Fatal("expected an explicit config")
	}
	if runs.lastCfg.Rigidity != 0.9 {
		t.Fatalf("expected rigidity 0.9, got %f", runs.lastCfg.Rigidity)
	}
	if runs.lastCfg.Worker != "litellm" {
		t.Fatalf("expected worker litellm, got %q", runs.lastCfg.Worker)
	}
}

func TestHandleStartWorkflowMissingTask(t *testing.T) {
	s := pwmcp.NewServer(pwmcp.ServerConfig{Name: "test", Version: "0.1.0"}, pwmcp.ServerDeps{Runs: &mockRuns{}})

	result := callTool(t, s, "start_workflow", nil)
	if !result.IsError {
		t.Fatal("expected error result for missing task")
	}
}

func TestHandleWorkflowStatus(t *testing.T) {
	runs := &mockRuns{
		runs: map[string]*workflow.Run{
			"thread-abc": {ThreadID: "thread-abc", Status: workflow.StatusComplete},
		},
	}
	s := pwmcp.NewServer(pwmcp.ServerConfig{Name: "test", Version: "0.1.0"}, pwmcp.ServerDeps{Runs: runs})

	result := callTool(t, s, "workflow_status", map[string]any{"thread_id": "thread-abc"})

	var r workflow.Run
	if err := json.Unmarshal([]byte(resultText(t, result)), &r); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if r.Status != workflow.StatusComplete {
		t.Fatalf("expected status %q, got %q", workflow.StatusComplete, r.Status)
	}
}

func TestHandleWorkflowStatusMissingArg(t *testing.T) {
	s := pwmcp.NewServer(pwmcp.ServerConfig{Name: "test", Version: "0.1.0"}, pwmcp.ServerDeps{Runs: &mockRuns{}})

	result := callTool(t, s, "workflow_status", nil)
	if !result.IsError {
		t.Fatal("expected error result for missing thread_id")
	}
}

func TestHandleWorkflowStatusNotFound(t *testing.T) {
	runs := &mockRuns{runs: map[string]*workflow.Run{}, err: errors.New("no such run")}
	s := pwmcp.NewServer(pwmcp.ServerConfig{Name: "test", Version: "0.1.0"}, pwmcp.ServerDeps{Runs: runs})

	result := callTool(t, s, "workflow_status", map[string]any{"thread_id": "gone"})
	if !result.IsError {
		t.Fatal("expected error result for unknown run")
	}
}

func TestHandleListWorkflows(t *testing.T) {
	runs := &mockRuns{
		runs: map[string]*workflow.Run{
			"t1": {ThreadID: "t1", Status: workflow.StatusRunning},
			"t2": {ThreadID: "t2", Status: workflow.StatusWaitingApproval},
		},
	}
	s := pwmcp.NewServer(pwmcp.ServerConfig{Name: "test", Version: "0.1.0"}, pwmcp.ServerDeps{Runs: runs})

	result := callTool(t, s, "list_workflows", map[string]any{"status": "waiting_approval"})

	var listed []workflow.Run
	if err := json.Unmarshal([]byte(resultText(t, result)), &listed); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if len(listed) != 1 || listed[0].ThreadID != "t2" {
		t.Fatalf("expected only t2, got %+v", listed)
	}
}

func TestHandleResumeWorkflow(t *testing.T) {
	runs := &mockRuns{}
	s := pwmcp.NewServer(pwmcp.ServerConfig{Name: "test", Version: "0.1.0"}, pwmcp.ServerDeps{Runs: runs})

	result := callTool(t, s, "resume_workflow", map[string]any{
		"thread_id": "thread-abc",
		"action":    "approve",
		"note":      "looks good",
	})
	resultText(t, result)

	if runs.lastDecision.Action != service.ResumeApprove {
		t.Fatalf("expected approve, got %q", runs.lastDecision.Action)
	}
	if runs.lastDecision.Note != "looks good" {
		t.Fatalf("note not passed through, got %q", runs.lastDecision.Note)
	}
}

func TestHandleResumeWorkflowMissingAction(t *testing.T) {
	s := pwmcp.NewServer(pwmcp.ServerConfig{Name: "test", Version: "0.1.0"}, pwmcp.ServerDeps{Runs: &mockRuns{}})

	result := callTool(t, s, "resume_workflow", map[string]any{"thread_id": "thread-abc"})
	if !result.IsError {
		t.Fatal("expected error result for missing action")
	}
}

func TestHandleListCapabilities(t *testing.T) {
	caps := &mockCapabilities{
		caps: []tool.Capability{
			{ID: "fs_read", Classification: tool.ClassReadOnly},
			{ID: "shell_exec", Classification: tool.ClassExecute},
		},
	}
	s := pwmcp.NewServer(pwmcp.ServerConfig{Name: "test", Version: "0.1.0"}, pwmcp.ServerDeps{Capabilities: caps})

	result := callTool(t, s, "list_capabilities", nil)

	var listed []tool.Capability
	if err := json.Unmarshal([]byte(resultText(t, result)), &listed); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 capabilities, got %d", len(listed))
	}
}

func TestHandleNilDeps(t *testing.T) {
	s := pwmcp.NewServer(pwmcp.ServerConfig{Name: "test", Version: "0.1.0"}, pwmcp.ServerDeps{})

	for _, name := range []string{"start_workflow", "workflow_status", "list_workflows", "resume_workflow", "list_capabilities"} {
		result := callTool(t, s, name, map[string]any{
			"task": "x", "thread_id": "t", "action": "approve",
		})
		if !result.IsError {
			t.Errorf("tool %q: expected error result when deps are nil", name)
		}
	}
}

// --- Auth Middleware ---

func TestAuthMiddlewareDisabled(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := pwmcp.AuthMiddleware("", next)

	req := httptest.NewRequest("GET", "/mcp", http.NoBody)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through, got %d", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := pwmcp.AuthMiddleware("sekrit", next)

	// Missing credentials.
	req := httptest.NewRequest("GET", "/mcp", http.NoBody)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	// Wrong key.
	req = httptest.NewRequest("GET", "/mcp", http.NoBody)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	// Bearer token.
	req = httptest.NewRequest("GET", "/mcp", http.NoBody)
	req.Header.Set("Authorization", "Bearer sekrit")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 with bearer token, got %d", w.Code)
	}

	// Plain API key header.
	req = httptest.NewRequest("GET", "/mcp", http.NoBody)
	req.Header.Set("X-API-Key", "sekrit")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 with api key header, got %d", w.Code)
	}
}
