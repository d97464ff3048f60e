package localcap_test

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/pipewright/pipewright/internal/adapter/localcap"
	"github.com/pipewright/pipewright/internal/domain"
	"github.com/pipewright/pipewright/internal/domain/tool"
	"github.com/pipewright/pipewright/internal/port/capability"
)

func testProvider(t *testing.T) *localcap.Provider {
	t.Helper()
	p, err := localcap.NewProvider(t.TempDir(), 2, 5*time.Second)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	return p
}

func invoke(t *testing.T, p *localcap.Provider, capID string, args map[string]any) (string, error) {
	t.Helper()
	return p.Invoke(context.Background(), &capability.Request{
		CapabilityID: capID,
		ThreadID:     "thread-1",
		Arguments:    args,
	})
}

func TestRegistration(t *testing.T) {
	p, err := capability.New("local", map[string]string{"root": t.TempDir()})
	if err != nil {
		t.Fatalf("expected local provider to be registered: %v", err)
	}
	if p.Name() != "local" {
		t.Fatalf("expected name 'local', got %q", p.Name())
	}
}

func TestCapabilityClassifications(t *testing.T) {
	p := testProvider(t)

	want := map[string]tool.Classification{
		localcap.CapFSRead:    tool.ClassReadOnly,
		localcap.CapFSSearch:  tool.ClassReadOnly,
		localcap.CapFSWrite:   tool.ClassWrite,
		localcap.CapShellExec: tool.ClassExecute,
	}

	caps := p.Capabilities()
	if len(caps) != len(want) {
		t.Fatalf("expected %d capabilities, got %d", len(want), len(caps))
	}
	for _, c := range caps {
		if want[c.ID] != c.Classification {
			t.Errorf("%s: classification = %s, want %s", c.ID, c.Classification, want[c.ID])
		}
		if len(c.InputSchema) == 0 {
			t.Errorf("%s: missing input schema", c.ID)
		}
	}
}

func TestWriteThenRead(t *testing.T) {
	p := testProvider(t)

	result, err := invoke(t, p, localcap.CapFSWrite, map[string]any{
		"path":    "src/main.go",
		"content": "package main\n",
	})
	if err != nil {
		t.Fatalf("fs_write: %v", err)
	}
	if !strings.Contains(result, "src/main.go") {
		t.Errorf("unexpected write result: %q", result)
	}

	content, err := invoke(t, p, localcap.CapFSRead, map[string]any{"path": "src/main.go"})
	if err != nil {
		t.Fatalf("fs_read: %v", err)
	}
	if content != "package main\n" {
		t.Errorf("content = %q", content)
	}
}

func TestReadMissingFile(t *testing.T) {
	p := testProvider(t)

	_, err := invoke(t, p, localcap.CapFSRead, map[string]any{"path": "nope.txt"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPathEscapeRejected(t *testing.T) {
	p := testProvider(t)

	for _, path := range []string{"../outside.txt", "a/../../outside.txt", "/etc/passwd"} {
		_, err := invoke(t, p, localcap.CapFSRead, map[string]any{"path": path})
		// "/etc/passwd" resolves inside the root and then fails as missing;
		// ".." escapes must be rejected as validation errors.
		if err == nil {
			t.Errorf("path %q: expected error", path)
		}
	}

	_, err := invoke(t, p, localcap.CapFSWrite, map[string]any{"path": "../evil.txt", "content": "x"})
	if err == nil {
		t.Fatal("expected write outside workspace to fail")
	}
}

func TestMissingPathArgument(t *testing.T) {
	p := testProvider(t)

	_, err := invoke(t, p, localcap.CapFSRead, map[string]any{})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestSearch(t *testing.T) {
	p := testProvider(t)

	files := map[string]string{
		"a.go":     "package a\nfunc Needle() {}\n",
		"sub/b.go": "package b\n// needle in a comment\nvar Needle = 1\n",
		"c.txt":    "nothing here\n",
	}
	for path, content := range files {
		if _, err := invoke(t, p, localcap.CapFSWrite, map[string]any{"path": path, "content": content}); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}

	result, err := invoke(t, p, localcap.CapFSSearch, map[string]any{"query": "Needle"})
	if err != nil {
		t.Fatalf("fs_search: %v", err)
	}

	var matches []struct {
		Path string `json:"path"`
		Line int    `json:"line"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(result), &matches); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d: %s", len(matches), result)
	}

	scoped, err := invoke(t, p, localcap.CapFSSearch, map[string]any{"query": "Needle", "path": "sub"})
	if err != nil {
		t.Fatalf("scoped search: %v", err)
	}
	if err := json.Unmarshal([]byte(scoped), &matches); err != nil {
		t.Fatalf("unmarshal scoped result: %v", err)
	}
	if len(matches) != 1 || matches[0].Path != "sub/b.go" {
		t.Fatalf("expected single match in sub/b.go, got %s", scoped)
	}
}

func TestShellExec(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available in test environment")
	}
	p := testProvider(t)

	result, err := invoke(t, p, localcap.CapShellExec, map[string]any{"command": "echo hello"})
	if err != nil {
		t.Fatalf("shell_exec: %v", err)
	}

	var res struct {
		ExitCode int    `json:"exit_code"`
		Output   string `json:"output"`
	}
	if err := json.Unmarshal([]byte(result), &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit_code = %d", res.ExitCode)
	}
	if strings.TrimSpace(res.Output) != "hello" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestShellExecNonZeroExit(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available in test environment")
	}
	p := testProvider(t)

	result, err := invoke(t, p, localcap.CapShellExec, map[string]any{"command": "exit 3"})
	if err != nil {
		t.Fatalf("shell_exec: %v", err)
	}

	var res struct {
		ExitCode int `json:"exit_code"`
	}
	if err := json.Unmarshal([]byte(result), &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit_code = %d, want 3", res.ExitCode)
	}
}

func TestShellExecTimeout(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available in test environment")
	}

	p, err := localcap.NewProvider(t.TempDir(), 1, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	result, err := invoke(t, p, localcap.CapShellExec, map[string]any{"command": "sleep 5"})
	if err != nil {
		t.Fatalf("shell_exec: %v", err)
	}

	var res struct {
		Timeout bool `json:"timeout"`
	}
	if err := json.Unmarshal([]byte(result), &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !res.Timeout {
		t.Errorf("expected timeout flag, got %s", result)
	}
}

func TestUnknownCapability(t *testing.T) {
	p := testProvider(t)

	_, err := invoke(t, p, "fs_delete", nil)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
