// Package localcap implements the capability provider port against the
// local filesystem and shell, confined to a workspace root.
package localcap

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pipewright/pipewright/internal/domain"
	"github.com/pipewright/pipewright/internal/domain/tool"
	"github.com/pipewright/pipewright/internal/port/capability"
)

const providerName = "local"

const (
	// CapFSRead reads one file inside the workspace.
	CapFSRead = "fs_read"
	// CapFSSearch scans workspace files for a substring.
	CapFSSearch = "fs_search"
	// CapFSWrite creates or replaces one file inside the workspace.
	CapFSWrite = "fs_write"
	// CapShellExec runs a shell command inside the workspace.
	CapShellExec = "shell_exec"
)

const (
	maxReadBytes     = 1 << 20
	maxSearchResults = 100
)

// Provider serves filesystem and shell capabilities rooted at a workspace
// directory. Every path argument resolves inside the root; escapes are
// rejected before any I/O happens.
type Provider struct {
	root        string
	sem         *semaphore.Weighted
	execTimeout time.Duration
}

var _ capability.Provider = (*Provider)(nil)

// NewProvider creates a local provider rooted at root. maxConcurrent
// bounds simultaneous shell executions; execTimeout bounds each one.
func NewProvider(root string, maxConcurrent int, execTimeout time.Duration) (*Provider, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("localcap: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("localcap: create root: %w", err)
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if execTimeout <= 0 {
		execTimeout = 60 * time.Second
	}
	return &Provider{
		root:        abs,
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
		execTimeout: execTimeout,
	}, nil
}

// Name returns "local".
func (p *Provider) Name() string { return providerName }

// Root returns the absolute workspace root.
func (p *Provider) Root() string { return p.root }

// Capabilities returns the descriptors for the four local capabilities.
func (p *Provider) Capabilities() []tool.Capability {
	return []tool.Capability{
		{
			ID:             CapFSRead,
			Classification: tool.ClassReadOnly,
			Description:    "Read a file from the workspace",
			InputSchema:    json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"workspace-relative file path"}},"required":["path"]}`),
		},
		{
			ID:             CapFSSearch,
			Classification: tool.ClassReadOnly,
			Description:    "Search workspace files for a substring",
			InputSchema:    json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"substring to find"},"path":{"type":"string","description":"optional workspace-relative directory to search"}},"required":["query"]}`),
		},
		{
			ID:             CapFSWrite,
			Classification: tool.ClassWrite,
			Description:    "Create or replace a file in the workspace",
			InputSchema:    json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"workspace-relative file path"},"content":{"type":"string"}},"required":["path","content"]}`),
		},
		{
			ID:             CapShellExec,
			Classification: tool.ClassExecute,
			Description:    "Run a shell command in the workspace",
			InputSchema:    json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`),
		},
	}
}

// Invoke dispatches to the named capability. Argument problems wrap
// domain.ErrValidation; unknown capability IDs wrap domain.ErrNotFound.
func (p *Provider) Invoke(ctx context.Context, req *capability.Request) (string, error) {
	switch req.CapabilityID {
	case CapFSRead:
		return p.readFile(req.Arguments)
	case CapFSSearch:
		return p.searchFiles(req.Arguments)
	case CapFSWrite:
		return p.writeFile(req.Arguments)
	case CapShellExec:
		return p.execShell(ctx, req.Arguments)
	default:
		return "", fmt.Errorf("localcap: unknown capability %q: %w", req.CapabilityID, domain.ErrNotFound)
	}
}

// resolve maps a workspace-relative path to an absolute path under the
// root. A leading slash or ".." segments cannot escape: the path is
// cleaned as if rooted before joining.
func (p *Provider) resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required: %w", domain.ErrValidation)
	}
	abs := filepath.Join(p.root, filepath.Clean("/"+rel))
	if abs != p.root && !strings.HasPrefix(abs, p.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace: %w", rel, domain.ErrValidation)
	}
	return abs, nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func (p *Provider) readFile(args map[string]any) (string, error) {
	path, err := p.resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("read %s: %w", stringArg(args, "path"), domain.ErrNotFound)
		}
		return "", fmt.Errorf("read %s: %w", stringArg(args, "path"), err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("read %s: is a directory: %w", stringArg(args, "path"), domain.ErrValidation)
	}
	if info.Size() > maxReadBytes {
		return "", fmt.Errorf("read %s: file exceeds %d bytes: %w", stringArg(args, "path"), maxReadBytes, domain.ErrValidation)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", stringArg(args, "path"), err)
	}
	return string(data), nil
}

func (p *Provider) writeFile(args map[string]any) (string, error) {
	rel := stringArg(args, "path")
	path, err := p.resolve(rel)
	if err != nil {
		return "", err
	}
	content, ok := args["content"].(string)
	if !ok {
		return "", fmt.Errorf("content is required: %w", domain.ErrValidation)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("write %s: %w", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", rel, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), rel), nil
}

// searchMatch is one hit returned by fs_search.
type searchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func (p *Provider) searchFiles(args map[string]any) (string, error) {
	query := stringArg(args, "query")
	if query == "" {
		return "", fmt.Errorf("query is required: %w", domain.ErrValidation)
	}

	dir := p.root
	if rel := stringArg(args, "path"); rel != "" {
		resolved, err := p.resolve(rel)
		if err != nil {
			return "", err
		}
		dir = resolved
	}

	var matches []searchMatch
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if len(matches) >= maxSearchResults {
			return filepath.SkipAll
		}

		info, err := d.Info()
		if err != nil || info.Size() > maxReadBytes {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}

		rel, _ := filepath.Rel(p.root, path)
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, query) {
				matches = append(matches, searchMatch{Path: rel, Line: i + 1, Text: strings.TrimSpace(line)})
				if len(matches) >= maxSearchResults {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("search %q: %w", query, err)
	}

	out, err := json.Marshal(matches)
	if err != nil {
		return "", fmt.Errorf("search %q: marshal: %w", query, err)
	}
	return string(out), nil
}
