package localcap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"github.com/pipewright/pipewright/internal/domain"
)

// maxExecOutput bounds the captured combined output of one command.
const maxExecOutput = 64 << 10

// execResult is the structured result of a shell_exec invocation. A
// non-zero exit code is a result, not an invocation error.
type execResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
	Timeout  bool   `json:"timeout,omitempty"`
}

// execShell runs the command under sh -c in the workspace root. A
// weighted semaphore bounds concurrent executions; each one is cut off
// at the configured timeout.
func (p *Provider) execShell(ctx context.Context, args map[string]any) (string, error) {
	command := stringArg(args, "command")
	if command == "" {
		return "", fmt.Errorf("command is required: %w", domain.ErrValidation)
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("exec: acquire slot: %w", err)
	}
	defer p.sem.Release(1)

	execCtx, cancel := context.WithTimeout(ctx, p.execTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = p.root

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	runErr := cmd.Run()

	result := execResult{Output: clipOutput(output.String())}
	switch {
	case execCtx.Err() != nil && ctx.Err() == nil:
		result.Timeout = true
		result.ExitCode = -1
	case runErr != nil:
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return "", fmt.Errorf("exec %q: %w", command, runErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("exec %q: marshal: %w", command, err)
	}
	return string(out), nil
}

func clipOutput(s string) string {
	if len(s) > maxExecOutput {
		return s[:maxExecOutput] + "\n[truncated]"
	}
	return s
}
