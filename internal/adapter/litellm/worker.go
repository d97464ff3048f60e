package litellm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pipewright/pipewright/internal/domain/stage"
	"github.com/pipewright/pipewright/internal/domain/workflow"
	"github.com/pipewright/pipewright/internal/port/worker"
)

const workerName = "litellm"

// defaultMaxTokens bounds one completion; CodeGeneration artifacts are
// the largest outputs and fit comfortably.
const defaultMaxTokens = 8192

// Worker executes workflow stages through the LiteLLM proxy. Each stage
// attempt is one chat completion whose reply must parse as a StageOutput.
type Worker struct {
	client    *Client
	model     string
	maxTokens int
}

var _ worker.Worker = (*Worker)(nil)

// NewWorker creates a LiteLLM stage worker. The model is used whenever a
// run's configuration does not bind one.
func NewWorker(client *Client, model string) *Worker {
	return &Worker{client: client, model: model, maxTokens: defaultMaxTokens}
}

// Register registers the LiteLLM worker factory with the given client.
func Register(client *Client, model string) {
	worker.Register(workerName, func(_ map[string]string) (worker.Worker, error) {
		return NewWorker(client, model), nil
	})
}

// Name returns "litellm".
func (w *Worker) Name() string { return workerName }

// Execute runs one stage attempt. Proxy and transport failures come back
// as workflow.WorkerFailure; replies that do not parse as a StageOutput
// come back as workflow.SchemaError.
func (w *Worker) Execute(ctx context.Context, req *worker.Request) (*workflow.StageOutput, error) {
	model := req.Model
	if model == "" {
		model = w.model
	}

	system, user := buildStagePrompt(req)
	resp, err := w.client.ChatCompletion(ctx, ChatCompletionRequest{
		Model: model,
		Messages: []ChatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
		MaxTokens:   w.maxTokens,
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Transient() {
			return nil, workflow.FatalFailure(fmt.Sprintf("litellm rejected %s request", req.Stage), err)
		}
		return nil, workflow.TransientFailure(fmt.Sprintf("litellm request for %s failed", req.Stage), err)
	}

	return parseStageOutput(req.Stage, resp.Content)
}

// parseStageOutput extracts and validates the structured reply.
func parseStageOutput(stg stage.Stage, content string) (*workflow.StageOutput, error) {
	jsonStr := extractJSON(content)

	var out workflow.StageOutput
	if err := json.Unmarshal([]byte(jsonStr), &out); err != nil {
		return nil, &workflow.SchemaError{Stage: stg.String(), Detail: err.Error()}
	}

	// An unrecognized verdict must not read as an explicit pass.
	switch out.Verdict {
	case workflow.VerdictPass, workflow.VerdictFail:
	default:
		out.Verdict = workflow.VerdictNone
	}
	out.Raw = content
	return &out, nil
}
