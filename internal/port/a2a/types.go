// Package a2a serves the agent-to-agent discovery card and a task surface
// that maps A2A tasks onto workflow runs.
package a2a

// AgentCard describes an agent's capabilities per the A2A protocol.
type AgentCard struct {
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	URL          string  `json:"url"`
	Version      string  `json:"version"`
	Skills       []Skill `json:"skills"`
	Capabilities struct {
		Streaming bool `json:"streaming"`
	} `json:"capabilities"`
}

// Skill describes a single capability of the agent.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	InputModes  []string `json:"inputModes"`
	OutputModes []string `json:"outputModes"`
}

// TaskRequest is an incoming A2A task request. Input carries the task
// description and optional overrides.
type TaskRequest struct {
	Skill   string         `json:"skill"`
	Input   map[string]any `json:"input"`
	Context map[string]any `json:"context,omitempty"`
}

// TaskResponse is an A2A task snapshot. ID is the run's thread id; Status
// is an A2A task state: "submitted", "working", "input-required",
// "completed", "canceled" or "failed".
type TaskResponse struct {
	ID     string         `json:"id"`
	Status string         `json:"status"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}
