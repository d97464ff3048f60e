package a2a

// BuildAgentCard returns the AgentCard for the Pipewright service. The
// single skill starts a staged workflow run; progress streams over the
// WebSocket feed.
func BuildAgentCard(baseURL string) AgentCard {
	return AgentCard{
		Name:        "Pipewright",
		Description: "Staged agent workflow orchestrator with quality gates and human checkpoints",
		URL:         baseURL,
		Version:     "0.1.0",
		Skills: []Skill{
			{
				ID:          "run-workflow",
				Name:        "Run Workflow",
				Description: "Drive a task through the requirements, architecture, code, review, testing and documentation stages",
				InputModes:  []string{"text"},
				OutputModes: []string{"text"},
			},
		},
		Capabilities: struct {
			Streaming bool `json:"streaming"`
		}{Streaming: true},
	}
}
