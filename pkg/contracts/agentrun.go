package contracts

// AgentRunRequest is the schema handed to an external agent runner. The core
// does not prescribe the transport.
type AgentRunRequest struct {
	AgentID string `json:"agentId"`
	ActorID string `json:"actorId"`
	TaskID  string `json:"taskId"`
	RunID   string `json:"runId"`
	Input   any    `json:"input,omitempty"`
}

// AgentRunResponse is the schema an external runner must return.
type AgentRunResponse struct {
	Data      any               `json:"data,omitempty"`
	Message   string            `json:"message,omitempty"`
	Artifacts []string          `json:"artifacts,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
