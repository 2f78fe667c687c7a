package contracts

// ActorType distinguishes human operators from automated agents.
type ActorType string

const (
	ActorTypeHuman ActorType = "human"
	ActorTypeAgent ActorType = "agent"
)

// ActorStatus is the lifecycle status of an actor's key material.
type ActorStatus string

const (
	ActorStatusActive  ActorStatus = "active"
	ActorStatusRevoked ActorStatus = "revoked"
)

// ActorPayload registers an identity and its Ed25519 public key.
// The public key is immutable once registered; rotation revokes the actor
// and links the successor through SupersededBy.
type ActorPayload struct {
	ID           string      `json:"id"`
	Type         ActorType   `json:"type"`
	DisplayName  string      `json:"displayName"`
	PublicKey    string      `json:"publicKey"` // base64 Ed25519
	Roles        []string    `json:"roles"`
	Status       ActorStatus `json:"status"`
	SupersededBy string      `json:"supersededBy,omitempty"`
}

// AgentEngineType discriminates the agent execution engine variants.
type AgentEngineType string

const (
	AgentEngineLocal AgentEngineType = "local"
	AgentEngineAPI   AgentEngineType = "api"
	AgentEngineMCP   AgentEngineType = "mcp"
)

// AgentEngine is a tagged union; only the fields of the active variant are set.
type AgentEngine struct {
	Type AgentEngineType `json:"type"`

	// local
	Runtime string `json:"runtime,omitempty"`

	// api
	URL    string `json:"url,omitempty"`
	Method string `json:"method,omitempty"`

	// mcp
	Server string `json:"server,omitempty"`
	Tool   string `json:"tool,omitempty"`
}

// AgentTrigger describes when an agent should be activated.
type AgentTrigger struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Cron  string `json:"cron,omitempty"`
}

// AgentPayload binds an agent configuration to an existing actor of type agent.
type AgentPayload struct {
	ID                    string         `json:"id"`
	Engine                AgentEngine    `json:"engine"`
	Status                string         `json:"status"`
	Triggers              []AgentTrigger `json:"triggers,omitempty"`
	KnowledgeDependencies []string       `json:"knowledge_dependencies,omitempty"`
}

// TaskStatus enumerates the workflow states a task can be in.
type TaskStatus string

const (
	TaskStatusDraft     TaskStatus = "draft"
	TaskStatusReview    TaskStatus = "review"
	TaskStatusReady     TaskStatus = "ready"
	TaskStatusActive    TaskStatus = "active"
	TaskStatusDone      TaskStatus = "done"
	TaskStatusArchived  TaskStatus = "archived"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusDiscarded TaskStatus = "discarded"
)

// TaskPriority enumerates task priorities.
type TaskPriority string

const (
	TaskPriorityLow      TaskPriority = "low"
	TaskPriorityMedium   TaskPriority = "medium"
	TaskPriorityHigh     TaskPriority = "high"
	TaskPriorityCritical TaskPriority = "critical"
)

// TaskPayload is a unit of work tracked by the backlog.
type TaskPayload struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	Description string       `json:"description"`
	Tags        []string     `json:"tags"`
	CycleIDs    []string     `json:"cycleIds,omitempty"`
	References  []string     `json:"references,omitempty"`
	Notes       string       `json:"notes,omitempty"`
}

// CycleStatus enumerates cycle states.
type CycleStatus string

const (
	CycleStatusPlanning  CycleStatus = "planning"
	CycleStatusActive    CycleStatus = "active"
	CycleStatusCompleted CycleStatus = "completed"
	CycleStatusArchived  CycleStatus = "archived"
)

// CyclePayload groups tasks into a planning unit. TaskIDs and each member
// task's CycleIDs must stay bi-directionally consistent.
type CyclePayload struct {
	ID            string      `json:"id"`
	Title         string      `json:"title"`
	Status        CycleStatus `json:"status"`
	TaskIDs       []string    `json:"taskIds,omitempty"`
	ChildCycleIDs []string    `json:"childCycleIds,omitempty"`
	Tags          []string    `json:"tags,omitempty"`
	Notes         string      `json:"notes,omitempty"`
}

// ExecutionType categorizes an execution record.
type ExecutionType string

const (
	ExecutionTypeAnalysis   ExecutionType = "analysis"
	ExecutionTypeProgress   ExecutionType = "progress"
	ExecutionTypeBlocker    ExecutionType = "blocker"
	ExecutionTypeCompletion ExecutionType = "completion"
	ExecutionTypeInfo       ExecutionType = "info"
	ExecutionTypeCorrection ExecutionType = "correction"
)

// ActivatesTask reports whether an execution of this type counts as work in
// progress. Analysis and info records do not activate a task.
func (t ExecutionType) ActivatesTask() bool {
	return t != ExecutionTypeAnalysis && t != ExecutionTypeInfo
}

// ExecutionPayload is an immutable log entry of work performed on a task.
type ExecutionPayload struct {
	ID         string        `json:"id"`
	TaskID     string        `json:"taskId"`
	Type       ExecutionType `json:"type"`
	Title      string        `json:"title"`
	Result     string        `json:"result"`
	Notes      string        `json:"notes,omitempty"`
	References []string      `json:"references,omitempty"`
}

// FeedbackType categorizes a feedback record.
type FeedbackType string

const (
	FeedbackTypeBlocking      FeedbackType = "blocking"
	FeedbackTypeSuggestion    FeedbackType = "suggestion"
	FeedbackTypeQuestion      FeedbackType = "question"
	FeedbackTypeApproval      FeedbackType = "approval"
	FeedbackTypeClarification FeedbackType = "clarification"
	FeedbackTypeAssignment    FeedbackType = "assignment"
)

// FeedbackStatus is the lifecycle status of a feedback thread.
type FeedbackStatus string

const (
	FeedbackStatusOpen         FeedbackStatus = "open"
	FeedbackStatusAcknowledged FeedbackStatus = "acknowledged"
	FeedbackStatusResolved     FeedbackStatus = "resolved"
	FeedbackStatusWontfix      FeedbackStatus = "wontfix"
)

// FeedbackMaxContentLen bounds the feedback content field.
const FeedbackMaxContentLen = 5000

// FeedbackPayload attaches commentary to another record. Feedback records are
// immutable; state changes happen by creating a new feedback that points back
// through ResolvesFeedbackID.
type FeedbackPayload struct {
	ID                 string         `json:"id"`
	EntityType         string         `json:"entityType"` // task|execution|changelog|feedback|cycle
	EntityID           string         `json:"entityId"`
	Type               FeedbackType   `json:"type"`
	Status             FeedbackStatus `json:"status"`
	Content            string         `json:"content"`
	Assignee           string         `json:"assignee,omitempty"`
	ResolvesFeedbackID string         `json:"resolvesFeedbackId,omitempty"`
}

// ChangelogPayload aggregates completed tasks into a release note.
type ChangelogPayload struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Version      string   `json:"version,omitempty"`
	RelatedTasks []string `json:"relatedTasks"` // at least one, all done
	Notes        string   `json:"notes,omitempty"`
}
