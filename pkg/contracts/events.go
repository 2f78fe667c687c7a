package contracts

// Event is the envelope carried by the in-process bus.
type Event struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Source    string `json:"source"`
	Payload   any    `json:"payload"`
}

// WildcardTopic receives every published event.
const WildcardTopic = "*"

// Watcher-emitted event types.
const (
	EventWatcherRecordAdded   = "watcher.record.added"
	EventWatcherRecordChanged = "watcher.record.changed"
	EventWatcherRecordDeleted = "watcher.record.deleted"
)

// Adapter-emitted event types follow "<entity>.<verb>".
const (
	EventTaskCreated   = "task.created"
	EventTaskSubmitted = "task.submitted"
	EventTaskApproved  = "task.approved"
	EventTaskActivated = "task.activated"
	EventTaskCompleted = "task.completed"
	EventTaskPaused    = "task.paused"
	EventTaskResumed   = "task.resumed"
	EventTaskDiscarded = "task.discarded"
	EventTaskDeleted   = "task.deleted"
	EventTaskAssigned  = "task.assigned"

	EventCycleCreated = "cycle.created"
	EventCycleUpdated = "cycle.updated"

	EventExecutionCreated = "execution.created"

	EventFeedbackCreated  = "feedback.created"
	EventFeedbackBlocking = "feedback.blocking"

	EventChangelogCreated = "changelog.created"

	EventAgentRegistered = "agent.registered"

	EventActorCreated = "actor.created"
)

// Workflow trigger events consulted by event gates.
const (
	EventFirstExecutionRecordCreated = "first_execution_record_created"
)

// WatcherRecordEvent is the payload of watcher.record.* events.
type WatcherRecordEvent struct {
	RecordType RecordType `json:"recordType"`
	RecordID   string     `json:"recordId"`
	FilePath   string     `json:"filePath"`
	Checksum   string     `json:"checksum,omitempty"`
}
