// Package projector derives the read-optimised IndexData artifact from the
// record stores and persists it through a pluggable sink. The projection is a
// cache: it can always be rebuilt from the records, never the other way
// around.
package projector

import (
	"github.com/gitgovernance/core/pkg/contracts"
)

// IndexMetadata describes one generation of the index.
type IndexMetadata struct {
	GeneratedAt      int64          `json:"generatedAt"` // unix milliseconds
	LastCommit       string         `json:"lastCommit,omitempty"`
	IntegrityOK      bool           `json:"integrityOk"`
	RecordCounts     map[string]int `json:"recordCounts"`
	GenerationTimeMs int64          `json:"generationTimeMs"`
}

// ActivityPoint is one day of backlog activity.
type ActivityPoint struct {
	Date      string `json:"date"` // YYYY-MM-DD
	Created   int    `json:"created"`
	Completed int    `json:"completed"`
}

// IndexMetrics aggregates backlog health numbers.
type IndexMetrics struct {
	TotalTasks        int             `json:"totalTasks"`
	TotalCycles       int             `json:"totalCycles"`
	TasksByStatus     map[string]int  `json:"tasksByStatus"`
	TasksByPriority   map[string]int  `json:"tasksByPriority"`
	HealthScore       int             `json:"healthScore"` // 0..100
	Throughput7d      int             `json:"throughput7d"`
	AvgLeadTimeHours  float64         `json:"avgLeadTimeHours"`
	AvgCycleTimeHours float64         `json:"avgCycleTimeHours"`
	ActivityHistory   []ActivityPoint `json:"activityHistory"`
}

// DerivedStates lists task IDs in each computed health bucket.
type DerivedStates struct {
	StalledTasks             []string `json:"stalledTasks"`
	AtRiskTasks              []string `json:"atRiskTasks"`
	NeedsClarificationTasks  []string `json:"needsClarificationTasks"`
	BlockedByDependencyTasks []string `json:"blockedByDependencyTasks"`
}

// EnrichedTask is a task payload plus computed fields.
type EnrichedTask struct {
	contracts.TaskPayload
	AgeDays           int      `json:"ageDays"`
	TimeInStateHours  float64  `json:"timeInStateHours"`
	LastUpdated       int64    `json:"lastUpdated"` // unix seconds
	ExecutionCount    int      `json:"executionCount"`
	OpenFeedbackCount int      `json:"openFeedbackCount"`
	DependsOn         []string `json:"dependsOn,omitempty"`
}

// IndexData is the complete projection artifact.
type IndexData struct {
	Metadata      IndexMetadata                                `json:"metadata"`
	Metrics       IndexMetrics                                 `json:"metrics"`
	DerivedStates DerivedStates                                `json:"derivedStates"`
	EnrichedTasks []EnrichedTask                               `json:"enrichedTasks"`
	Tasks         []contracts.Record[contracts.TaskPayload]    `json:"tasks"`
	Cycles        []contracts.Record[contracts.CyclePayload]   `json:"cycles"`
	Actors        []contracts.Record[contracts.ActorPayload]   `json:"actors"`
	Feedback      []contracts.Record[contracts.FeedbackPayload] `json:"feedback"`
}
