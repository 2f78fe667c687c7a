// Package lint evaluates cross-record invariants over the whole record set:
// reference integrity, ID shape, signature presence, and link symmetry.
// Lint reads and reports; it never mutates records.
package lint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/gitgovernance/core/pkg/adapters"
	"github.com/gitgovernance/core/pkg/contracts"
	"github.com/gitgovernance/core/pkg/observability"
	"github.com/gitgovernance/core/pkg/workflow"
)

// Severity splits violations into blockers and advisories.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Violation is one failed invariant on one record.
type Violation struct {
	Rule       string               `json:"rule"`
	Severity   Severity             `json:"severity"`
	RecordType contracts.RecordType `json:"recordType"`
	RecordID   string               `json:"recordId"`
	Message    string               `json:"message"`
}

// Report is the result of one lint pass.
type Report struct {
	Violations     []Violation `json:"violations"`
	CheckedRecords int         `json:"checkedRecords"`
}

// Errors counts error-severity violations.
func (r *Report) Errors() int {
	n := 0
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			n++
		}
	}
	return n
}

// HasErrors reports whether any blocker was found.
func (r *Report) HasErrors() bool { return r.Errors() > 0 }

// Options configure a lint engine.
type Options struct {
	Stores adapters.Stores
	// Engine, when set, enables the status-reachability rule.
	Engine  *workflow.Engine
	Metrics *observability.Provider
	Logger  *slog.Logger
}

// Engine runs the invariant rules.
type Engine struct {
	stores   adapters.Stores
	workflow *workflow.Engine
	metrics  *observability.Provider
	logger   *slog.Logger
}

// New creates a lint engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		stores:   opts.Stores,
		workflow: opts.Engine,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "lint"),
	}
}

// recordSet is the loaded state the rules run against.
type recordSet struct {
	actors     map[string]contracts.Record[contracts.ActorPayload]
	agents     map[string]contracts.Record[contracts.AgentPayload]
	tasks      map[string]contracts.Record[contracts.TaskPayload]
	cycles     map[string]contracts.Record[contracts.CyclePayload]
	executions map[string]contracts.Record[contracts.ExecutionPayload]
	feedback   map[string]contracts.Record[contracts.FeedbackPayload]
	changelogs map[string]contracts.Record[contracts.ChangelogPayload]
}

// Check loads every store and evaluates all rules. Corrupt record files are
// reported as violations, not errors: lint's job is the full damage list.
func (e *Engine) Check(ctx context.Context) (report *Report, err error) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.RecordOperation(ctx, "lint", "check", time.Since(start), err)
		}
	}()

	report = &Report{}
	set := &recordSet{
		actors:     make(map[string]contracts.Record[contracts.ActorPayload]),
		agents:     make(map[string]contracts.Record[contracts.AgentPayload]),
		tasks:      make(map[string]contracts.Record[contracts.TaskPayload]),
		cycles:     make(map[string]contracts.Record[contracts.CyclePayload]),
		executions: make(map[string]contracts.Record[contracts.ExecutionPayload]),
		feedback:   make(map[string]contracts.Record[contracts.FeedbackPayload]),
		changelogs: make(map[string]contracts.Record[contracts.ChangelogPayload]),
	}
	if err := loadStore(ctx, e.stores.Actors, contracts.RecordTypeActor, set.actors, report); err != nil {
		return nil, err
	}
	if err := loadStore(ctx, e.stores.Agents, contracts.RecordTypeAgent, set.agents, report); err != nil {
		return nil, err
	}
	if err := loadStore(ctx, e.stores.Tasks, contracts.RecordTypeTask, set.tasks, report); err != nil {
		return nil, err
	}
	if err := loadStore(ctx, e.stores.Cycles, contracts.RecordTypeCycle, set.cycles, report); err != nil {
		return nil, err
	}
	if err := loadStore(ctx, e.stores.Executions, contracts.RecordTypeExecution, set.executions, report); err != nil {
		return nil, err
	}
	if err := loadStore(ctx, e.stores.Feedback, contracts.RecordTypeFeedback, set.feedback, report); err != nil {
		return nil, err
	}
	if err := loadStore(ctx, e.stores.Changelogs, contracts.RecordTypeChangelog, set.changelogs, report); err != nil {
		return nil, err
	}

	e.checkEnvelopes(set, report)
	e.checkReferences(set, report)
	e.checkCycleLinks(set, report)
	e.checkTaskActivity(set, report)
	e.checkStatusReachability(set, report)

	sort.Slice(report.Violations, func(i, j int) bool {
		vi, vj := report.Violations[i], report.Violations[j]
		if vi.RecordID != vj.RecordID {
			return vi.RecordID < vj.RecordID
		}
		return vi.Rule < vj.Rule
	})
	return report, nil
}

// loadStore reads a whole store into a map, recording corrupt files.
func loadStore[T any](ctx context.Context, s interface {
	List(ctx context.Context) ([]string, error)
	Get(ctx context.Context, id string) (*contracts.Record[T], error)
}, rt contracts.RecordType, into map[string]contracts.Record[T], report *Report) error {
	ids, err := s.List(ctx)
	if err != nil {
		return fmt.Errorf("list %s records: %w", rt, err)
	}
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			var corrupt *contracts.CorruptRecordError
			if errors.As(err, &corrupt) {
				report.Violations = append(report.Violations, Violation{
					Rule: "corrupt-record", Severity: SeverityError,
					RecordType: rt, RecordID: id,
					Message: corrupt.Error(),
				})
				continue
			}
			return err
		}
		into[id] = *rec
		report.CheckedRecords++
	}
	return nil
}

// checkEnvelopes validates ID shape and the mandatory author signature on
// every record family.
func (e *Engine) checkEnvelopes(set *recordSet, report *Report) {
	forEachRecord(set, func(rt contracts.RecordType, id string, header contracts.Header, payloadID string) {
		if !contracts.ValidRecordID(rt, payloadID) {
			report.Violations = append(report.Violations, Violation{
				Rule: "malformed-id", Severity: SeverityError,
				RecordType: rt, RecordID: id,
				Message: fmt.Sprintf("payload id %q does not match the %s ID shape", payloadID, rt),
			})
		}
		if id != payloadID {
			report.Violations = append(report.Violations, Violation{
				Rule: "id-mismatch", Severity: SeverityError,
				RecordType: rt, RecordID: id,
				Message: fmt.Sprintf("stored under %q but payload declares %q", id, payloadID),
			})
		}
		if len(header.Signatures) == 0 || header.Signatures[0].Role != contracts.RoleAuthor {
			report.Violations = append(report.Violations, Violation{
				Rule: "missing-author-signature", Severity: SeverityError,
				RecordType: rt, RecordID: id,
				Message: "first signature must carry the author role",
			})
		}
	})
}

func forEachRecord(set *recordSet, fn func(rt contracts.RecordType, id string, header contracts.Header, payloadID string)) {
	for id, rec := range set.actors {
		fn(contracts.RecordTypeActor, id, rec.Header, rec.Payload.ID)
	}
	for id, rec := range set.agents {
		fn(contracts.RecordTypeAgent, id, rec.Header, rec.Payload.ID)
	}
	for id, rec := range set.tasks {
		fn(contracts.RecordTypeTask, id, rec.Header, rec.Payload.ID)
	}
	for id, rec := range set.cycles {
		fn(contracts.RecordTypeCycle, id, rec.Header, rec.Payload.ID)
	}
	for id, rec := range set.executions {
		fn(contracts.RecordTypeExecution, id, rec.Header, rec.Payload.ID)
	}
	for id, rec := range set.feedback {
		fn(contracts.RecordTypeFeedback, id, rec.Header, rec.Payload.ID)
	}
	for id, rec := range set.changelogs {
		fn(contracts.RecordTypeChangelog, id, rec.Header, rec.Payload.ID)
	}
}

// checkReferences verifies that every cross-record pointer resolves.
func (e *Engine) checkReferences(set *recordSet, report *Report) {
	orphan := func(rt contracts.RecordType, id, field, target string) {
		report.Violations = append(report.Violations, Violation{
			Rule: "orphan-reference", Severity: SeverityError,
			RecordType: rt, RecordID: id,
			Message: fmt.Sprintf("%s=%s does not resolve", field, target),
		})
	}

	for id, rec := range set.executions {
		if _, ok := set.tasks[rec.Payload.TaskID]; !ok {
			orphan(contracts.RecordTypeExecution, id, "taskId", rec.Payload.TaskID)
		}
	}
	for id, rec := range set.feedback {
		if !e.entityExists(set, rec.Payload.EntityType, rec.Payload.EntityID) {
			orphan(contracts.RecordTypeFeedback, id, "entityId", rec.Payload.EntityType+"/"+rec.Payload.EntityID)
		}
		if rec.Payload.Assignee != "" {
			if _, ok := set.actors[rec.Payload.Assignee]; !ok {
				report.Violations = append(report.Violations, Violation{
					Rule: "orphan-assignee", Severity: SeverityWarning,
					RecordType: contracts.RecordTypeFeedback, RecordID: id,
					Message: fmt.Sprintf("assignee %s is not a registered actor", rec.Payload.Assignee),
				})
			}
		}
	}
	for id, rec := range set.changelogs {
		for _, taskID := range rec.Payload.RelatedTasks {
			task, ok := set.tasks[taskID]
			if !ok {
				orphan(contracts.RecordTypeChangelog, id, "relatedTasks", taskID)
				continue
			}
			if task.Payload.Status != contracts.TaskStatusDone {
				report.Violations = append(report.Violations, Violation{
					Rule: "changelog-task-not-done", Severity: SeverityError,
					RecordType: contracts.RecordTypeChangelog, RecordID: id,
					Message: fmt.Sprintf("related task %s has status %s", taskID, task.Payload.Status),
				})
			}
		}
	}
	for id, rec := range set.agents {
		if _, ok := set.actors[rec.Payload.ID]; !ok {
			orphan(contracts.RecordTypeAgent, id, "id", rec.Payload.ID)
		}
	}
}

func (e *Engine) entityExists(set *recordSet, entityType, entityID string) bool {
	switch entityType {
	case "task":
		_, ok := set.tasks[entityID]
		return ok
	case "cycle":
		_, ok := set.cycles[entityID]
		return ok
	case "execution":
		_, ok := set.executions[entityID]
		return ok
	case "changelog":
		_, ok := set.changelogs[entityID]
		return ok
	case "feedback":
		_, ok := set.feedback[entityID]
		return ok
	default:
		return false
	}
}

// checkCycleLinks verifies the bidirectional task<->cycle membership and the
// child cycle references.
func (e *Engine) checkCycleLinks(set *recordSet, report *Report) {
	dangling := func(rt contracts.RecordType, id, message string) {
		report.Violations = append(report.Violations, Violation{
			Rule: "dangling-cycle-link", Severity: SeverityError,
			RecordType: rt, RecordID: id,
			Message: message,
		})
	}

	for id, rec := range set.cycles {
		for _, taskID := range rec.Payload.TaskIDs {
			task, ok := set.tasks[taskID]
			if !ok {
				dangling(contracts.RecordTypeCycle, id, fmt.Sprintf("member task %s does not exist", taskID))
				continue
			}
			if !containsID(task.Payload.CycleIDs, id) {
				dangling(contracts.RecordTypeCycle, id, fmt.Sprintf("task %s does not link back to this cycle", taskID))
			}
		}
		for _, childID := range rec.Payload.ChildCycleIDs {
			if _, ok := set.cycles[childID]; !ok {
				dangling(contracts.RecordTypeCycle, id, fmt.Sprintf("child cycle %s does not exist", childID))
			}
		}
	}
	for id, rec := range set.tasks {
		for _, cycleID := range rec.Payload.CycleIDs {
			cycle, ok := set.cycles[cycleID]
			if !ok {
				dangling(contracts.RecordTypeTask, id, fmt.Sprintf("cycle %s does not exist", cycleID))
				continue
			}
			if !containsID(cycle.Payload.TaskIDs, id) {
				dangling(contracts.RecordTypeTask, id, fmt.Sprintf("cycle %s does not list this task", cycleID))
			}
		}
	}
}

// checkTaskActivity flags active tasks with no activating execution evidence.
// Analysis and info executions do not count, mirroring the adapters'
// activation gate. The workflow makes this unreachable through the adapters,
// so any hit means records were edited out of band.
func (e *Engine) checkTaskActivity(set *recordSet, report *Report) {
	withExecutions := make(map[string]bool)
	for _, rec := range set.executions {
		if rec.Payload.Type.ActivatesTask() {
			withExecutions[rec.Payload.TaskID] = true
		}
	}
	for id, rec := range set.tasks {
		if rec.Payload.Status == contracts.TaskStatusActive && !withExecutions[id] {
			report.Violations = append(report.Violations, Violation{
				Rule: "active-without-execution", Severity: SeverityWarning,
				RecordType: contracts.RecordTypeTask, RecordID: id,
				Message: "task is active but has no activating execution records",
			})
		}
	}
}

// checkStatusReachability verifies every persisted status is reachable from
// draft under the active methodology.
func (e *Engine) checkStatusReachability(set *recordSet, report *Report) {
	if e.workflow == nil {
		return
	}
	for id, rec := range set.tasks {
		if !e.workflow.ReachableFromDraft(rec.Payload.Status) {
			report.Violations = append(report.Violations, Violation{
				Rule: "unreachable-status", Severity: SeverityError,
				RecordType: contracts.RecordTypeTask, RecordID: id,
				Message: fmt.Sprintf("status %s is not reachable under the active methodology", rec.Payload.Status),
			})
		}
	}
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
