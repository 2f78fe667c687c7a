package lint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitgovernance/core/pkg/adapters"
	"github.com/gitgovernance/core/pkg/canonicalize"
	"github.com/gitgovernance/core/pkg/contracts"
	"github.com/gitgovernance/core/pkg/store"
	"github.com/gitgovernance/core/pkg/workflow"
)

var lintNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

type lintFixture struct {
	stores adapters.Stores
}

func newLintFixture(t *testing.T) *lintFixture {
	t.Helper()
	dir := t.TempDir()

	actors, err := store.New[contracts.ActorPayload](filepath.Join(dir, "actors"), contracts.RecordTypeActor, store.Options{Encoder: store.ScopedEncoder{}})
	require.NoError(t, err)
	agents, err := store.New[contracts.AgentPayload](filepath.Join(dir, "agents"), contracts.RecordTypeAgent, store.Options{Encoder: store.ScopedEncoder{}})
	require.NoError(t, err)
	tasks, err := store.New[contracts.TaskPayload](filepath.Join(dir, "tasks"), contracts.RecordTypeTask, store.Options{})
	require.NoError(t, err)
	cycles, err := store.New[contracts.CyclePayload](filepath.Join(dir, "cycles"), contracts.RecordTypeCycle, store.Options{})
	require.NoError(t, err)
	executions, err := store.New[contracts.ExecutionPayload](filepath.Join(dir, "executions"), contracts.RecordTypeExecution, store.Options{})
	require.NoError(t, err)
	feedback, err := store.New[contracts.FeedbackPayload](filepath.Join(dir, "feedback"), contracts.RecordTypeFeedback, store.Options{})
	require.NoError(t, err)
	changelogs, err := store.New[contracts.ChangelogPayload](filepath.Join(dir, "changelogs"), contracts.RecordTypeChangelog, store.Options{})
	require.NoError(t, err)

	return &lintFixture{stores: adapters.Stores{
		Actors:     actors,
		Agents:     agents,
		Tasks:      tasks,
		Cycles:     cycles,
		Executions: executions,
		Feedback:   feedback,
		Changelogs: changelogs,
	}}
}

func (f *lintFixture) engine() *Engine {
	return New(Options{
		Stores: f.stores,
		Engine: workflow.NewEngine(workflow.Default(), workflow.NewRuleRegistry()),
	})
}

func (f *lintFixture) check(t *testing.T) *Report {
	t.Helper()
	report, err := f.engine().Check(context.Background())
	require.NoError(t, err)
	return report
}

// putRecord writes a record with a well-formed envelope but placeholder
// signatures; the fixture stores run without a resolver.
func putRecord[T any](t *testing.T, s *store.Store[T], rt contracts.RecordType, id string, payload T, sigs ...contracts.Signature) {
	t.Helper()
	checksum, err := canonicalize.ChecksumHex(payload)
	require.NoError(t, err)
	if len(sigs) == 0 {
		sigs = []contracts.Signature{{
			KeyID:     "human:author",
			Role:      contracts.RoleAuthor,
			Signature: "c2lnbmF0dXJl",
			Timestamp: lintNow.Unix(),
		}}
	}
	rec := &contracts.Record[T]{
		Header: contracts.Header{
			Version:         contracts.EnvelopeVersion,
			Type:            rt,
			PayloadChecksum: checksum,
			Signatures:      sigs,
		},
		Payload: payload,
	}
	require.NoError(t, s.Put(context.Background(), id, rec))
}

func timedID(prefix, slug string) string {
	return fmt.Sprintf("%d-%s-%s", lintNow.Unix(), prefix, slug)
}

func (f *lintFixture) putActor(t *testing.T, id string) {
	putRecord(t, f.stores.Actors, contracts.RecordTypeActor, id, contracts.ActorPayload{
		ID: id, Type: contracts.ActorTypeHuman, DisplayName: id,
		PublicKey: "a2V5", Status: contracts.ActorStatusActive,
	})
}

func (f *lintFixture) putTask(t *testing.T, id string, status contracts.TaskStatus, cycleIDs ...string) {
	putRecord(t, f.stores.Tasks, contracts.RecordTypeTask, id, contracts.TaskPayload{
		ID: id, Title: "Task " + id, Status: status,
		Priority: contracts.TaskPriorityMedium, CycleIDs: cycleIDs,
	})
}

func (f *lintFixture) putExecution(t *testing.T, id, taskID string) {
	putRecord(t, f.stores.Executions, contracts.RecordTypeExecution, id, contracts.ExecutionPayload{
		ID: id, TaskID: taskID, Type: contracts.ExecutionTypeProgress,
		Title: "Execution " + id, Result: "ok",
	})
}

func rulesOf(report *Report) []string {
	out := make([]string, 0, len(report.Violations))
	for _, v := range report.Violations {
		out = append(out, v.Rule)
	}
	return out
}

func findRule(report *Report, rule string) []Violation {
	var out []Violation
	for _, v := range report.Violations {
		if v.Rule == rule {
			out = append(out, v)
		}
	}
	return out
}

func TestCleanRecordSetPasses(t *testing.T) {
	f := newLintFixture(t)

	f.putActor(t, "human:camila")
	cycleID := timedID("cycle", "sprint-1")
	taskID := timedID("task", "auth")
	doneID := timedID("task", "shipped")
	execID := timedID("exec", "progress")

	f.putTask(t, taskID, contracts.TaskStatusActive, cycleID)
	f.putTask(t, doneID, contracts.TaskStatusDone)
	putRecord(t, f.stores.Cycles, contracts.RecordTypeCycle, cycleID, contracts.CyclePayload{
		ID: cycleID, Title: "Sprint 1", Status: contracts.CycleStatusActive,
		TaskIDs: []string{taskID},
	})
	f.putExecution(t, execID, taskID)
	putRecord(t, f.stores.Feedback, contracts.RecordTypeFeedback, timedID("feedback", "lgtm"), contracts.FeedbackPayload{
		ID: timedID("feedback", "lgtm"), EntityType: "task", EntityID: doneID,
		Type: contracts.FeedbackTypeApproval, Status: contracts.FeedbackStatusResolved,
		Content: "ship it", Assignee: "human:camila",
	})
	putRecord(t, f.stores.Changelogs, contracts.RecordTypeChangelog, timedID("changelog", "v1"), contracts.ChangelogPayload{
		ID: timedID("changelog", "v1"), Title: "v1.0.0", Version: "1.0.0",
		RelatedTasks: []string{doneID},
	})

	report := f.check(t)
	assert.Empty(t, report.Violations, "unexpected: %v", rulesOf(report))
	assert.False(t, report.HasErrors())
	assert.Equal(t, 7, report.CheckedRecords)
}

func TestOrphanExecutionReference(t *testing.T) {
	f := newLintFixture(t)
	execID := timedID("exec", "lost")
	f.putExecution(t, execID, "1752274000-task-missing")

	report := f.check(t)
	hits := findRule(report, "orphan-reference")
	require.Len(t, hits, 1)
	assert.Equal(t, contracts.RecordTypeExecution, hits[0].RecordType)
	assert.Equal(t, execID, hits[0].RecordID)
	assert.Equal(t, SeverityError, hits[0].Severity)
	assert.True(t, report.HasErrors())
}

func TestFeedbackEntityAndAssigneeResolution(t *testing.T) {
	f := newLintFixture(t)
	fbID := timedID("feedback", "dangling")
	putRecord(t, f.stores.Feedback, contracts.RecordTypeFeedback, fbID, contracts.FeedbackPayload{
		ID: fbID, EntityType: "task", EntityID: "1752274000-task-gone",
		Type: contracts.FeedbackTypeQuestion, Status: contracts.FeedbackStatusOpen,
		Content: "where did this go?", Assignee: "human:nobody",
	})

	report := f.check(t)
	require.Len(t, findRule(report, "orphan-reference"), 1)

	assignee := findRule(report, "orphan-assignee")
	require.Len(t, assignee, 1)
	assert.Equal(t, SeverityWarning, assignee[0].Severity)
	assert.Equal(t, 1, report.Errors())
}

func TestDanglingCycleLinks(t *testing.T) {
	f := newLintFixture(t)

	cycleID := timedID("cycle", "sprint")
	linkedID := timedID("task", "linked")
	halfID := timedID("task", "half")

	// linked: symmetric; half: cycle lists it but the task does not link back.
	f.putTask(t, linkedID, contracts.TaskStatusDraft, cycleID)
	f.putTask(t, halfID, contracts.TaskStatusDraft)
	putRecord(t, f.stores.Cycles, contracts.RecordTypeCycle, cycleID, contracts.CyclePayload{
		ID: cycleID, Title: "Sprint", Status: contracts.CycleStatusPlanning,
		TaskIDs:       []string{linkedID, halfID, "1752274000-task-ghost"},
		ChildCycleIDs: []string{"1752274000-cycle-ghost"},
	})
	// Task pointing at a cycle that does not exist.
	strayID := timedID("task", "stray")
	f.putTask(t, strayID, contracts.TaskStatusDraft, "1752274000-cycle-void")

	report := f.check(t)
	hits := findRule(report, "dangling-cycle-link")
	require.Len(t, hits, 4)
	byRecord := make(map[string]int)
	for _, v := range hits {
		byRecord[v.RecordID]++
	}
	assert.Equal(t, 3, byRecord[cycleID])
	assert.Equal(t, 1, byRecord[strayID])
}

func TestActiveTaskWithoutExecution(t *testing.T) {
	f := newLintFixture(t)

	idleID := timedID("task", "idle")
	workedID := timedID("task", "worked")
	f.putTask(t, idleID, contracts.TaskStatusActive)
	f.putTask(t, workedID, contracts.TaskStatusActive)
	f.putExecution(t, timedID("exec", "work"), workedID)

	report := f.check(t)
	hits := findRule(report, "active-without-execution")
	require.Len(t, hits, 1)
	assert.Equal(t, idleID, hits[0].RecordID)
	assert.Equal(t, SeverityWarning, hits[0].Severity)
	assert.False(t, report.HasErrors())
}

func TestActiveTaskWithOnlyAnalysisExecutions(t *testing.T) {
	f := newLintFixture(t)

	// Analysis and info records do not count as work in progress.
	taskID := timedID("task", "scoped")
	f.putTask(t, taskID, contracts.TaskStatusActive)
	for i, execType := range []contracts.ExecutionType{contracts.ExecutionTypeAnalysis, contracts.ExecutionTypeInfo} {
		execID := timedID("exec", fmt.Sprintf("note-%d", i))
		putRecord(t, f.stores.Executions, contracts.RecordTypeExecution, execID, contracts.ExecutionPayload{
			ID: execID, TaskID: taskID, Type: execType,
			Title: "Execution " + execID, Result: "noted",
		})
	}

	report := f.check(t)
	hits := findRule(report, "active-without-execution")
	require.Len(t, hits, 1)
	assert.Equal(t, taskID, hits[0].RecordID)
}

func TestMissingAuthorSignature(t *testing.T) {
	f := newLintFixture(t)
	taskID := timedID("task", "unsigned")
	putRecord(t, f.stores.Tasks, contracts.RecordTypeTask, taskID, contracts.TaskPayload{
		ID: taskID, Title: "Unsigned", Status: contracts.TaskStatusDraft,
		Priority: contracts.TaskPriorityLow,
	}, contracts.Signature{
		KeyID: "human:reviewer", Role: "approver",
		Signature: "c2ln", Timestamp: lintNow.Unix(),
	})

	report := f.check(t)
	hits := findRule(report, "missing-author-signature")
	require.Len(t, hits, 1)
	assert.Equal(t, taskID, hits[0].RecordID)
}

func TestMalformedAndMismatchedIDs(t *testing.T) {
	f := newLintFixture(t)

	// Payload ID lacks the time-indexed shape.
	putRecord(t, f.stores.Tasks, contracts.RecordTypeTask, "not-a-task-id", contracts.TaskPayload{
		ID: "not-a-task-id", Title: "Bad ID", Status: contracts.TaskStatusDraft,
		Priority: contracts.TaskPriorityLow,
	})
	// Stored under one ID, payload declares another.
	storedID := timedID("task", "outside")
	putRecord(t, f.stores.Tasks, contracts.RecordTypeTask, storedID, contracts.TaskPayload{
		ID: timedID("task", "inside"), Title: "Mismatch", Status: contracts.TaskStatusDraft,
		Priority: contracts.TaskPriorityLow,
	})

	report := f.check(t)
	assert.Len(t, findRule(report, "malformed-id"), 1)
	mismatch := findRule(report, "id-mismatch")
	require.Len(t, mismatch, 1)
	assert.Equal(t, storedID, mismatch[0].RecordID)
}

func TestChangelogRequiresDoneTasks(t *testing.T) {
	f := newLintFixture(t)

	activeID := timedID("task", "in-flight")
	f.putTask(t, activeID, contracts.TaskStatusActive)
	f.putExecution(t, timedID("exec", "wip"), activeID)

	clID := timedID("changelog", "early")
	putRecord(t, f.stores.Changelogs, contracts.RecordTypeChangelog, clID, contracts.ChangelogPayload{
		ID: clID, Title: "Premature", RelatedTasks: []string{activeID, "1752274000-task-gone"},
	})

	report := f.check(t)
	notDone := findRule(report, "changelog-task-not-done")
	require.Len(t, notDone, 1)
	assert.Contains(t, notDone[0].Message, "active")
	assert.Len(t, findRule(report, "orphan-reference"), 1)
}

func TestAgentWithoutActor(t *testing.T) {
	f := newLintFixture(t)

	putRecord(t, f.stores.Actors, contracts.RecordTypeActor, "agent:scribe", contracts.ActorPayload{
		ID: "agent:scribe", Type: contracts.ActorTypeAgent, DisplayName: "scribe",
		PublicKey: "a2V5", Status: contracts.ActorStatusActive,
	})
	putRecord(t, f.stores.Agents, contracts.RecordTypeAgent, "agent:scribe", contracts.AgentPayload{
		ID: "agent:scribe", Engine: contracts.AgentEngine{Type: contracts.AgentEngineLocal, Runtime: "shell"},
		Status: "active",
	})
	putRecord(t, f.stores.Agents, contracts.RecordTypeAgent, "agent:ghost", contracts.AgentPayload{
		ID: "agent:ghost", Engine: contracts.AgentEngine{Type: contracts.AgentEngineLocal, Runtime: "shell"},
		Status: "active",
	})

	report := f.check(t)
	hits := findRule(report, "orphan-reference")
	require.Len(t, hits, 1)
	assert.Equal(t, "agent:ghost", hits[0].RecordID)
}

func TestUnreachableStatusUnderRestrictedMethodology(t *testing.T) {
	f := newLintFixture(t)
	doneID := timedID("task", "finished")
	f.putTask(t, doneID, contracts.TaskStatusDone)

	// A methodology without a completion transition makes "done" unreachable.
	rules := workflow.NewRuleRegistry()
	m := &workflow.Methodology{
		Name: "draft-only",
		Transitions: map[string]workflow.Transition{
			"submit": {
				From:     []contracts.TaskStatus{contracts.TaskStatusDraft},
				To:       contracts.TaskStatusReview,
				Requires: workflow.Requires{Command: "submit"},
			},
		},
	}
	require.NoError(t, m.Validate(rules))

	engine := New(Options{Stores: f.stores, Engine: workflow.NewEngine(m, rules)})
	report, err := engine.Check(context.Background())
	require.NoError(t, err)

	hits := findRule(report, "unreachable-status")
	require.Len(t, hits, 1)
	assert.Equal(t, doneID, hits[0].RecordID)

	// Without a workflow engine the rule is skipped entirely.
	report, err = New(Options{Stores: f.stores}).Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, findRule(report, "unreachable-status"))
}

func TestCorruptRecordReportedNotFatal(t *testing.T) {
	f := newLintFixture(t)
	f.putTask(t, timedID("task", "fine"), contracts.TaskStatusDraft)
	require.NoError(t, os.WriteFile(
		filepath.Join(f.stores.Tasks.BasePath(), "1752274000-task-torn.json"),
		[]byte("{ not json"), 0o644))

	report := f.check(t)
	hits := findRule(report, "corrupt-record")
	require.Len(t, hits, 1)
	assert.Equal(t, "1752274000-task-torn", hits[0].RecordID)
	assert.Equal(t, 1, report.CheckedRecords)
}

func TestViolationsAreSorted(t *testing.T) {
	f := newLintFixture(t)
	f.putExecution(t, timedID("exec", "b"), "1752274000-task-gone")
	f.putExecution(t, timedID("exec", "a"), "1752274000-task-gone")

	report := f.check(t)
	require.Len(t, report.Violations, 2)
	assert.True(t, report.Violations[0].RecordID < report.Violations[1].RecordID)
}
