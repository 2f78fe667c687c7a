package projector

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
	"github.com/gitgovernance/core/pkg/eventbus"
	"github.com/gitgovernance/core/pkg/store"
)

var projNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

type projFixture struct {
	stores adapters.Stores
	sink   *MemorySink
}

func newProjFixture(t *testing.T) *projFixture {
	t.Helper()
	dir := t.TempDir()

	tasks, err := store.New[contracts.TaskPayload](filepath.Join(dir, "tasks"), contracts.RecordTypeTask, store.Options{})
	require.NoError(t, err)
	cycles, err := store.New[contracts.CyclePayload](filepath.Join(dir, "cycles"), contracts.RecordTypeCycle, store.Options{})
	require.NoError(t, err)
	actors, err := store.New[contracts.ActorPayload](filepath.Join(dir, "actors"), contracts.RecordTypeActor, store.Options{Encoder: store.ScopedEncoder{}})
	require.NoError(t, err)
	executions, err := store.New[contracts.ExecutionPayload](filepath.Join(dir, "executions"), contracts.RecordTypeExecution, store.Options{})
	require.NoError(t, err)
	feedback, err := store.New[contracts.FeedbackPayload](filepath.Join(dir, "feedback"), contracts.RecordTypeFeedback, store.Options{})
	require.NoError(t, err)

	return &projFixture{
		stores: adapters.Stores{
			Actors:     actors,
			Tasks:      tasks,
			Cycles:     cycles,
			Executions: executions,
			Feedback:   feedback,
		},
		sink: NewMemorySink(),
	}
}

func (f *projFixture) projector(opts Options) *Projector {
	opts.Stores = f.stores
	if opts.Sink == nil {
		opts.Sink = f.sink
	}
	if opts.RepoID == "" {
		opts.RepoID = "test-repo"
	}
	return New(opts).WithClock(func() time.Time { return projNow })
}

// putUnverified writes a record with a well-formed envelope but a placeholder
// signature; the fixture stores run without a resolver.
func putUnverified[T any](t *testing.T, s *store.Store[T], rt contracts.RecordType, id string, payload T, signedAt time.Time) {
	t.Helper()
	checksum, err := canonicalize.ChecksumHex(payload)
	require.NoError(t, err)
	rec := &contracts.Record[T]{
		Header: contracts.Header{
			Version:         contracts.EnvelopeVersion,
			Type:            rt,
			PayloadChecksum: checksum,
			Signatures: []contracts.Signature{{
				KeyID:     "human:author",
				Role:      contracts.RoleAuthor,
				Notes:     "test",
				Signature: "c2lnbmF0dXJl",
				Timestamp: signedAt.Unix(),
			}},
		},
		Payload: payload,
	}
	require.NoError(t, s.Put(context.Background(), id, rec))
}

func timedID(prefix string, at time.Time, slug string) string {
	return fmt.Sprintf("%d-%s-%s", at.Unix(), prefix, slug)
}

func (f *projFixture) putTask(t *testing.T, id string, status contracts.TaskStatus, signedAt time.Time) {
	putUnverified(t, f.stores.Tasks, contracts.RecordTypeTask, id, contracts.TaskPayload{
		ID:       id,
		Title:    "Task " + id,
		Status:   status,
		Priority: contracts.TaskPriorityMedium,
	}, signedAt)
}

func (f *projFixture) putExecution(t *testing.T, id, taskID string, execType contracts.ExecutionType, signedAt time.Time) {
	putUnverified(t, f.stores.Executions, contracts.RecordTypeExecution, id, contracts.ExecutionPayload{
		ID:     id,
		TaskID: taskID,
		Type:   execType,
		Title:  "Execution " + id,
		Result: "ok",
	}, signedAt)
}

func (f *projFixture) putFeedback(t *testing.T, id, taskID string, fbType contracts.FeedbackType, status contracts.FeedbackStatus, content string, signedAt time.Time) {
	putUnverified(t, f.stores.Feedback, contracts.RecordTypeFeedback, id, contracts.FeedbackPayload{
		ID:         id,
		EntityType: "task",
		EntityID:   taskID,
		Type:       fbType,
		Status:     status,
		Content:    content,
	}, signedAt)
}

func TestComputeProjectionCountsAndMetrics(t *testing.T) {
	f := newProjFixture(t)
	ctx := context.Background()

	activeCreated := projNow.Add(-48 * time.Hour)
	activeID := timedID("task", activeCreated, "active-work")
	f.putTask(t, activeID, contracts.TaskStatusActive, projNow.Add(-1*time.Hour))
	f.putExecution(t, timedID("exec", projNow.Add(-2*time.Hour), "step"), activeID, contracts.ExecutionTypeProgress, projNow.Add(-2*time.Hour))

	doneCreated := projNow.Add(-72 * time.Hour)
	doneID := timedID("task", doneCreated, "shipped")
	f.putTask(t, doneID, contracts.TaskStatusDone, projNow.Add(-24*time.Hour))
	f.putExecution(t, timedID("exec", projNow.Add(-48*time.Hour), "start"), doneID, contracts.ExecutionTypeProgress, projNow.Add(-48*time.Hour))

	cycleID := timedID("cycle", projNow.Add(-96*time.Hour), "sprint-1")
	putUnverified(t, f.stores.Cycles, contracts.RecordTypeCycle, cycleID, contracts.CyclePayload{
		ID: cycleID, Title: "Sprint 1", Status: contracts.CycleStatusActive, TaskIDs: []string{activeID},
	}, projNow.Add(-96*time.Hour))

	putUnverified(t, f.stores.Actors, contracts.RecordTypeActor, "human:author", contracts.ActorPayload{
		ID: "human:author", Type: contracts.ActorTypeHuman, DisplayName: "Author",
		PublicKey: "cGs=", Roles: []string{"developer"}, Status: contracts.ActorStatusActive,
	}, projNow.Add(-96*time.Hour))

	data, err := f.projector(Options{}).ComputeProjection(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, data.Metrics.TotalTasks)
	assert.Equal(t, 1, data.Metrics.TotalCycles)
	assert.Equal(t, 1, data.Metrics.TasksByStatus["active"])
	assert.Equal(t, 1, data.Metrics.TasksByStatus["done"])
	assert.Equal(t, 2, data.Metrics.TasksByPriority["medium"])
	assert.Equal(t, 1, data.Metrics.Throughput7d)
	assert.InDelta(t, 48, data.Metrics.AvgLeadTimeHours, 0.1)
	assert.InDelta(t, 24, data.Metrics.AvgCycleTimeHours, 0.1)
	assert.Equal(t, 100, data.Metrics.HealthScore)

	assert.True(t, data.Metadata.IntegrityOK)
	assert.Equal(t, projNow.UnixMilli(), data.Metadata.GeneratedAt)
	assert.Equal(t, map[string]int{
		"tasks": 2, "cycles": 1, "actors": 1, "executions": 2, "feedback": 0,
	}, data.Metadata.RecordCounts)

	require.Len(t, data.EnrichedTasks, 2)
	// Sorted by ID; the active task was created later so it sorts second.
	assert.Equal(t, doneID, data.EnrichedTasks[0].ID)
	assert.Equal(t, activeID, data.EnrichedTasks[1].ID)
	active := data.EnrichedTasks[1]
	assert.Equal(t, 2, active.AgeDays)
	assert.Equal(t, 1, active.ExecutionCount)
	assert.InDelta(t, 1, active.TimeInStateHours, 0.1)
	assert.Empty(t, data.DerivedStates.StalledTasks)
}

func TestStalledTaskLowersHealthScore(t *testing.T) {
	f := newProjFixture(t)

	created := projNow.Add(-10 * 24 * time.Hour)
	id := timedID("task", created, "forgotten")
	f.putTask(t, id, contracts.TaskStatusActive, created)

	data, err := f.projector(Options{}).ComputeProjection(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{id}, data.DerivedStates.StalledTasks)
	assert.Equal(t, 85, data.Metrics.HealthScore)
}

func TestRecentExecutionClearsStall(t *testing.T) {
	f := newProjFixture(t)

	created := projNow.Add(-10 * 24 * time.Hour)
	id := timedID("task", created, "still-moving")
	f.putTask(t, id, contracts.TaskStatusActive, created)
	f.putExecution(t, timedID("exec", projNow.Add(-24*time.Hour), "update"), id, contracts.ExecutionTypeProgress, projNow.Add(-24*time.Hour))

	data, err := f.projector(Options{}).ComputeProjection(context.Background())
	require.NoError(t, err)

	assert.Empty(t, data.DerivedStates.StalledTasks)
	assert.Equal(t, 100, data.Metrics.HealthScore)
}

func TestDependencyAndClarificationDerivation(t *testing.T) {
	f := newProjFixture(t)
	recent := projNow.Add(-1 * time.Hour)

	depCreated := projNow.Add(-24 * time.Hour)
	depID := timedID("task", depCreated, "upstream")
	f.putTask(t, depID, contracts.TaskStatusActive, recent)
	f.putExecution(t, timedID("exec", recent, "dep-step"), depID, contracts.ExecutionTypeProgress, recent)

	blockedCreated := projNow.Add(-12 * time.Hour)
	blockedID := timedID("task", blockedCreated, "downstream")
	f.putTask(t, blockedID, contracts.TaskStatusActive, recent)
	f.putExecution(t, timedID("exec", recent.Add(time.Second), "work"), blockedID, contracts.ExecutionTypeProgress, recent)

	f.putFeedback(t, timedID("feedback", recent, "blocking-downstream"), blockedID,
		contracts.FeedbackTypeBlocking, contracts.FeedbackStatusOpen,
		"waiting on "+depID, recent)
	f.putFeedback(t, timedID("feedback", recent.Add(time.Second), "question-downstream"), blockedID,
		contracts.FeedbackTypeQuestion, contracts.FeedbackStatusOpen,
		"which API version?", recent)

	data, err := f.projector(Options{}).ComputeProjection(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{blockedID}, data.DerivedStates.AtRiskTasks)
	assert.Equal(t, []string{blockedID}, data.DerivedStates.BlockedByDependencyTasks)
	assert.Equal(t, []string{blockedID}, data.DerivedStates.NeedsClarificationTasks)
	assert.Empty(t, data.DerivedStates.StalledTasks)
	// 100 - 10 (at risk) - 5 (dependency) - 2 (clarification)
	assert.Equal(t, 83, data.Metrics.HealthScore)

	for _, enriched := range data.EnrichedTasks {
		if enriched.ID == blockedID {
			assert.Equal(t, []string{depID}, enriched.DependsOn)
			assert.Equal(t, 2, enriched.OpenFeedbackCount)
		}
	}
}

func TestResolvedFeedbackDoesNotDeriveStates(t *testing.T) {
	f := newProjFixture(t)
	recent := projNow.Add(-1 * time.Hour)

	id := timedID("task", projNow.Add(-12*time.Hour), "settled")
	f.putTask(t, id, contracts.TaskStatusActive, recent)
	f.putExecution(t, timedID("exec", recent, "step"), id, contracts.ExecutionTypeProgress, recent)
	f.putFeedback(t, timedID("feedback", recent, "blocking-settled"), id,
		contracts.FeedbackTypeBlocking, contracts.FeedbackStatusResolved, "was stuck", recent)

	data, err := f.projector(Options{}).ComputeProjection(context.Background())
	require.NoError(t, err)

	assert.Empty(t, data.DerivedStates.AtRiskTasks)
	assert.Empty(t, data.DerivedStates.NeedsClarificationTasks)
	assert.Equal(t, 100, data.Metrics.HealthScore)
}

func TestCorruptRecordBreaksIntegrityButNotProjection(t *testing.T) {
	f := newProjFixture(t)

	id := timedID("task", projNow.Add(-time.Hour), "fine")
	f.putTask(t, id, contracts.TaskStatusDraft, projNow.Add(-time.Hour))
	require.NoError(t, os.WriteFile(filepath.Join(f.stores.Tasks.BasePath(), "torn.json"), []byte("{not json"), 0o644))

	data, err := f.projector(Options{}).ComputeProjection(context.Background())
	require.NoError(t, err)

	assert.False(t, data.Metadata.IntegrityOK)
	assert.Equal(t, 1, data.Metrics.TotalTasks)
}

func TestRebuildPersistsThroughSink(t *testing.T) {
	f := newProjFixture(t)
	ctx := context.Background()

	id := timedID("task", projNow.Add(-time.Hour), "persisted")
	f.putTask(t, id, contracts.TaskStatusDraft, projNow.Add(-time.Hour))

	p := f.projector(Options{})
	require.NoError(t, p.Rebuild(ctx))

	stored, err := f.sink.Read(ctx, SinkContext{RepoIdentifier: "test-repo"})
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 1, stored.Metrics.TotalTasks)
}

func TestIncrementalUpdateRefreshesSingleRecord(t *testing.T) {
	f := newProjFixture(t)
	ctx := context.Background()

	id := timedID("task", projNow.Add(-time.Hour), "changing")
	f.putTask(t, id, contracts.TaskStatusDraft, projNow.Add(-time.Hour))

	p := f.projector(Options{})
	_, err := p.ComputeProjection(ctx)
	require.NoError(t, err)

	f.putTask(t, id, contracts.TaskStatusReview, projNow)
	require.NoError(t, p.IncrementalUpdate(ctx, contracts.RecordTypeTask, id))

	data := p.currentIndex()
	require.NotNil(t, data)
	assert.Equal(t, 1, data.Metrics.TasksByStatus["review"])
	assert.Zero(t, data.Metrics.TasksByStatus["draft"])
}

func TestIncrementalUpdateDropsDeletedRecord(t *testing.T) {
	f := newProjFixture(t)
	ctx := context.Background()

	id := timedID("task", projNow.Add(-time.Hour), "ephemeral")
	f.putTask(t, id, contracts.TaskStatusDraft, projNow.Add(-time.Hour))

	p := f.projector(Options{})
	_, err := p.ComputeProjection(ctx)
	require.NoError(t, err)

	require.NoError(t, f.stores.Tasks.Delete(ctx, id))
	require.NoError(t, p.IncrementalUpdate(ctx, contracts.RecordTypeTask, id))

	data := p.currentIndex()
	require.NotNil(t, data)
	assert.Zero(t, data.Metrics.TotalTasks)
}

func TestBusEventsCoalesceIntoOnePass(t *testing.T) {
	f := newProjFixture(t)
	ctx := context.Background()
	bus := eventbus.New(nil)
	defer bus.Close()

	id := timedID("task", projNow.Add(-time.Hour), "watched")
	f.putTask(t, id, contracts.TaskStatusDraft, projNow.Add(-time.Hour))

	p := f.projector(Options{Bus: bus, Coalesce: 20 * time.Millisecond})
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	f.putTask(t, id, contracts.TaskStatusReview, projNow)
	bus.Publish(contracts.Event{
		Type:   contracts.EventWatcherRecordChanged,
		Source: "watcher",
		Payload: contracts.WatcherRecordEvent{
			RecordType: contracts.RecordTypeTask,
			RecordID:   id,
		},
	})

	require.Eventually(t, func() bool {
		data, err := f.sink.Read(ctx, SinkContext{RepoIdentifier: "test-repo"})
		return err == nil && data != nil && data.Metrics.TasksByStatus["review"] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopFlushesPendingBatch(t *testing.T) {
	f := newProjFixture(t)
	ctx := context.Background()
	bus := eventbus.New(nil)
	defer bus.Close()

	id := timedID("task", projNow.Add(-time.Hour), "late")
	f.putTask(t, id, contracts.TaskStatusDraft, projNow.Add(-time.Hour))

	// A long window guarantees the batch is still pending when Stop runs.
	p := f.projector(Options{Bus: bus, Coalesce: time.Hour})
	require.NoError(t, p.Start(ctx))

	f.putTask(t, id, contracts.TaskStatusReview, projNow)
	bus.Publish(contracts.Event{
		Type:   contracts.EventWatcherRecordChanged,
		Source: "watcher",
		Payload: contracts.WatcherRecordEvent{
			RecordType: contracts.RecordTypeTask,
			RecordID:   id,
		},
	})
	require.NoError(t, bus.WaitForIdle(ctx))
	p.Stop()

	data, err := f.sink.Read(ctx, SinkContext{RepoIdentifier: "test-repo"})
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, 1, data.Metrics.TasksByStatus["review"])
}

func TestAffectedRecords(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    []recordRef
	}{
		{
			name:    "watcher payload",
			payload: contracts.WatcherRecordEvent{RecordType: contracts.RecordTypeCycle, RecordID: "c1"},
			want:    []recordRef{{contracts.RecordTypeCycle, "c1"}},
		},
		{
			name:    "task event",
			payload: map[string]any{"taskId": "t1"},
			want:    []recordRef{{contracts.RecordTypeTask, "t1"}},
		},
		{
			name:    "execution event refreshes the task too",
			payload: map[string]any{"taskId": "t1", "executionId": "e1"},
			want: []recordRef{
				{contracts.RecordTypeTask, "t1"},
				{contracts.RecordTypeExecution, "e1"},
			},
		},
		{
			name:    "cycle link event refreshes cycle and task",
			payload: map[string]any{"cycleId": "c1", "taskId": "t1", "actorId": "human:author", "op": "addTask"},
			want: []recordRef{
				{contracts.RecordTypeTask, "t1"},
				{contracts.RecordTypeCycle, "c1"},
			},
		},
		{
			name:    "move event refreshes both cycles and the task",
			payload: map[string]any{"fromCycleId": "c1", "toCycleId": "c2", "taskId": "t1", "op": "moveTask"},
			want: []recordRef{
				{contracts.RecordTypeTask, "t1"},
				{contracts.RecordTypeCycle, "c1"},
				{contracts.RecordTypeCycle, "c2"},
			},
		},
		{
			name:    "child cycle event refreshes parent and child",
			payload: map[string]any{"cycleId": "c1", "childCycleId": "c2", "op": "addChild"},
			want: []recordRef{
				{contracts.RecordTypeCycle, "c1"},
				{contracts.RecordTypeCycle, "c2"},
			},
		},
		{
			name:    "feedback event refreshes task and feedback",
			payload: map[string]any{"taskId": "t1", "feedbackId": "f1"},
			want: []recordRef{
				{contracts.RecordTypeTask, "t1"},
				{contracts.RecordTypeFeedback, "f1"},
			},
		},
		{
			name:    "lone actorId is an actor record",
			payload: map[string]any{"actorId": "human:author"},
			want:    []recordRef{{contracts.RecordTypeActor, "human:author"}},
		},
		{
			name:    "actorId alongside taskId is the acting user",
			payload: map[string]any{"actorId": "human:author", "taskId": "t1"},
			want:    []recordRef{{contracts.RecordTypeTask, "t1"}},
		},
		{
			name:    "opaque payload",
			payload: "not a record event",
			want:    nil,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, affectedRecords(contracts.Event{Payload: tc.payload}))
		})
	}
}

func TestHealthScoreBounds(t *testing.T) {
	// Enough stalled tasks floor the score at zero before the bonus.
	derived := DerivedStates{StalledTasks: []string{"a", "b", "c", "d", "e", "f", "g", "h"}}
	assert.Equal(t, 10, healthScore(IndexMetrics{Throughput7d: 15}, derived))

	// The bonus never pushes a healthy backlog past 100.
	assert.Equal(t, 100, healthScore(IndexMetrics{Throughput7d: 15}, DerivedStates{}))
}
