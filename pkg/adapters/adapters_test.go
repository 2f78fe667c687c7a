package adapters

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gitgovernance/core/pkg/contracts"
	"github.com/gitgovernance/core/pkg/eventbus"
	"github.com/gitgovernance/core/pkg/identity"
	"github.com/gitgovernance/core/pkg/store"
	"github.com/gitgovernance/core/pkg/workflow"
)

// fixture wires the full adapter stack over a temp directory with three
// pre-registered actors: an author (developer), a reviewer, and an agent.
type fixture struct {
	ctx        context.Context
	stores     Stores
	identity   *identity.Adapter
	bus        *eventbus.Bus
	backlog    *BacklogAdapter
	executions *ExecutionAdapter
	feedback   *FeedbackAdapter
	changelogs *ChangelogAdapter
	agents     *AgentAdapter
}

const (
	authorID   = "human:author"
	reviewerID = "human:reviewer"
	agentID    = "agent:worker"
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	actors, err := store.New[contracts.ActorPayload](filepath.Join(dir, "actors"), contracts.RecordTypeActor, store.Options{Encoder: store.ScopedEncoder{}})
	require.NoError(t, err)
	keys := identity.NewFileKeyProvider(filepath.Join(dir, "actors"))

	bus := eventbus.New(nil)
	t.Cleanup(bus.Close)

	id := identity.NewAdapter(actors, keys, nil, bus, nil)

	signed := store.Options{Resolve: id.ResolveKey}
	tasks, err := store.New[contracts.TaskPayload](filepath.Join(dir, "tasks"), contracts.RecordTypeTask, signed)
	require.NoError(t, err)
	cycles, err := store.New[contracts.CyclePayload](filepath.Join(dir, "cycles"), contracts.RecordTypeCycle, signed)
	require.NoError(t, err)
	executions, err := store.New[contracts.ExecutionPayload](filepath.Join(dir, "executions"), contracts.RecordTypeExecution, signed)
	require.NoError(t, err)
	feedback, err := store.New[contracts.FeedbackPayload](filepath.Join(dir, "feedback"), contracts.RecordTypeFeedback, signed)
	require.NoError(t, err)
	changelogs, err := store.New[contracts.ChangelogPayload](filepath.Join(dir, "changelogs"), contracts.RecordTypeChangelog, signed)
	require.NoError(t, err)
	agents, err := store.New[contracts.AgentPayload](filepath.Join(dir, "agents"), contracts.RecordTypeAgent, store.Options{Resolve: id.ResolveKey, Encoder: store.ScopedEncoder{}})
	require.NoError(t, err)

	stores := Stores{
		Actors:     actors,
		Tasks:      tasks,
		Cycles:     cycles,
		Executions: executions,
		Feedback:   feedback,
		Changelogs: changelogs,
		Agents:     agents,
	}

	for _, actor := range []contracts.ActorPayload{
		{ID: authorID, Type: contracts.ActorTypeHuman, DisplayName: "Author", Roles: []string{"developer"}},
		{ID: reviewerID, Type: contracts.ActorTypeHuman, DisplayName: "Reviewer", Roles: []string{"developer", "reviewer"}},
		{ID: agentID, Type: contracts.ActorTypeAgent, DisplayName: "Worker", Roles: []string{"developer"}},
	} {
		_, err := id.CreateActor(ctx, actor)
		require.NoError(t, err)
	}

	engine := workflow.NewEngine(workflow.Default(), workflow.NewRuleRegistry())
	backlog := NewBacklogAdapter(BacklogOptions{
		Stores:   stores,
		Identity: id,
		Engine:   engine,
		Bus:      bus,
	})

	return &fixture{
		ctx:        ctx,
		stores:     stores,
		identity:   id,
		bus:        bus,
		backlog:    backlog,
		executions: NewExecutionAdapter(stores, id, backlog, bus, nil, nil),
		feedback:   NewFeedbackAdapter(stores, id, bus, nil, nil),
		changelogs: NewChangelogAdapter(stores, id, bus, nil, nil),
		agents:     NewAgentAdapter(stores, id, bus, nil, nil),
	}
}

// activeTask walks a fresh task to active: create, submit, approve by the
// reviewer, then a progress execution that auto-activates it.
func (f *fixture) activeTask(t *testing.T, title string) string {
	t.Helper()
	ctx := f.ctx

	rec, err := f.backlog.CreateTask(ctx, contracts.TaskPayload{Title: title}, authorID)
	require.NoError(t, err)
	id := rec.Payload.ID

	_, err = f.backlog.SubmitTask(ctx, id, authorID)
	require.NoError(t, err)
	_, err = f.backlog.ApproveTask(ctx, id, reviewerID, "lgtm")
	require.NoError(t, err)
	_, err = f.executions.Create(ctx, contracts.ExecutionPayload{
		TaskID: id,
		Type:   contracts.ExecutionTypeProgress,
		Title:  "started " + title,
		Result: "in progress",
	}, authorID)
	require.NoError(t, err)

	got, err := f.backlog.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, contracts.TaskStatusActive, got.Payload.Status)
	return id
}

// doneTask walks a fresh task all the way to done.
func (f *fixture) doneTask(t *testing.T, title string) string {
	t.Helper()
	id := f.activeTask(t, title)
	_, err := f.backlog.CompleteTask(f.ctx, id, authorID)
	require.NoError(t, err)
	return id
}
