package adapters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gitgovernance/core/pkg/contracts"
	"github.com/gitgovernance/core/pkg/observability"
	"github.com/gitgovernance/core/pkg/workflow"
)

// BacklogOptions configure a BacklogAdapter.
type BacklogOptions struct {
	Stores   Stores
	Identity Identity
	Engine   *workflow.Engine
	Bus      Publisher
	Metrics  *observability.Provider
	Logger   *slog.Logger

	// SprintCapacity caps active tasks per cycle for the sprint_capacity rule.
	// Zero means no limit.
	SprintCapacity int
}

// BacklogAdapter owns the task and cycle lifecycles. Every status change goes
// through the workflow engine; every persisted version of a record carries
// signatures that verify against its current payload checksum, so approval
// signatures are accumulated on the unchanged payload before the status edit
// re-signs it. Prior versions stay recoverable through git history.
type BacklogAdapter struct {
	stores   Stores
	identity Identity
	engine   *workflow.Engine
	bus      Publisher
	metrics  *observability.Provider
	logger   *slog.Logger
	clock    func() time.Time
	capacity int
}

// NewBacklogAdapter wires a backlog adapter.
func NewBacklogAdapter(opts BacklogOptions) *BacklogAdapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BacklogAdapter{
		stores:   opts.Stores,
		identity: opts.Identity,
		engine:   opts.Engine,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "backlog"),
		clock:    time.Now,
		capacity: opts.SprintCapacity,
	}
}

// WithClock overrides the clock for tests.
func (b *BacklogAdapter) WithClock(clock func() time.Time) *BacklogAdapter {
	b.clock = clock
	return b
}

// CreateTask persists a new draft task signed by actorID. The ID is derived
// from the creation time and title; payload.ID and payload.Status are ignored.
func (b *BacklogAdapter) CreateTask(ctx context.Context, payload contracts.TaskPayload, actorID string) (rec *contracts.Record[contracts.TaskPayload], err error) {
	start := b.clock()
	defer func() { record(ctx, b.metrics, "backlog", "createTask", start, err) }()

	if payload.Title == "" {
		return nil, &contracts.InvalidEnvelopeError{Reason: "task title is required"}
	}
	if payload.Priority == "" {
		payload.Priority = contracts.TaskPriorityMedium
	}
	payload.ID = contracts.NewRecordID(contracts.RecordTypeTask, payload.Title, b.clock())
	payload.Status = contracts.TaskStatusDraft

	if exists, err := b.stores.Tasks.Exists(ctx, payload.ID); err != nil {
		return nil, err
	} else if exists {
		return nil, &contracts.DuplicateRecordError{Type: contracts.RecordTypeTask, ID: payload.ID}
	}

	rec, err = newSignedRecord(b.identity, actorID, contracts.RecordTypeTask, payload, contracts.RoleAuthor, "")
	if err != nil {
		return nil, err
	}
	if err = b.stores.Tasks.Put(ctx, payload.ID, rec); err != nil {
		return nil, err
	}
	b.logger.Info("task created", "task", payload.ID, "actor", actorID)
	publish(b.bus, b.clock, "backlog", contracts.EventTaskCreated, map[string]any{"taskId": payload.ID, "actorId": actorID})
	return rec, nil
}

// GetTask fetches one task record.
func (b *BacklogAdapter) GetTask(ctx context.Context, id string) (*contracts.Record[contracts.TaskPayload], error) {
	return b.stores.Tasks.Get(ctx, id)
}

// ListTasks returns all task IDs.
func (b *BacklogAdapter) ListTasks(ctx context.Context) ([]string, error) {
	return b.stores.Tasks.List(ctx)
}

// SubmitTask moves a draft into review.
func (b *BacklogAdapter) SubmitTask(ctx context.Context, id, actorID string) (*contracts.Record[contracts.TaskPayload], error) {
	return b.transition(ctx, id, actorID, "submit", "submit", contracts.EventTaskSubmitted)
}

// ApproveTask records an approval signature by actorID on the task and, once
// the signature gate is satisfied, moves the task from review to ready. When
// the gate needs more approvals the signature is still persisted and the task
// stays in review.
func (b *BacklogAdapter) ApproveTask(ctx context.Context, id, actorID, notes string) (rec *contracts.Record[contracts.TaskPayload], err error) {
	start := b.clock()
	defer func() { record(ctx, b.metrics, "backlog", "approveTask", start, err) }()

	rec, err = b.stores.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Reject attempts that no amount of signatures can fix (wrong status)
	// before persisting anything.
	tctx, err := b.transitionContext(ctx, rec, "approve", actorID)
	if err != nil {
		return nil, err
	}
	if _, preErr := b.engine.CanTransition(rec.Payload, "approve", tctx); preErr != nil {
		var denied *contracts.InvalidTransitionError
		if !errors.As(preErr, &denied) || denied.BlockedBy != contracts.GateSignature {
			return nil, preErr
		}
	}

	// The payload is unchanged, so the new signature covers the same checksum
	// as the existing ones and the whole set still verifies.
	sig, err := b.identity.Sign(actorID, rec.Header.PayloadChecksum, "approver", notes)
	if err != nil {
		return nil, err
	}
	signed := *rec
	signed.Header.Signatures = append(append([]contracts.Signature{}, rec.Header.Signatures...), sig)
	if err = b.stores.Tasks.Put(ctx, id, &signed); err != nil {
		return nil, err
	}
	publish(b.bus, b.clock, "backlog", contracts.EventTaskApproved, map[string]any{"taskId": id, "actorId": actorID})

	tctx, err = b.transitionContext(ctx, &signed, "approve", actorID)
	if err != nil {
		return nil, err
	}
	to, gateErr := b.engine.CanTransition(signed.Payload, "approve", tctx)
	if gateErr != nil {
		var denied *contracts.InvalidTransitionError
		if errors.As(gateErr, &denied) && denied.BlockedBy == contracts.GateSignature {
			b.logger.Info("approval recorded, gate still pending", "task", id, "detail", denied.Detail)
			return &signed, nil
		}
		return nil, gateErr
	}
	return b.applyStatus(ctx, &signed, to, actorID, "approve", "")
}

// ActivateTask moves a ready task to active. A task may not become active
// without at least one progress-or-later execution record.
func (b *BacklogAdapter) ActivateTask(ctx context.Context, id, actorID string) (rec *contracts.Record[contracts.TaskPayload], err error) {
	start := b.clock()
	defer func() { record(ctx, b.metrics, "backlog", "activateTask", start, err) }()

	rec, err = b.stores.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	qualifying, err := b.hasQualifyingExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if !qualifying {
		return nil, &contracts.InvalidTransitionError{
			From:      rec.Payload.Status,
			To:        contracts.TaskStatusActive,
			BlockedBy: contracts.GateRule,
			Detail:    fmt.Sprintf("task %s has no progress execution record", id),
		}
	}
	return b.transition(ctx, id, actorID, "activate", "activate", contracts.EventTaskActivated)
}

// AutoActivateTask applies the event-gated activation fired by the first
// qualifying execution record. The execution adapter calls this; it is not a
// user-facing command.
func (b *BacklogAdapter) AutoActivateTask(ctx context.Context, id, actorID string) (*contracts.Record[contracts.TaskPayload], error) {
	return b.transition(ctx, id, actorID, "auto_activate", contracts.EventFirstExecutionRecordCreated, contracts.EventTaskActivated)
}

// CompleteTask moves an active task to done.
func (b *BacklogAdapter) CompleteTask(ctx context.Context, id, actorID string) (*contracts.Record[contracts.TaskPayload], error) {
	return b.transition(ctx, id, actorID, "complete", "complete", contracts.EventTaskCompleted)
}

// PauseTask moves an active task to paused.
func (b *BacklogAdapter) PauseTask(ctx context.Context, id, actorID string) (*contracts.Record[contracts.TaskPayload], error) {
	return b.transition(ctx, id, actorID, "pause", "pause", contracts.EventTaskPaused)
}

// ResumeTask moves a paused task back to active.
func (b *BacklogAdapter) ResumeTask(ctx context.Context, id, actorID string) (*contracts.Record[contracts.TaskPayload], error) {
	return b.transition(ctx, id, actorID, "resume", "resume", contracts.EventTaskResumed)
}

// DiscardTask abandons a task that never reached active.
func (b *BacklogAdapter) DiscardTask(ctx context.Context, id, actorID string) (*contracts.Record[contracts.TaskPayload], error) {
	return b.transition(ctx, id, actorID, "discard", "discard", contracts.EventTaskDiscarded)
}

// ArchiveTask moves a done task to archived.
func (b *BacklogAdapter) ArchiveTask(ctx context.Context, id, actorID string) (*contracts.Record[contracts.TaskPayload], error) {
	return b.transition(ctx, id, actorID, "archive", "archive", "")
}

// DeleteTask removes a task. Only drafts may be deleted; anything further
// along is part of the audit trail and must be discarded instead.
func (b *BacklogAdapter) DeleteTask(ctx context.Context, id, actorID string) (err error) {
	start := b.clock()
	defer func() { record(ctx, b.metrics, "backlog", "deleteTask", start, err) }()

	rec, err := b.stores.Tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Payload.Status != contracts.TaskStatusDraft {
		return &contracts.InvalidStateError{
			Current: string(rec.Payload.Status),
			Detail:  "only draft tasks may be deleted; use discard",
		}
	}
	if err = b.stores.Tasks.Delete(ctx, id); err != nil {
		return err
	}
	b.logger.Info("task deleted", "task", id, "actor", actorID)
	publish(b.bus, b.clock, "backlog", contracts.EventTaskDeleted, map[string]any{"taskId": id, "actorId": actorID})
	return nil
}

// AssignTask records an assignment as a resolved feedback record pointing at
// the task. The task payload itself is untouched; assignment state lives in
// the feedback trail.
func (b *BacklogAdapter) AssignTask(ctx context.Context, taskID, assigneeID, actorID string) (fb *contracts.Record[contracts.FeedbackPayload], err error) {
	start := b.clock()
	defer func() { record(ctx, b.metrics, "backlog", "assignTask", start, err) }()

	if _, err = b.stores.Tasks.Get(ctx, taskID); err != nil {
		return nil, err
	}
	if _, err = b.identity.GetActor(ctx, assigneeID); err != nil {
		return nil, &contracts.BrokenReferenceError{Field: "assignee", ID: assigneeID}
	}

	payload := contracts.FeedbackPayload{
		EntityType: "task",
		EntityID:   taskID,
		Type:       contracts.FeedbackTypeAssignment,
		Status:     contracts.FeedbackStatusResolved,
		Content:    fmt.Sprintf("assigned to %s", assigneeID),
		Assignee:   assigneeID,
	}
	payload.ID = contracts.NewRecordID(contracts.RecordTypeFeedback, "assignment "+taskID, b.clock())

	fb, err = newSignedRecord(b.identity, actorID, contracts.RecordTypeFeedback, payload, contracts.RoleAuthor, "")
	if err != nil {
		return nil, err
	}
	if err = b.stores.Feedback.Put(ctx, payload.ID, fb); err != nil {
		return nil, err
	}
	b.logger.Info("task assigned", "task", taskID, "assignee", assigneeID, "actor", actorID)
	publish(b.bus, b.clock, "backlog", contracts.EventTaskAssigned, map[string]any{
		"taskId": taskID, "assigneeId": assigneeID, "actorId": actorID, "feedbackId": payload.ID,
	})
	return fb, nil
}

// transition runs the named workflow transition end to end: gather signers
// and rule facts, ask the engine, then persist the status edit re-signed by
// the acting actor.
func (b *BacklogAdapter) transition(ctx context.Context, id, actorID, name, trigger, eventType string) (rec *contracts.Record[contracts.TaskPayload], err error) {
	start := b.clock()
	defer func() { record(ctx, b.metrics, "backlog", name, start, err) }()

	rec, err = b.stores.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tctx, err := b.transitionContext(ctx, rec, trigger, actorID)
	if err != nil {
		return nil, err
	}
	to, err := b.engine.CanTransition(rec.Payload, name, tctx)
	if err != nil {
		return nil, err
	}
	return b.applyStatus(ctx, rec, to, actorID, name, eventType)
}

// applyStatus writes the task with its new status. The edit invalidates every
// prior signature (they cover the previous checksum), so the record is
// re-signed by the acting actor; the superseded signatures remain in git
// history.
func (b *BacklogAdapter) applyStatus(ctx context.Context, rec *contracts.Record[contracts.TaskPayload], to contracts.TaskStatus, actorID, transitionName, eventType string) (*contracts.Record[contracts.TaskPayload], error) {
	payload := rec.Payload
	from := payload.Status
	payload.Status = to

	updated, err := newSignedRecord(b.identity, actorID, contracts.RecordTypeTask, payload, contracts.RoleAuthor, transitionName)
	if err != nil {
		return nil, err
	}
	if err := b.stores.Tasks.Put(ctx, payload.ID, updated); err != nil {
		return nil, err
	}
	b.logger.Info("task transitioned", "task", payload.ID, "from", from, "to", to, "transition", transitionName, "actor", actorID)
	if eventType != "" {
		publish(b.bus, b.clock, "backlog", eventType, map[string]any{
			"taskId": payload.ID, "from": string(from), "to": string(to), "actorId": actorID,
		})
	}
	return updated, nil
}

// transitionContext assembles the signers and rule facts the gates consult.
func (b *BacklogAdapter) transitionContext(ctx context.Context, rec *contracts.Record[contracts.TaskPayload], trigger, actorID string) (workflow.TransitionContext, error) {
	signers, err := b.gatherSigners(ctx, rec)
	if err != nil {
		return workflow.TransitionContext{}, err
	}
	facts, err := b.buildFacts(ctx, rec.Payload)
	if err != nil {
		return workflow.TransitionContext{}, err
	}
	return workflow.TransitionContext{
		Trigger: trigger,
		ActorID: actorID,
		Signers: signers,
		Facts:   facts,
	}, nil
}

// gatherSigners collects the task's accumulated signatures: its own header
// plus signatures on execution and feedback records that reference it, each
// resolved to the signing actor's roles. Signatures by unknown or revoked
// actors are skipped; they no longer count toward gates.
func (b *BacklogAdapter) gatherSigners(ctx context.Context, rec *contracts.Record[contracts.TaskPayload]) ([]workflow.Signer, error) {
	sigs := append([]contracts.Signature{}, rec.Header.Signatures...)

	execIDs, err := b.stores.Executions.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range execIDs {
		exec, err := b.stores.Executions.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec.Payload.TaskID == rec.Payload.ID {
			sigs = append(sigs, exec.Header.Signatures...)
		}
	}

	fbIDs, err := b.stores.Feedback.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range fbIDs {
		fb, err := b.stores.Feedback.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if fb.Payload.EntityType == "task" && fb.Payload.EntityID == rec.Payload.ID {
			sigs = append(sigs, fb.Header.Signatures...)
		}
	}

	signers := make([]workflow.Signer, 0, len(sigs))
	for _, sig := range sigs {
		actor, err := b.identity.GetActor(ctx, sig.KeyID)
		if err != nil {
			continue
		}
		if actor.Payload.Status == contracts.ActorStatusRevoked {
			continue
		}
		signers = append(signers, workflow.Signer{
			KeyID:         sig.KeyID,
			SignatureRole: sig.Role,
			ActorRoles:    actor.Payload.Roles,
			ActorType:     actor.Payload.Type,
		})
	}
	return signers, nil
}

// buildFacts precomputes the inputs of the built-in rules.
func (b *BacklogAdapter) buildFacts(ctx context.Context, task contracts.TaskPayload) (workflow.RuleFacts, error) {
	facts := workflow.RuleFacts{
		HasLinkedCycle: len(task.CycleIDs) > 0,
		CycleCapacity:  b.capacity,
	}

	fbIDs, err := b.stores.Feedback.List(ctx)
	if err != nil {
		return facts, err
	}
	for _, id := range fbIDs {
		fb, err := b.stores.Feedback.Get(ctx, id)
		if err != nil {
			return facts, err
		}
		p := fb.Payload
		if p.EntityType == "task" && p.EntityID == task.ID &&
			p.Type == contracts.FeedbackTypeAssignment && p.Status == contracts.FeedbackStatusResolved {
			facts.HasResolvedAssignment = true
			break
		}
	}

	if len(task.CycleIDs) > 0 {
		cycle, err := b.stores.Cycles.Get(ctx, task.CycleIDs[0])
		if err != nil {
			return facts, err
		}
		for _, taskID := range cycle.Payload.TaskIDs {
			member, err := b.stores.Tasks.Get(ctx, taskID)
			if err != nil {
				continue
			}
			if member.Payload.Status == contracts.TaskStatusActive {
				facts.CycleActiveTasks++
			}
		}
	}
	return facts, nil
}

func (b *BacklogAdapter) hasQualifyingExecution(ctx context.Context, taskID string) (bool, error) {
	ids, err := b.stores.Executions.List(ctx)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		exec, err := b.stores.Executions.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if exec.Payload.TaskID == taskID && exec.Payload.Type.ActivatesTask() {
			return true, nil
		}
	}
	return false, nil
}
