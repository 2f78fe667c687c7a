package adapters

import (
	"context"

	"github.com/gitgovernance/core/pkg/contracts"
)

// CycleUpdate is a partial edit of a cycle's mutable fields. Nil fields are
// left untouched.
type CycleUpdate struct {
	Title  *string
	Status *contracts.CycleStatus
	Notes  *string
}

// CreateCycle persists a new cycle signed by actorID. Status defaults to
// planning; the ID is derived from the creation time and title.
func (b *BacklogAdapter) CreateCycle(ctx context.Context, payload contracts.CyclePayload, actorID string) (rec *contracts.Record[contracts.CyclePayload], err error) {
	start := b.clock()
	defer func() { record(ctx, b.metrics, "backlog", "createCycle", start, err) }()

	if payload.Title == "" {
		return nil, &contracts.InvalidEnvelopeError{Reason: "cycle title is required"}
	}
	if payload.Status == "" {
		payload.Status = contracts.CycleStatusPlanning
	}
	payload.ID = contracts.NewRecordID(contracts.RecordTypeCycle, payload.Title, b.clock())

	// Membership is established through the link operations, never at create.
	payload.TaskIDs = nil
	payload.ChildCycleIDs = nil

	rec, err = newSignedRecord(b.identity, actorID, contracts.RecordTypeCycle, payload, contracts.RoleAuthor, "")
	if err != nil {
		return nil, err
	}
	if err = b.stores.Cycles.Put(ctx, payload.ID, rec); err != nil {
		return nil, err
	}
	b.logger.Info("cycle created", "cycle", payload.ID, "actor", actorID)
	publish(b.bus, b.clock, "backlog", contracts.EventCycleCreated, map[string]any{"cycleId": payload.ID, "actorId": actorID})
	return rec, nil
}

// GetCycle fetches one cycle record.
func (b *BacklogAdapter) GetCycle(ctx context.Context, id string) (*contracts.Record[contracts.CyclePayload], error) {
	return b.stores.Cycles.Get(ctx, id)
}

// ListCycles returns all cycle IDs.
func (b *BacklogAdapter) ListCycles(ctx context.Context) ([]string, error) {
	return b.stores.Cycles.List(ctx)
}

// UpdateCycle applies a partial edit and re-signs the record.
func (b *BacklogAdapter) UpdateCycle(ctx context.Context, id string, update CycleUpdate, actorID string) (rec *contracts.Record[contracts.CyclePayload], err error) {
	start := b.clock()
	defer func() { record(ctx, b.metrics, "backlog", "updateCycle", start, err) }()

	existing, err := b.stores.Cycles.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	payload := existing.Payload
	if update.Title != nil {
		payload.Title = *update.Title
	}
	if update.Status != nil {
		payload.Status = *update.Status
	}
	if update.Notes != nil {
		payload.Notes = *update.Notes
	}

	rec, err = b.putCycle(ctx, payload, actorID, "update")
	if err != nil {
		return nil, err
	}
	publish(b.bus, b.clock, "backlog", contracts.EventCycleUpdated, map[string]any{"cycleId": id, "actorId": actorID})
	return rec, nil
}

// AddTaskToCycle links a task into a cycle, keeping cycle.taskIds and
// task.cycleIds bi-directionally consistent. The cycle is written first; if
// the task write fails the cycle is rolled back to its previous version.
// Idempotent when the link already exists.
func (b *BacklogAdapter) AddTaskToCycle(ctx context.Context, cycleID, taskID, actorID string) (err error) {
	start := b.clock()
	defer func() { record(ctx, b.metrics, "backlog", "addTaskToCycle", start, err) }()

	cycleRec, err := b.stores.Cycles.Get(ctx, cycleID)
	if err != nil {
		return err
	}
	taskRec, err := b.stores.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if containsID(cycleRec.Payload.TaskIDs, taskID) && containsID(taskRec.Payload.CycleIDs, cycleID) {
		return nil
	}

	cycle := cycleRec.Payload
	cycle.TaskIDs = appendID(cycle.TaskIDs, taskID)
	if _, err = b.putCycle(ctx, cycle, actorID, "link task"); err != nil {
		return err
	}

	task := taskRec.Payload
	task.CycleIDs = appendID(task.CycleIDs, cycleID)
	if err = b.putTaskLink(ctx, task, actorID, "link cycle"); err != nil {
		// Restore the previous cycle version so the two sides stay consistent.
		if rbErr := b.stores.Cycles.Put(ctx, cycleID, cycleRec); rbErr != nil {
			b.logger.Error("cycle rollback failed", "cycle", cycleID, "error", rbErr)
		}
		return err
	}

	publish(b.bus, b.clock, "backlog", contracts.EventCycleUpdated, map[string]any{
		"cycleId": cycleID, "taskId": taskID, "actorId": actorID, "op": "addTask",
	})
	return nil
}

// RemoveTaskFromCycle unlinks a task from a cycle, with the same write order
// and rollback as AddTaskToCycle. Idempotent when no link exists.
func (b *BacklogAdapter) RemoveTaskFromCycle(ctx context.Context, cycleID, taskID, actorID string) (err error) {
	start := b.clock()
	defer func() { record(ctx, b.metrics, "backlog", "removeTaskFromCycle", start, err) }()

	cycleRec, err := b.stores.Cycles.Get(ctx, cycleID)
	if err != nil {
		return err
	}
	taskRec, err := b.stores.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if !containsID(cycleRec.Payload.TaskIDs, taskID) && !containsID(taskRec.Payload.CycleIDs, cycleID) {
		return nil
	}

	cycle := cycleRec.Payload
	cycle.TaskIDs = removeID(cycle.TaskIDs, taskID)
	if _, err = b.putCycle(ctx, cycle, actorID, "unlink task"); err != nil {
		return err
	}

	task := taskRec.Payload
	task.CycleIDs = removeID(task.CycleIDs, cycleID)
	if err = b.putTaskLink(ctx, task, actorID, "unlink cycle"); err != nil {
		if rbErr := b.stores.Cycles.Put(ctx, cycleID, cycleRec); rbErr != nil {
			b.logger.Error("cycle rollback failed", "cycle", cycleID, "error", rbErr)
		}
		return err
	}

	publish(b.bus, b.clock, "backlog", contracts.EventCycleUpdated, map[string]any{
		"cycleId": cycleID, "taskId": taskID, "actorId": actorID, "op": "removeTask",
	})
	return nil
}

// MoveTaskBetweenCycles atomically relinks a task from one cycle to another.
func (b *BacklogAdapter) MoveTaskBetweenCycles(ctx context.Context, fromCycleID, toCycleID, taskID, actorID string) (err error) {
	start := b.clock()
	defer func() { record(ctx, b.metrics, "backlog", "moveTaskBetweenCycles", start, err) }()

	fromRec, err := b.stores.Cycles.Get(ctx, fromCycleID)
	if err != nil {
		return err
	}
	toRec, err := b.stores.Cycles.Get(ctx, toCycleID)
	if err != nil {
		return err
	}
	taskRec, err := b.stores.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}

	from := fromRec.Payload
	from.TaskIDs = removeID(from.TaskIDs, taskID)
	if _, err = b.putCycle(ctx, from, actorID, "move task out"); err != nil {
		return err
	}

	to := toRec.Payload
	to.TaskIDs = appendID(to.TaskIDs, taskID)
	if _, err = b.putCycle(ctx, to, actorID, "move task in"); err != nil {
		if rbErr := b.stores.Cycles.Put(ctx, fromCycleID, fromRec); rbErr != nil {
			b.logger.Error("cycle rollback failed", "cycle", fromCycleID, "error", rbErr)
		}
		return err
	}

	task := taskRec.Payload
	task.CycleIDs = appendID(removeID(task.CycleIDs, fromCycleID), toCycleID)
	if err = b.putTaskLink(ctx, task, actorID, "move between cycles"); err != nil {
		if rbErr := b.stores.Cycles.Put(ctx, toCycleID, toRec); rbErr != nil {
			b.logger.Error("cycle rollback failed", "cycle", toCycleID, "error", rbErr)
		}
		if rbErr := b.stores.Cycles.Put(ctx, fromCycleID, fromRec); rbErr != nil {
			b.logger.Error("cycle rollback failed", "cycle", fromCycleID, "error", rbErr)
		}
		return err
	}

	publish(b.bus, b.clock, "backlog", contracts.EventCycleUpdated, map[string]any{
		"fromCycleId": fromCycleID, "toCycleId": toCycleID, "taskId": taskID, "actorId": actorID, "op": "moveTask",
	})
	return nil
}

// AddChildCycle nests child under parent. Both must exist; a cycle cannot be
// its own child.
func (b *BacklogAdapter) AddChildCycle(ctx context.Context, parentID, childID, actorID string) (err error) {
	start := b.clock()
	defer func() { record(ctx, b.metrics, "backlog", "addChildCycle", start, err) }()

	if parentID == childID {
		return &contracts.InvalidStateError{Current: parentID, Detail: "a cycle cannot be its own child"}
	}
	parentRec, err := b.stores.Cycles.Get(ctx, parentID)
	if err != nil {
		return err
	}
	if _, err = b.stores.Cycles.Get(ctx, childID); err != nil {
		return err
	}
	if containsID(parentRec.Payload.ChildCycleIDs, childID) {
		return nil
	}

	parent := parentRec.Payload
	parent.ChildCycleIDs = appendID(parent.ChildCycleIDs, childID)
	if _, err = b.putCycle(ctx, parent, actorID, "link child cycle"); err != nil {
		return err
	}
	publish(b.bus, b.clock, "backlog", contracts.EventCycleUpdated, map[string]any{
		"cycleId": parentID, "childCycleId": childID, "actorId": actorID, "op": "addChild",
	})
	return nil
}

func (b *BacklogAdapter) putCycle(ctx context.Context, payload contracts.CyclePayload, actorID, notes string) (*contracts.Record[contracts.CyclePayload], error) {
	rec, err := newSignedRecord(b.identity, actorID, contracts.RecordTypeCycle, payload, contracts.RoleAuthor, notes)
	if err != nil {
		return nil, err
	}
	if err := b.stores.Cycles.Put(ctx, payload.ID, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *BacklogAdapter) putTaskLink(ctx context.Context, payload contracts.TaskPayload, actorID, notes string) error {
	rec, err := newSignedRecord(b.identity, actorID, contracts.RecordTypeTask, payload, contracts.RoleAuthor, notes)
	if err != nil {
		return err
	}
	return b.stores.Tasks.Put(ctx, payload.ID, rec)
}

func containsID(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func appendID(ids []string, id string) []string {
	if containsID(ids, id) {
		return ids
	}
	return append(append([]string{}, ids...), id)
}

func removeID(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}
